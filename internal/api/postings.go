package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/ingest"
	"github.com/JakeFAU/jobintake/internal/posting"
	"github.com/JakeFAU/jobintake/internal/safety"
)

type ingestRequest struct {
	URLs []string `json:"urls" validate:"required,min=1,max=20,dive,required,url"`
}

type ingestHTMLRequest struct {
	URL  string `json:"url" validate:"omitempty,url"`
	HTML string `json:"html" validate:"required,max=2000000"`
}

type manualContentRequest struct {
	Content string `json:"content" validate:"required"`
}

type idsResponse struct {
	IDs []string `json:"ids"`
}

type statusResponse struct {
	ID           string         `json:"id"`
	Status       posting.Status `json:"status"`
	ErrorMessage *string        `json:"error_message"`
}

type listResponse struct {
	Postings []posting.Posting `json:"postings"`
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	ids, err := s.service.Ingest(r.Context(), userID(r.Context()), req.URLs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idsResponse{IDs: ids})
}

func (s *Server) ingestHTML(w http.ResponseWriter, r *http.Request) {
	var req ingestHTMLRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.service.IngestHTML(r.Context(), userID(r.Context()), req.URL, req.HTML)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idsResponse{IDs: []string{id}})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Retry(r.Context(), userID(r.Context()), chi.URLParam(r, "posting_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toStatus(p))
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	ids, err := s.service.RetryAllFailed(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idsResponse{IDs: ids})
}

func (s *Server) manualContent(w http.ResponseWriter, r *http.Request) {
	var req manualContentRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.service.SaveManualContent(r.Context(), userID(r.Context()), chi.URLParam(r, "posting_id"), req.Content)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updateFields(w http.ResponseWriter, r *http.Request) {
	var patch posting.FieldPatch
	if !s.decode(w, r, &patch) {
		return
	}
	p, err := s.service.UpdateFields(r.Context(), userID(r.Context()), chi.URLParam(r, "posting_id"), patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getPosting(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Get(r.Context(), userID(r.Context()), chi.URLParam(r, "posting_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Get(r.Context(), userID(r.Context()), chi.URLParam(r, "posting_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatus(p))
}

func (s *Server) listPostings(w http.ResponseWriter, r *http.Request) {
	status := posting.Status(r.URL.Query().Get("status"))
	out, err := s.service.List(r.Context(), userID(r.Context()), status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if out == nil {
		out = []posting.Posting{}
	}
	writeJSON(w, http.StatusOK, listResponse{Postings: out})
}

func (s *Server) deletePosting(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), userID(r.Context()), chi.URLParam(r, "posting_id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into dst and validates it, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		ve := verrs[0]
		return fmt.Sprintf("validation error: %s - %s", ve.Field(), ve.Tag())
	}
	return "validation error: invalid request"
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var unsafe *safety.Error
	switch {
	case errors.As(err, &unsafe):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsafe url %s: %s", unsafe.URL, unsafe.Reason))
	case errors.Is(err, ingest.ErrContentTooShort), errors.Is(err, ingest.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, posting.ErrNotFound):
		writeError(w, http.StatusNotFound, "posting not found")
	case errors.Is(err, posting.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ingest.ErrExtractionFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func toStatus(p posting.Posting) statusResponse {
	return statusResponse{ID: p.ID, Status: p.Status, ErrorMessage: p.ErrorMessage}
}
