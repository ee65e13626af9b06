package posting

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a Posting.
type Status string

// Posting statuses.
const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusNeedsReview Status = "needs_review"
	StatusFailed      Status = "failed"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusNeedsReview, StatusFailed:
		return true
	}
	return false
}

// CarriesError reports whether a posting in status s may hold an error message.
func (s Status) CarriesError() bool {
	return s == StatusFailed || s == StatusNeedsReview
}

// Posting is one ingested job posting and its processing state.
type Posting struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	URL     string `json:"url,omitempty"`
	URLHash string `json:"url_hash,omitempty"`
	RawText string `json:"raw_text,omitempty"`

	CompanyName    string         `json:"company_name,omitempty"`
	JobTitle       string         `json:"job_title,omitempty"`
	Location       string         `json:"location,omitempty"`
	RemotePolicy   string         `json:"remote_policy,omitempty"`
	SalaryRange    string         `json:"salary_range,omitempty"`
	Description    string         `json:"job_description,omitempty"`
	Requirements   map[string]any `json:"requirements,omitempty"`
	Benefits       []string       `json:"benefits,omitempty"`
	StructuredData map[string]any `json:"structured_data,omitempty"`

	Status               Status   `json:"status"`
	ExtractionConfidence *float64 `json:"extraction_confidence,omitempty"`
	ErrorMessage         *string  `json:"error_message"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fields returns the extracted fields the completeness gate inspects.
func (p Posting) Fields() Fields {
	return Fields{
		CompanyName:  p.CompanyName,
		JobTitle:     p.JobTitle,
		Location:     p.Location,
		RemotePolicy: p.RemotePolicy,
		SalaryRange:  p.SalaryRange,
		Description:  p.Description,
		Requirements: p.Requirements,
		Benefits:     p.Benefits,
	}
}

// ApplyFields overwrites the extracted fields with f.
func (p *Posting) ApplyFields(f Fields) {
	p.CompanyName = f.CompanyName
	p.JobTitle = f.JobTitle
	p.Location = f.Location
	p.RemotePolicy = f.RemotePolicy
	p.SalaryRange = f.SalaryRange
	p.Description = f.Description
	p.Requirements = f.Requirements
	p.Benefits = f.Benefits
}

// Normalize drops an error message the current status may not carry.
func (p *Posting) Normalize() {
	if !p.Status.CarriesError() {
		p.ErrorMessage = nil
		return
	}
	if p.ErrorMessage != nil && strings.TrimSpace(*p.ErrorMessage) == "" {
		p.ErrorMessage = nil
	}
}

// SetStatus moves the posting to status with the given error message.
func (p *Posting) SetStatus(status Status, msg string) {
	p.Status = status
	if msg == "" {
		p.ErrorMessage = nil
	} else {
		p.ErrorMessage = &msg
	}
	p.Normalize()
}

// Fields holds the structured values extracted from a posting.
type Fields struct {
	CompanyName  string         `json:"company_name"`
	JobTitle     string         `json:"job_title"`
	Location     string         `json:"location"`
	RemotePolicy string         `json:"remote_policy"`
	SalaryRange  string         `json:"salary_range"`
	Description  string         `json:"job_description"`
	Requirements map[string]any `json:"requirements,omitempty"`
	Benefits     []string       `json:"benefits,omitempty"`
}

// FieldPatch is a partial update of Fields; nil members are left untouched.
type FieldPatch struct {
	CompanyName  *string        `json:"company_name" validate:"omitempty,max=500"`
	JobTitle     *string        `json:"job_title" validate:"omitempty,max=500"`
	Location     *string        `json:"location" validate:"omitempty,max=500"`
	RemotePolicy *string        `json:"remote_policy" validate:"omitempty,oneof=remote hybrid onsite unknown"`
	SalaryRange  *string        `json:"salary_range" validate:"omitempty,max=200"`
	Description  *string        `json:"job_description" validate:"omitempty,max=100000"`
	Requirements map[string]any `json:"requirements"`
	Benefits     []string       `json:"benefits" validate:"omitempty,max=100,dive,max=500"`
}

// Empty reports whether the patch changes nothing.
func (fp FieldPatch) Empty() bool {
	return fp.CompanyName == nil && fp.JobTitle == nil && fp.Location == nil &&
		fp.RemotePolicy == nil && fp.SalaryRange == nil && fp.Description == nil &&
		fp.Requirements == nil && fp.Benefits == nil
}

// Apply returns f with the patch applied.
func (fp FieldPatch) Apply(f Fields) Fields {
	if fp.CompanyName != nil {
		f.CompanyName = strings.TrimSpace(*fp.CompanyName)
	}
	if fp.JobTitle != nil {
		f.JobTitle = strings.TrimSpace(*fp.JobTitle)
	}
	if fp.Location != nil {
		f.Location = strings.TrimSpace(*fp.Location)
	}
	if fp.RemotePolicy != nil {
		f.RemotePolicy = *fp.RemotePolicy
	}
	if fp.SalaryRange != nil {
		f.SalaryRange = strings.TrimSpace(*fp.SalaryRange)
	}
	if fp.Description != nil {
		f.Description = strings.TrimSpace(*fp.Description)
	}
	if fp.Requirements != nil {
		f.Requirements = fp.Requirements
	}
	if fp.Benefits != nil {
		f.Benefits = fp.Benefits
	}
	return f
}

// TaskKind distinguishes URL tasks from pre-supplied HTML tasks.
type TaskKind string

// Task kinds.
const (
	TaskURL  TaskKind = "url"
	TaskHTML TaskKind = "html"
)

// Task is one unit of pipeline work for a single posting.
type Task struct {
	ID        string    `json:"id"`
	PostingID string    `json:"posting_id"`
	Kind      TaskKind  `json:"kind"`
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before,omitempty"`
	Submitted time.Time `json:"submitted"`

	// Receipt is backend bookkeeping used by Ack and is never serialized.
	Receipt string `json:"-"`
}

// Filter narrows List results.
type Filter struct {
	UserID string
	Status Status
	Limit  int
}

// Event is published after the pipeline writes a final status.
type Event struct {
	PostingID   string    `json:"posting_id"`
	UserID      string    `json:"user_id"`
	Status      Status    `json:"status"`
	URLHash     string    `json:"url_hash,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}
