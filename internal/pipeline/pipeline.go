// Package pipeline sequences the stages that turn a posting's source into
// structured fields: validate, fetch, extract text, LLM extraction, gate.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/extractor"
	"github.com/JakeFAU/jobintake/internal/fetcher"
	"github.com/JakeFAU/jobintake/internal/llm"
	"github.com/JakeFAU/jobintake/internal/metrics"
	"github.com/JakeFAU/jobintake/internal/posting"
)

// DefaultMaxRawText caps the stored extracted text.
const DefaultMaxRawText = 50000

// ErrNoContent is returned for an HTML task whose capture is empty.
var ErrNoContent = errors.New("No HTML content supplied")

// URLValidator rejects unsafe URLs before any fetch.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Fetcher retrieves markup for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetcher.Result, error)
}

// TextExtractor turns markup into plain text.
type TextExtractor interface {
	Extract(rawURL, html string) (extractor.Output, error)
}

// FieldExtractor turns plain text into structured fields.
type FieldExtractor interface {
	Extract(ctx context.Context, in llm.Input) (llm.Extraction, error)
}

// Config tunes the pipeline.
type Config struct {
	MaxRawText    int
	CapturePrefix string
}

// Pipeline runs the stages for one posting. It holds no per-run state.
type Pipeline struct {
	validator URLValidator
	fetcher   Fetcher
	text      TextExtractor
	fields    FieldExtractor
	blobs     posting.BlobStore
	hasher    posting.Hasher
	cfg       Config
	logger    *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithCaptureArchive stores fetched markup in blobs, keyed by content hash.
func WithCaptureArchive(blobs posting.BlobStore, hasher posting.Hasher) Option {
	return func(p *Pipeline) {
		p.blobs = blobs
		p.hasher = hasher
	}
}

// New builds a Pipeline.
func New(
	validator URLValidator,
	fetch Fetcher,
	text TextExtractor,
	fields FieldExtractor,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Pipeline {
	if cfg.MaxRawText <= 0 {
		cfg.MaxRawText = DefaultMaxRawText
	}
	if cfg.CapturePrefix == "" {
		cfg.CapturePrefix = "captures"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		validator: validator,
		fetcher:   fetch,
		text:      text,
		fields:    fields,
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Outcome is everything a run derives for a posting.
type Outcome struct {
	Fields         posting.Fields
	Confidence     *float64
	StructuredData map[string]any
	RawText        string
	Verdict        posting.Verdict
	Tier           string
	Strategy       string
}

// Apply writes the outcome onto p, including the gate's status.
func (o Outcome) Apply(p *posting.Posting) {
	p.ApplyFields(o.Fields)
	p.ExtractionConfidence = o.Confidence
	p.StructuredData = o.StructuredData
	if o.RawText != "" {
		p.RawText = o.RawText
	}
	p.SetStatus(o.Verdict.Status, o.Verdict.ErrorMessage)
}

// Run executes every stage for p. URL tasks are validated and fetched; HTML
// tasks start from the capture held in p.RawText.
func (p *Pipeline) Run(ctx context.Context, post posting.Posting, kind posting.TaskKind) (Outcome, error) {
	ctx, span := otel.Tracer("jobintake/pipeline").Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(attribute.String("posting.id", post.ID), attribute.String("task.kind", string(kind)))

	out, err := p.run(ctx, post, kind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	span.SetAttributes(attribute.String("posting.status", string(out.Verdict.Status)))
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, post posting.Posting, kind posting.TaskKind) (Outcome, error) {
	var (
		html string
		tier string
	)
	if kind == posting.TaskHTML || post.URL == "" {
		if strings.TrimSpace(post.RawText) == "" {
			return Outcome{}, posting.Permanent(ErrNoContent)
		}
		html = post.RawText
	} else {
		res, err := p.fetch(ctx, post)
		if err != nil {
			return Outcome{}, err
		}
		html = string(res.Body)
		tier = res.Tier
		p.archive(ctx, post.ID, res.Body)
	}

	start := time.Now()
	text, err := p.text.Extract(post.URL, html)
	metrics.ObserveStage("extract_text", time.Since(start))
	if err != nil {
		return Outcome{}, fmt.Errorf("extract text: %w", err)
	}
	p.logger.Debug("text extracted",
		zap.String("posting_id", post.ID),
		zap.String("strategy", text.Strategy),
		zap.Int("chars", len(text.Text)),
	)

	out, err := p.extractFields(ctx, post.URL, text.Text, text.Fields)
	if err != nil {
		return Outcome{}, err
	}
	out.Tier = tier
	out.Strategy = text.Strategy
	return out, nil
}

// RunManual runs LLM extraction and the gate over user-supplied text.
func (p *Pipeline) RunManual(ctx context.Context, post posting.Posting, text string) (Outcome, error) {
	ctx, span := otel.Tracer("jobintake/pipeline").Start(ctx, "pipeline.run_manual")
	defer span.End()
	span.SetAttributes(attribute.String("posting.id", post.ID))

	out, err := p.extractFields(ctx, post.URL, strings.TrimSpace(text), extractor.Fields{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	out.Strategy = "manual"
	return out, nil
}

func (p *Pipeline) fetch(ctx context.Context, post posting.Posting) (fetcher.Result, error) {
	start := time.Now()
	defer func() { metrics.ObserveStage("fetch", time.Since(start)) }()

	if p.validator != nil {
		if err := p.validator.Validate(ctx, post.URL); err != nil {
			return fetcher.Result{}, err
		}
	}
	res, err := p.fetcher.Fetch(ctx, post.URL)
	if err != nil {
		var chainErr *fetcher.ChainError
		if errors.As(err, &chainErr) {
			p.logger.Warn("all fetch tiers failed",
				zap.String("posting_id", post.ID),
				zap.String("url", post.URL),
				zap.String("attempts", chainErr.Summary()),
			)
		}
		return fetcher.Result{}, err
	}
	return res, nil
}

func (p *Pipeline) extractFields(ctx context.Context, url, text string, hints extractor.Fields) (Outcome, error) {
	out := Outcome{RawText: truncateRunes(text, p.cfg.MaxRawText)}
	if text == "" {
		out.Verdict = posting.Evaluate(out.Fields)
		return out, nil
	}

	start := time.Now()
	ext, err := p.fields.Extract(ctx, llm.Input{
		URL:     url,
		Title:   hints.Title,
		Company: hints.Company,
		Text:    text,
	})
	metrics.ObserveStage("llm", time.Since(start))
	if err != nil {
		return Outcome{}, fmt.Errorf("structured extraction: %w", err)
	}

	out.Fields = ext.Fields
	out.Confidence = ext.Confidence
	out.StructuredData = ext.StructuredData
	out.Verdict = posting.Evaluate(ext.Fields)
	return out, nil
}

func (p *Pipeline) archive(ctx context.Context, postingID string, body []byte) {
	if p.blobs == nil || p.hasher == nil {
		return
	}
	hash, err := p.hasher.Hash(body)
	if err != nil {
		p.logger.Warn("hash capture failed", zap.String("posting_id", postingID), zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s/%s.html", strings.Trim(p.cfg.CapturePrefix, "/"), postingID, hash)
	uri, err := p.blobs.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("archive capture failed", zap.String("posting_id", postingID), zap.Error(err))
		return
	}
	p.logger.Debug("capture archived", zap.String("posting_id", postingID), zap.String("uri", uri))
}

func truncateRunes(s string, limit int) string {
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
