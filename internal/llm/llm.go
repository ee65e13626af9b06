// Package llm turns posting text into structured fields with a language model.
package llm

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/metrics"
	"github.com/JakeFAU/jobintake/internal/posting"
)

// SystemPrompt is sent with every extraction request.
const SystemPrompt = "You are a job posting parser. Extract structured information accurately. " +
	"Never invent or hallucinate details."

// PromptVersion names the embedded prompt template. The client records it in
// every extraction's structured data under PromptVersionKey, overwriting any
// value the model returned for that key. It is the only key in
// StructuredData that did not come from the model.
const (
	PromptVersion    = "job_extraction_v1"
	PromptVersionKey = "prompt_version"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxInputChars = 15000
	DefaultTimeout       = 60 * time.Second
	DefaultTemperature   = 0.1
	DefaultMaxTokens     = 2000
)

//go:embed prompts/job_extraction_v1.tmpl
var extractionPrompt string

var promptTemplate = template.Must(template.New(PromptVersion).Parse(extractionPrompt))

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// Completer is a text completion backend.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Config tunes the client.
type Config struct {
	MaxInputChars int
	Timeout       time.Duration
	Temperature   float64
	MaxTokens     int
}

// Input is the text and hints for one posting.
type Input struct {
	URL     string
	Title   string
	Company string
	Text    string
}

// Extraction is the parsed model output.
type Extraction struct {
	Fields         posting.Fields
	Confidence     *float64
	StructuredData map[string]any
	// Raw is set when the response could not be parsed.
	Raw string
	// SchemaErrors lists where a parsed response strayed from schema.json.
	SchemaErrors []string
}

// Parsed reports whether the response was decoded into fields.
func (e Extraction) Parsed() bool {
	return e.Raw == ""
}

// Client extracts postings. It is safe for concurrent use.
type Client struct {
	completer Completer
	cfg       Config
	logger    *zap.Logger
}

// New builds a Client over completer.
func New(completer Completer, cfg Config, logger *zap.Logger) (*Client, error) {
	if completer == nil {
		return nil, errors.New("llm: completer is required")
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{completer: completer, cfg: cfg, logger: logger}, nil
}

// Provider returns the backend name.
func (c *Client) Provider() string {
	return c.completer.Name()
}

// Prompt renders the extraction prompt for in.
func (c *Client) Prompt(in Input) (string, error) {
	in.Text = truncateRunes(in.Text, c.cfg.MaxInputChars)
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, in); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// Extract asks the model for structured fields. Only a failed completion
// call is an error; an unparseable response comes back with Raw set.
func (c *Client) Extract(ctx context.Context, in Input) (Extraction, error) {
	prompt, err := c.Prompt(in)
	if err != nil {
		return Extraction{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.completer.Complete(ctx, Request{
		System:      SystemPrompt,
		Prompt:      prompt,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		metrics.ObserveLLM(c.Provider(), "error", time.Since(start))
		return Extraction{}, fmt.Errorf("llm %s: %w", c.Provider(), err)
	}

	ext := Parse(resp)
	ext.StructuredData[PromptVersionKey] = PromptVersion
	outcome := "ok"
	switch {
	case !ext.Parsed():
		outcome = "unparsed"
		c.logger.Warn("llm response was not valid extraction JSON",
			zap.String("provider", c.Provider()),
			zap.String("url", in.URL),
			zap.Int("response_bytes", len(resp)),
		)
	case len(ext.SchemaErrors) > 0:
		outcome = "coerced"
		c.logger.Warn("llm response strayed from extraction schema",
			zap.String("provider", c.Provider()),
			zap.String("url", in.URL),
			zap.Strings("violations", ext.SchemaErrors),
		)
	}
	metrics.ObserveLLM(c.Provider(), outcome, time.Since(start))
	return ext, nil
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
