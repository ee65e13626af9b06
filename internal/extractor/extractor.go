// Package extractor turns posting markup into labeled plain text for the LLM.
//
// Known job boards get a site strategy with ordered selectors for each field.
// Everything else, and any site strategy that comes back thin, falls through
// to the generic extractor.
package extractor

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MinLabeledLength is the shortest site-strategy output accepted before
// falling back to the generic extractor.
const MinLabeledLength = 200

// Fields holds the parts a site strategy pulled out of a page.
type Fields struct {
	Title    string
	Company  string
	Location string
	Body     string
}

// Labeled joins the non-empty fields in the order the LLM prompt expects.
func (f Fields) Labeled() string {
	parts := make([]string, 0, 4)
	if f.Title != "" {
		parts = append(parts, "Job Title: "+f.Title)
	}
	if f.Company != "" {
		parts = append(parts, "Company: "+f.Company)
	}
	if f.Location != "" {
		parts = append(parts, "Location: "+f.Location)
	}
	if f.Body != "" {
		parts = append(parts, "Job Description:\n"+f.Body)
	}
	return strings.Join(parts, "\n")
}

// Strategy extracts fields from one family of sites.
type Strategy interface {
	Name() string
	Matches(u *url.URL) bool
	Extract(doc *goquery.Document) Fields
}

// Output is the result of an extraction.
type Output struct {
	Text     string
	Strategy string
	Fields   Fields
}

// Registry picks a strategy per URL.
type Registry struct {
	strategies []Strategy
}

// NewRegistry builds a Registry. With no strategies, Defaults() is used.
func NewRegistry(strategies ...Strategy) *Registry {
	if len(strategies) == 0 {
		strategies = Defaults()
	}
	return &Registry{strategies: strategies}
}

// Strategies returns the registered strategy names in match order.
func (r *Registry) Strategies() []string {
	names := make([]string, 0, len(r.strategies))
	for _, s := range r.strategies {
		names = append(names, s.Name())
	}
	return names
}

// Extract returns the best text for rawURL's markup.
func (r *Registry) Extract(rawURL, html string) (Output, error) {
	if s := r.match(rawURL); s != nil {
		doc, err := parse(html)
		if err != nil {
			return Output{}, err
		}
		fields := s.Extract(doc)
		if text := fields.Labeled(); len(text) >= MinLabeledLength {
			return Output{Text: text, Strategy: s.Name(), Fields: fields}, nil
		}
	}

	// Strategies remove nodes, so the generic pass parses a fresh document.
	doc, err := parse(html)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: Generic(doc), Strategy: GenericName}, nil
}

func parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func (r *Registry) match(rawURL string) Strategy {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil
	}
	for _, s := range r.strategies {
		if s.Matches(u) {
			return s
		}
	}
	return nil
}
