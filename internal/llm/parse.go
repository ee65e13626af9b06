package llm

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/JakeFAU/jobintake/internal/posting"
)

// RawExtractionKey holds the unparsed response in StructuredData.
const RawExtractionKey = "raw_extraction"

// ConfidenceKey is the response key for the model's self-reported confidence.
// Older prompts asked for "confidence", which is still read as a fallback.
const (
	ConfidenceKey       = "extraction_confidence"
	legacyConfidenceKey = "confidence"
)

//go:embed schema.json
var schemaJSON string

var extractionSchema = mustSchema(schemaJSON)

func mustSchema(raw string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("llm: invalid extraction schema: %v", err))
	}
	return s
}

// FindJSONObject returns the first balanced {...} span in s. Braces inside
// JSON strings are ignored. ok is false when no complete object exists.
func FindJSONObject(s string) (span string, ok bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		if end := matchBrace(s, start); end > 0 {
			return s[start : end+1], true
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Parse decodes a model response. A response without a decodable JSON object
// is returned as a raw extraction. An object that decodes but strays from the
// extraction schema is still parsed; the violations are listed in
// SchemaErrors and odd value types are coerced.
func Parse(resp string) Extraction {
	raw := Extraction{
		Raw:            resp,
		StructuredData: map[string]any{RawExtractionKey: resp},
	}
	span, ok := FindJSONObject(resp)
	if !ok {
		return raw
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(span), &data); err != nil || data == nil {
		return raw
	}

	return Extraction{
		Fields: posting.Fields{
			CompanyName:  text(data["company_name"]),
			JobTitle:     text(data["job_title"]),
			Location:     text(data["location"]),
			RemotePolicy: remotePolicy(data["remote_policy"]),
			SalaryRange:  text(data["salary_range"]),
			Description:  paragraphs(data["job_description"]),
			Requirements: requirements(data["requirements"]),
			Benefits:     stringList(data["benefits"]),
		},
		Confidence:     confidence(firstOf(data, ConfidenceKey, legacyConfidenceKey)),
		StructuredData: data,
		SchemaErrors:   schemaErrors(span),
	}
}

func schemaErrors(span string) []string {
	result, err := extractionSchema.Validate(gojsonschema.NewStringLoader(span))
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}
	out := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		out = append(out, e.String())
	}
	return out
}

func firstOf(data map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func text(v any) string {
	return joined(v, ", ")
}

func paragraphs(v any) string {
	return joined(v, "\n")
}

func joined(v any, sep string) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if strings.EqualFold(s, "null") {
			return ""
		}
		return s
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := joined(item, sep); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, sep)
	case map[string]any:
		for _, k := range []string{"name", "title", "value", "description"} {
			if s := joined(t[k], sep); s != "" {
				return s
			}
		}
	}
	return ""
}

func remotePolicy(v any) string {
	s := strings.ToLower(text(v))
	switch s {
	case "remote", "hybrid", "onsite", "unknown":
		return s
	case "on-site", "on site", "in office", "in-office", "office":
		return "onsite"
	case "fully remote", "remote-first", "remote first":
		return "remote"
	}
	return "unknown"
}

func requirements(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		if len(t) == 0 {
			return nil
		}
		return map[string]any{"hard_skills": t}
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return map[string]any{"hard_skills": []any{s}}
		}
	}
	return nil
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := text(item); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	}
	return nil
}

func confidence(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) {
		return nil
	}
	f = math.Max(0, math.Min(1, f))
	return &f
}
