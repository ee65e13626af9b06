package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const goodResponse = `Here is the data:
{"company_name": "Acme", "job_title": "Platform Engineer", "location": "Berlin",
 "remote_policy": "Hybrid", "salary_range": 120000, "job_description": "Run the {core} platform",
 "requirements": ["Go", "Kubernetes"], "benefits": ["Equity", 30], "extraction_confidence": 1.7}
Thanks!`

func TestFindJSONObject(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, true},
		{"prose around", "sure! {\"a\":{\"b\":2}} done", `{"a":{"b":2}}`, true},
		{"brace in string", `{"a":"x}y"}`, `{"a":"x}y"}`, true},
		{"escaped quote", `{"a":"say \"}\" ok"}`, `{"a":"say \"}\" ok"}`, true},
		{"first of two", `{"a":1} {"b":2}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"unclosed outer", `{ oops {"a":1}`, `{"a":1}`, true},
		{"none", "no json here", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := FindJSONObject(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseCoercesFields(t *testing.T) {
	t.Parallel()

	ext := Parse(goodResponse)
	require.True(t, ext.Parsed())
	assert.Equal(t, "Acme", ext.Fields.CompanyName)
	assert.Equal(t, "Platform Engineer", ext.Fields.JobTitle)
	assert.Equal(t, "hybrid", ext.Fields.RemotePolicy)
	assert.Equal(t, "120000", ext.Fields.SalaryRange)
	assert.Equal(t, "Run the {core} platform", ext.Fields.Description)
	assert.Equal(t, map[string]any{"hard_skills": []any{"Go", "Kubernetes"}}, ext.Fields.Requirements)
	assert.Equal(t, []string{"Equity", "30"}, ext.Fields.Benefits)
	require.NotNil(t, ext.Confidence)
	assert.InDelta(t, 1.0, *ext.Confidence, 1e-9)
	assert.Equal(t, "Acme", ext.StructuredData["company_name"])
}

func TestParseNullsAndLegacyConfidence(t *testing.T) {
	t.Parallel()

	ext := Parse(`{"company_name": null, "job_title": "null", "remote_policy": "flexible", "confidence": "0.4"}`)
	require.True(t, ext.Parsed())
	assert.Empty(t, ext.Fields.CompanyName)
	assert.Empty(t, ext.Fields.JobTitle)
	assert.Equal(t, "unknown", ext.Fields.RemotePolicy)
	require.NotNil(t, ext.Confidence)
	assert.InDelta(t, 0.4, *ext.Confidence, 1e-9)
	assert.Nil(t, ext.Fields.Requirements)
}

func TestParseFailureKeepsRawResponse(t *testing.T) {
	t.Parallel()

	for _, resp := range []string{
		"I could not find a job posting.",
		`{"company_name": "Acme", "job_title": }`,
		`{"company_name": "Acme"`,
	} {
		ext := Parse(resp)
		assert.False(t, ext.Parsed(), resp)
		assert.Equal(t, resp, ext.Raw)
		assert.Equal(t, map[string]any{RawExtractionKey: resp}, ext.StructuredData)
	}
}

func TestParseReadsExtractionConfidence(t *testing.T) {
	t.Parallel()

	ext := Parse(`{"company_name": "Acme", "job_title": "SRE", "extraction_confidence": 0.8, "confidence": 0.1}`)
	require.True(t, ext.Parsed())
	require.NotNil(t, ext.Confidence)
	assert.InDelta(t, 0.8, *ext.Confidence, 1e-9)
	assert.Empty(t, ext.SchemaErrors)
}

func TestParseCoercesSchemaMismatches(t *testing.T) {
	t.Parallel()

	resp := `{"company_name": "Acme", "job_title": ["Senior", "Platform Engineer"],
		"job_description": ["Own the deploy pipeline", "Mentor engineers"],
		"benefits": [{"name": "401k"}, {"title": "Equity"}, {"other": 1}]}`
	ext := Parse(resp)
	require.True(t, ext.Parsed())
	assert.Empty(t, ext.Raw)
	assert.NotEmpty(t, ext.SchemaErrors)
	assert.Equal(t, "Acme", ext.Fields.CompanyName)
	assert.Equal(t, "Senior, Platform Engineer", ext.Fields.JobTitle)
	assert.Equal(t, "Own the deploy pipeline\nMentor engineers", ext.Fields.Description)
	assert.Equal(t, []string{"401k", "Equity"}, ext.Fields.Benefits)
	assert.Equal(t, "Acme", ext.StructuredData["company_name"])
	assert.NotContains(t, ext.StructuredData, RawExtractionKey)
}

func TestClientExtractWarnsOnSchemaMismatch(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	client, err := New(NewFake(`{"company_name": "Acme", "job_description": ["a", "b"]}`), Config{}, zap.New(core))
	require.NoError(t, err)
	ext, err := client.Extract(context.Background(), Input{URL: "https://jobs.example.com/2", Text: "x"})
	require.NoError(t, err)
	assert.True(t, ext.Parsed())
	assert.Equal(t, "a\nb", ext.Fields.Description)
	require.Equal(t, 1, logs.FilterMessage("llm response strayed from extraction schema").Len())
}

func TestClientExtractSendsRequest(t *testing.T) {
	t.Parallel()

	fake := NewFake(goodResponse)
	client, err := New(fake, Config{MaxInputChars: 10}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "fake", client.Provider())

	ext, err := client.Extract(context.Background(), Input{
		URL:   "https://jobs.example.com/1",
		Title: "Platform Engineer",
		Text:  "0123456789abcdef",
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme", ext.Fields.CompanyName)
	assert.Equal(t, PromptVersion, ext.StructuredData[PromptVersionKey])

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, SystemPrompt, reqs[0].System)
	assert.InDelta(t, DefaultTemperature, reqs[0].Temperature, 1e-9)
	assert.Equal(t, DefaultMaxTokens, reqs[0].MaxTokens)
	assert.True(t, reqs[0].JSON)
	assert.Contains(t, reqs[0].Prompt, "Job posting URL: https://jobs.example.com/1")
	assert.Contains(t, reqs[0].Prompt, "Page title: Platform Engineer")
	assert.NotContains(t, reqs[0].Prompt, "Company hint:")
	assert.Contains(t, reqs[0].Prompt, "0123456789\n")
	assert.NotContains(t, reqs[0].Prompt, "abcdef")
}

func TestClientExtractUnparseableIsNotAnError(t *testing.T) {
	t.Parallel()

	client, err := New(NewFake("sorry, no"), Config{}, nil)
	require.NoError(t, err)
	ext, err := client.Extract(context.Background(), Input{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "sorry, no", ext.StructuredData[RawExtractionKey])
	assert.Equal(t, PromptVersion, ext.StructuredData[PromptVersionKey])
}

func TestClientExtractCompletionError(t *testing.T) {
	t.Parallel()

	fake := NewFake()
	fake.FailWith(errors.New("quota exceeded"))
	client, err := New(fake, Config{}, nil)
	require.NoError(t, err)
	_, err = client.Extract(context.Background(), Input{Text: "x"})
	require.EqualError(t, err, "llm fake: quota exceeded")
}

func TestNewRequiresCompleter(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, nil)
	require.Error(t, err)
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "héllo", truncateRunes("héllo wörld", 5))
	assert.Equal(t, "short", truncateRunes("short", 100))
	assert.Equal(t, strings.Repeat("é", 3), truncateRunes(strings.Repeat("é", 10), 3))
}

func TestClientExtractOwnsPromptVersionKey(t *testing.T) {
	t.Parallel()

	client, err := New(NewFake(`{"company_name": "Acme", "prompt_version": "made up"}`), Config{}, nil)
	require.NoError(t, err)
	ext, err := client.Extract(context.Background(), Input{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, PromptVersion, ext.StructuredData[PromptVersionKey])
	assert.Empty(t, ext.SchemaErrors)
}
