package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/config"
	"github.com/JakeFAU/jobintake/internal/pipeline"
	"github.com/JakeFAU/jobintake/internal/posting"
)

// These tests swap package-level factories and must not run in parallel.

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func stubService(t *testing.T, svc *fakeService) *config.Config {
	t.Helper()
	var seen config.Config
	prev := newService
	newService = func(_ context.Context, cfg config.Config, _ *zap.Logger) (Service, error) {
		seen = cfg
		if svc.buildErr != nil {
			return nil, svc.buildErr
		}
		return svc, nil
	}
	t.Cleanup(func() { newService = prev })
	return &seen
}

func TestServeRunsAndCloses(t *testing.T) {
	svc := &fakeService{}
	seen := stubService(t, svc)

	_, err := execute(t, "serve", "--port", "9191")
	require.NoError(t, err)
	assert.True(t, svc.ran)
	assert.True(t, svc.closed)
	assert.Equal(t, 9191, seen.Server.Port)
}

func TestServeTreatsCancellationAsCleanExit(t *testing.T) {
	svc := &fakeService{runErr: context.Canceled}
	stubService(t, svc)

	_, err := execute(t, "serve")
	require.NoError(t, err)
}

func TestServeReportsBuildFailure(t *testing.T) {
	stubService(t, &fakeService{buildErr: errors.New("llm.api_key is required")})

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize application services")
}

func TestWorkerRunsWorkersOnly(t *testing.T) {
	svc := &fakeService{}
	stubService(t, svc)

	_, err := execute(t, "worker")
	require.NoError(t, err)
	assert.False(t, svc.ran)
	assert.True(t, svc.workersRan)
	assert.True(t, svc.closed)
}

func TestExtractPrintsJSON(t *testing.T) {
	svc := &fakeService{
		post: posting.Posting{ID: "adhoc", URL: "https://example.com/j", CompanyName: "Acme", Status: posting.StatusCompleted},
		out:  pipeline.Outcome{Tier: "direct", Strategy: "generic"},
	}
	stubService(t, svc)

	out, err := execute(t, "extract", "https://example.com/j")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/j", svc.extracted)

	var got struct {
		Posting posting.Posting `json:"posting"`
		Tier    string          `json:"tier"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "Acme", got.Posting.CompanyName)
	assert.Equal(t, posting.StatusCompleted, got.Posting.Status)
	assert.Equal(t, "direct", got.Tier)
}

func TestExtractRequiresURL(t *testing.T) {
	stubService(t, &fakeService{})

	_, err := execute(t, "extract")
	require.Error(t, err)
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Setenv("JOBINTAKE_DB_DSN", "")

	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db.dsn")
}

func TestMigrateRunsMigrations(t *testing.T) {
	t.Setenv("JOBINTAKE_DB_DSN", "postgres://localhost/jobintake")
	m := &fakeMigrator{}
	prev := newMigrator
	newMigrator = func(context.Context, config.Config) (migrator, error) { return m, nil }
	t.Cleanup(func() { newMigrator = prev })

	_, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.True(t, m.migrated)
	assert.True(t, m.closed)
}

func TestUnknownConfigFileFails(t *testing.T) {
	stubService(t, &fakeService{})

	_, err := execute(t, "--config", "/does/not/exist.yaml", "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

// --- fakes ---

type fakeService struct {
	buildErr   error
	runErr     error
	post       posting.Posting
	out        pipeline.Outcome
	ran        bool
	workersRan bool
	closed     bool
	extracted  string
}

func (f *fakeService) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

func (f *fakeService) RunWorkers(context.Context) error {
	f.workersRan = true
	return f.runErr
}

func (f *fakeService) Extract(_ context.Context, rawURL string) (posting.Posting, pipeline.Outcome, error) {
	f.extracted = rawURL
	return f.post, f.out, nil
}

func (f *fakeService) Close() {
	f.closed = true
}

type fakeMigrator struct {
	migrated bool
	closed   bool
}

func (m *fakeMigrator) Migrate(context.Context) error {
	m.migrated = true
	return nil
}

func (m *fakeMigrator) Close() {
	m.closed = true
}
