// Package cmd defines the CLI commands for the jobintake executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/config"
	"github.com/JakeFAU/jobintake/internal/logging"
	"github.com/JakeFAU/jobintake/internal/pipeline"
	"github.com/JakeFAU/jobintake/internal/posting"
	"github.com/JakeFAU/jobintake/internal/server"
	pgstore "github.com/JakeFAU/jobintake/internal/storage/postgres"
)

// version is stamped at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfg     config.Config
	logger  *zap.Logger
	restore func()
}

// Service is the application surface the commands drive.
// Tests replace newService to avoid real infrastructure.
type Service interface {
	Run(ctx context.Context) error
	RunWorkers(ctx context.Context) error
	Extract(ctx context.Context, rawURL string) (posting.Posting, pipeline.Outcome, error)
	Close()
}

type migrator interface {
	Migrate(ctx context.Context) error
	Close()
}

var newService = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, error) {
	app, err := server.Build(ctx, cfg, logger, server.WithVersion(version))
	if err != nil {
		return nil, err
	}
	return app, nil
}

var newMigrator = func(ctx context.Context, cfg config.Config) (migrator, error) {
	store, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "jobintake",
		Short: "Ingests job postings and extracts structured fields.",
		Long: `jobintake accepts job posting URLs or captured HTML, fetches and renders
the page through a tiered fetcher, extracts plain text and asks an LLM for
structured fields. Postings move through pending, processing, completed,
needs_review and failed.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, restore, err := logging.Install(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			rt := &runtime{cfg: cfg, logger: logger, restore: restore}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt.restore != nil {
				rt.restore()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the JOBINTAKE_ prefix")

	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), newExtractCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "jobintake:", err)
		os.Exit(1)
	}
}
