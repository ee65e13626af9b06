package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP API and runs the workers in one process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if port > 0 {
				rt.cfg.Server.Port = port
			}
			return runService(cmd.Context(), rt, func(ctx context.Context, svc Service) error {
				return svc.Run(ctx)
			})
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Processes queued tasks without serving HTTP",
		Long: `Runs only the worker pool and the maintenance scheduler. Pair it with a
shared queue backend (redis or pubsub) and a postgres store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.Queue.Backend == "memory" {
				rt.logger.Warn("worker started with the in-memory queue; it will only see its own tasks")
			}
			return runService(cmd.Context(), rt, func(ctx context.Context, svc Service) error {
				return svc.RunWorkers(ctx)
			})
		},
	}
}

func runService(ctx context.Context, rt *runtime, run func(context.Context, Service) error) error {
	svc, err := newService(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer svc.Close()

	if err := run(ctx, svc); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	rt.logger.Info("shutdown complete", zap.String("version", version))
	return nil
}
