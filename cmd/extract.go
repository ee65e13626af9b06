package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/posting"
)

type extractResult struct {
	Posting  posting.Posting `json:"posting"`
	Tier     string          `json:"tier,omitempty"`
	Strategy string          `json:"strategy,omitempty"`
}

func newExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <url>",
		Short: "Runs the pipeline once for a URL and prints the result as JSON",
		Long: `Fetches, extracts and gates a single posting without touching the
store or the queue. Useful for checking how a job board renders.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			svc, err := newService(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer svc.Close()

			post, out, err := svc.Extract(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("extract %s: %w", args[0], err)
			}
			rt.logger.Debug("extraction finished",
				zap.String("status", string(post.Status)),
				zap.String("tier", out.Tier),
			)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(extractResult{Posting: post, Tier: out.Tier, Strategy: out.Strategy})
		},
	}
}
