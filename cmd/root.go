package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"bastion/bootstrap"
)

// NewRootCmd builds the bastion command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bastion",
		Short: "Bastion security detection and response engine",
		Long: `Bastion ingests normalized security events, evaluates detection rules,
correlates alerts into incidents, and runs automated response playbooks.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newReplayCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the detection pipeline and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			app, err := bootstrap.NewApp(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			if err := app.Start(ctx); err != nil {
				app.Shutdown()
				return fmt.Errorf("failed to start: %w", err)
			}

			app.WaitForShutdown()
			app.Shutdown()
			return nil
		},
	}
}

func newReplayCmd() *cobra.Command {
	var fromStr, toStr string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run detection rules over stored events",
		Long: `Replay feeds stored events from the given time range back through the
rule set. Alerts are regenerated; response playbooks are not triggered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := time.Parse(time.RFC3339, fromStr)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			to, err := time.Parse(time.RFC3339, toStr)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			if !to.After(from) {
				return fmt.Errorf("--to must be after --from")
			}

			ctx := context.Background()
			app, err := bootstrap.NewApp(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer app.Shutdown()

			n, err := app.Pipeline.Replay(ctx, from, to)
			if err != nil {
				return fmt.Errorf("replay failed: %w", err)
			}
			cmd.Printf("replayed %d events\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&fromStr, "from", "", "start of replay window (RFC3339)")
	cmd.Flags().StringVar(&toStr, "to", "", "end of replay window (RFC3339)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
