package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/darams4863/escape-room-with-ai/internal/runtime"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/config"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/jsoncodec"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
)

// managerFactory builds the broker manager the subcommands work through.
type managerFactory func(cfg *config.Config, logger logging.ServiceLogger) (*broker.Manager, error)

func dialManager(cfg *config.Config, logger logging.ServiceLogger) (*broker.Manager, error) {
	return broker.NewManager(broker.Options{URL: cfg.Broker.URL(), Heartbeat: cfg.Broker.Heartbeat}, logger)
}

func newRootCommand(newManager managerFactory) *cobra.Command {
	root := &cobra.Command{
		Use:           "dead-letters",
		Short:         "Inspect and drain the pipeline's dead_letters queue",
		SilenceUsage: true,
	}
	root.AddCommand(
		newListCommand(newManager),
		newReplayCommand(newManager),
		newPurgeCommand(newManager),
	)
	return root
}

func newListCommand(newManager managerFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print dead letters without consuming them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withReplayer(cmd, newManager, func(ctx context.Context, r *runtime.DeadLetterReplayer) (any, error) {
				letters, err := r.Peek(ctx, limit)
				if err != nil {
					return nil, err
				}
				return letters, nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of dead letters to print (0 for all)")
	return cmd
}

func newReplayCommand(newManager managerFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Move dead letters back to the queue they failed on",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withReplayer(cmd, newManager, func(ctx context.Context, r *runtime.DeadLetterReplayer) (any, error) {
				return r.Replay(ctx, limit)
			})
		},
	}
	cmd.Flags().Int("limit", 0, "Maximum number of dead letters to replay (0 for all)")
	return cmd
}

func newPurgeCommand(newManager managerFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop dead letters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withReplayer(cmd, newManager, func(ctx context.Context, r *runtime.DeadLetterReplayer) (any, error) {
				n, err := r.Purge(ctx, limit)
				return map[string]int{"purged": n}, err
			})
		},
	}
	cmd.Flags().Int("limit", 0, "Maximum number of dead letters to drop (0 for all)")
	return cmd
}

// withReplayer loads configuration, runs fn and prints its result as JSON.
// A partial result is still printed when fn fails.
func withReplayer(cmd *cobra.Command, newManager managerFactory, fn func(ctx context.Context, r *runtime.DeadLetterReplayer) (any, error)) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, _ := logging.New(logging.Options{Format: cfg.Logging.Format, Level: cfg.Logging.Level, Output: cmd.ErrOrStderr()})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	defer manager.DisconnectAll()

	replayer, err := runtime.NewDeadLetterReplayer(manager, logger, nil)
	if err != nil {
		return err
	}

	result, runErr := fn(ctx, replayer)
	if runErr != nil && result == nil {
		return runErr
	}
	raw, err := jsoncodec.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(cmd.OutOrStdout(), string(raw)); err != nil {
		return err
	}
	return runErr
}
