package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/relayq/internal/storage/boltoffsets"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the tables, indexes and notification triggers",
		Long: `Apply the schema of the configured database driver. The DDL is idempotent,
so migrate is safe to run on every deploy.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBroker(rootOpts)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Migrate(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "migrate", err)
			}
			driver := string(b.Config().Database.Driver)
			return newFormatter(rootOpts, cmd.OutOrStdout()).Success(
				map[string]string{"driver": driver},
				fmt.Sprintf("schema applied (%s)", driver))
		},
	}
}

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	Loop bool
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete done queue items and fully consumed stream events",
		Long: `Delete done items of queue.name older than prune.retention, and the events
of stream.name that every registered consumer has already passed.

With --loop the job repeats every prune.interval until interrupted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBroker(opts.RootOptions)
			if err != nil {
				return err
			}
			defer b.Close()

			p := b.Pruner()
			if opts.Loop {
				if err := p.Run(cmd.Context()); err != nil {
					return WrapExitError(ExitFailure, "prune", err)
				}
				return nil
			}

			rep, err := p.RunOnce(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "prune", err)
			}
			return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(rep,
				fmt.Sprintf("pruned %d queue items, %d stream events", rep.QueueItems, rep.StreamEvents))
		},
	}
	cmd.Flags().BoolVar(&opts.Loop, "loop", false, "repeat every prune.interval")
	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "stats",
		Short:         "Show queue depth and stream consumer cursors",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBroker(rootOpts)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx := cmd.Context()
			cfg := b.Config()
			info, err := b.QueueStats(ctx, cfg.Queue.Name)
			if err != nil {
				return WrapExitError(ExitFailure, "queue stats", err)
			}
			data := map[string]any{"queue": info}
			text := fmt.Sprintf("queue %s: pending=%d claimed=%d done=%d dead=%d",
				info.Name, info.Pending, info.Claimed, info.Done, info.Dead)

			consumers, err := b.StreamConsumers(ctx, cfg.Stream.Name)
			switch {
			case errors.Is(err, boltoffsets.ErrLocked):
				// A running stream consumer owns the offsets file.
				data["consumers_error"] = err.Error()
				text += fmt.Sprintf("\nstream %s: cursors unavailable (%v)", cfg.Stream.Name, err)
			case err != nil:
				return WrapExitError(ExitFailure, "stream consumers", err)
			default:
				data["consumers"] = consumers
				text += fmt.Sprintf("\nstream %s: %d consumers", cfg.Stream.Name, len(consumers))
				for _, c := range consumers {
					text += fmt.Sprintf("\n  %s last_event_id=%d", c.ConsumerID, c.LastEventID)
				}
			}
			slog.Debug("stats read", "queue", cfg.Queue.Name, "stream", cfg.Stream.Name)
			return newFormatter(rootOpts, cmd.OutOrStdout()).Success(data, text)
		},
	}
}
