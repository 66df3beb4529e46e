package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// DLQOptions holds flags for the dlq subcommands.
type DLQOptions struct {
	*RootOptions
	Queue string
}

// NewDLQCommand creates the dlq command group.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DLQOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered queue items",
	}
	cmd.PersistentFlags().StringVarP(&opts.Queue, "queue", "q", "", "queue name (default queue.name)")

	cmd.AddCommand(newDLQListCommand(opts))
	cmd.AddCommand(newDLQReplayCommand(opts))
	return cmd
}

func newDLQListCommand(opts *DLQOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "Show the oldest dead-lettered items",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBroker(opts.RootOptions)
			if err != nil {
				return err
			}
			defer b.Close()

			queue := opts.Queue
			if queue == "" {
				queue = b.Config().Queue.Name
			}
			items, err := b.DLQ().Peek(cmd.Context(), queue, limit)
			if err != nil {
				return WrapExitError(ExitFailure, "dlq list", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "%d dead items on %s", len(items), queue)
			for _, it := range items {
				fmt.Fprintf(&sb, "\n  %d attempts=%d error=%q payload=%s", it.ID, it.Attempts, it.LastError, it.Payload)
			}
			return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(items, sb.String())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of items to show")
	return cmd
}

func newDLQReplayCommand(opts *DLQOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Move dead-lettered items back to pending",
		Long: `Move dead-lettered items back to pending with their attempt count reset.
--limit 0 replays every dead item of the queue.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return NewExitError(ExitCommandError, "--limit must be >= 0")
			}
			b, err := openBroker(opts.RootOptions)
			if err != nil {
				return err
			}
			defer b.Close()

			queue := opts.Queue
			if queue == "" {
				queue = b.Config().Queue.Name
			}

			var n int64
			if limit == 0 {
				n, err = b.DLQ().ReplayAll(cmd.Context(), queue)
			} else {
				var replayed int
				replayed, err = b.DLQ().Replay(cmd.Context(), queue, limit)
				n = int64(replayed)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "dlq replay", err)
			}
			return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(
				map[string]any{"queue": queue, "replayed": n},
				fmt.Sprintf("replayed %d items on %s", n, queue))
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of items to replay (0 = all)")
	return cmd
}
