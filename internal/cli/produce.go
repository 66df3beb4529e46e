package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/relayq/internal/storage"
)

// ProduceOptions holds flags for enqueue and publish.
type ProduceOptions struct {
	*RootOptions
	// Target overrides queue.name / stream.name.
	Target string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProduceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <json-payload>",
		Short: "Add one item to a work queue",
		Long: `Add one item to a work queue and notify its consumers.

Example:
  relayq enqueue '{"task":"send_email","to":"a@example.com"}'
  relayq enqueue --queue billing '{"invoice":42}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBroker(opts.RootOptions)
			if err != nil {
				return err
			}
			defer b.Close()

			queue := opts.Target
			if queue == "" {
				queue = b.Config().Queue.Name
			}
			item, err := b.Enqueue(cmd.Context(), queue, json.RawMessage(args[0]))
			if err != nil {
				return produceError("enqueue", err)
			}
			return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(item,
				fmt.Sprintf("enqueued item %d on %s", item.ID, item.Queue))
		},
	}
	cmd.Flags().StringVarP(&opts.Target, "queue", "q", "", "queue name (default queue.name)")
	return cmd
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProduceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish <json-payload>",
		Short: "Append one event to a stream",
		Long: `Append one event to a stream and notify its consumers.

Example:
  relayq publish '{"type":"user.created","id":7}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBroker(opts.RootOptions)
			if err != nil {
				return err
			}
			defer b.Close()

			stream := opts.Target
			if stream == "" {
				stream = b.Config().Stream.Name
			}
			ev, err := b.Publish(cmd.Context(), stream, json.RawMessage(args[0]))
			if err != nil {
				return produceError("publish", err)
			}
			return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(ev,
				fmt.Sprintf("published event %d on %s", ev.ID, ev.Stream))
		},
	}
	cmd.Flags().StringVarP(&opts.Target, "stream", "s", "", "stream name (default stream.name)")
	return cmd
}

func produceError(op string, err error) error {
	if errors.Is(err, storage.ErrInvalidPayload) {
		return WrapExitError(ExitCommandError, op, err)
	}
	return WrapExitError(ExitFailure, op, err)
}
