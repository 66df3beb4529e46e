package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/relayq/internal/broker"
	transphttp "github.com/snehjoshi/relayq/internal/transport/http"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags shared by the long-running commands.
type ServeOptions struct {
	*RootOptions
	// Once drains what is available and exits instead of waiting.
	Once bool
	// NoOps disables the ops HTTP server even when metrics.enabled is set.
	NoOps bool
}

func addServeFlags(cmd *cobra.Command, opts *ServeOptions) {
	cmd.Flags().BoolVar(&opts.Once, "once", false, "drain what is available, then exit")
	cmd.Flags().BoolVar(&opts.NoOps, "no-ops", false, "do not start the ops HTTP server")
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Consume the configured work queue",
		Long: `Consume the work queue named by queue.name.

Each fetched item is handed to the configured handler and acknowledged on
success. Failures follow queue.failure_policy. Between drains the consumer
blocks on LISTEN <queue.name> for at most queue.wait_timeout.

Example:
  relayq queue --config config.yaml
  relayq queue --once`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts, true, false, false)
		},
	}
	addServeFlags(cmd, opts)
	return cmd
}

// NewStreamCommand creates the stream command.
func NewStreamCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Consume the configured event stream",
		Long: `Consume the event stream named by stream.name as stream.consumer_id.

The consumer resumes after its persisted cursor and persists the cursor after
every handled event, so a restart redelivers at most the event in flight.

Example:
  RELAYQ_CONSUMER_ID=billing relayq stream`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts, false, true, false)
		},
	}
	addServeFlags(cmd, opts)
	return cmd
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	var noPrune bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the queue consumer, the stream consumer and the prune loop",
		Long: `Run every loop of relayq in one process: the work-queue consumer, the
stream consumer, the prune loop and the ops HTTP server. The first loop to
fail stops the others.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts, true, true, !noPrune && !opts.Once)
		},
	}
	addServeFlags(cmd, opts)
	cmd.Flags().BoolVar(&noPrune, "no-prune", false, "do not run the prune loop")
	return cmd
}

func serve(ctx context.Context, opts *ServeOptions, queue, stream, prune bool) error {
	b, err := openBroker(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Warn("broker close error", "err", err)
		}
	}()

	if opts.Once {
		return drainOnce(ctx, b, queue, stream)
	}

	// Build every loop before starting any, so a setup failure leaves
	// nothing running.
	var loops []func(context.Context) error
	if queue {
		qc, err := b.QueueConsumer(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "queue consumer", err)
		}
		loops = append(loops, qc.Run)
	}
	if stream {
		sc, err := b.StreamConsumer(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "stream consumer", err)
		}
		loops = append(loops, sc.Run)
	}
	if prune {
		loops = append(loops, b.Pruner().Run)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range loops {
		g.Go(func() error { return run(gctx) })
	}
	if cfg := b.Config().Metrics; cfg.Enabled && !opts.NoOps {
		serveOps(gctx, g, b, fmt.Sprintf(":%d", cfg.Port))
	}

	slog.Info("relayq ready", "node_id", b.NodeID(), "queue", queue, "stream", stream, "prune", prune)
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "relayq stopped", err)
	}
	slog.Info("relayq stopped")
	return nil
}

// serveOps runs the ops HTTP server inside g until gctx is done.
func serveOps(gctx context.Context, g *errgroup.Group, b *broker.Broker, addr string) {
	srv := transphttp.New(b, b.Config().Metrics, transphttp.WithServerLogger(slog.Default()))
	g.Go(func() error {
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("ops server shutdown error", "err", err)
		}
		return nil
	})
}

func drainOnce(ctx context.Context, b *broker.Broker, queue, stream bool) error {
	if queue {
		qc, err := b.QueueConsumer(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "queue consumer", err)
		}
		n := qc.Drain(ctx)
		slog.Info("queue drained", "queue", b.Config().Queue.Name, "items", n)
	}
	if stream {
		sc, err := b.StreamConsumer(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "stream consumer", err)
		}
		if err := sc.Start(ctx); err != nil {
			return WrapExitError(ExitFailure, "stream consumer", err)
		}
		n := sc.Drain(ctx)
		slog.Info("stream drained", "stream", b.Config().Stream.Name, "events", n, "cursor", sc.Cursor())
	}
	return nil
}
