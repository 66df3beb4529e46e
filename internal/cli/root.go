// Package cli implements the relayq command line.
//
// Long-running commands (queue, stream, run) stop cleanly when the context
// passed to ExecuteContext is cancelled; cmd/relayq wires that context to
// SIGINT and SIGTERM.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/snehjoshi/relayq/internal/broker"
	"github.com/snehjoshi/relayq/internal/config"
	"github.com/snehjoshi/relayq/internal/metrics"
	"github.com/snehjoshi/relayq/internal/node"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the relayq CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "relayq",
		Short: "relayq - work queues and event streams over Postgres",
		Long: `relayq consumes a work queue and an append-only event stream stored in
Postgres (or SQLite for single-host setups), waking on LISTEN/NOTIFY and
falling back to polling when no notification arrives.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			setupLogger(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewStreamCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// setupLogger installs the process-wide JSON logger. Logs go to stderr so
// that command output on stdout stays machine readable.
func setupLogger(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// loadConfig reads and validates the config file named by --config.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// openBroker loads the config, generates this process's identity and opens
// the broker. The caller must Close it.
func openBroker(opts *RootOptions, bopts ...broker.Option) (*broker.Broker, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	id, err := node.New(cfg.Node.ID, clock.WallClock)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "init node", err)
	}

	bopts = append([]broker.Option{
		broker.WithMetrics(metrics.New()),
		broker.WithLogger(slog.Default().With("host", id.Host)),
	}, bopts...)
	b, err := broker.New(cfg, id.ID, bopts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open broker", err)
	}
	return b, nil
}
