package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"etw_consumer/internal/config"
	"etw_consumer/internal/etw/session"
	"etw_consumer/internal/etw/trace"
	"etw_consumer/internal/journal"
	"etw_consumer/internal/logger"
)

var (
	version = "0.1.0"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "etw_consumer",
		Short:         "ETW Consumer - realtime and log file event tracing consumer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newConsumeCmd(), newReplayCmd(), newGenerateConfigCmd())
	return root
}

func newConsumeCmd() *cobra.Command {
	var flags config.Flags
	var maxEvents uint64
	var printEvents bool

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume events from a realtime session or a log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig(flags)
			if err != nil {
				return err
			}
			if err := logger.ConfigureLogging(cfg.Logging); err != nil {
				return fmt.Errorf("failed to configure loggers: %w", err)
			}
			defer logger.Close()
			var out io.Writer
			if printEvents {
				out = cmd.OutOrStdout()
			}
			return runConsume(cmd.Context(), cfg, maxEvents, out)
		},
	}

	cmd.Flags().StringVar(&flags.ConfigPath, "config", "", "Path to configuration file (optional)")
	cmd.Flags().StringVar(&flags.ListenAddress, "web.listen-address", "", "Address to listen on for web interface and telemetry")
	cmd.Flags().StringVar(&flags.MetricsPath, "web.telemetry-path", "", "Path under which to expose metrics")
	cmd.Flags().StringVar(&flags.Session, "session", "", "Realtime session to consume")
	cmd.Flags().StringVar(&flags.LogFile, "log-file", "", "Log file (.etl) to consume instead of a session")
	cmd.Flags().StringVar(&flags.BridgeKind, "bridge", "", "Bridge kind: rendezvous, channel, stream or direct")
	cmd.Flags().StringVar(&flags.JournalPath, "journal", "", "Record consumed events into this journal directory")
	cmd.Flags().Uint64Var(&maxEvents, "max-events", 0, "Stop after this many events (0 = no limit)")
	cmd.Flags().BoolVar(&printEvents, "print", false, "Print one line per consumed event")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var configPath, bridgeKind string
	var maxEvents uint64

	cmd := &cobra.Command{
		Use:   "replay <journal-dir>",
		Short: "Replay a recorded journal through a bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if bridgeKind != "" {
				cfg.Bridge.Kind = bridgeKind
			}
			if err := logger.ConfigureLogging(cfg.Logging); err != nil {
				return fmt.Errorf("failed to configure loggers: %w", err)
			}
			defer logger.Close()
			return runReplay(cmd.Context(), cfg, args[0], maxEvents, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file (optional)")
	cmd.Flags().StringVar(&bridgeKind, "bridge", "", "Bridge kind: rendezvous, channel, stream or direct")
	cmd.Flags().Uint64Var(&maxEvents, "max-events", 0, "Stop after this many events (0 = no limit)")
	return cmd
}

func newGenerateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config [path]",
		Short: "Write an example configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.GenerateExampleConfig(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Example configuration written to %s\n", path)
			return nil
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runConsume(ctx context.Context, cfg *config.AppConfig, maxEvents uint64, out io.Writer) error {
	native, err := trace.NewNative()
	if err != nil {
		return err
	}
	var ctrl session.Controller
	if cfg.Trace.LogFile == "" && cfg.Trace.CreateSession {
		if ctrl, err = session.NewController(); err != nil {
			return err
		}
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	c := NewETWConsumer(cfg, native, ctrl)
	c.MaxEvents = maxEvents
	c.Output = out
	return c.Run(ctx)
}

// newReplayConsumer loads the journal in dir into a synthetic log file and
// returns a consumer reading it back. Metrics and journaling are turned off.
func newReplayConsumer(cfg *config.AppConfig, dir string) (*ETWConsumer, error) {
	j, err := journal.Open(dir, journal.Options{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer j.Close()

	native := trace.NewSynthetic()
	_ = native.AddFile(dir)
	var n int
	for ev, err := range j.Records() {
		if err != nil {
			return nil, err
		}
		if err := native.AddFile(dir, ev); err != nil {
			return nil, fmt.Errorf("journal record %d: %w", n+1, err)
		}
		n++
	}
	recorded, err := j.Source()
	if err != nil {
		return nil, err
	}
	log.Info().Str("journal", dir).Str("recorded_from", recorded).Int("records", n).Msg("Journal loaded")

	replay := *cfg
	replay.Server.Enabled = false
	replay.Journal.Enabled = false
	replay.Trace.LogFile = dir
	return NewETWConsumer(&replay, native, nil), nil
}

func runReplay(ctx context.Context, cfg *config.AppConfig, dir string, maxEvents uint64, out io.Writer) error {
	c, err := newReplayConsumer(cfg, dir)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	c.MaxEvents = maxEvents
	c.Output = out
	return c.Run(ctx)
}
