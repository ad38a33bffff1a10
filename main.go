package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/saworbit/futexsnoop/internal/version"
	"github.com/saworbit/futexsnoop/pkg/config"
	"github.com/saworbit/futexsnoop/pkg/probe"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("futexsnoop failed")
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when the probe could not be attached and 1 for any other
// startup or runtime failure.
func exitCode(err error) int {
	var ae *probe.AttachError
	if errors.As(err, &ae) {
		return 2
	}
	return 1
}

// globalFlags are bound to the persistent flags of the root command.
type globalFlags struct {
	configPath  string
	syscall     string
	kind        string
	backend     string
	pollTimeout time.Duration
	gracePeriod time.Duration
	metricsAddr string
	logLevel    string
	perfPages   int
	btfCacheDir string
	btfDownload bool
}

func newRootCmd() *cobra.Command {
	return newRootCmdWithFlags(&globalFlags{})
}

func newRootCmdWithFlags(gf *globalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "futexsnoop",
		Short:         "futexsnoop - trace futex() calls with a kprobe",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fs := root.PersistentFlags()
	fs.StringVar(&gf.configPath, "config", "", "YAML configuration file; log_level and hot.* are reloaded when it changes")
	fs.StringVar(&gf.syscall, "syscall", "futex", "Hook point to attach to")
	fs.StringVar(&gf.kind, "kind", "capture", "Record kind: capture (arguments) or process (pid/comm)")
	fs.StringVar(&gf.backend, "backend", "kernel", "Event source: kernel or loopback")
	fs.DurationVar(&gf.pollTimeout, "poll-timeout", 100*time.Millisecond, "Upper bound of one poll wait; shutdown takes up to poll-timeout + grace-period (must not exceed grace-period)")
	fs.DurationVar(&gf.gracePeriod, "grace-period", 250*time.Millisecond, "Upper bound of the drain after detach")
	fs.StringVar(&gf.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&gf.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.IntVar(&gf.perfPages, "perf-pages", 8, "Per-CPU perf ring size in pages (power of two)")
	fs.StringVar(&gf.btfCacheDir, "btf-cache-dir", "", "Directory for downloaded BTF files")
	fs.BoolVar(&gf.btfDownload, "btf-download", false, "Download BTF from BTFHub when the kernel has none")

	root.AddCommand(newTraceCmd(gf), newCountCmd(gf), newBenchCmd(gf))
	return root
}

func newTraceCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "trace",
		Short: "Print one line per futex() call until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := resolveConfig(cmd, gf)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTrace(ctx, cfg, log, newConfigWatcher(gf.configPath, log), cmd.OutOrStdout())
		},
	}
}

func newCountCmd(gf *globalFlags) *cobra.Command {
	var (
		capacity int
		hot      bool
	)

	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count futex() calls per process name; SIGUSR1 prints the table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := resolveConfig(cmd, gf)
			if err != nil {
				return err
			}
			cfg.Kind = "process"
			if cmd.Flags().Changed("capacity") {
				cfg.CounterCapacity = capacity
			}
			if cmd.Flags().Changed("hot") {
				cfg.Hot.Enabled = hot
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCount(ctx, cfg, log, newConfigWatcher(gf.configPath, log), cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&capacity, "capacity", 10240, "Maximum number of distinct process names")
	cmd.Flags().BoolVar(&hot, "hot", false, "Log processes with a sustained high futex rate")
	return cmd
}

func newBenchCmd(gf *globalFlags) *cobra.Command {
	var (
		duration     time.Duration
		cpus         int
		ringCapacity int
		interval     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive the in-process channel with synthetic futex calls and report drops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := resolveConfig(cmd, gf)
			if err != nil {
				return err
			}
			cfg.Backend = "loopback"
			if cmd.Flags().Changed("cpus") {
				cfg.Loopback.CPUs = cpus
			}
			if cmd.Flags().Changed("ring-capacity") {
				cfg.Loopback.RingCapacity = ringCapacity
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()

			return runBench(ctx, cfg, log, newConfigWatcher(gf.configPath, log), interval, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 2*time.Second, "How long to run producers")
	cmd.Flags().IntVar(&cpus, "cpus", 0, "Number of producers (default: number of CPUs)")
	cmd.Flags().IntVar(&ringCapacity, "ring-capacity", 4096, "Slots per CPU ring (power of two)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Pause between calls of one producer (0: as fast as possible)")
	return cmd
}

// resolveConfig layers defaults, the optional YAML file, FUTEXSNOOP_*
// variables and explicitly set flags, in that order.
func resolveConfig(cmd *cobra.Command, gf *globalFlags) (*config.TraceConfig, *logrus.Logger, error) {
	cfg := config.DefaultConfig()
	if gf.configPath != "" {
		if err := ensureReadable(gf.configPath, nil); err != nil {
			return nil, nil, err
		}
		loaded, err := config.LoadFile(gf.configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	config.ApplyEnv(cfg)
	applyFlags(cmd.Flags(), gf, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func applyFlags(fs *pflag.FlagSet, gf *globalFlags, cfg *config.TraceConfig) {
	if fs.Changed("syscall") {
		cfg.Syscall = gf.syscall
	}
	if fs.Changed("kind") {
		cfg.Kind = gf.kind
	}
	if fs.Changed("backend") {
		cfg.Backend = gf.backend
	}
	if fs.Changed("poll-timeout") {
		cfg.PollTimeout = gf.pollTimeout
	}
	if fs.Changed("grace-period") {
		cfg.GracePeriod = gf.gracePeriod
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = gf.metricsAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = gf.logLevel
	}
	if fs.Changed("perf-pages") {
		cfg.EBPF.PerCPUBufferPages = gf.perfPages
	}
	if fs.Changed("btf-cache-dir") {
		cfg.EBPF.BTF.CacheDir = gf.btfCacheDir
	}
	if fs.Changed("btf-download") {
		cfg.EBPF.BTF.AllowDownload = gf.btfDownload
	}
}

// newLogger writes structured logs to out, with colours only on a terminal.
func newLogger(level string, out io.Writer) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)

	colors := false
	if f, ok := out.(*os.File); ok {
		colors = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: !colors,
		ForceColors:   colors,
	})
	return log, nil
}
