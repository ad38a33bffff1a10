package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/saworbit/futexsnoop/pkg/record"
)

// TraceConfig holds configuration for one tracing session
type TraceConfig struct {
	// Syscall is the logical hook point, resolved to a kernel symbol at attach time
	Syscall string `yaml:"syscall"`

	// Kind selects the single record kind of the session ("capture" or "process")
	Kind string `yaml:"kind"`

	// Backend selects the event source ("kernel" or "loopback")
	Backend string `yaml:"backend"`

	// PollTimeout bounds each wait of the poll loop
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// GracePeriod bounds the final drain after detach
	GracePeriod time.Duration `yaml:"grace_period"`

	// MaxBatch caps the number of records returned by one kernel poll
	MaxBatch int `yaml:"max_batch"`

	// CounterCapacity is the maximum number of distinct keys in the counter table
	CounterCapacity int `yaml:"counter_capacity"`

	// MetricsAddr enables the Prometheus endpoint when non-empty
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is a logrus level name
	LogLevel string `yaml:"log_level"`

	// Hot reports processes with a sustained futex rate in count mode
	Hot HotConfig `yaml:"hot"`

	// Loopback configures the in-process backend used by bench
	Loopback LoopbackConfig `yaml:"loopback"`

	// EBPF holds configuration for the kernel backend
	EBPF EBPFConfig `yaml:"ebpf"`
}

// HotConfig tunes the moving-average hot caller report
type HotConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Alpha     float64       `yaml:"alpha"`
	Threshold float64       `yaml:"threshold"`
}

// LoopbackConfig sizes the in-process per-CPU rings
type LoopbackConfig struct {
	CPUs         int `yaml:"cpus"`
	RingCapacity int `yaml:"ring_capacity"`
}

// EBPFConfig captures settings for the kprobe backend
type EBPFConfig struct {
	// PerCPUBufferPages is the perf ring size per CPU, in pages
	PerCPUBufferPages int       `yaml:"per_cpu_buffer_pages"`
	KallsymsPath      string    `yaml:"kallsyms_path"`
	BTF               BTFConfig `yaml:"btf"`
}

// BTFConfig controls where kernel type information comes from
type BTFConfig struct {
	CacheDir      string `yaml:"cache_dir"`
	AllowDownload bool   `yaml:"allow_download"`
	HubMirror     string `yaml:"hub_mirror"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *TraceConfig {
	return &TraceConfig{
		Syscall:         "futex",
		Kind:            "capture",
		Backend:         "kernel",
		PollTimeout:     100 * time.Millisecond,
		GracePeriod:     250 * time.Millisecond,
		MaxBatch:        4096,
		CounterCapacity: 10240,
		MetricsAddr:     "",
		LogLevel:        "info",
		Hot: HotConfig{
			Enabled:   false,
			Interval:  time.Second,
			Alpha:     0.5,
			Threshold: 1000,
		},
		Loopback: LoopbackConfig{
			CPUs:         runtime.NumCPU(),
			RingCapacity: 4096,
		},
		EBPF: defaultEBPFConfig(),
	}
}

func defaultEBPFConfig() EBPFConfig {
	return EBPFConfig{
		PerCPUBufferPages: 8,
		KallsymsPath:      "/proc/kallsyms",
		BTF: BTFConfig{
			CacheDir:      "",
			AllowDownload: false,
			HubMirror:     "",
		},
	}
}

// LoadFile overlays a YAML file onto the defaults
func LoadFile(path string) (*TraceConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables on top of the defaults
func LoadFromEnv() *TraceConfig {
	return ApplyEnv(DefaultConfig())
}

// ApplyEnv overrides cfg with any FUTEXSNOOP_* variables that are set
func ApplyEnv(cfg *TraceConfig) *TraceConfig {
	if v := os.Getenv("FUTEXSNOOP_SYSCALL"); v != "" {
		cfg.Syscall = v
	}
	if v := os.Getenv("FUTEXSNOOP_KIND"); v != "" {
		cfg.Kind = v
	}
	if v := os.Getenv("FUTEXSNOOP_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("FUTEXSNOOP_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollTimeout = d
		}
	}
	if v := os.Getenv("FUTEXSNOOP_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.GracePeriod = d
		}
	}
	if v := os.Getenv("FUTEXSNOOP_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBatch = n
		}
	}
	if v := os.Getenv("FUTEXSNOOP_COUNTER_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CounterCapacity = n
		}
	}
	if v := os.Getenv("FUTEXSNOOP_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("FUTEXSNOOP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FUTEXSNOOP_HOT"); v != "" {
		cfg.Hot.Enabled = v == "1" || v == "true" || v == "TRUE"
	}
	if v := os.Getenv("FUTEXSNOOP_HOT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Hot.Threshold = f
		}
	}
	if v := os.Getenv("FUTEXSNOOP_LOOPBACK_CPUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Loopback.CPUs = n
		}
	}
	if v := os.Getenv("FUTEXSNOOP_LOOPBACK_RING_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Loopback.RingCapacity = n
		}
	}
	if v := os.Getenv("FUTEXSNOOP_PERF_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EBPF.PerCPUBufferPages = n
		}
	}
	if v := os.Getenv("FUTEXSNOOP_KALLSYMS"); v != "" {
		cfg.EBPF.KallsymsPath = v
	}
	if v := os.Getenv("FUTEXSNOOP_BTF_CACHE_DIR"); v != "" {
		cfg.EBPF.BTF.CacheDir = v
	}
	if v := os.Getenv("FUTEXSNOOP_BTF_DOWNLOAD"); v != "" {
		cfg.EBPF.BTF.AllowDownload = v == "1" || v == "true" || v == "TRUE"
	}
	if v := os.Getenv("FUTEXSNOOP_BTF_MIRROR"); v != "" {
		cfg.EBPF.BTF.HubMirror = v
	}

	return cfg
}

// RecordKind parses Kind
func (c *TraceConfig) RecordKind() (record.Kind, error) {
	return record.ParseKind(c.Kind)
}

// Validate checks if the configuration is valid
func (c *TraceConfig) Validate() error {
	if strings.TrimSpace(c.Syscall) == "" {
		return fmt.Errorf("syscall must not be empty")
	}

	if _, err := c.RecordKind(); err != nil {
		return err
	}

	if c.Backend != "kernel" && c.Backend != "loopback" {
		return fmt.Errorf("invalid backend: %s (must be 'kernel' or 'loopback')", c.Backend)
	}

	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got: %v", c.PollTimeout)
	}

	if c.GracePeriod < 0 {
		return fmt.Errorf("grace period must be >= 0, got: %v", c.GracePeriod)
	}

	// a kernel poll in flight at cancellation runs to its deadline before
	// the drain starts, so shutdown takes up to PollTimeout + GracePeriod
	if c.GracePeriod > 0 && c.PollTimeout > c.GracePeriod {
		return fmt.Errorf("poll timeout %v must not exceed grace period %v", c.PollTimeout, c.GracePeriod)
	}

	if c.MaxBatch <= 0 {
		return fmt.Errorf("max batch must be positive, got: %d", c.MaxBatch)
	}

	if c.CounterCapacity <= 0 {
		return fmt.Errorf("counter capacity must be positive, got: %d", c.CounterCapacity)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if err := c.Hot.Validate(); err != nil {
		return fmt.Errorf("hot config invalid: %w", err)
	}

	if err := c.Loopback.Validate(); err != nil {
		return fmt.Errorf("loopback config invalid: %w", err)
	}

	if err := c.EBPF.Validate(); err != nil {
		return fmt.Errorf("ebpf config invalid: %w", err)
	}

	return nil
}

// Validate checks the moving-average parameters when the report is enabled
func (c HotConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got: %v", c.Interval)
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0, 1], got: %v", c.Alpha)
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got: %v", c.Threshold)
	}
	return nil
}

// Validate ensures the in-process rings can be built
func (c LoopbackConfig) Validate() error {
	if c.CPUs <= 0 {
		return fmt.Errorf("cpu count must be positive, got: %d", c.CPUs)
	}
	if !isPowerOfTwo(c.RingCapacity) {
		return fmt.Errorf("ring capacity must be a power of two, got: %d", c.RingCapacity)
	}
	return nil
}

// Validate ensures eBPF configuration values make sense for the running kernel
func (c EBPFConfig) Validate() error {
	if !isPowerOfTwo(c.PerCPUBufferPages) {
		return fmt.Errorf("per-CPU buffer pages must be a power of two, got: %d", c.PerCPUBufferPages)
	}
	if c.KallsymsPath == "" {
		return fmt.Errorf("kallsyms path must not be empty")
	}
	return nil
}

// PerCPUBufferBytes returns the perf ring size per CPU in bytes
func (c EBPFConfig) PerCPUBufferBytes() int {
	return c.PerCPUBufferPages * os.Getpagesize()
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
