// Package ebpf is the kernel event source: it assembles the capture programs,
// attaches them as kprobes and reads their records from a perf event array.
package ebpf

import (
	"errors"
	"runtime"

	"github.com/saworbit/futexsnoop/pkg/config"
)

// ErrUnsupported is returned when the current platform cannot host eBPF programs
var ErrUnsupported = errors.New("eBPF tracing is only supported on Linux (amd64, arm64) kernels >= 5.5")

// Options configure the kernel backend
type Options struct {
	// PerCPUBufferBytes sizes each CPU's perf ring
	PerCPUBufferBytes int
	// MaxBatch caps the records returned by one Poll
	MaxBatch     int
	KallsymsPath string
	GOARCH       string
	BTF          config.BTFConfig
}

// OptionsFromConfig maps the session configuration onto backend options
func OptionsFromConfig(cfg *config.TraceConfig) Options {
	return Options{
		PerCPUBufferBytes: cfg.EBPF.PerCPUBufferBytes(),
		MaxBatch:          cfg.MaxBatch,
		KallsymsPath:      cfg.EBPF.KallsymsPath,
		GOARCH:            runtime.GOARCH,
		BTF:               cfg.EBPF.BTF,
	}
}
