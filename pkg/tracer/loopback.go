package tracer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/saworbit/futexsnoop/pkg/channel"
	"github.com/saworbit/futexsnoop/pkg/probe"
	"github.com/saworbit/futexsnoop/pkg/record"
)

// Loopback is an in-process backend: a probe.Table whose triggers submit
// into user-space per-CPU rings. Callers act as the kernel by calling
// Trigger from one goroutine per CPU.
type Loopback struct {
	*probe.Table
	rings *channel.PerCPU
}

var (
	_ Backend     = (*Loopback)(nil)
	_ DropCounter = (*Loopback)(nil)
)

// NewLoopback builds cpus rings of capacity slots. A nil resolver maps every
// hook to the first syscall symbol candidate of the running architecture.
func NewLoopback(cpus, capacity int, resolver probe.SymbolResolver) (*Loopback, error) {
	rings, err := channel.NewPerCPU(cpus, capacity, record.MaxSize)
	if err != nil {
		return nil, err
	}
	if resolver == nil {
		resolver = archResolver{goarch: runtime.GOARCH}
	}
	return &Loopback{
		Table: probe.NewTable(resolver, rings, cpus),
		rings: rings,
	}, nil
}

// Rings exposes the underlying channel.
func (l *Loopback) Rings() *channel.PerCPU { return l.rings }

// CPUs returns the number of producers.
func (l *Loopback) CPUs() int { return l.rings.CPUs() }

// Dropped returns per-CPU drop counters.
func (l *Loopback) Dropped() []uint64 { return l.rings.Dropped() }

// Stats returns the ring counters of cpu.
func (l *Loopback) Stats(cpu int) channel.RingStats { return l.rings.Stats(cpu) }

// Close stops accepting submissions; buffered records stay pollable.
func (l *Loopback) Close() error { return l.rings.Close() }

// Poll is the consumer side of the rings.
func (l *Loopback) Poll(ctx context.Context, timeout time.Duration) ([]channel.Sample, error) {
	return l.rings.Poll(ctx, timeout)
}

type archResolver struct{ goarch string }

func (r archResolver) Resolve(hook string) (probe.Symbol, error) {
	if hook == "" {
		return probe.Symbol{}, fmt.Errorf("%w: empty hook", probe.ErrUnresolved)
	}
	name := probe.Candidates(hook, r.goarch)[0]
	return probe.Symbol{Name: name, Wrapped: probe.IsWrapper(name)}, nil
}
