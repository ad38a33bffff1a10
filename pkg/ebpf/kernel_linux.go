//go:build linux

package ebpf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"

	"github.com/saworbit/futexsnoop/pkg/channel"
	"github.com/saworbit/futexsnoop/pkg/probe"
)

// Kernel attaches capture programs as kprobes and polls their perf ring.
// One probe may be attached at a time.
type Kernel struct {
	opts     Options
	log      logrus.FieldLogger
	resolver probe.SymbolResolver

	events *ebpf.Map
	reader *perf.Reader
	closed atomic.Bool

	// size of the records the current or last program emits
	recordSize atomic.Int64

	mu     sync.Mutex
	handle *probe.Handle
	prog   *ebpf.Program
	kprobe link.Link

	lostMu sync.Mutex
	lost   []uint64
}

// NewKernel creates the perf event array and its reader. Nothing is
// attached until Attach.
func NewKernel(opts Options, log logrus.FieldLogger) (*Kernel, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "ebpf")

	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 4096
	}
	if opts.PerCPUBufferBytes <= 0 {
		opts.PerCPUBufferBytes = 8 * os.Getpagesize()
	}
	if _, err := layoutFor(opts.GOARCH); err != nil {
		return nil, err
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}

	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name: "events",
		Type: ebpf.PerfEventArray,
	})
	if err != nil {
		return nil, fmt.Errorf("create perf event array: %w", err)
	}

	reader, err := perf.NewReader(events, opts.PerCPUBufferBytes)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("create perf reader: %w", err)
	}

	k := &Kernel{
		opts:   opts,
		log:    log,
		events: events,
		reader: reader,
		resolver: probe.Chain{
			&probe.Kallsyms{Path: opts.KallsymsPath, GOARCH: opts.GOARCH},
			newBTFResolver(NewBTFLoader(&opts.BTF, log), opts.GOARCH),
		},
	}
	log.WithField("per_cpu_bytes", opts.PerCPUBufferBytes).Debug("Perf event array ready")
	return k, nil
}

// Attach resolves hook, assembles h's program, loads it through the kernel
// verifier and attaches it as a kprobe.
func (k *Kernel) Attach(hook string, h probe.Handler) (*probe.Handle, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed.Load() {
		return nil, probe.NewAttachError(hook, probe.ErrKernel, channel.ErrClosed)
	}
	if k.handle != nil {
		return nil, probe.NewAttachError(hook, probe.ErrBusy, nil)
	}

	sym, err := k.resolver.Resolve(hook)
	if err != nil {
		return nil, probe.NewAttachError(hook, probe.ErrUnresolved, err)
	}
	if err := probe.Verify(h); err != nil {
		return nil, probe.NewAttachError(hook, probe.ErrVerify, err)
	}

	insns, err := buildProgram(h, sym, k.opts.GOARCH, k.events.FD())
	if err != nil {
		return nil, probe.NewAttachError(hook, probe.ErrVerify, err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         h.Name,
		Type:         ebpf.Kprobe,
		License:      "GPL",
		Instructions: insns,
	})
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			k.log.WithField("program", h.Name).Debugf("verifier log: %+v", ve)
			return nil, probe.NewAttachError(hook, probe.ErrVerify, err)
		}
		return nil, probe.NewAttachError(hook, probe.ErrKernel, err)
	}

	kp, err := link.Kprobe(sym.Name, prog, nil)
	if err != nil {
		prog.Close()
		if errors.Is(err, os.ErrNotExist) {
			return nil, probe.NewAttachError(hook, probe.ErrUnresolved, err)
		}
		return nil, probe.NewAttachError(hook, probe.ErrKernel, err)
	}

	k.recordSize.Store(int64(h.Kind.Size()))
	k.prog = prog
	k.kprobe = kp
	k.handle = &probe.Handle{Hook: hook, Symbol: sym, Handler: h}

	k.log.WithFields(logrus.Fields{
		"symbol":  sym.Name,
		"program": h.Name,
		"insns":   len(insns),
	}).Debug("Kprobe attached")
	return k.handle, nil
}

// Detach closes the kprobe link and unloads the program.
func (k *Kernel) Detach(handle *probe.Handle) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if handle == nil || handle != k.handle {
		return probe.ErrNotAttached
	}
	return k.detachLocked()
}

func (k *Kernel) detachLocked() error {
	var errs []error
	if k.kprobe != nil {
		errs = append(errs, k.kprobe.Close())
	}
	if k.prog != nil {
		errs = append(errs, k.prog.Close())
	}
	k.kprobe, k.prog, k.handle = nil, nil, nil
	return errors.Join(errs...)
}

// Poll waits up to timeout for the first record, then returns it together
// with whatever else is already buffered, at most MaxBatch records. ctx is
// only checked between records; cancellation latency is bounded by timeout.
func (k *Kernel) Poll(ctx context.Context, timeout time.Duration) ([]channel.Sample, error) {
	if k.closed.Load() {
		return nil, channel.ErrClosed
	}

	k.reader.SetDeadline(time.Now().Add(timeout))

	var batch []channel.Sample
	for len(batch) < k.opts.MaxBatch {
		var rec perf.Record
		if err := k.reader.ReadInto(&rec); err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				return batch, nil
			case errors.Is(err, perf.ErrClosed):
				if len(batch) > 0 {
					return batch, nil
				}
				return nil, channel.ErrClosed
			default:
				return batch, fmt.Errorf("read perf ring: %w", err)
			}
		}

		if rec.LostSamples > 0 {
			k.addLost(rec.CPU, rec.LostSamples)
			continue
		}

		raw := trimPerfPadding(rec.RawSample, int(k.recordSize.Load()))
		batch = append(batch, channel.Sample{CPU: rec.CPU, Raw: raw})
		if len(batch) == 1 {
			// drain what is already there without waiting again
			k.reader.SetDeadline(time.Now())
		}
		if ctx.Err() != nil {
			break
		}
	}
	return batch, nil
}

func (k *Kernel) addLost(cpu int, n uint64) {
	k.lostMu.Lock()
	defer k.lostMu.Unlock()
	if cpu >= len(k.lost) {
		grown := make([]uint64, cpu+1)
		copy(grown, k.lost)
		k.lost = grown
	}
	k.lost[cpu] += n
}

// Dropped returns the per-CPU counts of samples the kernel could not write
// because the CPU's ring was full.
func (k *Kernel) Dropped() []uint64 {
	k.lostMu.Lock()
	defer k.lostMu.Unlock()
	return append([]uint64(nil), k.lost...)
}

// Close detaches any probe and releases the perf ring and map. A Poll
// blocked in another goroutine returns channel.ErrClosed.
func (k *Kernel) Close() error {
	if k.closed.Swap(true) {
		return nil
	}

	var errs []error
	errs = append(errs, k.reader.Close())

	k.mu.Lock()
	errs = append(errs, k.detachLocked())
	k.mu.Unlock()

	errs = append(errs, k.events.Close())
	return errors.Join(errs...)
}
