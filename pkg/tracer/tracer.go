// Package tracer drives one probe session: it attaches a capture handler,
// polls the event channel, decodes each record and hands it to a callback
// until the context is cancelled, then detaches and drains.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saworbit/futexsnoop/internal/metrics"
	"github.com/saworbit/futexsnoop/pkg/channel"
	"github.com/saworbit/futexsnoop/pkg/probe"
	"github.com/saworbit/futexsnoop/pkg/record"
)

// ErrNotAttached is returned by Run when Attach has not succeeded.
var ErrNotAttached = errors.New("tracer has no attached probe")

// Backend is an event source: an attacher plus the consumer side of its
// per-CPU channel. Poll must return channel.ErrClosed once the source is
// closed and drained.
type Backend interface {
	probe.Attacher
	Poll(ctx context.Context, timeout time.Duration) ([]channel.Sample, error)
	Close() error
}

// DropCounter is implemented by backends that expose per-CPU drop counters.
type DropCounter interface {
	Dropped() []uint64
}

// Options configure a session.
type Options struct {
	Kind        record.Kind
	HookPoint   string
	PollTimeout time.Duration
	GracePeriod time.Duration
}

// DefaultOptions returns the futex capture session defaults
func DefaultOptions() Options {
	return Options{
		Kind:        record.KindCapture,
		HookPoint:   "futex",
		PollTimeout: 100 * time.Millisecond,
		GracePeriod: 250 * time.Millisecond,
	}
}

// Validate checks that the options describe a runnable session
func (o Options) Validate() error {
	if !o.Kind.Valid() {
		return fmt.Errorf("invalid record kind: %d", o.Kind)
	}
	if o.HookPoint == "" {
		return fmt.Errorf("hook point must not be empty")
	}
	if o.PollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be positive, got: %v", o.PollTimeout)
	}
	if o.GracePeriod < 0 {
		return fmt.Errorf("grace period must be >= 0, got: %v", o.GracePeriod)
	}
	return nil
}

// Stats are cumulative counters of one session.
type Stats struct {
	Polls      uint64
	PollErrors uint64
	Decoded    uint64
	Mismatched uint64
	Dropped    uint64
}

// Tracer owns the attachment and the consumer side of a backend.
type Tracer struct {
	backend Backend
	opts    Options
	log     logrus.FieldLogger

	handle *probe.Handle

	polls      atomic.Uint64
	pollErrors atomic.Uint64
	decoded    atomic.Uint64
	mismatched atomic.Uint64
	dropped    atomic.Uint64
}

// New creates a tracer over backend. The backend is not touched until Attach.
func New(backend Backend, opts Options, log logrus.FieldLogger) (*Tracer, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend must not be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Tracer{
		backend: backend,
		opts:    opts,
		log: log.WithFields(logrus.Fields{
			"component": "tracer",
			"hook":      opts.HookPoint,
			"kind":      opts.Kind.String(),
		}),
	}, nil
}

// Attach binds the handler for the configured record kind to the hook
// point. Failures are returned as *probe.AttachError.
func (t *Tracer) Attach() error {
	if t.handle != nil {
		return probe.NewAttachError(t.opts.HookPoint, probe.ErrBusy, nil)
	}

	h, err := probe.HandlerFor(t.opts.Kind)
	if err != nil {
		metrics.ObserveAttach(t.opts.HookPoint, "verify")
		return probe.NewAttachError(t.opts.HookPoint, probe.ErrVerify, err)
	}

	handle, err := t.backend.Attach(t.opts.HookPoint, h)
	if err != nil {
		metrics.ObserveAttach(t.opts.HookPoint, attachOutcome(err))
		return err
	}

	t.handle = handle
	metrics.ObserveAttach(t.opts.HookPoint, "success")
	t.log.WithFields(logrus.Fields{
		"symbol":  handle.Symbol.Name,
		"wrapped": handle.Symbol.Wrapped,
		"handler": h.Name,
	}).Info("Probe attached")
	return nil
}

// Detach removes the probe. It is safe to call more than once.
func (t *Tracer) Detach() error {
	if t.handle == nil {
		return nil
	}
	handle := t.handle
	t.handle = nil
	if err := t.backend.Detach(handle); err != nil {
		return fmt.Errorf("detach %s: %w", handle.Symbol.Name, err)
	}
	t.log.WithField("symbol", handle.Symbol.Name).Info("Probe detached")
	return nil
}

// Handle returns the current attachment, or nil.
func (t *Tracer) Handle() *probe.Handle {
	return t.handle
}

// Attached reports whether the probe is currently bound.
func (t *Tracer) Attached() bool {
	return t.handle != nil
}

// Run polls until ctx is cancelled or the backend is closed, calling
// onRecord for every decoded record in arrival order. On cancellation the
// probe is detached before a final drain bounded by the grace period.
// Run returns nil on an orderly stop.
func (t *Tracer) Run(ctx context.Context, onRecord func(record.Record)) error {
	if t.handle == nil {
		return ErrNotAttached
	}

	for {
		if ctx.Err() != nil {
			return t.shutdown(onRecord)
		}

		start := time.Now()
		batch, err := t.backend.Poll(ctx, t.opts.PollTimeout)
		t.polls.Add(1)
		// records read before a failure are still delivered
		if len(batch) > 0 {
			t.dispatch(batch, onRecord)
		}
		if err != nil && ctx.Err() != nil {
			continue
		}
		metrics.ObservePoll(start, len(batch), err)

		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				t.log.Info("Event channel closed, stopping poll loop")
				if derr := t.Detach(); derr != nil {
					t.log.WithError(derr).Warn("Detach failed")
				}
				return nil
			}
			t.pollErrors.Add(1)
			t.log.WithError(err).Warn("Poll failed")
			t.publishDrops()
			t.backoff(ctx)
			continue
		}

		t.publishDrops()
	}
}

// backoff keeps a persistently failing poll from spinning.
func (t *Tracer) backoff(ctx context.Context) {
	timer := time.NewTimer(t.opts.PollTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (t *Tracer) shutdown(onRecord func(record.Record)) error {
	if err := t.Detach(); err != nil {
		t.log.WithError(err).Warn("Detach failed")
	}

	if t.opts.GracePeriod > 0 {
		start := time.Now()
		n := t.drain(onRecord)
		metrics.ObserveDrain(start)
		t.log.WithFields(logrus.Fields{
			"records":  n,
			"duration": time.Since(start),
		}).Debug("Drained event channel")
	}

	t.publishDrops()
	return nil
}

// drain consumes whatever is still buffered, stopping at the first empty
// poll or when the grace period runs out.
func (t *Tracer) drain(onRecord func(record.Record)) int {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.GracePeriod)
	defer cancel()

	total := 0
	for {
		remaining := time.Until(deadlineOf(ctx))
		if remaining <= 0 {
			return total
		}
		timeout := t.opts.PollTimeout
		if remaining < timeout {
			timeout = remaining
		}

		batch, err := t.backend.Poll(ctx, timeout)
		if len(batch) > 0 {
			t.dispatch(batch, onRecord)
			total += len(batch)
		}
		if err != nil || len(batch) == 0 {
			return total
		}
	}
}

func deadlineOf(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

func (t *Tracer) dispatch(batch []channel.Sample, onRecord func(record.Record)) {
	kind := t.opts.Kind.String()
	for _, s := range batch {
		rec, err := record.Decode(s.Raw, t.opts.Kind)
		if err != nil {
			t.mismatched.Add(1)
			metrics.ObserveRecord(kind, "size_mismatch")
			t.log.WithError(err).WithField("cpu", s.CPU).Warn("Skipping malformed record")
			continue
		}
		t.decoded.Add(1)
		metrics.ObserveRecord(kind, "decoded")
		if onRecord != nil {
			onRecord(rec)
		}
	}
}

func (t *Tracer) publishDrops() {
	dc, ok := t.backend.(DropCounter)
	if !ok {
		return
	}
	perCPU := dc.Dropped()
	metrics.SetDropped(perCPU)

	var total uint64
	for _, n := range perCPU {
		total += n
	}
	if prev := t.dropped.Swap(total); total > prev {
		t.log.WithField("lost", total-prev).Warn("Records dropped in capture context")
	}
}

// Stats returns a snapshot of the session counters.
func (t *Tracer) Stats() Stats {
	return Stats{
		Polls:      t.polls.Load(),
		PollErrors: t.pollErrors.Load(),
		Decoded:    t.decoded.Load(),
		Mismatched: t.mismatched.Load(),
		Dropped:    t.dropped.Load(),
	}
}

// Close detaches if needed and releases the backend.
func (t *Tracer) Close() error {
	return errors.Join(t.Detach(), t.backend.Close())
}

func attachOutcome(err error) string {
	switch {
	case errors.Is(err, probe.ErrUnresolved):
		return "unresolved"
	case errors.Is(err, probe.ErrVerify):
		return "verify"
	case errors.Is(err, probe.ErrBusy):
		return "busy"
	case errors.Is(err, probe.ErrKernel):
		return "kernel"
	default:
		return "error"
	}
}
