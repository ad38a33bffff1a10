// Package channel implements the per-CPU transport between capture context
// and the single user-space consumer.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Poll once the channel is closed and drained.
var ErrClosed = errors.New("event channel closed")

// Result is the outcome of a submission.
type Result uint8

const (
	Delivered Result = iota + 1
	Dropped
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Sample is one raw record retrieved from a CPU's ring.
type Sample struct {
	CPU int
	Raw []byte
}

// RingStats are the cumulative counters of one CPU's ring.
// Delivered + Dropped == Submitted at every quiescent point.
type RingStats struct {
	Submitted uint64
	Delivered uint64
	Dropped   uint64
	Consumed  uint64
}

// ring is a single-producer/single-consumer queue. head is written only by
// the producer, tail only by the consumer.
type ring struct {
	head      atomic.Uint64
	_         [56]byte
	tail      atomic.Uint64
	_         [56]byte
	submitted atomic.Uint64
	dropped   atomic.Uint64

	mask  uint64
	lens  []uint32
	slots []byte
}

// PerCPU is a fixed set of rings, one per CPU, with fixed capacity and slot
// size for its whole lifetime.
type PerCPU struct {
	rings    []ring
	slotSize int
	notify   chan struct{}
	closed   atomic.Bool
}

// NewPerCPU allocates cpus rings of capacity slots each. capacity must be a
// power of two.
func NewPerCPU(cpus, capacity, slotSize int) (*PerCPU, error) {
	if cpus <= 0 {
		return nil, fmt.Errorf("cpu count must be positive, got: %d", cpus)
	}
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ring capacity must be a power of two, got: %d", capacity)
	}
	if slotSize <= 0 {
		return nil, fmt.Errorf("slot size must be positive, got: %d", slotSize)
	}

	c := &PerCPU{
		rings:    make([]ring, cpus),
		slotSize: slotSize,
		notify:   make(chan struct{}, 1),
	}
	for i := range c.rings {
		r := &c.rings[i]
		r.mask = uint64(capacity - 1)
		r.lens = make([]uint32, capacity)
		r.slots = make([]byte, capacity*slotSize)
	}
	return c, nil
}

// CPUs returns the number of rings.
func (c *PerCPU) CPUs() int { return len(c.rings) }

// Capacity returns the number of slots in each ring.
func (c *PerCPU) Capacity() int { return int(c.rings[0].mask + 1) }

// Submit copies raw into the next free slot of cpu's ring. It must only be
// called by that CPU's producer. It never blocks and never allocates; a full
// ring, an oversized record or a closed channel count as a drop.
func (c *PerCPU) Submit(cpu int, raw []byte) Result {
	if cpu < 0 || cpu >= len(c.rings) {
		return Dropped
	}
	r := &c.rings[cpu]
	r.submitted.Add(1)

	head := r.head.Load()
	if c.closed.Load() || len(raw) > c.slotSize || head-r.tail.Load() > r.mask {
		r.dropped.Add(1)
		return Dropped
	}

	idx := head & r.mask
	off := int(idx) * c.slotSize
	copy(r.slots[off:off+c.slotSize], raw)
	r.lens[idx] = uint32(len(raw))
	r.head.Store(head + 1)

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return Delivered
}

// Poll returns every record currently buffered across all rings. When all
// rings are empty it waits until a record is submitted, timeout elapses or
// ctx is done. Records of one CPU keep their submission order; no order is
// defined across CPUs.
func (c *PerCPU) Poll(ctx context.Context, timeout time.Duration) ([]Sample, error) {
	if batch := c.drain(); len(batch) > 0 {
		return batch, nil
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.notify:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.drain(), nil
}

func (c *PerCPU) drain() []Sample {
	var batch []Sample
	for cpu := range c.rings {
		r := &c.rings[cpu]
		tail := r.tail.Load()
		head := r.head.Load()
		for ; tail < head; tail++ {
			idx := tail & r.mask
			off := int(idx) * c.slotSize
			raw := make([]byte, r.lens[idx])
			copy(raw, r.slots[off:])
			batch = append(batch, Sample{CPU: cpu, Raw: raw})
		}
		r.tail.Store(tail)
	}
	return batch
}

// Stats returns the counters of cpu's ring.
func (c *PerCPU) Stats(cpu int) RingStats {
	r := &c.rings[cpu]
	return RingStats{
		Submitted: r.submitted.Load(),
		Delivered: r.head.Load(),
		Dropped:   r.dropped.Load(),
		Consumed:  r.tail.Load(),
	}
}

// Dropped returns the per-CPU drop counters.
func (c *PerCPU) Dropped() []uint64 {
	out := make([]uint64, len(c.rings))
	for i := range c.rings {
		out[i] = c.rings[i].dropped.Load()
	}
	return out
}

// Close stops accepting submissions. Buffered records stay pollable.
func (c *PerCPU) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}
