package main

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/saworbit/futexsnoop/pkg/channel"
	"github.com/saworbit/futexsnoop/pkg/probe"
	"github.com/saworbit/futexsnoop/pkg/record"
	"github.com/saworbit/futexsnoop/pkg/tracer"
)

// futex operations the synthetic callers cycle through
const (
	futexWait       = 0
	futexWake       = 1
	futexRequeue    = 3
	futexCmpRequeue = 4
	futexWakeOp     = 5
	futexPrivate    = 128
)

var workloadOps = []int32{
	futexWait | futexPrivate,
	futexWake | futexPrivate,
	futexCmpRequeue | futexPrivate,
	futexWakeOp | futexPrivate,
	futexWake,
	futexRequeue,
}

var workloadComms = []string{"java", "nginx", "postgres", "redis-server", "sshd", "containerd"}

// workload plays one synthetic caller per CPU against a loopback backend,
// standing in for the processes a kernel probe would observe.
type workload struct {
	lb       *tracer.Loopback
	symbol   string
	interval time.Duration
	start    time.Time

	calls     atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newWorkload(lb *tracer.Loopback, symbol string, interval time.Duration) *workload {
	return &workload{lb: lb, symbol: symbol, interval: interval, start: time.Now()}
}

// Run drives every CPU until ctx is cancelled or the probe is detached.
func (w *workload) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < w.lb.CPUs(); cpu++ {
		cpu := cpu
		g.Go(func() error {
			w.produce(ctx, cpu)
			return nil
		})
	}
	return g.Wait()
}

func (w *workload) produce(ctx context.Context, cpu int) {
	var regs probe.Regs
	pid := uint32(1000 + cpu*100)
	base := uint64(0x7f0000000000) + uint64(cpu)<<20

	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return
		}

		fillRegs(&regs, base, pid, i, time.Since(w.start))
		res, ok := w.lb.Trigger(w.symbol, cpu, &regs)
		if !ok {
			return
		}
		w.calls.Add(1)
		if res == channel.Delivered {
			w.delivered.Add(1)
		} else {
			w.dropped.Add(1)
		}

		if w.interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.interval):
			}
		}
	}
}

// fillRegs sets up call i of a caller. Addresses are 4-byte aligned futex
// words inside the caller's own region.
func fillRegs(regs *probe.Regs, base uint64, pid uint32, i int, since time.Duration) {
	op := workloadOps[i%len(workloadOps)]
	comm := workloadComms[(int(pid)+i)%len(workloadComms)]

	regs.Params = [probe.NumParams]uint64{
		base + uint64(i%64)*4,
		uint64(uint32(op)),
		uint64(i % 3),
		0,
		0,
		0,
	}
	switch op &^ futexPrivate {
	case futexRequeue, futexCmpRequeue, futexWakeOp:
		regs.Params[3] = 1
		regs.Params[4] = base + 0x1000 + uint64(i%16)*4
		regs.Params[5] = uint64(i % 2)
	}

	regs.PidTgid = uint64(pid)<<32 | uint64(pid+uint32(i%4))
	regs.Ktime = uint64(since)
	regs.Comm = [record.CommLen]byte{}
	copy(regs.Comm[:record.CommLen-1], comm)
}

// totals returns calls made, delivered into the channel and dropped at submit.
func (w *workload) totals() (calls, delivered, dropped uint64) {
	return w.calls.Load(), w.delivered.Load(), w.dropped.Load()
}
