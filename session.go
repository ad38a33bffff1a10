package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/saworbit/futexsnoop/internal/metrics"
	"github.com/saworbit/futexsnoop/internal/version"
	"github.com/saworbit/futexsnoop/pkg/config"
	"github.com/saworbit/futexsnoop/pkg/counter"
	"github.com/saworbit/futexsnoop/pkg/ebpf"
	"github.com/saworbit/futexsnoop/pkg/record"
	"github.com/saworbit/futexsnoop/pkg/tracer"
)

// session is one attached tracer plus the goroutines that run beside its
// poll loop.
type session struct {
	cfg      *config.TraceConfig
	log      logrus.FieldLogger
	tr       *tracer.Tracer
	loopback *tracer.Loopback
	workload *workload
	workers  []func(context.Context) error
}

// openSession creates the backend selected by cfg and attaches the probe.
// Any attach failure is returned unchanged so callers can report it. On the
// loopback backend a synthetic workload pausing interval between calls is
// started beside the poll loop.
func openSession(cfg *config.TraceConfig, log logrus.FieldLogger, interval time.Duration) (*session, error) {
	kind, err := cfg.RecordKind()
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, log: log}

	var backend tracer.Backend
	switch cfg.Backend {
	case "loopback":
		lb, err := tracer.NewLoopback(cfg.Loopback.CPUs, cfg.Loopback.RingCapacity, nil)
		if err != nil {
			return nil, fmt.Errorf("create loopback backend: %w", err)
		}
		s.loopback = lb
		backend = lb
	default:
		checkPrivileges(log)
		k, err := ebpf.NewKernel(ebpf.OptionsFromConfig(cfg), log)
		if err != nil {
			return nil, fmt.Errorf("create kernel backend: %w", err)
		}
		backend = k
	}

	tr, err := tracer.New(backend, tracer.Options{
		Kind:        kind,
		HookPoint:   cfg.Syscall,
		PollTimeout: cfg.PollTimeout,
		GracePeriod: cfg.GracePeriod,
	}, log)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	if err := tr.Attach(); err != nil {
		_ = backend.Close()
		return nil, err
	}
	s.tr = tr
	if s.loopback != nil {
		s.workload = newWorkload(s.loopback, tr.Handle().Symbol.Name, interval)
		s.goRun(s.workload.Run)
	}

	metrics.SetAgentInfo(runtime.GOOS, runtime.GOARCH, version.Version, cfg.Backend, kind.String())
	return s, nil
}

// goRun adds a goroutine that runs for the lifetime of the poll loop.
func (s *session) goRun(fn func(context.Context) error) {
	s.workers = append(s.workers, fn)
}

// run polls until ctx is done or the channel closes. The metrics endpoint
// and any added workers stop with the poll loop.
func (s *session) run(ctx context.Context, onRecord func(record.Record)) error {
	defer func() {
		if err := s.tr.Close(); err != nil {
			s.log.WithError(err).Warn("Closing tracer failed")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, s.cfg.MetricsAddr, s.log) })
	}
	for _, fn := range s.workers {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return s.tr.Run(gctx, onRecord)
	})

	metrics.SetUp(true)
	err := g.Wait()
	metrics.SetUp(false)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	st := s.tr.Stats()
	s.log.WithFields(logrus.Fields{
		"decoded":     st.Decoded,
		"mismatched":  st.Mismatched,
		"dropped":     st.Dropped,
		"poll_errors": st.PollErrors,
	}).Info("Session finished")
	return err
}

func runTrace(ctx context.Context, cfg *config.TraceConfig, log logrus.FieldLogger, w *configWatcher, out io.Writer) error {
	s, err := openSession(cfg, log, time.Millisecond)
	if err != nil {
		return err
	}
	s.goRun(w.Run)
	kind, _ := cfg.RecordKind()
	p := newPrinter(kind, out)
	return s.run(ctx, p.Print)
}

func runCount(ctx context.Context, cfg *config.TraceConfig, log logrus.FieldLogger, w *configWatcher, out io.Writer) error {
	s, err := openSession(cfg, log, 0)
	if err != nil {
		return err
	}
	s.goRun(w.Run)

	table := counter.New(cfg.CounterCapacity)
	var hot *counter.Hotspots
	if cfg.Hot.Enabled {
		hot = counter.NewHotspots(cfg.Hot.Interval, cfg.Hot.Alpha, cfg.Hot.Threshold, hotLogger(log))
		s.goRun(func(ctx context.Context) error {
			hot.Run(ctx)
			return nil
		})
		w.OnReload(func(c *config.TraceConfig) {
			hot.SetParams(c.Hot.Alpha, c.Hot.Threshold)
			log.WithFields(logrus.Fields{
				"alpha":     c.Hot.Alpha,
				"threshold": c.Hot.Threshold,
			}).Info("Hot caller parameters reloaded")
		})
	}
	var reportMu sync.Mutex
	report := func() {
		reportMu.Lock()
		defer reportMu.Unlock()
		if err := table.WriteReport(out); err != nil {
			log.WithError(err).Warn("Writing report failed")
		}
	}
	s.goRun(func(ctx context.Context) error {
		onReportSignal(ctx, report)
		return nil
	})

	var fullOnce sync.Once
	err = s.run(ctx, func(rec record.Record) {
		p, ok := rec.(record.ProcessRecord)
		if !ok {
			return
		}
		name := p.Name()
		if err := table.Increment([]byte(name)); err != nil {
			fullOnce.Do(func() {
				log.WithError(err).WithField("capacity", cfg.CounterCapacity).Warn("Counter table full, new names are ignored")
			})
		}
		hot.Record(name)
		metrics.SetCounterKeys(table.Len())
	})

	report()
	return err
}

func hotLogger(log logrus.FieldLogger) counter.HotKeySink {
	return counter.HotKeySinkFunc(func(hot map[string]float64) {
		for name, rate := range hot {
			log.WithFields(logrus.Fields{
				"comm": name,
				"rate": fmt.Sprintf("%.1f/interval", rate),
			}).Warn("Hot futex caller")
		}
	})
}
