package tracer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/saworbit/futexsnoop/pkg/channel"
	"github.com/saworbit/futexsnoop/pkg/probe"
	"github.com/saworbit/futexsnoop/pkg/record"
)

func testOptions() Options {
	return Options{
		Kind:        record.KindCapture,
		HookPoint:   "futex",
		PollTimeout: 20 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	}
}

func newAttached(t *testing.T, cpus, capacity int, opts Options) (*Tracer, *Loopback, *test.Hook) {
	t.Helper()
	lb, err := NewLoopback(cpus, capacity, nil)
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	tr, err := New(lb, opts, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return tr, lb, hook
}

// collector gathers records delivered to the callback.
type collector struct {
	mu   sync.Mutex
	recs []record.Record
	seen chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 1024)}
}

func (c *collector) add(r record.Record) {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
	select {
	case c.seen <- struct{}{}:
	default:
	}
}

func (c *collector) records() []record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]record.Record(nil), c.recs...)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(c.records()) < n {
		select {
		case <-c.seen:
		case <-deadline:
			t.Fatalf("timed out waiting for %d records, have %d", n, len(c.records()))
		}
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{"defaults", func(*Options) {}, false},
		{"bad kind", func(o *Options) { o.Kind = 0 }, true},
		{"empty hook", func(o *Options) { o.HookPoint = "" }, true},
		{"zero poll timeout", func(o *Options) { o.PollTimeout = 0 }, true},
		{"negative grace", func(o *Options) { o.GracePeriod = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			if err := opts.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEndToEndCaptureLine(t *testing.T) {
	tr, lb, _ := newAttached(t, 2, 64, testOptions())
	col := newCollector()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, col.add) }()

	regs := probe.Regs{Params: [probe.NumParams]uint64{0x1000, 0, 1, 0, 0, 0}}
	if res, ok := lb.Trigger(tr.Handle().Symbol.Name, 1, &regs); !ok || res != channel.Delivered {
		t.Fatalf("Trigger = %v, %v", res, ok)
	}

	col.waitFor(t, 1)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	got := col.records()[0].(record.CaptureRecord).String()
	want := "uaddr1: 4096, futex_op: 0, val: 1, val2: 0, uaddr2: 0, val3: 0"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRunStopsWithinBoundAndDetachesFirst(t *testing.T) {
	opts := testOptions()
	tr, lb, _ := newAttached(t, 1, 64, opts)
	symbol := tr.Handle().Symbol.Name

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, nil) }()

	time.Sleep(5 * time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(opts.PollTimeout + opts.GracePeriod + time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	if elapsed := time.Since(start); elapsed > opts.PollTimeout+opts.GracePeriod+200*time.Millisecond {
		t.Fatalf("shutdown took %v", elapsed)
	}
	if tr.Attached() || lb.Attached(symbol) {
		t.Fatal("probe still attached after Run returned")
	}

	var regs probe.Regs
	if _, ok := lb.Trigger(symbol, 0, &regs); ok {
		t.Fatal("handler fired after detach")
	}
}

func TestDrainDeliversBufferedRecords(t *testing.T) {
	tr, lb, _ := newAttached(t, 1, 256, testOptions())
	symbol := tr.Handle().Symbol.Name

	for i := 0; i < 100; i++ {
		regs := probe.Regs{Params: [probe.NumParams]uint64{uint64(i)}}
		if res, _ := lb.Trigger(symbol, 0, &regs); res != channel.Delivered {
			t.Fatalf("Trigger %d = %v", i, res)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	col := newCollector()
	if err := tr.Run(ctx, col.add); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	recs := col.records()
	if len(recs) != 100 {
		t.Fatalf("drained %d records, want 100", len(recs))
	}
	for i, r := range recs {
		if got := r.(record.CaptureRecord).Uaddr1; got != uint64(i) {
			t.Fatalf("record %d has uaddr1 %d, order not preserved", i, got)
		}
	}
}

func TestMalformedRecordIsSkipped(t *testing.T) {
	tr, lb, hook := newAttached(t, 1, 64, testOptions())

	if res := lb.Rings().Submit(0, make([]byte, record.ProcessSize)); res != channel.Delivered {
		t.Fatalf("Submit = %v", res)
	}
	regs := probe.Regs{Params: [probe.NumParams]uint64{7}}
	lb.Trigger(tr.Handle().Symbol.Name, 0, &regs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	col := newCollector()
	if err := tr.Run(ctx, col.add); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	recs := col.records()
	if len(recs) != 1 || recs[0].(record.CaptureRecord).Uaddr1 != 7 {
		t.Fatalf("unexpected records: %+v", recs)
	}
	if st := tr.Stats(); st.Mismatched != 1 || st.Decoded != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "Skipping malformed record" {
			if err, ok := e.Data[logrus.ErrorKey].(error); ok && errors.Is(err, record.ErrSizeMismatch) {
				warned = true
			}
		}
	}
	if !warned {
		t.Fatal("expected a size mismatch warning")
	}
}

func TestRunEndsWhenChannelClosed(t *testing.T) {
	tr, lb, _ := newAttached(t, 1, 64, testOptions())

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background(), nil) }()

	if err := lb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after close")
	}
	if tr.Attached() {
		t.Fatal("probe still attached")
	}
}

func TestDropsAreCounted(t *testing.T) {
	tr, lb, _ := newAttached(t, 1, 2, testOptions())
	symbol := tr.Handle().Symbol.Name

	var regs probe.Regs
	for i := 0; i < 5; i++ {
		lb.Trigger(symbol, 0, &regs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	col := newCollector()
	if err := tr.Run(ctx, col.add); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if n := len(col.records()); n != 2 {
		t.Fatalf("delivered %d records, want 2", n)
	}
	if st := tr.Stats(); st.Dropped != 3 {
		t.Fatalf("dropped = %d, want 3", st.Dropped)
	}
	if s := lb.Stats(0); s.Delivered+s.Dropped != s.Submitted {
		t.Fatalf("ring counters do not add up: %+v", s)
	}
}

func TestAttachFailures(t *testing.T) {
	lb, err := NewLoopback(1, 16, probe.Static{})
	if err != nil {
		t.Fatalf("NewLoopback: %v", err)
	}
	logger, _ := test.NewNullLogger()
	tr, err := New(lb, testOptions(), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = tr.Attach()
	var ae *probe.AttachError
	if !errors.As(err, &ae) || !errors.Is(err, probe.ErrUnresolved) {
		t.Fatalf("Attach = %v, want unresolved AttachError", err)
	}
	if err := tr.Run(context.Background(), nil); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("Run without attach = %v, want ErrNotAttached", err)
	}
}

func TestProcessKindSession(t *testing.T) {
	opts := testOptions()
	opts.Kind = record.KindProcess
	tr, lb, _ := newAttached(t, 1, 16, opts)

	regs := probe.Regs{PidTgid: 42<<32 | 43, Ktime: 1500}
	copy(regs.Comm[:], "postgres")
	lb.Trigger(tr.Handle().Symbol.Name, 0, &regs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	col := newCollector()
	if err := tr.Run(ctx, col.add); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	recs := col.records()
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	p := recs[0].(record.ProcessRecord)
	if p.PID != 43 || p.Timestamp != 1500 || p.Name() != "postgres" {
		t.Fatalf("unexpected record: %+v", p)
	}
}

type pollResult struct {
	batch []channel.Sample
	err   error
}

// scriptedBackend replays fixed poll results, then reports empty polls, and
// logs the order of lifecycle calls.
type scriptedBackend struct {
	mu     sync.Mutex
	script []pollResult
	runCtx context.Context
	calls  []string
}

func (b *scriptedBackend) log(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

func (b *scriptedBackend) Attach(hook string, h probe.Handler) (*probe.Handle, error) {
	b.log("attach")
	return &probe.Handle{Hook: hook, Symbol: probe.Symbol{Name: "sys_" + hook}, Handler: h}, nil
}

func (b *scriptedBackend) Detach(*probe.Handle) error {
	b.log("detach")
	return nil
}

func (b *scriptedBackend) Poll(ctx context.Context, timeout time.Duration) ([]channel.Sample, error) {
	b.mu.Lock()
	if ctx == b.runCtx {
		b.calls = append(b.calls, "poll")
	} else {
		b.calls = append(b.calls, "drain")
	}
	if len(b.script) > 0 {
		next := b.script[0]
		b.script = b.script[1:]
		b.mu.Unlock()
		return next.batch, next.err
	}
	b.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
	return nil, nil
}

func (b *scriptedBackend) Close() error { return nil }

func (b *scriptedBackend) callLog() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func captureSample(uaddr uint64) channel.Sample {
	raw := make([]byte, record.CaptureSize)
	record.CaptureRecord{Uaddr1: uaddr, Val: 1}.Put(raw)
	return channel.Sample{CPU: 0, Raw: raw}
}

func newScripted(t *testing.T, script ...pollResult) (*Tracer, *scriptedBackend, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := &scriptedBackend{script: script, runCtx: ctx}
	logger, _ := test.NewNullLogger()
	tr, err := New(b, testOptions(), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tr.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return tr, b, ctx, cancel
}

func TestRunDeliversRecordsReadBeforePollError(t *testing.T) {
	tr, _, ctx, cancel := newScripted(t, pollResult{
		batch: []channel.Sample{captureSample(0x2000)},
		err:   errors.New("read perf ring: transient"),
	})
	defer cancel()

	col := newCollector()
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, col.add) }()

	col.waitFor(t, 1)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if got := col.records()[0].(record.CaptureRecord).Uaddr1; got != 0x2000 {
		t.Fatalf("uaddr1 = %#x, want 0x2000", got)
	}
	st := tr.Stats()
	if st.Decoded != 1 || st.PollErrors != 1 {
		t.Fatalf("stats = %+v, want 1 decoded and 1 poll error", st)
	}
}

func TestShutdownDetachesBeforeDrain(t *testing.T) {
	tr, b, ctx, cancel := newScripted(t)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, nil) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	calls := b.callLog()
	detach := -1
	for i, c := range calls {
		if c == "detach" {
			if detach >= 0 {
				t.Fatalf("detached twice: %v", calls)
			}
			detach = i
		}
	}
	if detach < 0 {
		t.Fatalf("never detached: %v", calls)
	}

	drains := 0
	for i, c := range calls {
		switch {
		case c == "drain" && i < detach:
			t.Fatalf("drain poll before detach: %v", calls)
		case c == "poll" && i > detach:
			t.Fatalf("run-loop poll after detach: %v", calls)
		case c == "drain":
			drains++
		}
	}
	if drains == 0 {
		t.Fatalf("no drain poll after detach: %v", calls)
	}
}
