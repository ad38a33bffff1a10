package probe

import (
	"sync"
	"sync/atomic"

	"github.com/saworbit/futexsnoop/pkg/channel"
	"github.com/saworbit/futexsnoop/pkg/record"
)

// Attacher binds handlers to hook points. Only one handler may be attached to
// a resolved symbol at a time.
type Attacher interface {
	Attach(hook string, h Handler) (*Handle, error)
	Detach(handle *Handle) error
}

// Handle identifies one attachment.
type Handle struct {
	Hook    string
	Symbol  Symbol
	Handler Handler
}

// Sink receives records produced in capture context.
type Sink interface {
	Submit(cpu int, raw []byte) channel.Result
}

// Table is an in-process hook table. Trigger plays the role of the kernel
// reaching a hook point: it runs the attached handler synchronously on the
// calling CPU's producer and submits the result.
type Table struct {
	resolver SymbolResolver
	sink     Sink
	// one scratch slot per CPU, the equivalent of a per-CPU array map
	scratch []record.Slot

	mu    sync.Mutex
	hooks atomic.Pointer[map[string]*Handle]
}

var _ Attacher = (*Table)(nil)

// NewTable creates an empty hook table for cpus producers submitting into sink.
func NewTable(resolver SymbolResolver, sink Sink, cpus int) *Table {
	t := &Table{resolver: resolver, sink: sink, scratch: make([]record.Slot, cpus)}
	empty := map[string]*Handle{}
	t.hooks.Store(&empty)
	return t
}

// Attach resolves hook, verifies h and registers it.
func (t *Table) Attach(hook string, h Handler) (*Handle, error) {
	sym, err := t.resolver.Resolve(hook)
	if err != nil {
		return nil, NewAttachError(hook, ErrUnresolved, err)
	}
	if err := Verify(h); err != nil {
		return nil, NewAttachError(hook, ErrVerify, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.hooks.Load()
	if _, ok := cur[sym.Name]; ok {
		return nil, NewAttachError(hook, ErrBusy, nil)
	}

	handle := &Handle{Hook: hook, Symbol: sym, Handler: h}
	next := make(map[string]*Handle, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[sym.Name] = handle
	t.hooks.Store(&next)
	return handle, nil
}

// Detach removes handle. Triggers that already loaded the old hook map may
// still complete one submission.
func (t *Table) Detach(handle *Handle) error {
	if handle == nil {
		return ErrNotAttached
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.hooks.Load()
	if cur[handle.Symbol.Name] != handle {
		return ErrNotAttached
	}

	next := make(map[string]*Handle, len(cur))
	for k, v := range cur {
		if k != handle.Symbol.Name {
			next[k] = v
		}
	}
	t.hooks.Store(&next)
	return nil
}

// Attached reports whether symbol currently has a handler.
func (t *Table) Attached(symbol string) bool {
	_, ok := (*t.hooks.Load())[symbol]
	return ok
}

// Trigger runs the handler attached to symbol for one invocation on cpu.
// It returns false when nothing is attached. Each cpu must be driven by a
// single goroutine at a time.
func (t *Table) Trigger(symbol string, cpu int, regs *Regs) (channel.Result, bool) {
	handle, ok := (*t.hooks.Load())[symbol]
	if !ok {
		return 0, false
	}

	if cpu < 0 || cpu >= len(t.scratch) {
		return channel.Dropped, true
	}

	slot := &t.scratch[cpu]
	n := handle.Handler.Capture(regs, slot)
	if n < 0 || n > len(slot) {
		n = 0
	}
	return t.sink.Submit(cpu, slot[:n]), true
}
