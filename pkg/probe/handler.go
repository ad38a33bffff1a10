// Package probe binds capture handlers to kernel hook points.
package probe

import (
	"fmt"
	"time"

	"github.com/saworbit/futexsnoop/pkg/record"
)

// NumParams is the number of calling-convention parameters a handler sees.
const NumParams = 6

// Regs is the fixed-size view of a hook invocation handed to a handler.
type Regs struct {
	Params  [NumParams]uint64
	PidTgid uint64
	Ktime   uint64
	Comm    [record.CommLen]byte
}

// Param returns calling-convention parameter n (1..6), or 0 when n is out of
// range.
func (r *Regs) Param(n int) uint64 {
	if n < 1 || n > NumParams {
		return 0
	}
	return r.Params[n-1]
}

// CaptureFunc turns one invocation into one record. It runs in capture
// context: it must not block, allocate or loop without bound, and it must
// read everything it needs from regs before returning. It returns the number
// of bytes written into out.
type CaptureFunc func(regs *Regs, out *record.Slot) int

// Handler is a named capture program producing records of a single kind.
// The name identifies the equivalent in-kernel program.
type Handler struct {
	Name    string
	Kind    record.Kind
	Capture CaptureFunc
}

var (
	// CaptureArgs records the six syscall arguments.
	CaptureArgs = Handler{Name: "futex_args", Kind: record.KindCapture, Capture: captureArgs}
	// CaptureProcess records the calling task's pid, timestamp and name.
	CaptureProcess = Handler{Name: "proc_info", Kind: record.KindProcess, Capture: captureProcess}
)

func captureArgs(regs *Regs, out *record.Slot) int {
	record.CaptureFromParams(regs.Params).Put(out[:])
	return record.CaptureSize
}

func captureProcess(regs *Regs, out *record.Slot) int {
	record.ProcessRecord{
		PID:       uint32(regs.PidTgid),
		Timestamp: regs.Ktime,
		Comm:      regs.Comm,
	}.Put(out[:])
	return record.ProcessSize
}

// HandlerFor returns the built-in handler for kind.
func HandlerFor(kind record.Kind) (Handler, error) {
	switch kind {
	case record.KindCapture:
		return CaptureArgs, nil
	case record.KindProcess:
		return CaptureProcess, nil
	default:
		return Handler{}, fmt.Errorf("no handler for record kind %s", kind)
	}
}

// VerifyBudget bounds a handler's dry run during verification.
var VerifyBudget = 50 * time.Millisecond

// Verify admits h for attachment. It checks the handler's declaration and
// performs one dry run against a synthetic invocation, which must finish
// within VerifyBudget and produce exactly one record of the declared kind.
func Verify(h Handler) error {
	if h.Name == "" {
		return fmt.Errorf("handler has no name")
	}
	if !h.Kind.Valid() {
		return fmt.Errorf("handler %s: invalid record kind %s", h.Name, h.Kind)
	}
	if h.Capture == nil {
		return fmt.Errorf("handler %s: no capture function", h.Name)
	}

	regs := Regs{Params: [NumParams]uint64{1, 2, 3, 4, 5, 6}, PidTgid: 1<<32 | 1, Ktime: 1}
	copy(regs.Comm[:], "verify")

	done := make(chan int, 1)
	go func() {
		defer func() {
			if recover() != nil {
				done <- -1
			}
		}()
		var slot record.Slot
		done <- h.Capture(&regs, &slot)
	}()

	timer := time.NewTimer(VerifyBudget)
	defer timer.Stop()

	select {
	case n := <-done:
		if n < 0 {
			return fmt.Errorf("handler %s: panicked during dry run", h.Name)
		}
		if n != h.Kind.Size() {
			return fmt.Errorf("handler %s: wrote %d bytes, %s records are %d", h.Name, n, h.Kind, h.Kind.Size())
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("handler %s: dry run exceeded %v", h.Name, VerifyBudget)
	}
}
