package probe

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolved means the hook point did not map to an attachable symbol.
	ErrUnresolved = errors.New("hook point not resolvable")
	// ErrVerify means the handler was rejected by verification.
	ErrVerify = errors.New("handler failed verification")
	// ErrBusy means the hook point already has a handler attached.
	ErrBusy = errors.New("hook point already attached")
	// ErrKernel means the kernel refused to create the hook.
	ErrKernel = errors.New("kernel rejected attachment")
	// ErrNotAttached is returned when detaching an unknown handle.
	ErrNotAttached = errors.New("handle not attached")
)

// AttachError is returned by every Attacher when a handler cannot be bound.
// It wraps one of ErrUnresolved, ErrVerify, ErrBusy or ErrKernel.
type AttachError struct {
	Hook string
	Err  error
}

// NewAttachError wraps cause under one of the sentinel reasons.
func NewAttachError(hook string, reason, cause error) *AttachError {
	if cause == nil {
		return &AttachError{Hook: hook, Err: reason}
	}
	return &AttachError{Hook: hook, Err: fmt.Errorf("%w: %w", reason, cause)}
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach %s: %v", e.Hook, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
