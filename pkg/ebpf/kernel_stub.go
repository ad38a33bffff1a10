//go:build !linux

package ebpf

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saworbit/futexsnoop/pkg/channel"
	"github.com/saworbit/futexsnoop/pkg/probe"
)

// Kernel is unavailable on this platform.
type Kernel struct{}

// NewKernel reports unsupported platforms when Linux eBPF is unavailable.
func NewKernel(Options, logrus.FieldLogger) (*Kernel, error) {
	return nil, ErrUnsupported
}

func (*Kernel) Attach(hook string, _ probe.Handler) (*probe.Handle, error) {
	return nil, probe.NewAttachError(hook, probe.ErrKernel, ErrUnsupported)
}

func (*Kernel) Detach(*probe.Handle) error { return probe.ErrNotAttached }

func (*Kernel) Poll(context.Context, time.Duration) ([]channel.Sample, error) {
	return nil, channel.ErrClosed
}

func (*Kernel) Dropped() []uint64 { return nil }
func (*Kernel) Close() error      { return nil }
