//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// onReportSignal calls report on every SIGUSR1 until ctx is done.
func onReportSignal(ctx context.Context, report func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			report()
		}
	}
}
