//go:build windows

package main

import "context"

// No SIGUSR1 on Windows; the table is only printed on exit.
func onReportSignal(ctx context.Context, _ func()) {
	<-ctx.Done()
}
