package main

import (
	"fmt"
	"io"

	"github.com/saworbit/futexsnoop/pkg/record"
)

const processHeader = "TIME(s)            COMM             PID    MESSAGE"

// printer writes one line per decoded record.
type printer struct {
	kind record.Kind
	out  io.Writer

	headerDone bool
	haveStart  bool
	start      uint64
}

func newPrinter(kind record.Kind, out io.Writer) *printer {
	return &printer{kind: kind, out: out}
}

// Print renders rec. Process records are timed relative to the first one
// seen; output errors are ignored like a closed pipe on stdout.
func (p *printer) Print(rec record.Record) {
	switch r := rec.(type) {
	case record.CaptureRecord:
		fmt.Fprintln(p.out, r.String())
	case record.ProcessRecord:
		if !p.headerDone {
			fmt.Fprintln(p.out, processHeader)
			p.headerDone = true
		}
		if !p.haveStart {
			p.start = r.Timestamp
			p.haveStart = true
		}
		var elapsed float64
		if r.Timestamp > p.start {
			elapsed = float64(r.Timestamp-p.start) / 1e9
		}
		fmt.Fprintf(p.out, "%-18.9f %-16s %-6d futex() called\n", elapsed, r.Name(), r.PID)
	}
}
