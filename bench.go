package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saworbit/futexsnoop/pkg/config"
	"github.com/saworbit/futexsnoop/pkg/record"
)

// runBench drives the loopback channel until ctx ends and reports how many
// records each CPU's ring delivered and dropped.
func runBench(ctx context.Context, cfg *config.TraceConfig, log logrus.FieldLogger, w *configWatcher, interval time.Duration, out io.Writer) error {
	s, err := openSession(cfg, log, interval)
	if err != nil {
		return err
	}
	s.goRun(w.Run)

	var decoded uint64
	start := time.Now()
	err = s.run(ctx, func(record.Record) { decoded++ })
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	return writeBenchReport(out, s, decoded, elapsed)
}

func writeBenchReport(out io.Writer, s *session, decoded uint64, elapsed time.Duration) error {
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "CPU\tSUBMITTED\tDELIVERED\tDROPPED\tCONSUMED\t")

	var submitted, delivered, dropped, consumed uint64
	for cpu := 0; cpu < s.loopback.CPUs(); cpu++ {
		st := s.loopback.Stats(cpu)
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t\n", cpu, st.Submitted, st.Delivered, st.Dropped, st.Consumed)
		submitted += st.Submitted
		delivered += st.Delivered
		dropped += st.Dropped
		consumed += st.Consumed
	}
	fmt.Fprintf(tw, "total\t%d\t%d\t%d\t%d\t\n", submitted, delivered, dropped, consumed)
	if err := tw.Flush(); err != nil {
		return err
	}

	if s.workload != nil {
		calls, _, rejected := s.workload.totals()
		fmt.Fprintf(out, "%d synthetic futex() calls, %d rejected at submit\n", calls, rejected)
	}

	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(decoded) / secs
	}
	_, err := fmt.Fprintf(out, "decoded %d records in %s (%.0f records/s)\n", decoded, elapsed.Round(time.Millisecond), rate)
	return err
}
