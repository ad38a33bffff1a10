package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "futexsnoop"

var (
	// Registry is a dedicated Prometheus registry for all futexsnoop metrics.
	Registry = prometheus.NewRegistry()

	// PollDuration measures how long each poll of the event channel took.
	PollDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_ms",
			Help:      "Duration of event channel polls in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// PollTotal counts polls by outcome.
	PollTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_total",
			Help:      "Total number of event channel polls",
		},
		[]string{"outcome"}, // records | empty | error
	)

	// PollBatchSize tracks how many raw records a single poll returned.
	PollBatchSize = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_batch_records",
			Help:      "Number of raw records returned by a single poll",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// RecordsTotal counts records handed to the decoder by kind and outcome.
	RecordsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Total number of records processed by the poll loop",
		},
		[]string{"kind", "outcome"}, // decoded | size_mismatch
	)

	// DroppedRecords exposes the cumulative per-CPU drop counters of the channel.
	DroppedRecords = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dropped_records",
			Help:      "Records dropped in capture context because a CPU buffer was full",
		},
		[]string{"cpu"},
	)

	// AttachTotal counts probe attachment attempts.
	AttachTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attach_total",
			Help:      "Total number of probe attachment attempts",
		},
		[]string{"hook", "outcome"},
	)

	// DrainDuration measures the final drain after detach.
	DrainDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drain_duration_ms",
			Help:      "Duration of the shutdown drain in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)

	// CounterKeys reports the number of distinct keys in the counter table.
	CounterKeys = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "counter_keys",
			Help:      "Number of distinct keys in the counter table",
		},
	)

	// AgentInfo exposes static information about the running tracer.
	AgentInfo = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_info",
			Help:      "Static information about the tracer",
		},
		[]string{"os", "arch", "version", "backend", "kind"},
	)

	// Up is a liveness gauge for the tracer.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the tracer is running and healthy",
		},
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// SetAgentInfo publishes a single info metric for the running tracer.
func SetAgentInfo(osName, arch, version, backend, kind string) {
	if osName == "" {
		osName = runtime.GOOS
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	if backend == "" {
		backend = "unknown"
	}
	if version == "" {
		version = "dev"
	}
	AgentInfo.WithLabelValues(osName, arch, version, backend, kind).Set(1)
}

// ObservePoll records timing and batch size of one poll.
func ObservePoll(start time.Time, records int, err error) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	PollDuration.Observe(elapsed)

	switch {
	case err != nil:
		PollTotal.WithLabelValues("error").Inc()
	case records == 0:
		PollTotal.WithLabelValues("empty").Inc()
	default:
		PollTotal.WithLabelValues("records").Inc()
		PollBatchSize.Observe(float64(records))
	}
}

// ObserveRecord counts one decoded or rejected record.
func ObserveRecord(kind, outcome string) {
	RecordsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveAttach counts an attachment attempt. outcome is "success" or the
// failure reason.
func ObserveAttach(hook, outcome string) {
	AttachTotal.WithLabelValues(hook, outcome).Inc()
}

// ObserveDrain records how long the shutdown drain took.
func ObserveDrain(start time.Time) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	DrainDuration.Observe(elapsed)
}

// SetDropped publishes cumulative per-CPU drop counters.
func SetDropped(perCPU []uint64) {
	for cpu, n := range perCPU {
		DroppedRecords.WithLabelValues(strconv.Itoa(cpu)).Set(float64(n))
	}
}

// SetCounterKeys reports the size of the counter table.
func SetCounterKeys(count int) {
	if count < 0 {
		count = 0
	}
	CounterKeys.Set(float64(count))
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string, logger logrus.FieldLogger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.WithField("addr", addr).Info("Prometheus endpoint listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
