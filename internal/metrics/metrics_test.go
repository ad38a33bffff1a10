package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

func valueOf(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if pb.Counter != nil {
		return pb.GetCounter().GetValue()
	}
	return pb.GetGauge().GetValue()
}

func TestPollDurationRecordsObservation(t *testing.T) {
	start := time.Now()
	time.Sleep(2 * time.Millisecond)
	ObservePoll(start, 3, nil)

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() != "futexsnoop_poll_duration_ms" {
			continue
		}
		found = true
		if len(mf.Metric) == 0 {
			t.Fatalf("poll_duration_ms metric has no samples")
		}
		if got := mf.Metric[0].GetHistogram().GetSampleCount(); got == 0 {
			t.Fatalf("expected histogram sample count > 0, got %d", got)
		}
	}
	if !found {
		t.Fatalf("futexsnoop_poll_duration_ms not found")
	}
}

func TestObservePollOutcomes(t *testing.T) {
	before := map[string]float64{
		"records": valueOf(t, PollTotal.WithLabelValues("records")),
		"empty":   valueOf(t, PollTotal.WithLabelValues("empty")),
		"error":   valueOf(t, PollTotal.WithLabelValues("error")),
	}

	ObservePoll(time.Now(), 5, nil)
	ObservePoll(time.Now(), 0, nil)
	ObservePoll(time.Now(), 0, errors.New("boom"))

	for outcome, prev := range before {
		if got := valueOf(t, PollTotal.WithLabelValues(outcome)); got != prev+1 {
			t.Errorf("poll_total{outcome=%q} = %v, want %v", outcome, got, prev+1)
		}
	}
}

func TestSetDropped(t *testing.T) {
	SetDropped([]uint64{0, 7})
	if got := valueOf(t, DroppedRecords.WithLabelValues("1")); got != 7 {
		t.Fatalf("dropped_records{cpu=1} = %v, want 7", got)
	}
	SetDropped([]uint64{0, 9})
	if got := valueOf(t, DroppedRecords.WithLabelValues("1")); got != 9 {
		t.Fatalf("dropped_records{cpu=1} = %v, want 9", got)
	}
}

func TestMetricsEndpointExposesCoreMetrics(t *testing.T) {
	ObservePoll(time.Now(), 1, nil)
	ObserveRecord("capture", "decoded")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "futexsnoop_poll_duration_ms_bucket") {
		t.Fatalf("expected poll_duration_ms histogram buckets, body: %s", body)
	}
	if !strings.Contains(body, `futexsnoop_records_total{kind="capture",outcome="decoded"}`) {
		t.Fatalf("expected records_total counter, body: %s", body)
	}
	if !strings.Contains(body, "futexsnoop_up") {
		t.Fatalf("expected up gauge, body: %s", body)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics endpoint never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
