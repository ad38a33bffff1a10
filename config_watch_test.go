package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/saworbit/futexsnoop/pkg/config"
)

func TestConfigWatcherReloadsChangedSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "futexsnoop.yaml")
	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("log_level: info\nhot:\n  threshold: 1000\n")

	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.WarnLevel) // a flag overrode the file at start
	w := newConfigWatcher(path, logger)

	thresholds := make(chan float64, 4)
	w.OnReload(func(c *config.TraceConfig) { thresholds <- c.Hot.Threshold })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned %v", err)
		}
	}()

	// give the watcher time to register before the first edit
	time.Sleep(50 * time.Millisecond)
	write("log_level: info\nhot:\n  threshold: 50\n")

	select {
	case got := <-thresholds:
		if got != 50 {
			t.Fatalf("threshold = %v, want 50", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hot threshold change was not reloaded")
	}
	if logger.GetLevel() != logrus.WarnLevel {
		t.Fatalf("unchanged log_level overrode the flag: %v", logger.GetLevel())
	}

	write("log_level: debug\nhot:\n  threshold: 50\n")
	deadline := time.Now().Add(2 * time.Second)
	for logger.GetLevel() != logrus.DebugLevel {
		if time.Now().After(deadline) {
			t.Fatalf("log level = %v, want debug", logger.GetLevel())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConfigWatcherIgnoresInvalidEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "futexsnoop.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	logger, hook := test.NewNullLogger()
	w := newConfigWatcher(path, logger)

	if err := os.WriteFile(path, []byte("kind: both\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	w.reload(logger)

	if entry := hook.LastEntry(); entry == nil || entry.Message != "Ignoring invalid config change" {
		t.Fatalf("last log entry = %+v", entry)
	}
	if w.last.Kind != "capture" {
		t.Fatalf("invalid config replaced the last good one: kind=%s", w.last.Kind)
	}
}

func TestNilConfigWatcher(t *testing.T) {
	w := newConfigWatcher("", logrus.New())
	if w != nil {
		t.Fatal("expected no watcher without a config path")
	}
	w.OnReload(func(*config.TraceConfig) {})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("nil Run = %v", err)
	}
}
