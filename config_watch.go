package main

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/saworbit/futexsnoop/pkg/config"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 100 * time.Millisecond

// configWatcher re-reads the --config file when it changes and applies the
// settings that can change under a running session: log_level and hot.alpha
// / hot.threshold. A setting is applied only when the file's value changed,
// so flags and env that overrode the file at start keep winning until the
// file is edited for that setting.
type configWatcher struct {
	path   string
	logger *logrus.Logger

	mu       sync.Mutex
	last     *config.TraceConfig
	onReload []func(*config.TraceConfig)
}

// newConfigWatcher returns nil when there is no file to watch. A nil
// watcher is a valid no-op.
func newConfigWatcher(path string, logger *logrus.Logger) *configWatcher {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	w := &configWatcher{path: filepath.Clean(abs), logger: logger}
	if cfg, err := config.LoadFile(w.path); err == nil {
		w.last = cfg
	}
	return w
}

// OnReload registers fn to run with every accepted reload.
func (w *configWatcher) OnReload(fn func(*config.TraceConfig)) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = append(w.onReload, fn)
}

// Run watches the file's directory, so saves that replace the file by rename
// are seen too, until ctx is done.
func (w *configWatcher) Run(ctx context.Context) error {
	if w == nil {
		return nil
	}
	log := w.logger.WithField("component", "config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		log.WithError(err).Warn("Config file will not be reloaded")
		<-ctx.Done()
		return nil
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != w.path {
				continue
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = time.After(reloadDelay)
			}
		case <-pending:
			pending = nil
			w.reload(log)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Config watcher error")
		}
	}
}

func (w *configWatcher) reload(log logrus.FieldLogger) {
	cfg, err := config.LoadFile(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.WithError(err).Warn("Ignoring invalid config change")
		return
	}

	w.mu.Lock()
	prev := w.last
	w.last = cfg
	hooks := append(([]func(*config.TraceConfig))(nil), w.onReload...)
	w.mu.Unlock()

	if prev == nil || prev.LogLevel != cfg.LogLevel {
		if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			w.logger.SetLevel(lvl)
			log.WithField("level", lvl.String()).Info("Log level reloaded")
		}
	}
	if prev == nil || prev.Hot.Alpha != cfg.Hot.Alpha || prev.Hot.Threshold != cfg.Hot.Threshold {
		for _, fn := range hooks {
			fn(cfg)
		}
	}
}
