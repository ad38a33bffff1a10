package counter

import (
	"context"
	"sync"
	"time"
)

// HotKeySink receives the keys whose smoothed rate crossed the threshold
type HotKeySink interface {
	HotKeys(map[string]float64)
}

// HotKeySinkFunc adapts a function to HotKeySink
type HotKeySinkFunc func(map[string]float64)

func (f HotKeySinkFunc) HotKeys(hot map[string]float64) { f(hot) }

// Hotspots keeps an exponential moving average of per-interval counts so
// keys that keep calling at a high rate stand out from one-off bursts
type Hotspots struct {
	sink      HotKeySink
	interval  time.Duration
	alpha     float64
	threshold float64

	mu        sync.Mutex
	samples   map[string]uint64
	estimates map[string]float64
}

// NewHotspots builds a tracker. alpha weights the newest interval.
func NewHotspots(interval time.Duration, alpha, threshold float64, sink HotKeySink) *Hotspots {
	return &Hotspots{
		sink:      sink,
		interval:  interval,
		alpha:     alpha,
		threshold: threshold,
		samples:   make(map[string]uint64),
		estimates: make(map[string]float64),
	}
}

// SetParams replaces alpha and threshold from the next interval on. The
// averages already accumulated are kept.
func (h *Hotspots) SetParams(alpha, threshold float64) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alpha = alpha
	h.threshold = threshold
}

// Record counts one occurrence of key in the current interval
func (h *Hotspots) Record(key string) {
	if h == nil || key == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[key]++
}

// Run updates the averages every interval until ctx is cancelled
func (h *Hotspots) Run(ctx context.Context) {
	if h == nil {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.flush()
		}
	}
}

// Snapshot returns a copy of the current averages
func (h *Hotspots) Snapshot() map[string]float64 {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cp := make(map[string]float64, len(h.estimates))
	for k, v := range h.estimates {
		cp[k] = v
	}
	return cp
}

// Flush closes the current interval immediately
func (h *Hotspots) Flush() {
	if h == nil {
		return
	}
	h.flush()
}

func (h *Hotspots) flush() {
	h.mu.Lock()

	// keys silent for an interval decay too
	for key := range h.estimates {
		if _, ok := h.samples[key]; !ok {
			h.samples[key] = 0
		}
	}
	if len(h.samples) == 0 {
		h.mu.Unlock()
		return
	}

	alpha, threshold := h.alpha, h.threshold
	hot := make(map[string]float64)
	for key, count := range h.samples {
		current := alpha*float64(count) + (1-alpha)*h.estimates[key]
		h.estimates[key] = current
		if current >= threshold {
			hot[key] = current
		}
	}
	h.samples = make(map[string]uint64)
	h.mu.Unlock()

	if len(hot) > 0 && h.sink != nil {
		h.sink.HotKeys(hot)
	}
}
