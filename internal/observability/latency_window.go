package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// ProviderLatencyStats summarizes one provider's recent transcript
// latency samples.
type ProviderLatencyStats struct {
	Provider string  `json:"provider"`
	Samples  int     `json:"samples"`
	LastMS   float64 `json:"lastMs"`
	AvgMS    float64 `json:"avgMs"`
	P50MS    float64 `json:"p50Ms"`
	P95MS    float64 `json:"p95Ms"`
	P99MS    float64 `json:"p99Ms"`
	MinMS    float64 `json:"minMs"`
	MaxMS    float64 `json:"maxMs"`
}

// LatencySnapshot is the payload served by the latency endpoint.
type LatencySnapshot struct {
	GeneratedAt time.Time              `json:"generatedAt"`
	WindowSize  int                    `json:"windowSize"`
	Providers   []ProviderLatencyStats `json:"providers"`
}

// LatencyWindow keeps a bounded ring of latency samples per provider.
type LatencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	providers  map[string]*latencyBuffer
}

type latencyBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewLatencyWindow(maxSamples int) *LatencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &LatencyWindow{
		maxSamples: maxSamples,
		providers:  make(map[string]*latencyBuffer),
	}
}

func (w *LatencyWindow) Observe(providerID string, ms float64) {
	if providerID == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.providers[providerID]
	if !ok {
		buf = &latencyBuffer{values: make([]float64, w.maxSamples)}
		w.providers[providerID] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.providers))
	for id := range w.providers {
		keys = append(keys, id)
	}
	sort.Strings(keys)

	providers := make([]ProviderLatencyStats, 0, len(keys))
	for _, id := range keys {
		if stats, ok := w.statsLocked(id); ok {
			providers = append(providers, stats)
		}
	}

	return LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Providers:   providers,
	}
}

// StatsFor returns one provider's stats, false when it has no samples.
func (w *LatencyWindow) StatsFor(providerID string) (ProviderLatencyStats, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.statsLocked(providerID)
}

func (w *LatencyWindow) statsLocked(providerID string) (ProviderLatencyStats, bool) {
	buf := w.providers[providerID]
	if buf == nil {
		return ProviderLatencyStats{}, false
	}
	n := buf.next
	if buf.filled {
		n = len(buf.values)
	}
	if n <= 0 {
		return ProviderLatencyStats{}, false
	}
	samples := make([]float64, n)
	copy(samples, buf.values[:n])
	sort.Float64s(samples)

	sum := 0.0
	for _, v := range samples {
		sum += v
	}

	return ProviderLatencyStats{
		Provider: providerID,
		Samples:  n,
		LastMS:   round2(buf.last),
		AvgMS:    round2(sum / float64(n)),
		P50MS:    round2(quantile(samples, 0.50)),
		P95MS:    round2(quantile(samples, 0.95)),
		P99MS:    round2(quantile(samples, 0.99)),
		MinMS:    round2(samples[0]),
		MaxMS:    round2(samples[n-1]),
	}, true
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.providers = make(map[string]*latencyBuffer)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
