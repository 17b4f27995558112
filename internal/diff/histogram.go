package diff

import (
	"sort"
	"sync"
	"time"
)

// Histogram tracks a rolling sample of durations per canonical query hash,
// used to refine EXPLAIN gating: instead of scheduling an EXPLAIN the
// moment a discrepancy is observed, the router first confirms the
// canonical's duration is trending outside its historical percentile.
// This supplements diffrouter.cc's EXPLAIN-rate controls (§Config
// Samples/Percentile) which the distilled spec omitted; Samples == 0
// disables it entirely and callers should fall back to the plain
// Registry-gated behavior.
type Histogram struct {
	mu      sync.Mutex
	samples int
	byHash  map[uint64][]time.Duration
}

// NewHistogram returns a histogram retaining up to samples durations per
// canonical hash (0 disables recording).
func NewHistogram(samples int) *Histogram {
	return &Histogram{samples: samples, byHash: make(map[uint64][]time.Duration)}
}

// Enabled reports whether this histogram is configured to record anything.
func (h *Histogram) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.samples > 0
}

// AddSample records one observed duration for canonicalHash.
func (h *Histogram) AddSample(canonicalHash uint64, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.samples <= 0 {
		return
	}
	list := h.byHash[canonicalHash]
	list = append(list, d)
	if len(list) > h.samples {
		list = list[len(list)-h.samples:]
	}
	h.byHash[canonicalHash] = list
}

// Percentile returns the p-th percentile (0..1) duration observed for
// canonicalHash, and whether enough samples exist to report one.
func (h *Histogram) Percentile(canonicalHash uint64, p float64) (time.Duration, bool) {
	h.mu.Lock()
	list := append([]time.Duration(nil), h.byHash[canonicalHash]...)
	h.mu.Unlock()

	if len(list) == 0 {
		return 0, false
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	idx := int(p * float64(len(list)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(list) {
		idx = len(list) - 1
	}
	return list[idx], true
}

// ExceedsPercentile reports whether d is at or beyond canonicalHash's
// configured percentile, i.e. worth a closer look via EXPLAIN. If no
// baseline exists yet, it defers to the caller's existing gating (returns
// true, since there is nothing to rule it out with).
func (h *Histogram) ExceedsPercentile(canonicalHash uint64, d time.Duration, p float64) bool {
	baseline, ok := h.Percentile(canonicalHash, p)
	if !ok {
		return true
	}
	return d >= baseline
}
