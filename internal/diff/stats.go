package diff

import (
	"sort"
	"sync"
	"time"
)

// TargetStats accumulates per-backend-target counters: request/response
// counts, errors, and a bounded top-N of slowest/fastest statements kept
// for the summary report (ground: DiffRouterStats / diffstats.hh shape,
// generalized).
type TargetStats struct {
	mu sync.Mutex

	Requests       uint64
	Responses      uint64
	Errors         uint64
	RequestsSkipped uint64

	Faster []Sample
	Slower []Sample

	retainFaster int
	retainSlower int
}

// Sample is one retained slow/fast statement, kept for the summary report.
type Sample struct {
	Canonical string
	Duration  time.Duration
	When      time.Time
}

// NewTargetStats returns stats retaining up to retainFaster/retainSlower
// samples in each bucket (0 disables retention for that bucket).
func NewTargetStats(retainFaster, retainSlower int) *TargetStats {
	return &TargetStats{retainFaster: retainFaster, retainSlower: retainSlower}
}

// IncRequest records one dispatched request.
func (s *TargetStats) IncRequest() {
	s.mu.Lock()
	s.Requests++
	s.mu.Unlock()
}

// IncRequestSkipped records a request that was not sent to this target
// (e.g. shed for lag, §4.4 dispatch).
func (s *TargetStats) IncRequestSkipped() {
	s.mu.Lock()
	s.RequestsSkipped++
	s.mu.Unlock()
}

// RecordResponse records a completed response, classifying it as an error
// if isError, and retaining it as a sample if it ranks among the
// configured faster/slower buckets relative to mainDuration.
func (s *TargetStats) RecordResponse(canonical string, duration, mainDuration time.Duration, isError bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Responses++
	if isError {
		s.Errors++
	}
	sample := Sample{Canonical: canonical, Duration: duration, When: now}
	if s.retainSlower > 0 && duration > mainDuration {
		s.Slower = insertSample(s.Slower, sample, s.retainSlower, true)
	}
	if s.retainFaster > 0 && duration < mainDuration {
		s.Faster = insertSample(s.Faster, sample, s.retainFaster, false)
	}
}

func insertSample(bucket []Sample, sample Sample, cap int, slowestFirst bool) []Sample {
	bucket = append(bucket, sample)
	sort.Slice(bucket, func(i, j int) bool {
		if slowestFirst {
			return bucket[i].Duration > bucket[j].Duration
		}
		return bucket[i].Duration < bucket[j].Duration
	})
	if len(bucket) > cap {
		bucket = bucket[:cap]
	}
	return bucket
}

// Snapshot is an immutable copy of TargetStats for reporting.
type Snapshot struct {
	Requests        uint64
	Responses       uint64
	Errors          uint64
	RequestsSkipped uint64
	Faster          []Sample
	Slower          []Sample
}

// Snapshot copies the current counters and retained samples.
func (s *TargetStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Requests:        s.Requests,
		Responses:       s.Responses,
		Errors:          s.Errors,
		RequestsSkipped: s.RequestsSkipped,
		Faster:          append([]Sample(nil), s.Faster...),
		Slower:          append([]Sample(nil), s.Slower...),
	}
}

// Merge folds another TargetStats' counters into s (aggregate collection
// across routing goroutines, cross-worker shared state per §5).
func (s *TargetStats) Merge(other *TargetStats) {
	otherSnap := other.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests += otherSnap.Requests
	s.Responses += otherSnap.Responses
	s.Errors += otherSnap.Errors
	s.RequestsSkipped += otherSnap.RequestsSkipped
	for _, sample := range otherSnap.Slower {
		s.Slower = insertSample(s.Slower, sample, maxInt(s.retainSlower, len(s.Slower)+1), true)
	}
	for _, sample := range otherSnap.Faster {
		s.Faster = insertSample(s.Faster, sample, maxInt(s.retainFaster, len(s.Faster)+1), false)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
