// Package diff implements the comparison router: it dispatches each
// client query to a main backend and zero or more other backends, tracks
// each backend's in-flight results, and reports discrepancies between
// main and other (§4.4, §4.5, §4.6).
package diff

import "time"

// Explain controls which side(s) get an EXPLAIN run for a query flagged
// for comparison.
type Explain int

const (
	ExplainNone Explain = iota
	ExplainOther
	ExplainBoth
)

// OnError controls what the router does when a non-main backend errors.
type OnError int

const (
	OnErrorIgnore OnError = iota
	OnErrorClose
)

// Report controls when a per-query discrepancy report is generated.
type Report int

const (
	ReportAlways Report = iota
	ReportOnDiscrepancy
)

// Config holds the tunables of the diff router (§DiffConfig in
// original_source, generalized to Go naming).
type Config struct {
	Entries                     int
	Explain                     Explain
	MaxExecutionTimeDifference  int // percent
	MaxRequestLag               int64
	OnError                     OnError
	Percentile                  float64
	Period                      time.Duration
	Report                      Report
	ResetReplication            bool
	RetainFasterStatements      int
	RetainSlowerStatements      int
	Samples                     int
}

// DefaultConfig returns the zero-tuned configuration: histogram gating
// disabled (Samples == 0), EXPLAIN disabled, report only on discrepancy.
func DefaultConfig() Config {
	return Config{
		Entries:                    1000,
		Explain:                    ExplainNone,
		MaxExecutionTimeDifference: 20,
		MaxRequestLag:              10,
		OnError:                    OnErrorIgnore,
		Percentile:                 0.99,
		Period:                     time.Hour,
		Report:                     ReportOnDiscrepancy,
		ResetReplication:           true,
		RetainFasterStatements:     0,
		RetainSlowerStatements:     0,
		Samples:                    0,
	}
}
