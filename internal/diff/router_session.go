package diff

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"time"

	"github.com/dbdiffproxy/dbdiffproxy/internal/protocol"
	"github.com/google/uuid"
)

// QueryOp classifies a parsed query for dispatch decisions (ground:
// diffroutersession.cc's qc_get_operation usage).
type QueryOp int

const (
	OpOther QueryOp = iota
	OpSelect
)

// QueryInfo is what the router needs to know about one client request to
// decide how to dispatch and whether it is eligible for lag-shedding.
type QueryInfo struct {
	Op              QueryOp
	IsQuery         bool
	IsWrite         bool
	MultiPartPacket bool
	SQL             string
	Canonical       string
	CanonicalHash   uint64
	Command         byte
}

// ReportSink receives generated discrepancy reports (§4.5 generate_report).
type ReportSink interface {
	Report(r Report2)
}

// Report2 is the JSON-shaped discrepancy report for one compared query
// (named Report2 to avoid colliding with the Report enum; field names
// follow §6's Report JSON shape, plus an added trace_id).
type Report2 struct {
	ID      int64                 `json:"id"`
	TraceID string                `json:"trace_id"`
	Session int64                 `json:"session"`
	Command string                `json:"command"`
	Query   string                `json:"query"`
	Results []Report2TargetResult `json:"results"`
}

// Report2TargetResult is one target's row in a Report2. Checksum is
// rendered as a hex string, Duration as integer nanoseconds, Type as one
// of "ok"/"resultset"/"error" derived from the terminal reply, and
// ExplainedBy as the ids of prior reports already covering this canonical
// query's EXPLAIN (§6 Report JSON shape). Explain is always null: reports
// are emitted without running the EXPLAINs queued on a Backend, so no
// EXPLAIN plan is ever captured into one.
type Report2TargetResult struct {
	Target      string      `json:"target"`
	Checksum    string      `json:"checksum"`
	Rows        uint64      `json:"rows"`
	Warnings    uint16      `json:"warnings"`
	Duration    int64       `json:"duration"`
	Type        string      `json:"type"`
	Explain     interface{} `json:"explain"`
	ExplainedBy []int64     `json:"explained_by"`
}

// RouterSession dispatches one client session's queries to Main and
// zero-or-more Others, comparing results and generating reports (ground:
// DiffRouterSession in diffroutersession.cc).
type RouterSession struct {
	SessionID int64
	Main      *Backend
	Others    []*Backend

	Config   Config
	Registry *Registry
	Histogram *Histogram
	Sink     ReportSink

	mainBacklogHighWater int64
}

// ShouldShed decides whether a query should be skipped for a given other
// target because that target's backlog exceeds main's by more than
// MaxRequestLag, to avoid unbounded queueing on the other side (ground:
// diffroutersession.cc routeQuery's exact lag-shedding condition).
func (rs *RouterSession) ShouldShed(other *Backend, qi QueryInfo) bool {
	if qi.MultiPartPacket || !qi.IsQuery || qi.Op != OpSelect || qi.IsWrite {
		return false
	}
	lag := int64(other.NBacklog()) - int64(rs.Main.NBacklog())
	return lag > rs.Config.MaxRequestLag
}

// RouteQuery dispatches payload to Main and to every Other not shed by the
// lag rule, wrapping each with its own Result (ground: routeQuery).
func (rs *RouterSession) RouteQuery(payload []byte, qi QueryInfo, now time.Time) (*MainResult, []*OtherResult, error) {
	main := NewMainResult(rs.Main.Name, nextQueryID(), qi.SQL, qi.Canonical, qi.Command, qi.CanonicalHash, now)
	if err := rs.Main.Write(payload, main.Result); err != nil {
		return nil, nil, err
	}

	var others []*OtherResult
	for _, target := range rs.Others {
		if rs.ShouldShed(target, qi) {
			target.Stats.IncRequestSkipped()
			continue
		}
		o := NewOtherResult(target.Name, main, rs, now)
		if err := target.Write(payload, o.Result); err != nil {
			return main, others, err
		}
		others = append(others, o)
	}
	return main, others, nil
}

// RouteQueryRewritten is RouteQuery's counterpart for commands whose wire
// payload differs per backend — COM_STMT_EXECUTE/RESET/FETCH, whose
// statement-id field (and, for EXECUTE, parameter-type metadata) must be
// rewritten to each backend's own real statement id before it is sent
// (§4.1.3/§4.1.4). otherPayloads supplies the rewritten bytes for each
// other target by name; a target missing from it is skipped outright
// (e.g. it never confirmed a prepare for this statement).
func (rs *RouterSession) RouteQueryRewritten(mainPayload []byte, otherPayloads map[string][]byte, qi QueryInfo, now time.Time) (*MainResult, []*OtherResult, error) {
	main := NewMainResult(rs.Main.Name, nextQueryID(), qi.SQL, qi.Canonical, qi.Command, qi.CanonicalHash, now)
	if err := rs.Main.Write(mainPayload, main.Result); err != nil {
		return nil, nil, err
	}

	var others []*OtherResult
	for _, target := range rs.Others {
		if rs.ShouldShed(target, qi) {
			target.Stats.IncRequestSkipped()
			continue
		}
		payload, ok := otherPayloads[target.Name]
		if !ok {
			continue
		}
		o := NewOtherResult(target.Name, main, rs, now)
		if err := target.Write(payload, o.Result); err != nil {
			return main, others, err
		}
		others = append(others, o)
	}
	return main, others, nil
}

var queryIDCounter int64

// nextQueryID hands out a process-wide monotonic ID for a routed query;
// sessions route concurrently so the counter must be atomic.
func nextQueryID() int64 {
	return atomic.AddInt64(&queryIDCounter, 1)
}

// Ready implements Handler: called by an OtherResult once both it and its
// Main have closed (§4.5 ready()).
func (rs *RouterSession) Ready(o *OtherResult) {
	if rs.Histogram != nil && rs.Histogram.Enabled() {
		rs.Histogram.AddSample(o.Main.CanonicalHash, o.Main.Duration())
	}

	shouldReport, delta := rs.shouldReport(o)
	if !shouldReport {
		return
	}

	var explainedBy []int64
	if rs.Config.Explain != ExplainNone {
		hash := o.Main.CanonicalHash
		priorIDs, explained := rs.Registry.IsExplained(time.Now(), hash, o.Main.ID)
		explainedBy = priorIDs
		if !explained {
			rs.scheduleExplain(o)
		}
	}

	rs.generateReport(o, delta, explainedBy)
}

// shouldReport implements the exact formula from diffroutersession.cc's
// should_report(): a percentage-of-main execution-time delta, compared
// against the observed duration difference, or any checksum mismatch.
func (rs *RouterSession) shouldReport(o *OtherResult) (bool, time.Duration) {
	if rs.Config.Report == ReportAlways {
		return true, o.Duration() - o.Main.Duration()
	}
	mainDuration := o.Main.Duration()
	delta := time.Duration(int64(mainDuration) * int64(rs.Config.MaxExecutionTimeDifference) / 100)
	durationDiff := o.Duration() - mainDuration
	if durationDiff < 0 {
		durationDiff = -durationDiff
	}
	checksumDiffers := o.Checksum() != o.Main.Checksum()
	if checksumDiffers {
		return true, durationDiff
	}
	if durationDiff <= delta {
		return false, durationDiff
	}
	if rs.Histogram != nil && rs.Histogram.Enabled() {
		return rs.Histogram.ExceedsPercentile(o.Main.CanonicalHash, mainDuration, rs.Config.Percentile), durationDiff
	}
	return true, durationDiff
}

func (rs *RouterSession) scheduleExplain(o *OtherResult) {
	for _, b := range append([]*Backend{rs.Main}, rs.Others...) {
		if b.Name == o.Main.BackendName && rs.Config.Explain != ExplainOther {
			b.ScheduleExplain(o.Main.ID, o.Main.Canonical, o.Main.SQL)
		}
		if b.Name == o.BackendName {
			b.ScheduleExplain(o.Main.ID, o.Main.Canonical, o.Main.SQL)
		}
	}
}

// generateReport builds and emits the discrepancy report for one compared
// query (ground: generate_report's exact JSON field construction).
func (rs *RouterSession) generateReport(o *OtherResult, _ time.Duration, explainedBy []int64) {
	if rs.Sink == nil {
		return
	}
	report := Report2{
		ID:      o.Main.ID,
		TraceID: uuid.NewString(),
		Session: rs.SessionID,
		Command: commandName(o.Main.Command),
		Query:   o.Main.SQL,
		Results: []Report2TargetResult{
			targetResult(o.Main.Result, o.Main.BackendName, explainedBy),
			targetResult(o.Result, o.BackendName, explainedBy),
		},
	}
	rs.Sink.Report(report)
}

func targetResult(r *Result, name string, explainedBy []int64) Report2TargetResult {
	reply := r.Reply
	return Report2TargetResult{
		Target:      name,
		Checksum:    fmt.Sprintf("%08x", r.Checksum()),
		Rows:        reply.Rows,
		Warnings:    reply.Warnings,
		Duration:    r.Duration().Nanoseconds(),
		Type:        replyType(reply),
		Explain:     nil,
		ExplainedBy: explainedBy,
	}
}

// replyType derives the §6 report "type" field from the terminal reply:
// "error" on a server error, "resultset" when column definitions were
// seen, otherwise "ok".
func replyType(reply protocol.Reply) string {
	switch {
	case reply.Error != nil:
		return "error"
	case reply.Columns > 0:
		return "resultset"
	default:
		return "ok"
	}
}

func commandName(cmd byte) string {
	switch cmd {
	case 0x03:
		return "COM_QUERY"
	case 0x16:
		return "COM_STMT_PREPARE"
	case 0x17:
		return "COM_STMT_EXECUTE"
	default:
		return "COM_UNKNOWN"
	}
}

// ChecksumPayload folds payload bytes into a CRC32, used by callers that
// process a reply in streamed chunks rather than all at once.
func ChecksumPayload(prev uint32, payload []byte) uint32 {
	return crc32.Update(prev, crc32.IEEETable, payload)
}

// MarshalReport renders a report as the JSON shape §6 documents.
func MarshalReport(r Report2) ([]byte, error) {
	return json.Marshal(r)
}
