package diff

import (
	"hash/crc32"
	"sync"
	"time"

	"github.com/dbdiffproxy/dbdiffproxy/internal/protocol"
)

// Kind distinguishes an internally generated EXPLAIN result from an
// externally (client) requested one (ground: DiffResult::Kind).
type Kind int

const (
	KindInternal Kind = iota
	KindExternal
)

// Result is the common shape shared by every concrete result variant: a
// backend reference, a running checksum of the payload bytes seen so far,
// start/end timestamps, and the terminal Reply once closed (§3 Result).
type Result struct {
	mu sync.Mutex

	BackendName string
	Kind        Kind
	checksum    uint32
	Start       time.Time
	End         time.Time
	Reply       protocol.Reply
	closed      bool
	explainers  []int64
}

// NewResult starts a result accumulator for a response from backendName.
func NewResult(backendName string, kind Kind, start time.Time) *Result {
	return &Result{BackendName: backendName, Kind: kind, Start: start}
}

// Process folds one more chunk of reply payload bytes into the checksum.
func (r *Result) Process(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checksum = crc32.Update(r.checksum, crc32.IEEETable, payload)
}

// Close finalizes the result with its terminal reply.
func (r *Result) Close(reply protocol.Reply, end time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reply = reply
	r.End = end
	r.closed = true
}

// Closed reports whether Close has been called.
func (r *Result) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Checksum returns the accumulated CRC32 of the payload bytes processed.
func (r *Result) Checksum() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checksum
}

// Duration returns End-Start; zero if not yet closed.
func (r *Result) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// AddExplainer records the query id of an EXPLAIN run attributed to this result.
func (r *Result) AddExplainer(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.explainers = append(r.explainers, id)
}

// Explainers returns the query ids of EXPLAINs attributed to this result.
func (r *Result) Explainers() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.explainers...)
}

// MainResult is the result of the canonical (main-target) execution of one
// client query. It owns the set of OtherResults that depend on it — every
// other-target execution of the same query registers itself here so the
// last one to complete (main or an other) can trigger the readiness
// handler exactly once (§3 Result, invariant: exactly one completer).
type MainResult struct {
	*Result

	ID            int64
	SQL           string
	Command       byte
	Canonical     string
	CanonicalHash uint64

	depMu      sync.Mutex
	dependents map[*OtherResult]struct{}
}

// NewMainResult starts tracking the main execution of query id.
func NewMainResult(backendName string, id int64, sql, canonical string, command byte, canonicalHash uint64, start time.Time) *MainResult {
	return &MainResult{
		Result:        NewResult(backendName, KindExternal, start),
		ID:            id,
		SQL:           sql,
		Command:       command,
		Canonical:     canonical,
		CanonicalHash: canonicalHash,
		dependents:    make(map[*OtherResult]struct{}),
	}
}

// AddDependent registers an OtherResult awaiting this MainResult.
func (m *MainResult) AddDependent(o *OtherResult) {
	m.depMu.Lock()
	defer m.depMu.Unlock()
	m.dependents[o] = struct{}{}
}

// RemoveDependent unregisters an OtherResult (it has been handled).
func (m *MainResult) RemoveDependent(o *OtherResult) {
	m.depMu.Lock()
	defer m.depMu.Unlock()
	delete(m.dependents, o)
}

// Dependents returns a snapshot of currently-registered dependents.
func (m *MainResult) Dependents() []*OtherResult {
	m.depMu.Lock()
	defer m.depMu.Unlock()
	out := make([]*OtherResult, 0, len(m.dependents))
	for o := range m.dependents {
		out = append(out, o)
	}
	return out
}

// Handler is invoked by an OtherResult once both it and its MainResult
// have closed, to let the router session compare and report (§4.5).
type Handler interface {
	Ready(o *OtherResult)
}

// OtherResult is the result of a non-main-target execution of the same
// query a MainResult tracks. It is registered as a dependent of its Main
// while awaiting completion, and unregisters itself once handled.
type OtherResult struct {
	*Result

	Main       *MainResult
	handler    Handler
	registered bool
	mu         sync.Mutex
}

// NewOtherResult starts tracking a non-main execution of main's query.
func NewOtherResult(backendName string, main *MainResult, handler Handler, start time.Time) *OtherResult {
	o := &OtherResult{
		Result:  NewResult(backendName, KindExternal, start),
		Main:    main,
		handler: handler,
	}
	main.AddDependent(o)
	o.registered = true
	return o
}

// Ready is called once this result and its Main are both closed; it
// notifies the handler exactly once and deregisters from Main.
func (o *OtherResult) Ready() {
	o.mu.Lock()
	if !o.registered {
		o.mu.Unlock()
		return
	}
	o.registered = false
	o.mu.Unlock()

	o.Main.RemoveDependent(o)
	if o.handler != nil {
		o.handler.Ready(o)
	}
}

// BothClosed reports whether this result and its main have both closed —
// the trigger condition for Ready (§3 invariant: exactly one completer).
func (o *OtherResult) BothClosed() bool {
	return o.Closed() && o.Main.Closed()
}

// ExplainMainResult is the main-side EXPLAIN counterpart of a MainResult
// flagged for comparison (ExplainBoth/ExplainOther, ground:
// DiffExplainMainResult).
type ExplainMainResult struct {
	*Result
	Of *MainResult
}

// NewExplainMainResult starts tracking an EXPLAIN of of's query against the main backend.
func NewExplainMainResult(backendName string, of *MainResult, start time.Time) *ExplainMainResult {
	return &ExplainMainResult{Result: NewResult(backendName, KindInternal, start), Of: of}
}

// ExplainOtherResult is the other-side EXPLAIN counterpart of the
// ExplainMainResult it holds in Main; the main side keeps no list of its
// other-side results (ground: DiffExplainOtherResult).
type ExplainOtherResult struct {
	*Result
	Main       *ExplainMainResult
	onReady    func(*ExplainOtherResult)
	registered bool
	mu         sync.Mutex
}

// NewExplainOtherResult starts tracking an other-side EXPLAIN. onReady is
// invoked exactly once, when both EXPLAIN sides have closed.
func NewExplainOtherResult(backendName string, main *ExplainMainResult, onReady func(*ExplainOtherResult), start time.Time) *ExplainOtherResult {
	return &ExplainOtherResult{Result: NewResult(backendName, KindInternal, start), Main: main, onReady: onReady, registered: true}
}

// Ready notifies onReady exactly once that both EXPLAIN sides have closed.
func (e *ExplainOtherResult) Ready() {
	e.mu.Lock()
	if !e.registered {
		e.mu.Unlock()
		return
	}
	e.registered = false
	e.mu.Unlock()
	if e.onReady != nil {
		e.onReady(e)
	}
}

// BothClosed reports whether this EXPLAIN result and its main EXPLAIN
// result have both closed.
func (e *ExplainOtherResult) BothClosed() bool {
	return e.Closed() && e.Main.Closed()
}
