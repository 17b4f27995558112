package diff

import (
	"sync"
	"time"

	"github.com/dbdiffproxy/dbdiffproxy/internal/protocol"
)

// Sender is the narrow surface Backend needs from a backend connection:
// enough to dispatch a command and ask whether it is currently idle. The
// real implementation is *backend.Connection; tests use a fake.
type Sender interface {
	QueueOrSend(payload []byte) error
	Idle() bool
}

// Routing tells the caller whether to keep reading from a backend's
// connection after finishing a result, or whether routing has stopped
// (ground: DiffBackend::Routing in diffbackend.hh).
type Routing int

const (
	RoutingContinue Routing = iota
	RoutingStop
)

// pendingExplain is a query queued for an EXPLAIN run once the backend is free.
type pendingExplain struct {
	id        int64
	canonical string
	sql       string
}

// Backend wraps one per-target backend connection with the diff-specific
// bookkeeping every target needs: an ordered FIFO of outstanding results
// awaiting their reply, per-target stats, a QPS ring, and a queue of
// EXPLAINs scheduled to run once the connection is free (ground:
// DiffConcreteBackend<Stats,Result,ExplainResult> in diffbackend.hh).
type Backend struct {
	mu sync.Mutex

	Name string
	Conn Sender
	Main bool

	Stats *TargetStats
	QPS   *QPSRing

	backlog        []*Result
	pendingExplain []pendingExplain
}

// NewBackend wraps conn as a diff-router target.
func NewBackend(name string, conn Sender, main bool, retainFaster, retainSlower int) *Backend {
	return &Backend{
		Name:  name,
		Conn:  conn,
		Main:  main,
		Stats: NewTargetStats(retainFaster, retainSlower),
		QPS:   NewQPSRing(time.Now().Unix()),
	}
}

// Write sends payload to the backend, queues it for query classification
// and increments request stats (ground: DiffConcreteBackend::write).
func (b *Backend) Write(payload []byte, result *Result) error {
	b.mu.Lock()
	b.backlog = append(b.backlog, result)
	b.mu.Unlock()

	b.Stats.IncRequest()
	return b.Conn.QueueOrSend(payload)
}

// NBacklog reports how many results are outstanding on this backend
// (ground: DiffBackend::nBacklog).
func (b *Backend) NBacklog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backlog)
}

// FinishResult pops the oldest outstanding result, closes it with reply,
// and updates stats. Returns RoutingStop if the caller should stop reading
// from this backend (e.g. a fatal protocol error), RoutingContinue
// otherwise (ground: DiffConcreteBackend::finish_result).
func (b *Backend) FinishResult(reply protocol.Reply, now time.Time, canonical string, mainDuration time.Duration) (*Result, Routing, error) {
	b.mu.Lock()
	if len(b.backlog) == 0 {
		b.mu.Unlock()
		return nil, RoutingStop, protocol.NewError(protocol.KindProtocolViolation, "finish_result with empty backlog", nil)
	}
	result := b.backlog[0]
	b.backlog = b.backlog[1:]
	b.mu.Unlock()

	result.Close(reply, now)
	b.QPS.Inc(now.Unix())

	isError := reply.Error != nil
	b.Stats.RecordResponse(canonical, result.Duration(), mainDuration, isError, now)

	return result, RoutingContinue, nil
}

// ScheduleExplain enqueues an EXPLAIN of a query for later execution once
// the backend is idle (ground: DiffConcreteBackend::schedule_explain).
func (b *Backend) ScheduleExplain(id int64, canonical, sql string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pendingExplain = append(b.pendingExplain, pendingExplain{id: id, canonical: canonical, sql: sql})
}

// NextPendingExplain pops the next queued EXPLAIN, if any.
func (b *Backend) NextPendingExplain() (id int64, canonical, sql string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pendingExplain) == 0 {
		return 0, "", "", false
	}
	pe := b.pendingExplain[0]
	b.pendingExplain = b.pendingExplain[1:]
	return pe.id, pe.canonical, pe.sql, true
}

// Idle reports whether this backend's connection has no outstanding
// tracked work — eligible to run a queued EXPLAIN.
func (b *Backend) Idle() bool {
	return b.NBacklog() == 0 && b.Conn.Idle()
}
