package diff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LifecycleState is a stage of the diff router's top-level lifecycle
// (ground: DiffRouter::DiffState).
type LifecycleState int

const (
	StatePrepared LifecycleState = iota
	StateSynchronizing
	StateComparing
	StateStopping
)

func (s LifecycleState) String() string {
	switch s {
	case StatePrepared:
		return "PREPARED"
	case StateSynchronizing:
		return "SYNCHRONIZING"
	case StateComparing:
		return "COMPARING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// SyncState refines StateSynchronizing (ground: DiffRouter::SyncState).
type SyncState int

const (
	SyncNotApplicable SyncState = iota
	SyncStoppingReplication
	SyncSuspendingSessions
)

func (s SyncState) String() string {
	switch s {
	case SyncNotApplicable:
		return "NOT_APPLICABLE"
	case SyncStoppingReplication:
		return "STOPPING_REPLICATION"
	case SyncSuspendingSessions:
		return "SUSPENDING_SESSIONS"
	default:
		return "UNKNOWN"
	}
}

// SessionSuspender abstracts pausing/resuming/restarting every live client
// session on the listener this router serves, without committing to a
// particular connection-manager shape (ground:
// mxs::RoutingWorker::SessionResult-returning methods on DiffRouter).
type SessionSuspender interface {
	SuspendAll(ctx context.Context) (affected, total int, err error)
	ResumeAll(ctx context.Context) (affected, total int, err error)
	RestartAll(ctx context.Context) (affected, total int, err error)
}

// ReplicaTopology classifies how the configured replica server relates to
// the main comparison target, which determines whether comparing their
// GTID positions against each other is even meaningful (§4.6).
type ReplicaTopology int

const (
	// TopologyReplicatesFromMain: the replica server is currently a
	// replica of mainTarget — its GTID position can be compared directly
	// against main's.
	TopologyReplicatesFromMain ReplicaTopology = iota
	// TopologyThirdHostSibling: the replica server and mainTarget both
	// replicate from a common third host — their GTID positions share
	// domains and remain comparable even though neither replicates from
	// the other.
	TopologyThirdHostSibling
	// TopologyDisallowed: the replica server's relationship to mainTarget
	// cannot be established (or is neither of the above), so stopping
	// replication for comparison purposes must not proceed.
	TopologyDisallowed
)

func (t ReplicaTopology) String() string {
	switch t {
	case TopologyReplicatesFromMain:
		return "REPLICATES_FROM_MAIN"
	case TopologyThirdHostSibling:
		return "THIRD_HOST_SIBLING"
	case TopologyDisallowed:
		return "DISALLOWED"
	default:
		return "UNKNOWN"
	}
}

// ReplicationChecker confirms replica lag has drained enough to treat
// replication as stopped for comparison purposes (ground:
// DiffRouter::stop_replication's lag polling). GTIDPositions reports the
// last-seen sequence number per GTID domain, so lag can be compared
// per-domain rather than as a single scalar duration (§4.6).
type ReplicationChecker interface {
	Topology(ctx context.Context, server, mainTarget string) (ReplicaTopology, error)
	GTIDPositions(ctx context.Context, server string) (map[uint32]int64, error)
	StopReplication(ctx context.Context, server string) error
	StartReplication(ctx context.Context, server string, resetFirst bool) error
}

// Router is the top-level lifecycle coordinator: it walks the diff
// service through PREPARED -> SYNCHRONIZING -> COMPARING -> STOPPING ->
// PREPARED, suspending client sessions and (optionally) confirming
// replication has caught up before the comparison window opens (ground:
// DiffRouter in diffrouter.hh/.cc).
type Router struct {
	mu sync.Mutex

	state     LifecycleState
	syncState SyncState

	Config   Config
	Rewirer  ServiceRewirer
	Sessions SessionSuspender
	Repl     ReplicationChecker
	Registry *Registry

	mainTarget    string
	otherTargets  []string
	replicaServer string

	aggregate map[string]*TargetStats
}

// NewRouter constructs a Router in PREPARED state.
func NewRouter(cfg Config, mainTarget string, otherTargets []string, replicaServer string, rewirer ServiceRewirer, sessions SessionSuspender, repl ReplicationChecker) *Router {
	return &Router{
		state:         StatePrepared,
		syncState:     SyncNotApplicable,
		Config:        cfg,
		Rewirer:       rewirer,
		Sessions:      sessions,
		Repl:          repl,
		Registry:      NewRegistry(cfg.Entries, cfg.Period),
		mainTarget:    mainTarget,
		otherTargets:  otherTargets,
		replicaServer: replicaServer,
		aggregate:     make(map[string]*TargetStats),
	}
}

func (r *Router) setState(state LifecycleState, sync SyncState) {
	r.mu.Lock()
	r.state = state
	r.syncState = sync
	r.mu.Unlock()
}

// Status reports the current lifecycle/sync state (ground: DiffRouter::status).
func (r *Router) Status() (LifecycleState, SyncState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.syncState
}

// Start begins the transition from PREPARED to COMPARING: suspend
// sessions, optionally stop replication, rewire the service to include
// the other targets, then resume sessions (ground: DiffRouter::start,
// collapsing setup_dcall's deferred-call polling into a direct call since
// the Go runtime doesn't need MaxScale's cooperative-worker deferral).
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StatePrepared {
		cur := r.state
		r.mu.Unlock()
		return fmt.Errorf("diff: cannot start from state %s", cur)
	}
	r.mu.Unlock()

	r.setState(StateSynchronizing, SyncSuspendingSessions)
	if r.Sessions != nil {
		if _, _, err := r.Sessions.SuspendAll(ctx); err != nil {
			r.setState(StatePrepared, SyncNotApplicable)
			return fmt.Errorf("diff: suspending sessions: %w", err)
		}
	}

	// Unlike reset_replication (which only chooses how Stop restarts
	// replication), confirming replication has drained runs for every
	// comparison: an other classified as replicating from main must not
	// start comparing against stale data (§4.6).
	if r.Repl != nil {
		r.setState(StateSynchronizing, SyncStoppingReplication)
		if err := r.waitForReplicationStopped(ctx); err != nil {
			r.resumeBestEffort(ctx)
			r.setState(StatePrepared, SyncNotApplicable)
			return err
		}
	}

	if r.Rewirer != nil {
		if err := r.Rewirer.RewireForComparison(r.mainTarget, r.otherTargets); err != nil {
			r.resumeBestEffort(ctx)
			r.setState(StatePrepared, SyncNotApplicable)
			return fmt.Errorf("diff: rewiring service for comparison: %w", err)
		}
	}

	if r.Sessions != nil {
		if _, _, err := r.Sessions.RestartAll(ctx); err != nil {
			r.setState(StatePrepared, SyncNotApplicable)
			return fmt.Errorf("diff: restarting sessions: %w", err)
		}
		if _, _, err := r.Sessions.ResumeAll(ctx); err != nil {
			r.setState(StatePrepared, SyncNotApplicable)
			return fmt.Errorf("diff: resuming sessions: %w", err)
		}
	}

	r.setState(StateComparing, SyncNotApplicable)
	return nil
}

// waitForReplicationStopped classifies the replica server's relationship
// to mainTarget, refusing to proceed on a disallowed topology, stops
// replication, then polls each GTID domain's sequence number until the
// replica has caught up to main on every domain main has advanced on
// (ground: DiffRouter::stop_replication()'s LAGGING retry loop,
// generalized from a single lag duration to per-domain GTID comparison
// per §4.6).
func (r *Router) waitForReplicationStopped(ctx context.Context) error {
	topo, err := r.Repl.Topology(ctx, r.replicaServer, r.mainTarget)
	if err != nil {
		return fmt.Errorf("diff: classifying replica topology: %w", err)
	}
	if topo == TopologyDisallowed {
		return fmt.Errorf("diff: replica %s's relationship to main %s is not a supported replication topology", r.replicaServer, r.mainTarget)
	}

	if err := r.Repl.StopReplication(ctx, r.replicaServer); err != nil {
		return fmt.Errorf("diff: stopping replication: %w", err)
	}

	mainPositions, err := r.Repl.GTIDPositions(ctx, r.mainTarget)
	if err != nil {
		return fmt.Errorf("diff: reading main GTID position: %w", err)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(time.Second), ctx)
	return backoff.Retry(func() error {
		replicaPositions, err := r.Repl.GTIDPositions(ctx, r.replicaServer)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("diff: checking replica GTID position: %w", err))
		}
		for domain, mainSeq := range mainPositions {
			if replicaPositions[domain] < mainSeq {
				return fmt.Errorf("diff: replica %s still behind main on GTID domain %d (%d < %d)", r.replicaServer, domain, replicaPositions[domain], mainSeq)
			}
		}
		return nil
	}, b)
}

func (r *Router) resumeBestEffort(ctx context.Context) {
	if r.Sessions != nil {
		_, _, _ = r.Sessions.ResumeAll(ctx)
	}
}

// Stop reverses Start: rewire back to main-only, restart replication if it
// was stopped, and return to PREPARED (ground: DiffRouter::stop).
func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateComparing {
		cur := r.state
		r.mu.Unlock()
		return fmt.Errorf("diff: cannot stop from state %s", cur)
	}
	r.mu.Unlock()
	r.setState(StateStopping, SyncNotApplicable)

	if r.Rewirer != nil {
		if err := r.Rewirer.RewireForNormalcy(r.mainTarget); err != nil {
			return fmt.Errorf("diff: rewiring service for normalcy: %w", err)
		}
	}
	// reset_replication only governs *how* replication restarts here
	// (RESET SLAVE first vs. a plain restart) — whether to restart at all
	// follows from whether Start() stopped it in the first place (§4.6).
	if r.Repl != nil {
		if err := r.Repl.StartReplication(ctx, r.replicaServer, r.Config.ResetReplication); err != nil {
			return fmt.Errorf("diff: restarting replication: %w", err)
		}
	}

	r.setState(StatePrepared, SyncNotApplicable)
	return nil
}

// CollectStats merges a completed session's per-target stats into the
// router's running aggregate (§5 aggregate stats cross-worker merge,
// ground: DiffRouter::collect).
func (r *Router) CollectStats(target string, stats *TargetStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agg, ok := r.aggregate[target]
	if !ok {
		agg = NewTargetStats(0, 0)
		r.aggregate[target] = agg
	}
	agg.Merge(stats)
}

// Summary returns a snapshot of the aggregate stats per target (ground:
// DiffRouter::summary).
func (r *Router) Summary() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.aggregate))
	for target, stats := range r.aggregate {
		out[target] = stats.Snapshot()
	}
	return out
}
