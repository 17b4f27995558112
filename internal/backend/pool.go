package backend

import "sync"

// pooledConn is an idle backend connection parked for reuse, annotated
// with the session state a future checkout must reconcile against (§3
// BackendConnection POOLED state, §4.1.5).
type pooledConn struct {
	conn    *Connection
	user    string
	schema  string
	inTrans bool
}

// Manager is a single-tenant connection pool: one idle list per backend
// name, with no min/max sizing or background warm-up, since the diff proxy
// opens at most one connection per backend per client session rather than
// brokering a shared budget across tenants (ground: pool.TenantPool in
// _examples/JeelKantaria-db-bouncer/internal/pool/pool.go, generalized down
// to the single-service-account, release/checkout shape §4.1.5 needs).
type Manager struct {
	mu   sync.Mutex
	idle map[string][]*pooledConn
}

// NewManager returns an empty pool manager.
func NewManager() *Manager {
	return &Manager{idle: make(map[string][]*pooledConn)}
}

// Release parks conn as reusable for backendName if it is idle and not
// mid-transaction, recording the session state a future Checkout will
// classify against. Returns false (and leaves conn untouched) if the
// connection is not eligible, in which case the caller must Close it.
func (m *Manager) Release(backendName string, conn *Connection, user, schema string, inTrans bool) bool {
	if inTrans || !conn.Idle() {
		return false
	}
	conn.setState(StatePooled)
	m.mu.Lock()
	m.idle[backendName] = append(m.idle[backendName], &pooledConn{conn: conn, user: user, schema: schema, inTrans: inTrans})
	m.mu.Unlock()
	return true
}

// Checkout looks for a pooled connection for backendName that Classify
// deems reusable against want, removing it from the idle list and
// returning the ReuseAction the caller must apply via Connection.Reconcile
// before handing the connection to the new session. ok is false if no
// pooled connection qualifies and the caller must dial a fresh one.
func (m *Manager) Checkout(backendName string, want ReuseCriteria) (conn *Connection, action ReuseAction, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.idle[backendName]
	for i, pc := range list {
		criteria := want
		criteria.PooledUser = pc.user
		criteria.PooledSchema = pc.schema
		criteria.PooledInTrans = pc.inTrans
		criteria.PooledCapabilities = pc.conn.Capabilities()
		criteria.PooledExtraCapabilities = pc.conn.extraCaps

		if a := Classify(criteria); a != ReuseNotPossible {
			m.idle[backendName] = append(append([]*pooledConn(nil), list[:i]...), list[i+1:]...)
			return pc.conn, a, true
		}
	}
	return nil, ReuseNotPossible, false
}

// Idle reports the number of pooled connections currently parked for
// backendName, for metrics/diagnostics.
func (m *Manager) Idle(backendName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idle[backendName])
}

// CloseAll closes every pooled connection across every backend, e.g. on
// proxy shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, list := range m.idle {
		for _, pc := range list {
			_ = pc.conn.Close()
		}
		delete(m.idle, name)
	}
}
