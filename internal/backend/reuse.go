package backend

import "github.com/dbdiffproxy/dbdiffproxy/internal/protocol"

// ReuseAction classifies how a pooled backend connection can be handed to
// a new session (§4.1.5).
type ReuseAction int

const (
	// ReuseNotPossible: the connection cannot be reused at all (it is
	// mid-transaction, or its capabilities or proxy-protocol remote address
	// differ from the new session's) and must be closed.
	ReuseNotPossible ReuseAction = iota
	// ReuseResetConnection: COM_RESET_CONNECTION suffices — same user,
	// same default schema, no prepared statements the new session needs.
	ReuseResetConnection
	// ReuseChangeUser: COM_CHANGE_USER is required because the new
	// session authenticates as a different user or default schema.
	ReuseChangeUser
)

func (a ReuseAction) String() string {
	switch a {
	case ReuseNotPossible:
		return "REUSE_NOT_POSSIBLE"
	case ReuseResetConnection:
		return "RESET_CONNECTION"
	case ReuseChangeUser:
		return "CHANGE_USER"
	default:
		return "UNKNOWN"
	}
}

// ReuseCriteria is the information needed to classify a pooled connection
// against a new session's requirements (§4.1.5, property 7: capability and
// proxy-protocol remote-address mismatches make reuse impossible outright,
// independent of user/schema).
type ReuseCriteria struct {
	PooledUser    string
	PooledSchema  string
	PooledInTrans bool
	WantUser      string
	WantSchema    string

	// PooledCapabilities/WantCapabilities are the negotiated capability
	// flags (CLIENT_DEPRECATE_EOF, CLIENT_MULTI_RESULTS,
	// CLIENT_MULTI_STATEMENTS, CLIENT_SESSION_TRACK, CLIENT_PS_MULTI_RESULTS)
	// each side negotiated with the backend; any difference changes the
	// reply-tracking/result-set framing the pooled connection was set up
	// for, so reuse is impossible regardless of user/schema match.
	PooledCapabilities uint32
	WantCapabilities   uint32
	// PooledExtraCapabilities/WantExtraCapabilities are the MariaDB
	// extended-capabilities bits (the extra-caps byte beyond CLIENT_MYSQL).
	PooledExtraCapabilities uint32
	WantExtraCapabilities   uint32

	// ProxyProtocol is true when the backend is configured to expect a
	// PROXY protocol header carrying the originating client's address; in
	// that case the pooled connection is pinned to the remote address it
	// was opened for and cannot serve a session from a different address.
	ProxyProtocol   bool
	PooledRemoteAddr string
	WantRemoteAddr   string
}

// reuseCapabilityMask is the set of capability bits that change wire
// framing (result-set EOF handling, multi-statement/multi-result packet
// boundaries, session-track TLVs) and therefore must match exactly for a
// pooled connection to be handed to a new session (§4.1.5, property 7).
const reuseCapabilityMask = protocol.ClientDeprecateEOF | protocol.ClientMultiResults | protocol.ClientMultiStatements | protocol.ClientSessionTrack | protocol.ClientPSMultiResults

// Classify decides how (or whether) a pooled connection matching
// PooledUser/PooledSchema/PooledInTrans can serve a session that wants
// WantUser/WantSchema (§4.1.5).
func Classify(c ReuseCriteria) ReuseAction {
	if c.PooledInTrans {
		return ReuseNotPossible
	}
	if c.PooledCapabilities&reuseCapabilityMask != c.WantCapabilities&reuseCapabilityMask {
		return ReuseNotPossible
	}
	if c.PooledExtraCapabilities != c.WantExtraCapabilities {
		return ReuseNotPossible
	}
	if c.ProxyProtocol && c.PooledRemoteAddr != c.WantRemoteAddr {
		return ReuseNotPossible
	}
	if c.PooledUser != c.WantUser {
		return ReuseChangeUser
	}
	if c.PooledSchema != c.WantSchema {
		return ReuseChangeUser
	}
	return ReuseResetConnection
}
