// Package session holds the client-visible state of one proxy connection:
// identity, negotiated capabilities, prepared statements and the
// session-command history that backend connections replay against (§3
// ConnectionSession).
package session

import (
	"sync"

	"github.com/dbdiffproxy/dbdiffproxy/internal/backend"
)

// Variables is the per-statement server-variable snapshot the proxy tracks
// from session-tracker TLVs so it can replay session state onto a freshly
// (re)authenticated backend.
type Variables struct {
	Autocommit         bool
	SQLMode            string
	TrxCharacteristics string
	LastGTID           string
}

// PendingExecute remembers the parameter types last sent for a prepared
// statement's COM_STMT_EXECUTE, so a later EXECUTE that omits the
// new-params-bound flag can be re-spliced with the right metadata (§4.1.4).
type PendingExecute struct {
	ParamTypes []byte
}

// Session is the client-visible state behind one accepted connection: the
// identity it authenticated with, the schema/capabilities it negotiated,
// its prepared-statement table, and a session-command History (§3). The
// proxy does not subscribe backend connections to this History; it
// subscribes them to a separate one it creates when connecting backends.
type Session struct {
	mu sync.Mutex

	User               string
	Schema             string
	Capabilities       uint32
	ExtraCapabilities  uint32
	Collation          byte
	Variables          Variables

	// statements maps an external statement ID to its parameter count.
	// The external ID space is shared by every backend in the session,
	// but each backend assigns its own real statement ID for it, so the
	// real ID lives in that backend's own backend.Connection.Statements
	// map, not here (§3 PreparedStatement, §4.1.3).
	statements map[uint32]uint16
	pending    map[uint32]PendingExecute

	History *backend.History

	nextInternalID uint32
}

// New builds a Session for a freshly authenticated client.
func New(user, schema string, capabilities, extraCapabilities uint32, collation byte) *Session {
	return &Session{
		User:              user,
		Schema:            schema,
		Capabilities:      capabilities,
		ExtraCapabilities: extraCapabilities,
		Collation:         collation,
		statements:        make(map[uint32]uint16),
		pending:           make(map[uint32]PendingExecute),
		History:           backend.NewHistory(),
		nextInternalID:    1,
	}
}

// AddStatement allocates a fresh external statement ID shared across every
// backend for one COM_STMT_PREPARE, recording how many parameters the
// client will need to bind on COM_STMT_EXECUTE.
func (s *Session) AddStatement(nParams uint16) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextInternalID
	s.nextInternalID++
	s.statements[id] = nParams
	return id
}

// Statement looks up the parameter count registered for an external
// statement ID.
func (s *Session) Statement(externalID uint32) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.statements[externalID]
	return n, ok
}

// CloseStatement removes a prepared statement and its pending-execute
// metadata (§3 PreparedStatement, deleted on COM_STMT_CLOSE).
func (s *Session) CloseStatement(externalID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statements, externalID)
	delete(s.pending, externalID)
}

// RecordExecuteMetadata remembers the parameter types sent with the most
// recent COM_STMT_EXECUTE for externalID.
func (s *Session) RecordExecuteMetadata(externalID uint32, paramTypes []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[externalID] = PendingExecute{ParamTypes: append([]byte(nil), paramTypes...)}
}

// ExecuteMetadata returns the last parameter types sent for externalID, if any.
func (s *Session) ExecuteMetadata(externalID uint32) (PendingExecute, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.pending[externalID]
	return pm, ok
}

// UpdateFromSessionTrack applies a parsed session-tracker TLV observed on
// an OK packet (§4.2, ServerSessionStateChanged) to the snapshot.
func (s *Session) UpdateFromSessionTrack(kind byte, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case 0x00: // SessionTrackSystemVariables
		switch key {
		case "autocommit":
			s.Variables.Autocommit = value == "ON" || value == "1"
		case "sql_mode":
			s.Variables.SQLMode = value
		}
	case 0x01: // SessionTrackSchema
		s.Schema = value
	case 0x03: // SessionTrackGTIDS
		s.Variables.LastGTID = value
	case 0x04: // SessionTrackTransactionCharacteristics
		s.Variables.TrxCharacteristics = value
	}
}
