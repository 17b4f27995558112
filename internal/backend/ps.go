package backend

import (
	"encoding/binary"
	"sync"

	"github.com/dbdiffproxy/dbdiffproxy/internal/protocol"
)

// PreparedStatement is the per-backend record of one prepared statement:
// the real server-side statement ID behind a client-visible external ID,
// and whether COM_STMT_EXECUTE metadata (parameter types) has already been
// sent once for it (§3 PreparedStatement, §4.1.4).
type PreparedStatement struct {
	RealID           uint32
	NParams          uint16
	ExecMetadataSent bool
}

// StatementMap maps external (client-visible) statement IDs to their
// per-backend PreparedStatement record. One StatementMap exists per
// BackendConnection; the external ID space is shared across all backends
// in a session, but the real ID a given external ID maps to is
// backend-specific.
type StatementMap struct {
	mu    sync.Mutex
	byExt map[uint32]*PreparedStatement
}

// NewStatementMap returns an empty statement map.
func NewStatementMap() *StatementMap {
	return &StatementMap{byExt: make(map[uint32]*PreparedStatement)}
}

// Put registers realID/nParams under externalID.
func (m *StatementMap) Put(externalID, realID uint32, nParams uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byExt[externalID] = &PreparedStatement{RealID: realID, NParams: nParams}
}

// Get returns the PreparedStatement for externalID.
func (m *StatementMap) Get(externalID uint32) (*PreparedStatement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.byExt[externalID]
	return ps, ok
}

// Delete removes externalID, e.g. on COM_STMT_CLOSE.
func (m *StatementMap) Delete(externalID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byExt, externalID)
}

// RewriteStatementID overwrites the statement-id field (bytes [1:5]) of a
// COM_STMT_* payload with realID, returning a new slice; payload[0] must be
// one of ComStmtExecute, ComStmtClose, ComStmtReset, ComStmtSendLongData,
// ComStmtFetch (§4.1.4 external-ID to real-ID rewriting).
func RewriteStatementID(payload []byte, realID uint32) ([]byte, error) {
	if len(payload) < 5 {
		return nil, protocol.NewError(protocol.KindProtocolViolation, "COM_STMT_* payload too short to rewrite", nil)
	}
	out := append([]byte(nil), payload...)
	binary.LittleEndian.PutUint32(out[1:5], realID)
	return out, nil
}

// ExternalStatementID reads the statement ID a client sent in a COM_STMT_*
// payload (bytes [1:5]), before it is rewritten to the real ID.
func ExternalStatementID(payload []byte) (uint32, error) {
	if len(payload) < 5 {
		return 0, protocol.NewError(protocol.KindProtocolViolation, "COM_STMT_* payload too short to read id", nil)
	}
	return binary.LittleEndian.Uint32(payload[1:5]), nil
}

// ParsePrepareOK extracts the real statement id and parameter count from a
// backend's COM_STMT_PREPARE_OK reply (status(1) stmt_id(4) num_columns(2)
// num_params(2) filler(1) warnings(2)), so the proxy can rewrite the id to
// the shared external id before relaying the packet to the client and
// register it under that backend's own StatementMap (§4.1.3).
func ParsePrepareOK(payload []byte) (realID uint32, numParams uint16, ok bool) {
	if len(payload) < 9 || payload[0] != protocol.HeaderOK {
		return 0, 0, false
	}
	realID = binary.LittleEndian.Uint32(payload[1:5])
	numParams = uint16(payload[7]) | uint16(payload[8])<<8
	return realID, numParams, true
}

// NewParamsBoundFlag is the flag byte in COM_STMT_EXECUTE (right after the
// cursor-type byte and the 4-byte iteration-count) signalling that new
// parameter types follow; the server only needs the types once per
// statement unless the client flips this bit again.
const NewParamsBoundFlag = 0x01

// SpliceExecuteMetadata ensures a COM_STMT_EXECUTE payload destined for a
// backend carries parameter-type metadata exactly when that backend has
// not already received it for this statement (§4.1.4): the client may omit
// retyping on a re-execute, but a backend seeing the statement for the
// first time (e.g. after a pool reset) must still be told the types.
//
// payload is the whole command: command(1) + statement-id(4) +
// cursor-type(1) + iteration-count(4), then the new-params-bound flag byte
// at offset 10. When the flag is clear and types must be supplied, the
// flag is set and lastKnownTypes are inserted right after it, ahead of the
// bytes that followed the flag in payload.
func SpliceExecuteMetadata(payload []byte, ps *PreparedStatement, lastKnownTypes []byte) ([]byte, error) {
	const headerLen = 1 + 4 + 1 + 4 // command + stmt-id + cursor-type + iteration-count
	if len(payload) < headerLen+1 {
		return nil, protocol.NewError(protocol.KindProtocolViolation, "COM_STMT_EXECUTE too short", nil)
	}
	flagPos := headerLen
	clientSentTypes := payload[flagPos]&NewParamsBoundFlag != 0

	if clientSentTypes {
		ps.ExecMetadataSent = true
		return payload, nil
	}
	if ps.ExecMetadataSent || ps.NParams == 0 {
		return payload, nil
	}
	if len(lastKnownTypes) == 0 {
		return nil, protocol.NewError(protocol.KindProtocolViolation, "backend needs param types but none are known", nil)
	}

	out := append([]byte(nil), payload[:flagPos]...)
	out = append(out, NewParamsBoundFlag)
	out = append(out, lastKnownTypes...)
	paramsStart := flagPos + 1
	out = append(out, payload[paramsStart:]...)
	ps.ExecMetadataSent = true
	return out, nil
}
