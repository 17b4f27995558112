package protocol

import "strings"

// BuildOKPacket builds a minimal OK_Packet payload (§4.2), used by the
// proxy to answer a client directly (e.g. completing its own handshake)
// without a backend round trip.
func BuildOKPacket(affectedRows, lastInsertID uint64, statusFlags, warnings uint16) []byte {
	var out []byte
	out = append(out, HeaderOK)
	out = PutLenEncInt(out, affectedRows)
	out = PutLenEncInt(out, lastInsertID)
	out = append(out, byte(statusFlags), byte(statusFlags>>8))
	out = append(out, byte(warnings), byte(warnings>>8))
	return out
}

// BuildErrPacket builds an ERR_Packet payload with the SQLSTATE marker
// format, used by the proxy to reject a client before any backend
// connection exists (e.g. unknown main backend, no healthy target).
func BuildErrPacket(code uint16, sqlState, message string) []byte {
	var out []byte
	out = append(out, HeaderErr)
	out = append(out, byte(code), byte(code>>8))
	out = append(out, '#')
	state := sqlState
	if len(state) < 5 {
		state += strings.Repeat(" ", 5-len(state))
	}
	out = append(out, state[:5]...)
	out = append(out, message...)
	return out
}
