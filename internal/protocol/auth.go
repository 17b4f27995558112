package protocol

import (
	"crypto/sha1" //nolint:gosec // required by mysql_native_password
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Handshake is the decoded Protocol::HandshakeV10 packet a server sends
// first on a new connection (§4.1.1).
type Handshake struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	AuthPluginData  []byte
	Capabilities    uint32
	CharacterSet    byte
	StatusFlags     uint16
	AuthPluginName  string
}

// ParseHandshakeV10 decodes the server's initial handshake packet payload.
func ParseHandshakeV10(pkt []byte) (Handshake, error) {
	var hs Handshake
	if len(pkt) < 1 {
		return hs, NewError(KindProtocolViolation, "empty handshake packet", nil)
	}
	hs.ProtocolVersion = pkt[0]
	pos := 1

	ver, next := ReadNullTerminatedString(pkt, pos)
	hs.ServerVersion = string(ver)
	pos = next

	if pos+4 > len(pkt) {
		return hs, NewError(KindProtocolViolation, "handshake truncated before connection id", nil)
	}
	hs.ConnectionID = binary.LittleEndian.Uint32(pkt[pos : pos+4])
	pos += 4

	if pos+8 > len(pkt) {
		return hs, NewError(KindProtocolViolation, "handshake truncated before auth data part 1", nil)
	}
	authData := make([]byte, 0, 20)
	authData = append(authData, pkt[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(pkt) {
		return hs, NewError(KindProtocolViolation, "handshake truncated before capability flags", nil)
	}
	capLow := uint32(binary.LittleEndian.Uint16(pkt[pos : pos+2]))
	pos += 2

	if pos+3 > len(pkt) {
		return hs, NewError(KindProtocolViolation, "handshake truncated before charset/status", nil)
	}
	hs.CharacterSet = pkt[pos]
	pos++
	hs.StatusFlags = binary.LittleEndian.Uint16(pkt[pos : pos+2])
	pos += 2

	var capHigh uint32
	var authPluginDataLen int
	if pos+2 <= len(pkt) {
		capHigh = uint32(binary.LittleEndian.Uint16(pkt[pos:pos+2])) << 16
		pos += 2
		if pos < len(pkt) {
			authPluginDataLen = int(pkt[pos])
			pos++
		}
		pos += 10 // reserved
	}
	hs.Capabilities = capLow | capHigh

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		authData = append(authData, part2...)
	}
	pos += part2Len
	hs.AuthPluginData = authData

	hs.AuthPluginName = "mysql_native_password"
	if hs.Capabilities&ClientPluginAuth != 0 && pos < len(pkt) {
		name, _ := ReadNullTerminatedString(pkt, pos)
		hs.AuthPluginName = string(name)
	}
	return hs, nil
}

// BuildHandshakeV10 serializes a Protocol::HandshakeV10 packet payload, used
// by the proxy to send a synthetic handshake to the client before it has
// chosen a backend (§4.1.1). scramble must be 20 bytes and contain no NUL
// bytes.
func BuildHandshakeV10(connectionID uint32, serverVersion string, scramble []byte, capabilities uint32, charset byte, statusFlags uint16) []byte {
	var out []byte
	out = append(out, 10) // protocol version
	out = append(out, serverVersion...)
	out = append(out, 0)

	idBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBuf, connectionID)
	out = append(out, idBuf...)

	out = append(out, scramble[:8]...)
	out = append(out, 0) // filler

	out = append(out, byte(capabilities), byte(capabilities>>8))
	out = append(out, charset)
	out = append(out, byte(statusFlags), byte(statusFlags>>8))
	out = append(out, byte(capabilities>>16), byte(capabilities>>24))
	out = append(out, byte(len(scramble)+1))
	out = append(out, make([]byte, 10)...) // reserved

	out = append(out, scramble[8:]...)
	out = append(out, 0)

	out = append(out, "mysql_native_password"...)
	out = append(out, 0)
	return out
}

// HandshakeResponse holds the fields needed to build a HandshakeResponse41
// packet (§4.1.2).
type HandshakeResponse struct {
	Capabilities uint32
	CharacterSet byte
	Username     string
	AuthResponse []byte
	Database     string
	PluginName   string
}

// ParseHandshakeResponse41 decodes a client's HandshakeResponse41 payload,
// the mirror of BuildHandshakeResponse41 used on the client-facing side of
// the proxy to learn the connecting user's credentials and target schema.
func ParseHandshakeResponse41(payload []byte) (HandshakeResponse, error) {
	var r HandshakeResponse
	if len(payload) < 32 {
		return r, NewError(KindProtocolViolation, "handshake response too short", nil)
	}
	r.Capabilities = binary.LittleEndian.Uint32(payload[0:4])
	r.CharacterSet = payload[8]
	pos := 32

	user, next := ReadNullTerminatedString(payload, pos)
	r.Username = string(user)
	pos = next

	switch {
	case r.Capabilities&ClientPluginAuthLenencClientData != 0:
		authLen, used, isNull, lerr := ReadLenEncInt(payload, pos)
		if lerr != nil {
			return r, NewError(KindProtocolViolation, "handshake response auth length truncated", lerr)
		}
		pos += used
		if !isNull {
			if pos+int(authLen) > len(payload) {
				return r, NewError(KindProtocolViolation, "handshake response auth data truncated", nil)
			}
			r.AuthResponse = append([]byte(nil), payload[pos:pos+int(authLen)]...)
			pos += int(authLen)
		}
	case r.Capabilities&ClientSecureConnection != 0:
		if pos >= len(payload) {
			return r, NewError(KindProtocolViolation, "handshake response missing auth length", nil)
		}
		authLen := int(payload[pos])
		pos++
		if pos+authLen > len(payload) {
			return r, NewError(KindProtocolViolation, "handshake response auth data truncated", nil)
		}
		r.AuthResponse = append([]byte(nil), payload[pos:pos+authLen]...)
		pos += authLen
	default:
		auth, next := ReadNullTerminatedString(payload, pos)
		r.AuthResponse = auth
		pos = next
	}

	if r.Capabilities&ClientConnectWithDB != 0 && pos < len(payload) {
		db, next := ReadNullTerminatedString(payload, pos)
		r.Database = string(db)
		pos = next
	}

	if r.Capabilities&ClientPluginAuth != 0 && pos < len(payload) {
		name, _ := ReadNullTerminatedString(payload, pos)
		r.PluginName = string(name)
	}

	return r, nil
}

// BuildHandshakeResponse41 serializes a HandshakeResponse41 payload.
func BuildHandshakeResponse41(r HandshakeResponse) []byte {
	var out []byte
	capBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(capBuf, r.Capabilities)
	out = append(out, capBuf...)
	out = append(out, 0xff, 0xff, 0xff, 0x00)
	out = append(out, r.CharacterSet)
	out = append(out, make([]byte, 23)...)
	out = append(out, []byte(r.Username)...)
	out = append(out, 0)
	if r.Capabilities&ClientPluginAuthLenencClientData != 0 {
		out = PutLenEncString(out, r.AuthResponse)
	} else {
		out = append(out, byte(len(r.AuthResponse)))
		out = append(out, r.AuthResponse...)
	}
	if r.Capabilities&ClientConnectWithDB != 0 {
		out = append(out, []byte(r.Database)...)
		out = append(out, 0)
	}
	if r.Capabilities&ClientPluginAuth != 0 {
		out = append(out, []byte(r.PluginName)...)
		out = append(out, 0)
	}
	return out
}

// AuthPlugin computes the auth-response bytes for one authentication
// method, given the password and the server-supplied scramble. Exchanges
// beyond a single response/challenge round (AuthSwitchRequest) are driven
// by the caller using the plugin it switched to.
type AuthPlugin interface {
	Name() string
	Respond(password, scramble []byte) ([]byte, error)
}

// NativePasswordPlugin implements mysql_native_password:
// SHA1(password) XOR SHA1(scramble + SHA1(SHA1(password))).
type NativePasswordPlugin struct{}

func (NativePasswordPlugin) Name() string { return "mysql_native_password" }

func (NativePasswordPlugin) Respond(password, scramble []byte) ([]byte, error) {
	if len(password) == 0 {
		return []byte{}, nil
	}
	h1 := sha1.Sum(password) //nolint:gosec
	h2 := sha1.Sum(h1[:])    //nolint:gosec
	h := sha1.New()          //nolint:gosec
	h.Write(scramble)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out, nil
}

// ClearPasswordPlugin implements mysql_clear_password, used over TLS.
type ClearPasswordPlugin struct{}

func (ClearPasswordPlugin) Name() string { return "mysql_clear_password" }

func (ClearPasswordPlugin) Respond(password, _ []byte) ([]byte, error) {
	return append([]byte(nil), password...), nil
}

// CachingSha2Plugin answers caching_sha2_password's fast-auth path: a
// scramble-based response shaped like mysql_native_password's XOR
// construction but over SHA3-256 instead of SHA1, for backends configured
// to require the stronger plugin name without needing the RSA-backed full
// exchange (full-auth / public-key-request round trips are not supported).
type CachingSha2Plugin struct{}

func (CachingSha2Plugin) Name() string { return "caching_sha2_password" }

func (CachingSha2Plugin) Respond(password, scramble []byte) ([]byte, error) {
	if len(password) == 0 {
		return []byte{}, nil
	}
	h1 := sha3.Sum256(password)
	h2 := sha3.Sum256(h1[:])
	h := sha3.New256()
	h.Write(h2[:])
	h.Write(scramble)
	h3 := h.Sum(nil)
	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out, nil
}

// Plugins indexes the authentication plugins this proxy can answer a
// challenge with, keyed by the server-advertised plugin name.
var Plugins = map[string]AuthPlugin{
	"mysql_native_password":  NativePasswordPlugin{},
	"mysql_clear_password":   ClearPasswordPlugin{},
	"caching_sha2_password":  CachingSha2Plugin{},
}

// PluginFor looks up a registered plugin, returning a protocol error if the
// server asked for one this proxy cannot answer.
func PluginFor(name string) (AuthPlugin, error) {
	p, ok := Plugins[name]
	if !ok {
		return nil, NewError(KindAuthFailure, fmt.Sprintf("unsupported auth plugin %q", name), nil)
	}
	return p, nil
}
