package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func buildHandshakeV10(serverVersion string, scramble []byte, pluginName string) []byte {
	var pkt []byte
	pkt = append(pkt, 10) // protocol version
	pkt = append(pkt, []byte(serverVersion)...)
	pkt = append(pkt, 0)
	pkt = append(pkt, 1, 0, 0, 0) // connection id
	pkt = append(pkt, scramble[:8]...)
	pkt = append(pkt, 0) // filler
	caps := ClientProtocol41 | ClientSecureConnection | ClientPluginAuth
	pkt = append(pkt, byte(caps), byte(caps>>8))
	pkt = append(pkt, 0x21)    // charset
	pkt = append(pkt, 2, 0)    // status flags
	pkt = append(pkt, byte(caps>>16), byte(caps>>24))
	pkt = append(pkt, byte(len(scramble)+1))
	pkt = append(pkt, make([]byte, 10)...) // reserved
	rest := scramble[8:]
	pkt = append(pkt, rest...)
	pkt = append(pkt, 0) // trailing null on auth-data part 2
	pkt = append(pkt, []byte(pluginName)...)
	pkt = append(pkt, 0)
	return pkt
}

func TestParseHandshakeV10(t *testing.T) {
	scramble := []byte("0123456789abcdef0123")
	pkt := buildHandshakeV10("10.6.12-MariaDB", scramble, "mysql_native_password")

	hs, err := ParseHandshakeV10(pkt)
	if err != nil {
		t.Fatalf("ParseHandshakeV10: %v", err)
	}
	if hs.ServerVersion != "10.6.12-MariaDB" {
		t.Errorf("ServerVersion = %q", hs.ServerVersion)
	}
	if hs.ConnectionID != 1 {
		t.Errorf("ConnectionID = %d, want 1", hs.ConnectionID)
	}
	if hs.AuthPluginName != "mysql_native_password" {
		t.Errorf("AuthPluginName = %q", hs.AuthPluginName)
	}
	if len(hs.AuthPluginData) != 20 {
		t.Errorf("AuthPluginData len = %d, want 20", len(hs.AuthPluginData))
	}
	if !bytes.Equal(hs.AuthPluginData, scramble[:20]) {
		t.Errorf("AuthPluginData = %q, want %q", hs.AuthPluginData, scramble[:20])
	}
}

func TestBuildHandshakeResponse41RoundTripsFields(t *testing.T) {
	resp := BuildHandshakeResponse41(HandshakeResponse{
		Capabilities: ClientProtocol41 | ClientSecureConnection | ClientConnectWithDB | ClientPluginAuth,
		CharacterSet: 0x21,
		Username:     "proxyuser",
		AuthResponse: []byte{1, 2, 3, 4},
		Database:     "app",
		PluginName:   "mysql_native_password",
	})

	pos := 4 + 4 + 1 + 23
	user, next := ReadNullTerminatedString(resp, pos)
	if string(user) != "proxyuser" {
		t.Fatalf("username = %q", user)
	}
	authLen := int(resp[next])
	auth := resp[next+1 : next+1+authLen]
	if !bytes.Equal(auth, []byte{1, 2, 3, 4}) {
		t.Fatalf("auth response = %v", auth)
	}
	pos = next + 1 + authLen
	db, next2 := ReadNullTerminatedString(resp, pos)
	if string(db) != "app" {
		t.Fatalf("database = %q", db)
	}
	plugin, _ := ReadNullTerminatedString(resp, next2)
	if string(plugin) != "mysql_native_password" {
		t.Fatalf("plugin = %q", plugin)
	}
}

func TestBuildHandshakeV10ParsesBack(t *testing.T) {
	scramble := []byte("abcdefghij0123456789")
	caps := ClientProtocol41 | ClientSecureConnection | ClientPluginAuth | ClientSessionTrack
	pkt := BuildHandshakeV10(42, "8.0.0-dbdiffproxy", scramble, caps, 0x21, ServerStatusAutocommit)

	hs, err := ParseHandshakeV10(pkt)
	if err != nil {
		t.Fatalf("ParseHandshakeV10: %v", err)
	}
	if hs.ConnectionID != 42 {
		t.Errorf("ConnectionID = %d, want 42", hs.ConnectionID)
	}
	if hs.ServerVersion != "8.0.0-dbdiffproxy" {
		t.Errorf("ServerVersion = %q", hs.ServerVersion)
	}
	if !bytes.Equal(hs.AuthPluginData, scramble) {
		t.Errorf("AuthPluginData = %q, want %q", hs.AuthPluginData, scramble)
	}
	if hs.Capabilities != caps {
		t.Errorf("Capabilities = %x, want %x", hs.Capabilities, caps)
	}
	if hs.AuthPluginName != "mysql_native_password" {
		t.Errorf("AuthPluginName = %q", hs.AuthPluginName)
	}
}

func TestParseHandshakeResponse41(t *testing.T) {
	built := BuildHandshakeResponse41(HandshakeResponse{
		Capabilities: ClientProtocol41 | ClientSecureConnection | ClientConnectWithDB | ClientPluginAuth,
		CharacterSet: 0x21,
		Username:     "appuser",
		AuthResponse: []byte{9, 8, 7, 6, 5},
		Database:     "orders",
		PluginName:   "mysql_native_password",
	})

	r, err := ParseHandshakeResponse41(built)
	if err != nil {
		t.Fatalf("ParseHandshakeResponse41: %v", err)
	}
	if r.Username != "appuser" {
		t.Errorf("Username = %q", r.Username)
	}
	if !bytes.Equal(r.AuthResponse, []byte{9, 8, 7, 6, 5}) {
		t.Errorf("AuthResponse = %v", r.AuthResponse)
	}
	if r.Database != "orders" {
		t.Errorf("Database = %q", r.Database)
	}
	if r.PluginName != "mysql_native_password" {
		t.Errorf("PluginName = %q", r.PluginName)
	}
	if r.CharacterSet != 0x21 {
		t.Errorf("CharacterSet = %x", r.CharacterSet)
	}
}

func TestParseHandshakeResponse41TooShort(t *testing.T) {
	_, err := ParseHandshakeResponse41([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error for truncated handshake response")
	}
}

func TestNativePasswordPluginKnownVector(t *testing.T) {
	plugin := NativePasswordPlugin{}
	scramble := []byte("01234567890123456789")
	got, err := plugin.Respond([]byte("secret"), scramble)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(got) != 20 {
		t.Fatalf("response length = %d, want 20", len(got))
	}
	// Same inputs must be deterministic.
	again, _ := plugin.Respond([]byte("secret"), scramble)
	if !bytes.Equal(got, again) {
		t.Errorf("hash not deterministic across calls")
	}
}

func TestNativePasswordPluginEmptyPassword(t *testing.T) {
	plugin := NativePasswordPlugin{}
	got, err := plugin.Respond(nil, []byte("anything"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty response for empty password, got %v", got)
	}
}

func TestCachingSha2PluginDeterministic(t *testing.T) {
	plugin := CachingSha2Plugin{}
	scramble := []byte("01234567890123456789")
	got, err := plugin.Respond([]byte("secret"), scramble)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(got) != 32 {
		t.Fatalf("response length = %d, want 32", len(got))
	}
	again, _ := plugin.Respond([]byte("secret"), scramble)
	if !bytes.Equal(got, again) {
		t.Errorf("hash not deterministic across calls")
	}
}

func TestPluginForUnknown(t *testing.T) {
	_, err := PluginFor("sha256_password")
	if err == nil {
		t.Fatalf("expected error for unsupported plugin")
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *protocol.Error")
	}
	if perr.Kind != KindAuthFailure {
		t.Errorf("Kind = %v, want KindAuthFailure", perr.Kind)
	}
}
