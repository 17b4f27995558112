package query

import (
	"testing"

	"github.com/dbdiffproxy/dbdiffproxy/internal/protocol"
)

func TestNaiveParserSelect(t *testing.T) {
	payload := append([]byte{protocol.ComQuery}, []byte("SELECT * FROM users WHERE id = 42")...)
	info, err := (NaiveParser{}).Parse(protocol.ComQuery, payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.Op != OpSelect {
		t.Errorf("Op = %v, want OpSelect", info.Op)
	}
	if info.IsWrite {
		t.Errorf("IsWrite = true for a SELECT")
	}
	if info.Canonical != "select * from users where id = ?" {
		t.Errorf("Canonical = %q", info.Canonical)
	}
}

func TestNaiveParserWrite(t *testing.T) {
	payload := append([]byte{protocol.ComQuery}, []byte("INSERT INTO t (a) VALUES ('x')")...)
	info, err := (NaiveParser{}).Parse(protocol.ComQuery, payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !info.IsWrite {
		t.Errorf("IsWrite = false for an INSERT")
	}
	if info.Op == OpSelect {
		t.Errorf("Op = OpSelect for an INSERT")
	}
}

func TestCanonicalizeGroupsLiteralVariants(t *testing.T) {
	a := Canonicalize("SELECT * FROM t WHERE id = 1")
	b := Canonicalize("select * from t where id = 999")
	if a != b {
		t.Errorf("canonical forms differ: %q vs %q", a, b)
	}
	if Hash(a) != Hash(b) {
		t.Errorf("hashes differ for identical canonical forms")
	}
}

func TestNaiveParserNonQueryCommand(t *testing.T) {
	info, err := (NaiveParser{}).Parse(protocol.ComPing, []byte{protocol.ComPing})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.IsQuery {
		t.Errorf("IsQuery = true for COM_PING")
	}
}

func TestNaiveParserEmptyPayload(t *testing.T) {
	_, err := (NaiveParser{}).Parse(protocol.ComQuery, nil)
	if err == nil {
		t.Fatal("expected error for empty COM_QUERY payload")
	}
}
