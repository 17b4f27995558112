package backend

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func comStmtExecutePayload(externalID uint32, flag byte, extra []byte) []byte {
	p := make([]byte, 1+4+1+4)
	p[0] = 0x17 // ComStmtExecute
	binary.LittleEndian.PutUint32(p[1:5], externalID)
	p[5] = 0 // cursor type
	binary.LittleEndian.PutUint32(p[6:10], 1)
	p[10] = flag
	return append(p, extra...)
}

func TestRewriteStatementID(t *testing.T) {
	payload := comStmtExecutePayload(1, 0, nil)
	out, err := RewriteStatementID(payload, 42)
	if err != nil {
		t.Fatalf("RewriteStatementID: %v", err)
	}
	got := binary.LittleEndian.Uint32(out[1:5])
	if got != 42 {
		t.Errorf("rewritten id = %d, want 42", got)
	}
	// original payload must not be mutated
	orig := binary.LittleEndian.Uint32(payload[1:5])
	if orig != 1 {
		t.Errorf("original payload mutated: %d", orig)
	}
}

func TestExternalStatementID(t *testing.T) {
	payload := comStmtExecutePayload(7, 0, nil)
	id, err := ExternalStatementID(payload)
	if err != nil {
		t.Fatalf("ExternalStatementID: %v", err)
	}
	if id != 7 {
		t.Errorf("id = %d, want 7", id)
	}
}

func TestSpliceExecuteMetadataClientSentTypes(t *testing.T) {
	ps := &PreparedStatement{NParams: 1}
	payload := comStmtExecutePayload(1, NewParamsBoundFlag, []byte{0x03, 0x00, 9, 9, 9, 9})
	out, err := SpliceExecuteMetadata(payload, ps, nil)
	if err != nil {
		t.Fatalf("SpliceExecuteMetadata: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("payload should pass through unchanged when client sends types")
	}
	if !ps.ExecMetadataSent {
		t.Errorf("expected ExecMetadataSent = true")
	}
}

func TestSpliceExecuteMetadataInjectsKnownTypes(t *testing.T) {
	ps := &PreparedStatement{NParams: 1, ExecMetadataSent: false}
	values := []byte{9, 9, 9, 9}
	payload := comStmtExecutePayload(1, 0, values)
	knownTypes := []byte{0x03, 0x00}

	out, err := SpliceExecuteMetadata(payload, ps, knownTypes)
	if err != nil {
		t.Fatalf("SpliceExecuteMetadata: %v", err)
	}
	if out[10] != NewParamsBoundFlag {
		t.Fatalf("expected flag byte set, got %d", out[10])
	}
	if !bytes.Equal(out[11:13], knownTypes) {
		t.Errorf("injected types = %v, want %v", out[11:13], knownTypes)
	}
	if !bytes.Equal(out[13:], values) {
		t.Errorf("trailing values = %v, want %v", out[13:], values)
	}
	if !ps.ExecMetadataSent {
		t.Errorf("expected ExecMetadataSent = true after splice")
	}
}

func TestSpliceExecuteMetadataSkipsWhenAlreadySent(t *testing.T) {
	ps := &PreparedStatement{NParams: 1, ExecMetadataSent: true}
	payload := comStmtExecutePayload(1, 0, []byte{9, 9, 9, 9})
	out, err := SpliceExecuteMetadata(payload, ps, nil)
	if err != nil {
		t.Fatalf("SpliceExecuteMetadata: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Errorf("expected passthrough once metadata already sent")
	}
}

func prepareOKPayload(realID uint32, numParams uint16) []byte {
	p := make([]byte, 12)
	p[0] = 0x00 // OK header
	binary.LittleEndian.PutUint32(p[1:5], realID)
	binary.LittleEndian.PutUint16(p[5:7], 0) // num_columns
	binary.LittleEndian.PutUint16(p[7:9], numParams)
	p[9] = 0 // filler
	binary.LittleEndian.PutUint16(p[10:12], 0)
	return p
}

func TestParsePrepareOK(t *testing.T) {
	payload := prepareOKPayload(99, 3)
	realID, numParams, ok := ParsePrepareOK(payload)
	if !ok {
		t.Fatalf("ParsePrepareOK: expected ok")
	}
	if realID != 99 {
		t.Errorf("realID = %d, want 99", realID)
	}
	if numParams != 3 {
		t.Errorf("numParams = %d, want 3", numParams)
	}
}

func TestParsePrepareOKRejectsShortOrErrorPayload(t *testing.T) {
	if _, _, ok := ParsePrepareOK([]byte{0x00, 1, 2}); ok {
		t.Errorf("expected ok=false for too-short payload")
	}
	errPayload := prepareOKPayload(1, 1)
	errPayload[0] = 0xff
	if _, _, ok := ParsePrepareOK(errPayload); ok {
		t.Errorf("expected ok=false for non-OK header byte")
	}
}

func TestClassifyReuse(t *testing.T) {
	cases := []struct {
		name string
		in   ReuseCriteria
		want ReuseAction
	}{
		{"in transaction", ReuseCriteria{PooledInTrans: true}, ReuseNotPossible},
		{"different user", ReuseCriteria{PooledUser: "a", WantUser: "b"}, ReuseChangeUser},
		{"different schema", ReuseCriteria{PooledUser: "a", WantUser: "a", PooledSchema: "x", WantSchema: "y"}, ReuseChangeUser},
		{"clean match", ReuseCriteria{PooledUser: "a", WantUser: "a", PooledSchema: "x", WantSchema: "x"}, ReuseResetConnection},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.in)
			if got != c.want {
				t.Errorf("Classify(%+v) = %s, want %s", c.in, got, c.want)
			}
		})
	}
}
