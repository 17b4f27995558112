package protocol

import (
	"bytes"
	"testing"
)

func TestWriteReadPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("select 1")
	if err := WritePacket(&buf, payload, 7); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	f := NewFramer(&buf)
	pkt, err := f.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Seq != 7 {
		t.Errorf("seq = %d, want 7", pkt.Seq)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("payload = %q, want %q", pkt.Payload, payload)
	}
}

func TestWritePacketFromReturnsNextSeq(t *testing.T) {
	var buf bytes.Buffer
	next, err := WritePacketFrom(&buf, []byte("select 1"), 3)
	if err != nil {
		t.Fatalf("WritePacketFrom: %v", err)
	}
	if next != 4 {
		t.Errorf("next seq = %d, want 4", next)
	}

	next2, err := WritePacketFrom(&buf, []byte("select 2"), next)
	if err != nil {
		t.Fatalf("WritePacketFrom: %v", err)
	}
	if next2 != 5 {
		t.Errorf("next seq = %d, want 5", next2)
	}

	f := NewFramer(&buf)
	first, err := f.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if first.Seq != 3 {
		t.Errorf("first seq = %d, want 3", first.Seq)
	}
	second, err := f.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if second.Seq != 4 {
		t.Errorf("second seq = %d, want 4", second.Seq)
	}
}

func TestLargePacketContinuation(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("x"), MaxPayload+10)
	if err := WritePacket(&buf, payload, 0); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	f := NewFramer(&buf)
	first, err := f.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket first: %v", err)
	}
	if !first.Large() {
		t.Fatalf("expected first packet to be marked large (length %d)", first.Length)
	}

	second, err := f.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket second: %v", err)
	}
	if second.Large() {
		t.Fatalf("second packet should be final, length %d", second.Length)
	}
	if second.Seq != 1 {
		t.Errorf("second.Seq = %d, want 1", second.Seq)
	}

	total := append(append([]byte{}, first.Payload...), second.Payload...)
	if !bytes.Equal(total, payload) {
		t.Errorf("recombined payload mismatch, got %d bytes want %d", len(total), len(payload))
	}
}

func TestReadLogicalPacketRecombinesExactMultiple(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("y"), MaxPayload*2)
	if err := WritePacket(&buf, payload, 2); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	f := NewFramer(&buf)
	got, seq, err := f.ReadLogicalPacket()
	if err != nil {
		t.Fatalf("ReadLogicalPacket: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("recombined payload length = %d, want %d", len(got), len(payload))
	}
	if seq != 4 {
		t.Errorf("final seq = %d, want 4", seq)
	}
}

func TestLenEncIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 250, 251, 65535, 65536, 16777215, 16777216, 1 << 40}
	for _, v := range cases {
		buf := PutLenEncInt(nil, v)
		got, consumed, isNull, err := ReadLenEncInt(buf, 0)
		if err != nil {
			t.Fatalf("ReadLenEncInt(%d): %v", v, err)
		}
		if isNull {
			t.Fatalf("ReadLenEncInt(%d): unexpected null", v)
		}
		if got != v {
			t.Errorf("ReadLenEncInt round trip = %d, want %d", got, v)
		}
		if consumed != len(buf) {
			t.Errorf("consumed = %d, want %d", consumed, len(buf))
		}
	}
}

func TestLenEncIntNull(t *testing.T) {
	_, _, isNull, err := ReadLenEncInt([]byte{0xfb}, 0)
	if err != nil {
		t.Fatalf("ReadLenEncInt: %v", err)
	}
	if !isNull {
		t.Errorf("expected null marker")
	}
}

func TestLenEncStringRoundTrip(t *testing.T) {
	s := []byte("hello world")
	buf := PutLenEncString(nil, s)
	got, consumed, err := ReadLenEncString(buf, 0)
	if err != nil {
		t.Fatalf("ReadLenEncString: %v", err)
	}
	if !bytes.Equal(got, s) {
		t.Errorf("got %q, want %q", got, s)
	}
	if consumed != len(buf) {
		t.Errorf("consumed = %d, want %d", consumed, len(buf))
	}
}

func TestNullTerminatedString(t *testing.T) {
	data := append([]byte("abc\x00def"))
	s, next := ReadNullTerminatedString(data, 0)
	if string(s) != "abc" {
		t.Errorf("got %q, want abc", s)
	}
	if next != 4 {
		t.Errorf("next = %d, want 4", next)
	}
}
