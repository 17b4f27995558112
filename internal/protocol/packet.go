package protocol

import (
	"bufio"
	"fmt"
	"io"
)

// Packet is one physical MySQL protocol packet: a 3-byte little-endian
// length, a 1-byte sequence number, and the payload (§3 Packet, §6 Wire).
type Packet struct {
	Length  uint32
	Seq     byte
	Payload []byte
}

// Large reports whether this physical packet is non-final — its payload is
// exactly MaxPayload bytes, so another physical packet with the same
// logical content follows (§3, the large-packet continuation rule).
func (p Packet) Large() bool {
	return p.Length == MaxPayload
}

// Framer reads a byte stream and yields complete physical packets. It never
// surfaces a header without its payload: ReadPacket blocks until one full
// packet has been read from the underlying reader, or the read fails.
type Framer struct {
	r *bufio.Reader
}

// NewFramer wraps r for packet-at-a-time reading.
func NewFramer(r io.Reader) *Framer {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 16*1024)
	}
	return &Framer{r: br}
}

// ReadPacket reads exactly one physical packet: header then payload.
func (f *Framer) ReadPacket() (Packet, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return Packet{}, err
	}
	length := uint32(hdr[0]) | uint32(hdr[1])<<8 | uint32(hdr[2])<<16
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return Packet{}, err
		}
	}
	return Packet{Length: length, Seq: hdr[3], Payload: payload}, nil
}

// ReadLogicalPacket reads one or more physical packets, concatenating the
// payload of every non-final packet (payload length == MaxPayload) until a
// final (shorter, possibly empty) packet is read. The returned Seq is that
// of the final physical packet.
func (f *Framer) ReadLogicalPacket() ([]byte, byte, error) {
	var out []byte
	var seq byte
	for {
		pkt, err := f.ReadPacket()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, pkt.Payload...)
		seq = pkt.Seq
		if !pkt.Large() {
			return out, seq, nil
		}
	}
}

// WritePacket writes one physical packet with the given sequence number.
// If payload is longer than MaxPayload, it is split into the required
// number of continuation packets, the last of which may be empty when
// len(payload) is an exact multiple of MaxPayload.
func WritePacket(w io.Writer, payload []byte, seq byte) error {
	_, err := WritePacketFrom(w, payload, seq)
	return err
}

// WritePacketFrom behaves like WritePacket but returns the next unused
// sequence number, so a caller relaying several logical packets in a row
// (e.g. the proxy forwarding a multi-packet backend reply to its client)
// can keep each one's sequence numbering contiguous without recomputing
// how many physical packets the previous one consumed.
func WritePacketFrom(w io.Writer, payload []byte, seq byte) (byte, error) {
	for {
		chunk := payload
		if len(chunk) > MaxPayload {
			chunk = payload[:MaxPayload]
		}
		if err := writeOnePacket(w, chunk, seq); err != nil {
			return seq, err
		}
		seq++
		if len(payload) < MaxPayload {
			return seq, nil
		}
		payload = payload[len(chunk):]
		if len(payload) == 0 {
			// Exact multiple: an empty terminator packet is required.
			if err := writeOnePacket(w, nil, seq); err != nil {
				return seq, err
			}
			return seq + 1, nil
		}
	}
}

func writeOnePacket(w io.Writer, payload []byte, seq byte) error {
	n := len(payload)
	if n > MaxPayload {
		return fmt.Errorf("protocol: packet payload %d exceeds maximum %d", n, MaxPayload)
	}
	buf := make([]byte, 4+n)
	buf[0] = byte(n)
	buf[1] = byte(n >> 8)
	buf[2] = byte(n >> 16)
	buf[3] = seq
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// --- length-encoded integers and strings (§6 Wire) ---

// ReadLenEncInt decodes a length-encoded integer starting at data[pos].
// Returns the value, the number of bytes consumed, and whether NULL
// (0xfb prefix) was encountered.
func ReadLenEncInt(data []byte, pos int) (value uint64, consumed int, isNull bool, err error) {
	if pos >= len(data) {
		return 0, 0, false, io.ErrUnexpectedEOF
	}
	b := data[pos]
	switch {
	case b < 0xfb:
		return uint64(b), 1, false, nil
	case b == 0xfb:
		return 0, 1, true, nil
	case b == 0xfc:
		if pos+3 > len(data) {
			return 0, 0, false, io.ErrUnexpectedEOF
		}
		return uint64(data[pos+1]) | uint64(data[pos+2])<<8, 3, false, nil
	case b == 0xfd:
		if pos+4 > len(data) {
			return 0, 0, false, io.ErrUnexpectedEOF
		}
		return uint64(data[pos+1]) | uint64(data[pos+2])<<8 | uint64(data[pos+3])<<16, 4, false, nil
	case b == 0xfe:
		if pos+9 > len(data) {
			return 0, 0, false, io.ErrUnexpectedEOF
		}
		v := uint64(0)
		for i := 0; i < 8; i++ {
			v |= uint64(data[pos+1+i]) << (8 * i)
		}
		return v, 9, false, nil
	default:
		return 0, 0, false, fmt.Errorf("protocol: invalid length-encoded integer prefix 0x%02x", b)
	}
}

// PutLenEncInt appends the length-encoded form of v to dst.
func PutLenEncInt(dst []byte, v uint64) []byte {
	switch {
	case v < 0xfb:
		return append(dst, byte(v))
	case v <= 0xffff:
		return append(dst, 0xfc, byte(v), byte(v>>8))
	case v <= 0xffffff:
		return append(dst, 0xfd, byte(v), byte(v>>8), byte(v>>16))
	default:
		b := []byte{0xfe, 0, 0, 0, 0, 0, 0, 0, 0}
		for i := 0; i < 8; i++ {
			b[1+i] = byte(v >> (8 * i))
		}
		return append(dst, b...)
	}
}

// ReadLenEncString decodes a length-encoded string starting at data[pos].
func ReadLenEncString(data []byte, pos int) (value []byte, consumed int, err error) {
	n, used, isNull, err := ReadLenEncInt(data, pos)
	if err != nil {
		return nil, 0, err
	}
	if isNull {
		return nil, used, nil
	}
	start := pos + used
	end := start + int(n)
	if end > len(data) {
		return nil, 0, io.ErrUnexpectedEOF
	}
	return data[start:end], used + int(n), nil
}

// PutLenEncString appends the length-encoded form of s to dst.
func PutLenEncString(dst []byte, s []byte) []byte {
	dst = PutLenEncInt(dst, uint64(len(s)))
	return append(dst, s...)
}

// ReadNullTerminatedString reads bytes from data[pos:] up to (excluding) the
// next NUL byte, returning the string and the position just past the NUL.
func ReadNullTerminatedString(data []byte, pos int) (value []byte, next int) {
	end := pos
	for end < len(data) && data[end] != 0 {
		end++
	}
	next = end
	if next < len(data) {
		next++
	}
	return data[pos:end], next
}
