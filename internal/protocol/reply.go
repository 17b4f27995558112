package protocol

import (
	"encoding/binary"
	"fmt"
)

// ReplyState is a stage in the per-command reply tracker state machine
// (§4.2): it classifies the packets a backend sends in response to one
// client command so the router knows when the command is fully answered
// and what the terminal status flags were.
type ReplyState int

const (
	ReplyStart ReplyState = iota
	ReplyRsetColdef
	ReplyRsetColdefEOF
	ReplyRsetRows
	ReplyLoadData
	ReplyPrepare
	ReplyDone
)

func (s ReplyState) String() string {
	switch s {
	case ReplyStart:
		return "START"
	case ReplyRsetColdef:
		return "RSET_COLDEF"
	case ReplyRsetColdefEOF:
		return "RSET_COLDEF_EOF"
	case ReplyRsetRows:
		return "RSET_ROWS"
	case ReplyLoadData:
		return "LOAD_DATA"
	case ReplyPrepare:
		return "PREPARE"
	case ReplyDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Reply accumulates everything observed while tracking one command's
// response stream: status flags from the terminal OK/EOF, row/column
// counts, and whether more result sets follow.
type Reply struct {
	State          ReplyState
	StatusFlags    uint16
	Columns        uint64
	Rows           uint64
	Warnings       uint16
	AffectedRows   uint64
	LastInsertID   uint64
	MoreResults    bool
	Error          *Error

	// StatementID and ParamCount come from a COM_STMT_PREPARE_OK reply
	// (§4.1.3): the backend's real statement id and the number of `?`
	// placeholders the caller must be ready to type on COM_STMT_EXECUTE.
	StatementID uint32
	ParamCount  uint16

	// SessionTrack holds every session-state-change TLV observed on the
	// terminal OK packet, present when SERVER_SESSION_STATE_CHANGED is set
	// and CLIENT_SESSION_TRACK was negotiated (§3 Reply.variables, §4.2).
	SessionTrack []SessionTrackEntry
}

// SessionTrackEntry is one decoded session-state-change TLV from an OK
// packet's session-track info string (§4.2).
type SessionTrackEntry struct {
	Kind  byte
	Key   string
	Value string
}

// Done reports whether the tracker has reached a terminal state for the
// current command (no SERVER_MORE_RESULTS_EXISTS pending).
func (r *Reply) Done() bool {
	return r.State == ReplyDone && !r.MoreResults
}

// Tracker drives the reply state machine across the packets that make up
// one command's response (§4.2). One Tracker exists per in-flight command
// per backend connection.
type Tracker struct {
	command          byte
	reply            Reply
	prepareRemaining int // coldef/param-def + EOF packets still expected after COM_STMT_PREPARE_OK
}

// NewTracker begins tracking the response to a command byte (e.g. ComQuery,
// ComStmtExecute, ComStmtPrepare, ComFieldList).
func NewTracker(command byte) *Tracker {
	return &Tracker{command: command, reply: Reply{State: ReplyStart}}
}

// Reply returns the accumulated reply state so far.
func (t *Tracker) Reply() Reply {
	return t.reply
}

// Feed advances the tracker with one physical/logical packet payload,
// returning true once the response is fully consumed (Reply().Done()).
// eofDeprecated indicates CLIENT_DEPRECATE_EOF was negotiated, in which
// case result sets terminate on an OK-with-EOF-header packet rather than
// a dedicated EOF packet (§4.2 edge case).
func (t *Tracker) Feed(payload []byte, eofDeprecated bool) (bool, error) {
	if len(payload) == 0 {
		return false, NewError(KindProtocolViolation, "empty reply packet", nil)
	}
	header := payload[0]

	switch t.reply.State {
	case ReplyStart:
		return t.feedStart(payload, header, eofDeprecated)
	case ReplyRsetColdef:
		return t.feedColdef(payload, header, eofDeprecated)
	case ReplyRsetColdefEOF:
		return t.feedRowsOrEOF(payload, header, eofDeprecated)
	case ReplyRsetRows:
		return t.feedRowsOrEOF(payload, header, eofDeprecated)
	case ReplyLoadData:
		return t.feedLoadData(payload, header)
	case ReplyPrepare:
		return t.feedPrepare(payload, header, eofDeprecated)
	default:
		return false, NewError(KindProtocolViolation, fmt.Sprintf("reply fed in terminal state %s", t.reply.State), nil)
	}
}

func (t *Tracker) feedStart(payload []byte, header byte, eofDeprecated bool) (bool, error) {
	switch header {
	case HeaderOK:
		t.parseOK(payload, eofDeprecated)
		return t.settleDone(), nil
	case HeaderErr:
		t.parseErr(payload)
		t.reply.State = ReplyDone
		return true, nil
	case HeaderLocalInfile:
		t.reply.State = ReplyLoadData
		return false, nil
	default:
		if t.command == ComStmtPrepare {
			// COM_STMT_PREPARE_OK: status(1) stmt_id(4) num_columns(2) num_params(2) filler(1) warnings(2)
			if len(payload) < 12 {
				return false, NewError(KindProtocolViolation, "COM_STMT_PREPARE_OK too short", nil)
			}
			numColumns := int(payload[5]) | int(payload[6])<<8
			numParams := int(payload[7]) | int(payload[8])<<8
			t.reply.StatementID = binary.LittleEndian.Uint32(payload[1:5])
			t.reply.ParamCount = uint16(numParams)
			remaining := 0
			if numParams > 0 {
				remaining += numParams
				if !eofDeprecated {
					remaining++
				}
			}
			if numColumns > 0 {
				remaining += numColumns
				if !eofDeprecated {
					remaining++
				}
			}
			t.prepareRemaining = remaining
			if remaining == 0 {
				t.reply.State = ReplyDone
				return true, nil
			}
			t.reply.State = ReplyPrepare
			return false, nil
		}
		cols, _, isNull, err := ReadLenEncInt(payload, 0)
		if err != nil || isNull {
			return false, NewError(KindProtocolViolation, "bad result-set header", err)
		}
		t.reply.Columns = cols
		t.reply.State = ReplyRsetColdef
		return false, nil
	}
}

func (t *Tracker) feedColdef(payload []byte, header byte, eofDeprecated bool) (bool, error) {
	if header == HeaderEOF && len(payload) < 9 && !eofDeprecated {
		t.reply.State = ReplyRsetColdefEOF
		return false, nil
	}
	return false, nil
}

func (t *Tracker) feedRowsOrEOF(payload []byte, header byte, eofDeprecated bool) (bool, error) {
	switch header {
	case HeaderErr:
		t.parseErr(payload)
		t.reply.State = ReplyDone
		return true, nil
	case HeaderEOF:
		if len(payload) < 9 {
			t.parseEOF(payload)
			return t.settleDone(), nil
		}
		t.reply.Rows++
		t.reply.State = ReplyRsetRows
		return false, nil
	case HeaderOK:
		if eofDeprecated {
			t.parseOK(payload, eofDeprecated)
			return t.settleDone(), nil
		}
		t.reply.Rows++
		t.reply.State = ReplyRsetRows
		return false, nil
	default:
		t.reply.Rows++
		t.reply.State = ReplyRsetRows
		return false, nil
	}
}

func (t *Tracker) feedLoadData(payload []byte, header byte) (bool, error) {
	switch header {
	case HeaderOK:
		t.parseOK(payload, false)
		return t.settleDone(), nil
	case HeaderErr:
		t.parseErr(payload)
		t.reply.State = ReplyDone
		return true, nil
	default:
		return false, nil
	}
}

func (t *Tracker) feedPrepare(_ []byte, _ byte, _ bool) (bool, error) {
	t.prepareRemaining--
	if t.prepareRemaining > 0 {
		return false, nil
	}
	t.reply.State = ReplyDone
	return true, nil
}

func (t *Tracker) settleDone() bool {
	if t.reply.MoreResults {
		t.reply.State = ReplyStart
		return false
	}
	t.reply.State = ReplyDone
	return true
}

func (t *Tracker) parseOK(payload []byte, eofDeprecated bool) {
	pos := 1
	affected, n, _, err := ReadLenEncInt(payload, pos)
	if err == nil {
		t.reply.AffectedRows = affected
		pos += n
	}
	lastID, n, _, err := ReadLenEncInt(payload, pos)
	if err == nil {
		t.reply.LastInsertID = lastID
		pos += n
	}
	if pos+2 <= len(payload) {
		t.reply.StatusFlags = uint16(payload[pos]) | uint16(payload[pos+1])<<8
		pos += 2
	}
	if pos+2 <= len(payload) {
		t.reply.Warnings = uint16(payload[pos]) | uint16(payload[pos+1])<<8
		pos += 2
	}
	t.reply.MoreResults = t.reply.StatusFlags&ServerMoreResultsExist != 0

	if t.reply.StatusFlags&ServerSessionStateChanged != 0 && pos < len(payload) {
		t.reply.SessionTrack = parseSessionTrack(payload, pos)
	}
}

// parseSessionTrack decodes the session-state-info TLV sequence that
// follows an OK packet's warning count when SERVER_SESSION_STATE_CHANGED is
// set (§4.2): a lenenc string ("info") containing a concatenation of
// {type u8, length lenenc, body} entries.
func parseSessionTrack(data []byte, pos int) []SessionTrackEntry {
	info, _, err := ReadLenEncString(data, pos)
	if err != nil {
		return nil
	}
	var entries []SessionTrackEntry
	p := 0
	for p < len(info) {
		kind := info[p]
		p++
		body, used, err := ReadLenEncString(info, p)
		if err != nil {
			break
		}
		p += used
		entries = append(entries, decodeSessionTrackBody(kind, body)...)
	}
	return entries
}

// decodeSessionTrackBody interprets one TLV's body according to its kind
// (§4.2): system variables carry a name/value pair, schema/trx-state carry
// a single lenenc string, and GTIDs carry a one-byte spec version followed
// by the GTID set string.
func decodeSessionTrackBody(kind byte, body []byte) []SessionTrackEntry {
	switch kind {
	case SessionTrackSystemVariables:
		name, n, err := ReadLenEncString(body, 0)
		if err != nil {
			return nil
		}
		value, _, err := ReadLenEncString(body, n)
		if err != nil {
			return nil
		}
		return []SessionTrackEntry{{Kind: kind, Key: string(name), Value: string(value)}}
	case SessionTrackGTIDS:
		if len(body) < 1 {
			return nil
		}
		gtids, _, err := ReadLenEncString(body, 1)
		if err != nil {
			return nil
		}
		return []SessionTrackEntry{{Kind: kind, Value: string(gtids)}}
	case SessionTrackSchema, SessionTrackStateChange, SessionTrackTransactionCharacteristics, SessionTrackTransactionState:
		value, _, err := ReadLenEncString(body, 0)
		if err != nil {
			return nil
		}
		return []SessionTrackEntry{{Kind: kind, Value: string(value)}}
	default:
		return nil
	}
}

func (t *Tracker) parseEOF(payload []byte) {
	if len(payload) >= 5 {
		t.reply.Warnings = uint16(payload[1]) | uint16(payload[2])<<8
		t.reply.StatusFlags = uint16(payload[3]) | uint16(payload[4])<<8
	}
	t.reply.MoreResults = t.reply.StatusFlags&ServerMoreResultsExist != 0
}

func (t *Tracker) parseErr(payload []byte) {
	code := uint16(0)
	if len(payload) >= 3 {
		code = uint16(payload[1]) | uint16(payload[2])<<8
	}
	msg := string(payload[min(len(payload), 9):])
	t.reply.Error = NewError(KindServerError, fmt.Sprintf("server error %d: %s", code, msg), nil)
}
