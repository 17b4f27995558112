// Package query is the injected classification boundary the proxy uses to
// turn one client command into the canonical, comparable form the diff
// router needs (§Design notes: "the parser itself is out of scope" —
// callers depend on the Parser interface, not on any particular SQL
// grammar). NaiveParser is a minimal, regex-based stand-in; a production
// deployment would inject a real grammar (e.g. vitess/sqlparser) behind
// the same interface.
package query

import (
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/dbdiffproxy/dbdiffproxy/internal/protocol"
)

// Op classifies a parsed statement's dispatch-relevant shape.
type Op int

const (
	OpOther Op = iota
	OpSelect
)

// Info is everything the diff router needs to know about one client
// request: its command byte, canonical text and hash, and whether it is a
// read, a write, or a multi-part continuation of a previous packet.
type Info struct {
	Command           byte
	SQL               string
	Canonical         string
	CanonicalHash     uint64
	Op                Op
	IsQuery           bool
	IsWrite           bool
	MultiPartPacket   bool
	RelatesToPrevious bool
}

// Parser classifies one client command payload. Implementations must be
// safe for concurrent use by multiple connections.
type Parser interface {
	Parse(command byte, payload []byte) (Info, error)
}

var writeVerbs = regexp.MustCompile(`(?i)^\s*(INSERT|UPDATE|DELETE|REPLACE|CREATE|ALTER|DROP|TRUNCATE|GRANT|REVOKE|SET|LOAD|CALL)\b`)

var selectVerb = regexp.MustCompile(`(?i)^\s*(SELECT|SHOW|EXPLAIN|DESCRIBE|DESC)\b`)

var stringLiteral = regexp.MustCompile(`'(?:[^'\\]|\\.)*'|"(?:[^"\\]|\\.)*"`)

var numberLiteral = regexp.MustCompile(`\b\d+(\.\d+)?\b`)

// NaiveParser classifies a COM_QUERY/COM_STMT_PREPARE/COM_STMT_EXECUTE
// payload by command byte and a literal-stripping regex canonicalization
// of COM_QUERY/COM_STMT_PREPARE text; since a COM_STMT_EXECUTE payload
// carries no SQL text of its own, its Info has empty SQL and Canonical
// fields.
type NaiveParser struct{}

// Parse implements Parser.
func (NaiveParser) Parse(command byte, payload []byte) (Info, error) {
	info := Info{Command: command}

	switch command {
	case protocol.ComQuery, protocol.ComStmtPrepare:
		if len(payload) < 1 {
			return info, protocol.NewError(protocol.KindProtocolViolation, "empty command payload", nil)
		}
		sql := string(payload[1:])
		info.SQL = sql
		info.IsQuery = true
		info.Canonical = Canonicalize(sql)
		info.CanonicalHash = Hash(info.Canonical)
		info.IsWrite = writeVerbs.MatchString(sql)
		if selectVerb.MatchString(sql) {
			info.Op = OpSelect
		}
	case protocol.ComStmtExecute, protocol.ComStmtFetch:
		info.IsQuery = true
	case protocol.ComQuit, protocol.ComPing, protocol.ComInitDB,
		protocol.ComStmtClose, protocol.ComStmtReset, protocol.ComResetConnection,
		protocol.ComFieldList, protocol.ComStmtSendLongData, protocol.ComChangeUser:
		info.IsQuery = false
	default:
		info.IsQuery = true
	}

	return info, nil
}

// Canonicalize replaces string and numeric literals with a placeholder,
// collapses surrounding whitespace, and lowercases the result — enough to
// group textually-identical-but-for-literals queries for EXPLAIN
// de-duplication and stats bucketing (§Canonical in the glossary).
func Canonicalize(sql string) string {
	c := stringLiteral.ReplaceAllString(sql, "?")
	c = numberLiteral.ReplaceAllString(c, "?")
	c = strings.Join(strings.Fields(c), " ")
	return strings.ToLower(c)
}

// Hash folds a canonical string into a 64-bit value for Registry lookups
// and stats bucketing; collisions are acceptable (they only widen EXPLAIN
// de-duplication or stats grouping, never affect correctness).
func Hash(canonical string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(canonical))
	return h.Sum64()
}
