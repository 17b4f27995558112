// Package backend implements the backend-connection state machine, the
// session-command history replayed onto pooled connections, and prepared
// statement ID remapping (§4.1, §4.3).
package backend

import (
	"sync"
)

// HistoryEntry is one recorded session-modifying request: the request's
// canonical payload and whether the backend that first executed it
// reported success (§3 History).
type HistoryEntry struct {
	RequestID int64
	Payload   []byte
	OK        bool
}

// Subscriber tracks one backend connection's position in a History. Cursor
// is the index of the next entry this subscriber has not yet consumed.
type Subscriber struct {
	h      *History
	cursor int
}

// Next returns the next unread entry and advances the cursor, or ok=false
// if the subscriber is caught up with the history.
func (s *Subscriber) Next() (entry HistoryEntry, ok bool) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if s.cursor >= len(s.h.entries) {
		return HistoryEntry{}, false
	}
	e := s.h.entries[s.cursor]
	s.cursor++
	return e, true
}

// Pending reports how many entries remain for this subscriber to replay.
func (s *Subscriber) Pending() int {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	return len(s.h.entries) - s.cursor
}

// Close unsubscribes. The History keeps its entries after Close, since a
// later subscriber still replays the full stream.
func (s *Subscriber) Close() {
	s.h.removeSubscriber(s)
}

// History is the ordered list of session-modifying requests replayed onto
// every backend connection that joins (or rejoins, via pooling) a session
// (§3 History). All live subscribers see the same ordered stream;
// truncation only removes entries no subscriber still needs (e.g. after a
// COM_STMT_CLOSE makes a prepare/close pair irrelevant).
type History struct {
	mu          sync.Mutex
	entries     []HistoryEntry
	nextReqID   int64
	subscribers map[*Subscriber]struct{}
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{subscribers: make(map[*Subscriber]struct{})}
}

// Append records a new session-modifying request and its outcome,
// returning its request ID.
func (h *History) Append(payload []byte, ok bool) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextReqID
	h.nextReqID++
	h.entries = append(h.entries, HistoryEntry{
		RequestID: id,
		Payload:   append([]byte(nil), payload...),
		OK:        ok,
	})
	return id
}

// Subscribe returns a Subscriber positioned at the start of the current
// history, used when a backend connection first joins the session (or a
// pooled connection is handed a fresh Subscriber after reset, §4.1 SEND_HISTORY).
func (h *History) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &Subscriber{h: h}
	h.subscribers[sub] = struct{}{}
	return sub
}

func (h *History) removeSubscriber(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, s)
	h.compactLocked()
}

// Truncate drops entries up to and including upToRequestID, e.g. when a
// COM_STMT_CLOSE makes an earlier COM_STMT_PREPARE entry moot. Entries a
// live subscriber has not yet read are never dropped.
func (h *History) Truncate(upToRequestID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	minCursor := len(h.entries)
	for sub := range h.subscribers {
		if sub.cursor < minCursor {
			minCursor = sub.cursor
		}
	}
	cut := 0
	for cut < len(h.entries) && cut < minCursor && h.entries[cut].RequestID <= upToRequestID {
		cut++
	}
	if cut == 0 {
		return
	}
	h.entries = append([]HistoryEntry(nil), h.entries[cut:]...)
	for sub := range h.subscribers {
		sub.cursor -= cut
		if sub.cursor < 0 {
			sub.cursor = 0
		}
	}
}

func (h *History) compactLocked() {
	if len(h.subscribers) != 0 {
		return
	}
	// No subscribers left reading: nothing to preserve for replay until
	// the next one subscribes, but we keep entries since a new subscriber
	// (e.g. a freshly pooled backend) still needs the full stream.
}

// Len reports the number of recorded entries, for diagnostics and tests.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
