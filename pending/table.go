// Package pending implements the correlation-table based waiter map used by
// the client dispatch engine (SPEC_FULL.md §4.4).
package pending

import (
	"sync"
	"time"
)

// StreamSink receives streamed values and terminal signals for a pending
// streaming call (§6 "stream sink (exposed)").
type StreamSink interface {
	OnNext(value []byte)
	OnError(err error)
	OnComplete()
}

// Completer is a one-shot sink for a unary call's outcome.
type Completer interface {
	Complete(value []byte)
	Fail(err error)
}

// Request is a PendingRequest (§3): the table's unit of bookkeeping,
// exclusively owned by the Table until removed.
type Request struct {
	CorrelationID uint64
	Service       string
	Completer     Completer  // nil for streaming calls
	Stream        StreamSink // nil for unary calls
	Deadline      time.Time
	CreatedAt     time.Time
}

func (r *Request) IsStreaming() bool { return r.Stream != nil }

// Table is a concurrent correlation_id -> Request map. At most one producer
// ever observes a given entry: the reply handler or the reaper, whichever
// removes it first (§4.4 invariant).
type Table struct {
	mu    sync.Mutex
	items map[uint64]*Request
}

// New builds an empty Table.
func New() *Table {
	return &Table{items: make(map[uint64]*Request)}
}

// Insert adds req, keyed by req.CorrelationID. It returns false if an entry
// already exists for that id (precondition violation, §4.4).
func (t *Table) Insert(req *Request) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.items[req.CorrelationID]; exists {
		return false
	}
	t.items[req.CorrelationID] = req
	return true
}

// Remove atomically removes and returns the entry for id, or nil if absent.
// Callers that get nil must drop their in-hand payload without signalling
// (idempotency under race, §4.4).
func (t *Table) Remove(id uint64) *Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.items[id]
	if !ok {
		return nil
	}
	delete(t.items, id)
	return req
}

// Peek returns the entry for id without removing it, for streaming
// RESPONSE frames that must keep the entry alive across multiple deliveries
// (§4.5 reply-poll task, "RESPONSE + streaming: deliver on_next; keep
// entry").
func (t *Table) Peek(id uint64) *Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items[id]
}

// Len reports the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// SweepExpired removes every entry whose deadline has passed as of now,
// returning them so the caller can complete each with Timeout outside the
// table's lock (§4.4).
func (t *Table) SweepExpired(now time.Time) []*Request {
	t.mu.Lock()
	var expired []*Request
	for id, req := range t.items {
		if !req.Deadline.After(now) {
			expired = append(expired, req)
			delete(t.items, id)
		}
	}
	t.mu.Unlock()
	return expired
}

// Drain removes and returns every pending entry, for client shutdown
// (§4.5): each is completed with Cancelled outside the table's lock.
func (t *Table) Drain() []*Request {
	t.mu.Lock()
	all := make([]*Request, 0, len(t.items))
	for id, req := range t.items {
		all = append(all, req)
		delete(t.items, id)
	}
	t.mu.Unlock()
	return all
}
