package chat

import (
	"sync"
	"time"

	"github.com/deskline/backend/internal/types"
)

// WaitingQueue holds customers who requested a human agent and could not be
// assigned immediately. Order is FIFO by enqueue time; a customer appears at
// most once. Removal and membership checks share one lock so two agents
// accepting the same customer cannot both succeed.
type WaitingQueue struct {
	mu      sync.Mutex
	entries []types.WaitingEntry
}

// NewWaitingQueue creates an empty queue
func NewWaitingQueue() *WaitingQueue {
	return &WaitingQueue{}
}

// Enqueue appends an entry unless the customer is already waiting. It
// returns the customer's 1-based position and whether a new entry was added.
func (q *WaitingQueue) Enqueue(entry types.WaitingEntry) (position int, added bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.CustomerID == entry.CustomerID {
			return i + 1, false
		}
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	q.entries = append(q.entries, entry)
	return len(q.entries), true
}

// DequeueNext removes and returns the head of the queue
func (q *WaitingQueue) DequeueNext() (types.WaitingEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return types.WaitingEntry{}, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}

// Remove deletes the entry for a customer regardless of position. Used on
// explicit acceptance and on customer disconnect; exactly one concurrent
// caller observes ok=true.
func (q *WaitingQueue) Remove(customerID string) (types.WaitingEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.CustomerID == customerID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e, true
		}
	}
	return types.WaitingEntry{}, false
}

// Restore reinserts an entry that was removed but could not be served,
// preserving FIFO order by enqueue time.
func (q *WaitingQueue) Restore(entry types.WaitingEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.CustomerID == entry.CustomerID {
			return
		}
		if entry.EnqueuedAt.Before(e.EnqueuedAt) {
			q.entries = append(q.entries[:i], append([]types.WaitingEntry{entry}, q.entries[i:]...)...)
			return
		}
	}
	q.entries = append(q.entries, entry)
}

// PositionsSnapshot returns the waiting entries in order, for broadcasting
// fresh positions after any mutation.
func (q *WaitingQueue) PositionsSnapshot() []types.WaitingEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]types.WaitingEntry, len(q.entries))
	copy(snapshot, q.entries)
	return snapshot
}

// Position returns the 1-based position of a customer, or 0 if not waiting
func (q *WaitingQueue) Position(customerID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.CustomerID == customerID {
			return i + 1
		}
	}
	return 0
}

// Len returns the number of waiting customers
func (q *WaitingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
