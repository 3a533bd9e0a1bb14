package session

import (
	"sync"
	"time"
)

// ThrottlePolicy decides whether a newly broadcast update is appended to a
// delivery queue, coalesced into a pending entry, or triggers a trim.
// One policy value is shared by every queue in a session; it is immutable
// after construction, so sharing is safe.
type ThrottlePolicy struct {
	// CoalesceInterval is the window within which a cursor_moved update
	// replaces a pending cursor_moved from the same user instead of
	// appending. Bounds presence volume under high-frequency mouse motion.
	CoalesceInterval time.Duration

	// HardCap is the queue length that triggers a trim.
	HardCap int

	// TrimTo is the number of most-recent entries retained by a trim.
	// The tail is kept, never the head: stale chatter is droppable,
	// the latest state is not.
	TrimTo int
}

// DefaultThrottlePolicy returns the reference policy: 100ms coalescing,
// trim to the newest 50 once length exceeds 100.
func DefaultThrottlePolicy() ThrottlePolicy {
	return ThrottlePolicy{
		CoalesceInterval: 100 * time.Millisecond,
		HardCap:          100,
		TrimTo:           50,
	}
}

// queued is one pending delivery plus its enqueue instant, which anchors
// the coalescing window.
type queued struct {
	update     *MapUpdate
	enqueuedAt time.Time
}

// deliveryQueue is the bounded, ordered buffer of updates awaiting delivery
// to one participant.
//
// Thread-safety: enqueue runs on the session goroutine while Drain is called
// by the transport's delivery loop, so the queue carries its own mutex.
// Both operations are O(1) amortized; a stalled consumer can never block
// the session loop or other participants.
type deliveryQueue struct {
	mu      sync.Mutex
	entries []queued
	policy  ThrottlePolicy

	// lifetime counters, reported in session stats
	coalesced int64
	trimmed   int64
}

func newDeliveryQueue(policy ThrottlePolicy) *deliveryQueue {
	return &deliveryQueue{
		entries: make([]queued, 0, 16),
		policy:  policy,
	}
}

// Enqueue appends an update, unless the throttle policy coalesces it into
// the pending entry it supersedes.
//
// Coalescing rule: a cursor_moved update replaces the most recently queued
// update from the same user when that entry is also cursor_moved and was
// enqueued less than CoalesceInterval ago. The replacement happens in place,
// keeping the original enqueue instant, so a user produces at most one
// retained cursor frame per interval regardless of input rate. Non-cursor
// updates are never coalesced.
//
// Capacity rule: once length exceeds HardCap the queue is cut to its TrimTo
// newest entries, oldest discarded first.
func (q *deliveryQueue) Enqueue(u *MapUpdate, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if u.Type == UpdateCursorMoved {
		for i := len(q.entries) - 1; i >= 0; i-- {
			e := q.entries[i]
			if e.update.UserID != u.UserID {
				continue
			}
			if e.update.Type == UpdateCursorMoved && now.Sub(e.enqueuedAt) < q.policy.CoalesceInterval {
				q.entries[i].update = u
				q.coalesced++
				return
			}
			// Most recent entry from this user is not coalescable.
			break
		}
	}

	q.entries = append(q.entries, queued{update: u, enqueuedAt: now})

	if len(q.entries) > q.policy.HardCap {
		keep := q.policy.TrimTo
		if keep > len(q.entries) {
			keep = len(q.entries)
		}
		q.trimmed += int64(len(q.entries) - keep)
		tail := make([]queued, keep)
		copy(tail, q.entries[len(q.entries)-keep:])
		q.entries = tail
	}
}

// Drain atomically removes and returns all queued updates in delivery order.
// Returns nil when the queue is empty. Safe to call concurrently with Enqueue.
func (q *deliveryQueue) Drain() []*MapUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return nil
	}
	out := make([]*MapUpdate, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.update
	}
	// Reset keeping capacity; entries are overwritten before reuse but the
	// update pointers must be released for GC.
	for i := range q.entries {
		q.entries[i] = queued{}
	}
	q.entries = q.entries[:0]
	return out
}

// Len returns the current queue length.
func (q *deliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Counters returns the lifetime coalesce and trim counts.
func (q *deliveryQueue) Counters() (coalesced, trimmed int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coalesced, q.trimmed
}
