package session

import (
	"sync"
)

// msgKind distinguishes mailbox message types.
type msgKind int

const (
	msgUpdate msgKind = iota + 1
	msgJoin
	msgLeave
	msgCursor
	msgMedia
	msgSweep
	msgSnapshot
)

// message is one unit of work for a session loop. Control messages carry a
// reply channel; the loop always answers exactly once, so senders can block
// on the reply without a timeout.
type message struct {
	kind msgKind

	update *MapUpdate // msgUpdate
	origin string     // originating participant id, excluded from broadcast

	user   JoinRequest   // msgJoin
	userID string        // msgLeave, msgCursor, msgMedia
	cursor Cursor        // msgCursor
	media  MediaState    // msgMedia
	errCh  chan error    // msgJoin, msgLeave, msgCursor, msgMedia, msgUpdate
	snapCh chan Snapshot // msgSnapshot
	idleCh chan idleInfo // msgSweep
}

// idleInfo is the sweep reply: whether the session still has active
// participants and when it last saw join/leave activity.
type idleInfo struct {
	anyActive bool
	lastSeen  int64 // ms epoch; zero when the session never had activity
}

// mailbox is the thread-safe FIFO feeding one session loop.
//
// Unbounded: join/leave/cursor traffic is small and per-participant fan-out
// pressure is absorbed by the bounded delivery queues downstream, not here.
//
// The signal channel enables context-aware waiting in the run loop; a
// buffer of one coalesces back-to-back signals.
type mailbox struct {
	mu     sync.Mutex
	msgs   []message
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		msgs:   make([]message, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Put adds a message to the back of the mailbox.
// Thread-safe: may be called from any goroutine.
// Returns false if the mailbox is closed (session stopped).
func (m *mailbox) Put(msg message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.msgs = append(m.msgs, msg)

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// TryTake attempts to dequeue without blocking.
// Returns (message{}, false) if the mailbox is empty.
func (m *mailbox) TryTake() (message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.msgs) == 0 {
		return message{}, false
	}
	msg := m.msgs[0]

	// Nil out the slot so the message's pointers are collectable even
	// while the backing array sticks around.
	m.msgs[0] = message{}
	if len(m.msgs) == 1 {
		m.msgs = m.msgs[:0]
	} else {
		m.msgs = m.msgs[1:]
	}
	return msg, true
}

// Wait returns a channel that signals when messages may be available.
// Use with select alongside ctx.Done().
func (m *mailbox) Wait() <-chan struct{} {
	return m.signal
}

// Len returns the current mailbox depth.
func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// Closed reports whether the mailbox has been closed.
func (m *mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the mailbox closed and wakes all waiters.
// Messages already queued are still drained by the loop before it exits.
func (m *mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
