package session

import (
	"sync"
	"time"
)

// Role is a participant's capability level within a session.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleObserver Role = "observer"
)

// ParseRole normalizes a role string, defaulting unknown values to observer.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RoleOperator, RoleObserver:
		return Role(s)
	}
	return RoleObserver
}

// MediaState tracks a participant's audio/video/screen-share toggles.
type MediaState struct {
	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

// Cursor is a participant's last-seen pointer position, in both screen and
// geographic coordinates.
type Cursor struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Participant is one user's presence and state within a session.
//
// Mutation happens only on the session goroutine. A participant is created
// on first join, marked inactive on leave, and retained as a "ghost" for a
// grace window so a reconnect resumes the same record (and the same pending
// delivery queue) instead of starting fresh. Ghosts past the window are
// purged by the reaper sweep.
type Participant struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	Role        Role       `json:"role"`
	IsLocal     bool       `json:"isLocal"`
	Media       MediaState `json:"mediaState"`
	Cursor      *Cursor    `json:"cursor,omitempty"`
	IsActive    bool       `json:"isActive"`
	JoinedAt    time.Time  `json:"joinedAt"`
	LeftAt      *time.Time `json:"leftAt,omitempty"`

	queue *deliveryQueue
}

// registry is the participant state container for one session.
//
// Writes are serialized through the session goroutine; the read lock exists
// only so the transport's delivery loop can resolve a participant's queue
// and the manager can take presence snapshots without a mailbox round-trip.
type registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

func newRegistry() *registry {
	return &registry{participants: make(map[string]*Participant)}
}

// insert adds a brand-new active participant with a fresh delivery queue.
func (r *registry) insert(id, name string, role Role, policy ThrottlePolicy, now time.Time) *Participant {
	p := &Participant{
		ID:          id,
		DisplayName: name,
		Role:        role,
		IsActive:    true,
		JoinedAt:    now,
		queue:       newDeliveryQueue(policy),
	}
	r.mu.Lock()
	r.participants[id] = p
	r.mu.Unlock()
	return p
}

// reactivate revives a known (possibly ghosted) participant in place.
// The pending delivery queue survives, so a reconnecting user picks up the
// updates that accumulated while they were gone. Identity fields are
// last-writer-wins; no field is ever partially applied.
func (r *registry) reactivate(p *Participant, name string, role Role, now time.Time) {
	r.mu.Lock()
	p.DisplayName = name
	p.Role = role
	p.IsActive = true
	p.JoinedAt = now
	p.LeftAt = nil
	r.mu.Unlock()
}

// markLeft deactivates a participant and stamps the departure time.
// The record itself is not removed; see purgeGhosts.
func (r *registry) markLeft(p *Participant, now time.Time) {
	r.mu.Lock()
	p.IsActive = false
	t := now
	p.LeftAt = &t
	r.mu.Unlock()
}

// setCursor updates only the cursor field.
func (r *registry) setCursor(p *Participant, c Cursor) {
	r.mu.Lock()
	cc := c
	p.Cursor = &cc
	r.mu.Unlock()
}

// setMedia updates only the media state.
func (r *registry) setMedia(p *Participant, m MediaState) {
	r.mu.Lock()
	p.Media = m
	r.mu.Unlock()
}

// get returns the participant record for id, ghosts included.
func (r *registry) get(id string) (*Participant, bool) {
	r.mu.RLock()
	p, ok := r.participants[id]
	r.mu.RUnlock()
	return p, ok
}

// queueOf returns the delivery queue for id, or nil if unknown.
// Used by the transport delivery loop; the queue itself is self-locking.
func (r *registry) queueOf(id string) *deliveryQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.participants[id]; ok {
		return p.queue
	}
	return nil
}

// activeCount returns the number of currently active participants.
func (r *registry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.participants {
		if p.IsActive {
			n++
		}
	}
	return n
}

// totalCount returns all known participants, ghosts included.
func (r *registry) totalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// each calls fn for every participant. fn must not mutate.
func (r *registry) each(fn func(*Participant)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.participants {
		fn(p)
	}
}

// purgeGhosts removes inactive participants whose ghost window has elapsed,
// releasing their delivery queues. Returns the ids removed.
func (r *registry) purgeGhosts(now time.Time, ghostTimeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, p := range r.participants {
		if p.IsActive || p.LeftAt == nil {
			continue
		}
		if now.Sub(*p.LeftAt) >= ghostTimeout {
			delete(r.participants, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// lastActivity returns the most recent join or leave instant across all
// participants, and whether any participant is still active.
func (r *registry) lastActivity() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last time.Time
	anyActive := false
	for _, p := range r.participants {
		if p.IsActive {
			anyActive = true
		}
		if p.JoinedAt.After(last) {
			last = p.JoinedAt
		}
		if p.LeftAt != nil && p.LeftAt.After(last) {
			last = *p.LeftAt
		}
	}
	return last, anyActive
}

// snapshotParticipants returns deep copies of all participant records,
// suitable for handing across the API boundary.
func (r *registry) snapshotParticipants() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		cp := *p
		cp.queue = nil
		if p.Cursor != nil {
			c := *p.Cursor
			cp.Cursor = &c
		}
		if p.LeftAt != nil {
			t := *p.LeftAt
			cp.LeftAt = &t
		}
		out = append(out, cp)
	}
	return out
}
