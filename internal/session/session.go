package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Settings are the per-session collaboration rules, fixed at creation.
type Settings struct {
	AllowAnnotations bool `json:"allowAnnotations"`
	AllowEditing     bool `json:"allowEditing"`
	RequireApproval  bool `json:"requireApproval"`
	MaxParticipants  int  `json:"maxParticipants"`
}

// JoinRequest identifies the user asking to enter a session.
type JoinRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Stats are a session's lifetime counters, surfaced through Snapshot.
type Stats struct {
	UpdatesAccepted int64 `json:"updatesAccepted"`
	Conflicts       int64 `json:"conflicts"`
	Duplicates      int64 `json:"duplicates"`
	Dropped         int64 `json:"dropped"`
	Coalesced       int64 `json:"coalesced"`
	Trimmed         int64 `json:"trimmed"`
}

// Snapshot is a point-in-time, caller-owned copy of a session's public state.
type Snapshot struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	CreatedBy          string        `json:"createdBy"`
	CreatedAt          time.Time     `json:"createdAt"`
	Settings           Settings      `json:"settings"`
	Participants       []Participant `json:"participants"`
	ActiveParticipants int           `json:"activeParticipants"`
	TotalParticipants  int           `json:"totalParticipants"`
	Stats              Stats         `json:"stats"`
}

// Persister receives accepted mutating updates for durable storage, plus
// session lifecycle audit stamps.
//
// Calls happen on the session goroutine and must not block: implementations
// hand off to their own writer and report failures out-of-band. A
// persistence failure never stalls or unwinds broadcast.
type Persister interface {
	PersistUpdate(u *MapUpdate, conflictResolved bool)
	RecordSession(id, name, createdBy string, createdAt time.Time)
	RecordSessionEnd(id string, endedAt time.Time)
}

// NopPersister discards everything. Used when running without a store.
type NopPersister struct{}

func (NopPersister) PersistUpdate(*MapUpdate, bool)            {}
func (NopPersister) RecordSession(_, _, _ string, _ time.Time) {}
func (NopPersister) RecordSessionEnd(_ string, _ time.Time)    {}

// Session is one collaboration room: its participants, their delivery
// queues, and the conflict-resolution state for features edited in it.
//
// All mutation is serialized through the Run loop goroutine; exported
// methods post to the mailbox and wait for the loop's reply. The two
// exceptions are Drain and Snapshot reads on the registry, which take the
// registry's read lock so the transport's delivery loop never queues behind
// session work.
type Session struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
	Settings  Settings

	mbox         *mailbox
	reg          *registry
	res          *resolver
	clock        *Clock
	policy       ThrottlePolicy
	ghostTimeout time.Duration
	log          *slog.Logger

	persist Persister
	now     func() time.Time

	accepted   atomic.Int64
	conflicts  atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

// newSession constructs a session with its creator already registered as
// the first active participant. The Run loop still has to be started.
func newSession(id string, cfg Config, settings Settings, policy ThrottlePolicy, ghostTimeout time.Duration, persist Persister, log *slog.Logger, now func() time.Time) *Session {
	s := &Session{
		ID:           id,
		Name:         cfg.Name,
		CreatedBy:    cfg.CreatedBy,
		CreatedAt:    now(),
		Settings:     settings,
		mbox:         newMailbox(),
		reg:          newRegistry(),
		res:          newResolver(),
		clock:        NewClock(),
		policy:       policy,
		ghostTimeout: ghostTimeout,
		log:          log.With("session", id),
		persist:      persist,
		now:          now,
	}
	s.reg.insert(cfg.CreatedBy, cfg.CreatorName, cfg.CreatorRole, policy, s.CreatedAt)
	return s
}

// Run drives the session loop until ctx is cancelled or Stop is called.
//
// Must be called from exactly one goroutine. All registry mutation,
// conflict arbitration, and fan-out happen here; a malformed or rejected
// message is answered and logged, never allowed to end the loop.
func (s *Session) Run(ctx context.Context) error {
	s.log.Debug("session loop starting", "name", s.Name)

	for {
		msg, ok := s.mbox.TryTake()
		if ok {
			s.dispatch(msg)
			continue
		}

		select {
		case <-ctx.Done():
			s.mbox.Close()
			s.drainPending()
			s.log.Debug("session loop stopping: context cancelled")
			return ctx.Err()

		case <-s.mbox.Wait():
			// The signal channel is a hint, not an accounting of messages:
			// a signal buffered before a TryTake fast-path drain can fire
			// with the mailbox empty but still open. Only a closed AND
			// empty mailbox ends the loop; anything else loops back to
			// TryTake.
			if s.mbox.Closed() && s.mbox.Len() == 0 {
				s.log.Debug("session loop stopping: mailbox closed")
				return nil
			}
		}
	}
}

// Stop closes the mailbox; pending messages are still processed before the
// loop exits. Callers blocked on a reply after close receive
// SessionNotFound from the posting helpers.
func (s *Session) Stop() {
	s.mbox.Close()
}

// drainPending answers every message still queued after close so no caller
// is left blocked on a reply channel.
func (s *Session) drainPending() {
	for {
		msg, ok := s.mbox.TryTake()
		if !ok {
			return
		}
		s.dispatch(msg)
	}
}

// Join adds or reactivates a participant. Rejoin before the ghost timeout
// resumes the same record with its pending delivery queue intact.
func (s *Session) Join(req JoinRequest) error {
	errCh := make(chan error, 1)
	if !s.mbox.Put(message{kind: msgJoin, user: req, errCh: errCh}) {
		return NewSessionNotFound(s.ID)
	}
	return <-errCh
}

// Leave marks a participant inactive and stamps the departure. The record
// ghosts until the reaper's sweep purges it. Unknown ids are a no-op.
func (s *Session) Leave(userID string) error {
	errCh := make(chan error, 1)
	if !s.mbox.Put(message{kind: msgLeave, userID: userID, errCh: errCh}) {
		return NewSessionNotFound(s.ID)
	}
	return <-errCh
}

// MoveCursor records a participant's pointer position and broadcasts it.
func (s *Session) MoveCursor(userID string, c Cursor) error {
	errCh := make(chan error, 1)
	if !s.mbox.Put(message{kind: msgCursor, userID: userID, cursor: c, errCh: errCh}) {
		return NewSessionNotFound(s.ID)
	}
	return <-errCh
}

// SetMedia records a participant's audio/video/screen-share state.
func (s *Session) SetMedia(userID string, m MediaState) error {
	errCh := make(chan error, 1)
	if !s.mbox.Put(message{kind: msgMedia, userID: userID, media: m, errCh: errCh}) {
		return NewSessionNotFound(s.ID)
	}
	return <-errCh
}

// Submit routes one inbound update through conflict resolution and fan-out.
// The originator (update.UserID) is excluded from the broadcast.
func (s *Session) Submit(u *MapUpdate) error {
	errCh := make(chan error, 1)
	if !s.mbox.Put(message{kind: msgUpdate, update: u, origin: u.UserID, errCh: errCh}) {
		return NewSessionNotFound(s.ID)
	}
	return <-errCh
}

// Drain empties one participant's delivery queue in delivery order.
// Called by the transport loop; safe concurrently with the session loop.
func (s *Session) Drain(participantID string) []*MapUpdate {
	q := s.reg.queueOf(participantID)
	if q == nil {
		return nil
	}
	return q.Drain()
}

// Snapshot returns a caller-owned copy of the session's public state.
func (s *Session) Snapshot() Snapshot {
	snapCh := make(chan Snapshot, 1)
	if s.mbox.Put(message{kind: msgSnapshot, snapCh: snapCh}) {
		return <-snapCh
	}
	// Session stopped: serve the snapshot directly off the registry.
	return s.buildSnapshot()
}

// sweep purges expired ghosts and reports idleness. Called by the manager's
// reaper on its timer, serialized through the loop like any other mutation.
func (s *Session) sweep() idleInfo {
	idleCh := make(chan idleInfo, 1)
	if !s.mbox.Put(message{kind: msgSweep, idleCh: idleCh}) {
		last, anyActive := s.reg.lastActivity()
		info := idleInfo{anyActive: anyActive}
		if !last.IsZero() {
			info.lastSeen = last.UnixMilli()
		}
		return info
	}
	return <-idleCh
}

// dispatch handles one mailbox message on the loop goroutine.
func (s *Session) dispatch(msg message) {
	switch msg.kind {
	case msgUpdate:
		msg.errCh <- s.handleUpdate(msg.update, msg.origin)
	case msgJoin:
		msg.errCh <- s.handleJoin(msg.user)
	case msgLeave:
		msg.errCh <- s.handleLeave(msg.userID)
	case msgCursor:
		msg.errCh <- s.handleCursor(msg.userID, msg.cursor)
	case msgMedia:
		msg.errCh <- s.handleMedia(msg.userID, msg.media)
	case msgSweep:
		msg.idleCh <- s.handleSweep()
	case msgSnapshot:
		msg.snapCh <- s.buildSnapshot()
	}
}

func (s *Session) handleJoin(req JoinRequest) error {
	now := s.now()

	if p, ok := s.reg.get(req.ID); ok {
		// Known participant, possibly a ghost: reactivate in place so the
		// pending delivery queue survives the reconnect.
		s.reg.reactivate(p, req.Name, req.Role, now)
		s.log.Info("participant rejoined", "participant", req.ID, "role", req.Role)
	} else {
		if s.reg.activeCount() >= s.Settings.MaxParticipants {
			return NewSessionFull(s.ID, s.Settings.MaxParticipants)
		}
		s.reg.insert(req.ID, req.Name, req.Role, s.policy, now)
		s.log.Info("participant joined", "participant", req.ID, "role", req.Role)
	}

	s.broadcast(&MapUpdate{
		Type:      UpdateParticipantJoined,
		Data:      map[string]any{"id": req.ID, "displayName": req.Name, "role": string(req.Role)},
		UserID:    req.ID,
		UserName:  req.Name,
		Timestamp: now.UnixMilli(),
		SessionID: s.ID,
	}, req.ID)
	return nil
}

func (s *Session) handleLeave(userID string) error {
	p, ok := s.reg.get(userID)
	if !ok || !p.IsActive {
		return nil
	}
	now := s.now()
	s.reg.markLeft(p, now)
	s.log.Info("participant left", "participant", userID)

	s.broadcast(&MapUpdate{
		Type:      UpdateParticipantLeft,
		Data:      map[string]any{"id": userID},
		UserID:    userID,
		Timestamp: now.UnixMilli(),
		SessionID: s.ID,
	}, userID)
	return nil
}

func (s *Session) handleCursor(userID string, c Cursor) error {
	p, ok := s.reg.get(userID)
	if !ok {
		return NewSessionNotFound(s.ID)
	}
	s.reg.setCursor(p, c)

	s.broadcast(&MapUpdate{
		Type:      UpdateCursorMoved,
		Data:      map[string]any{"x": c.X, "y": c.Y, "lat": c.Lat, "lng": c.Lng},
		UserID:    userID,
		UserName:  p.DisplayName,
		Timestamp: s.now().UnixMilli(),
		SessionID: s.ID,
	}, userID)
	return nil
}

func (s *Session) handleMedia(userID string, m MediaState) error {
	p, ok := s.reg.get(userID)
	if !ok {
		return NewSessionNotFound(s.ID)
	}
	s.reg.setMedia(p, m)
	return nil
}

// handleUpdate routes one update through policy checks, conflict
// resolution, fan-out, and the persistence hand-off.
func (s *Session) handleUpdate(u *MapUpdate, origin string) error {
	if _, ok := s.reg.get(origin); !ok {
		// Unknown producers are dropped, not fatal: a late event from a
		// purged ghost must not end the session.
		s.dropped.Add(1)
		s.log.Warn("update from unknown participant dropped", "participant", origin, "type", u.Type)
		return nil
	}
	if err := s.allowed(u); err != nil {
		s.dropped.Add(1)
		s.log.Warn("update rejected by session settings", "participant", origin, "type", u.Type)
		return err
	}

	if !u.Type.Mutating() {
		if u.Type == UpdateCursorMoved {
			if p, ok := s.reg.get(origin); ok {
				s.reg.setCursor(p, cursorFromData(u.Data))
			}
		}
		u.Seq = s.clock.Next()
		s.accepted.Add(1)
		s.broadcast(u, origin)
		return nil
	}

	res := s.res.Resolve(u, s.now())
	switch res.Verdict {
	case VerdictAccepted:
		u.Seq = s.clock.Next()
		s.accepted.Add(1)
		s.broadcast(u, origin)
		s.persist.PersistUpdate(u, false)

	case VerdictDuplicate:
		s.duplicates.Add(1)
		s.log.Debug("duplicate update ignored", "participant", origin, "feature", u.FeatureID())

	case VerdictStaleDelete:
		s.dropped.Add(1)
		s.log.Debug("update for deleted feature dropped", "participant", origin, "feature", u.FeatureID())

	case VerdictConflict:
		s.conflicts.Add(1)
		resolved := res.Resolved
		resolved.Seq = s.clock.Next()
		s.log.Info("conflict resolved",
			"feature", u.FeatureID(),
			"loser", u.UserID,
			"method", resolutionMethod(resolved),
		)
		// Everybody converges on the resolved state, the losing submitter
		// included, so the rebroadcast excludes no one.
		s.broadcast(resolved, "")
		s.persist.PersistUpdate(resolved, true)
	}
	return nil
}

// cursorFromData reads a pointer position out of a cursor_moved payload.
// Missing coordinates decode as zero; JSON numbers arrive as float64.
func cursorFromData(data map[string]any) Cursor {
	num := func(key string) float64 {
		if v, ok := data[key].(float64); ok {
			return v
		}
		return 0
	}
	return Cursor{X: num("x"), Y: num("y"), Lat: num("lat"), Lng: num("lng")}
}

// allowed enforces the session's editing toggles against mutating updates.
func (s *Session) allowed(u *MapUpdate) error {
	switch u.Type.FeatureKind() {
	case "annotation":
		if !s.Settings.AllowAnnotations {
			return NewMalformedUpdate("annotations are disabled for this session")
		}
	case "marker", "geofence":
		if !s.Settings.AllowEditing {
			return NewMalformedUpdate("editing is disabled for this session")
		}
	}
	return nil
}

// broadcast fans one update into every participant's delivery queue except
// the originator's. Ghosts receive updates too; their queues are what a
// reconnect resumes. Enqueue is O(1) amortized and capacity-bounded, so a
// stalled consumer cannot stall the loop.
func (s *Session) broadcast(u *MapUpdate, excludeID string) {
	now := s.now()
	s.reg.each(func(p *Participant) {
		if p.ID == excludeID {
			return
		}
		p.queue.Enqueue(u, now)
	})
}

func (s *Session) handleSweep() idleInfo {
	removed := s.reg.purgeGhosts(s.now(), s.ghostTimeout)
	for _, id := range removed {
		s.log.Info("ghost participant purged", "participant", id)
	}
	last, anyActive := s.reg.lastActivity()
	info := idleInfo{anyActive: anyActive}
	if !last.IsZero() {
		info.lastSeen = last.UnixMilli()
	}
	return info
}

func (s *Session) buildSnapshot() Snapshot {
	var coalesced, trimmed int64
	s.reg.each(func(p *Participant) {
		c, t := p.queue.Counters()
		coalesced += c
		trimmed += t
	})
	return Snapshot{
		ID:                 s.ID,
		Name:               s.Name,
		CreatedBy:          s.CreatedBy,
		CreatedAt:          s.CreatedAt,
		Settings:           s.Settings,
		Participants:       s.reg.snapshotParticipants(),
		ActiveParticipants: s.reg.activeCount(),
		TotalParticipants:  s.reg.totalCount(),
		Stats: Stats{
			UpdatesAccepted: s.accepted.Load(),
			Conflicts:       s.conflicts.Load(),
			Duplicates:      s.duplicates.Load(),
			Dropped:         s.dropped.Load(),
			Coalesced:       coalesced,
			Trimmed:         trimmed,
		},
	}
}
