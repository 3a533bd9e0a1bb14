package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxParticipants caps a session's active membership unless the
// creator overrides it.
const DefaultMaxParticipants = 50

const (
	// DefaultGhostTimeout is how long a departed participant's record and
	// pending queue survive awaiting a reconnect.
	DefaultGhostTimeout = 2 * time.Minute

	// DefaultIdleRetention is how long a session with no active
	// participants is kept before the reaper removes it.
	DefaultIdleRetention = 5 * time.Minute

	// DefaultSweepInterval is the reaper's period. Teardown is time-driven,
	// not request-driven, so idle sessions cannot linger indefinitely.
	DefaultSweepInterval = 30 * time.Second
)

// Config carries session creation parameters from the control API.
// Pointer fields are tri-state: nil means "use the default".
type Config struct {
	Name        string
	CreatedBy   string
	CreatorName string
	CreatorRole Role

	AllowAnnotations *bool
	AllowEditing     *bool
	RequireApproval  bool
	MaxParticipants  *int
}

// settings resolves the creation defaults: annotations and editing allowed
// unless explicitly disabled, DefaultMaxParticipants capacity.
func (c Config) settings() Settings {
	s := Settings{
		AllowAnnotations: true,
		AllowEditing:     true,
		RequireApproval:  c.RequireApproval,
		MaxParticipants:  DefaultMaxParticipants,
	}
	if c.AllowAnnotations != nil {
		s.AllowAnnotations = *c.AllowAnnotations
	}
	if c.AllowEditing != nil {
		s.AllowEditing = *c.AllowEditing
	}
	if c.MaxParticipants != nil {
		s.MaxParticipants = *c.MaxParticipants
	}
	return s
}

// Manager owns the set of live sessions: creation, lookup, join/leave
// routing, and the reaper that tears down idle sessions.
//
// Each session runs its own goroutine; the Manager only guards the id to
// session table, so unrelated sessions never contend.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*managed

	idgen         IDGenerator
	policy        ThrottlePolicy
	maxDefault    int
	ghostTimeout  time.Duration
	idleRetention time.Duration
	sweepInterval time.Duration
	persist       Persister
	log           *slog.Logger
	now           func() time.Time

	// root context for session loops, set by Run
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// managed pairs a session with the cancel func for its loop goroutine and a
// done channel closed when that goroutine exits.
type managed struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIDGenerator overrides the session id generator (tests use
// FixedGenerator for deterministic ids).
func WithIDGenerator(g IDGenerator) ManagerOption {
	return func(m *Manager) { m.idgen = g }
}

// WithThrottlePolicy overrides the delivery queue policy for new sessions.
func WithThrottlePolicy(p ThrottlePolicy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithMaxParticipants overrides the default capacity applied to sessions
// created without an explicit maxParticipants.
func WithMaxParticipants(n int) ManagerOption {
	return func(m *Manager) { m.maxDefault = n }
}

// WithGhostTimeout overrides the ghost retention window.
func WithGhostTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.ghostTimeout = d }
}

// WithIdleRetention overrides how long all-inactive sessions are retained.
func WithIdleRetention(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleRetention = d }
}

// WithSweepInterval overrides the reaper period.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithPersister wires the durable feature store hand-off.
func WithPersister(p Persister) ManagerOption {
	return func(m *Manager) { m.persist = p }
}

// WithClockFunc overrides the wall clock (tests).
func WithClockFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the base logger; sessions derive their own from it.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager with default policy and no live sessions.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:      make(map[string]*managed),
		idgen:         UUIDv7Generator{},
		policy:        DefaultThrottlePolicy(),
		maxDefault:    DefaultMaxParticipants,
		ghostTimeout:  DefaultGhostTimeout,
		idleRetention: DefaultIdleRetention,
		sweepInterval: DefaultSweepInterval,
		persist:       NopPersister{},
		log:           slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the reaper sweep and blocks until ctx is cancelled, then stops
// every session loop and waits for them to exit.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.log.Info("session manager starting",
		"ghost_timeout", m.ghostTimeout,
		"idle_retention", m.idleRetention,
		"sweep_interval", m.sweepInterval,
	)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("session manager stopping")
			m.stopAll()
			m.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			m.reap()
		}
	}
}

// CreateSession allocates a session, registers the creator as its first
// active participant, and starts its loop goroutine.
func (m *Manager) CreateSession(cfg Config) (Snapshot, error) {
	if cfg.MaxParticipants == nil {
		capacity := m.maxDefault
		cfg.MaxParticipants = &capacity
	}
	settings, err := validateConfig(&cfg)
	if err != nil {
		return Snapshot{}, err
	}

	id := m.idgen.Generate()
	s := newSession(id, cfg, settings, m.policy, m.ghostTimeout, m.persist, m.log, m.now)

	m.mu.Lock()
	parent := m.runCtx
	if parent == nil {
		// Manager.Run not started yet (tests, or startup ordering):
		// sessions still get a cancellable context.
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	m.sessions[id] = &managed{session: s, cancel: cancel, done: done}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		_ = s.Run(ctx)
	}()

	m.persist.RecordSession(id, cfg.Name, cfg.CreatedBy, s.CreatedAt)
	m.log.Info("session created", "session", id, "name", cfg.Name, "created_by", cfg.CreatedBy)
	return s.Snapshot(), nil
}

// JoinSession adds or reactivates a participant in a session.
func (m *Manager) JoinSession(sessionID string, req JoinRequest) (Snapshot, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.Join(req); err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// LeaveSession marks a participant inactive; their record ghosts until the
// reaper purges it.
func (m *Manager) LeaveSession(sessionID, participantID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.Leave(participantID)
}

// UpdateCursor records and broadcasts a participant's pointer position.
func (m *Manager) UpdateCursor(sessionID, participantID string, c Cursor) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.MoveCursor(participantID, c)
}

// UpdateMedia records a participant's media toggles.
func (m *Manager) UpdateMedia(sessionID, participantID string, ms MediaState) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.SetMedia(participantID, ms)
}

// Submit routes one validated inbound update to its session.
func (m *Manager) Submit(u *MapUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s, err := m.lookup(u.SessionID)
	if err != nil {
		return err
	}
	return s.Submit(u)
}

// GetSession returns a snapshot of one session, or SessionNotFound.
func (m *Manager) GetSession(sessionID string) (Snapshot, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// ListSessions snapshots every live session.
func (m *Manager) ListSessions() []Snapshot {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, h := range m.sessions {
		live = append(live, h.session)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	return out
}

// Drain empties one participant's delivery queue for transport hand-off.
// Unknown sessions or participants drain to nil.
func (m *Manager) Drain(sessionID, participantID string) []*MapUpdate {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil
	}
	return s.Drain(participantID)
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.RLock()
	h, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, NewSessionNotFound(sessionID)
	}
	return h.session, nil
}

// reap runs one sweep: every session purges expired ghosts, and sessions
// whose participants have all been inactive past the retention window are
// stopped and removed, releasing their queues and version tokens.
func (m *Manager) reap() {
	m.mu.RLock()
	candidates := make(map[string]*managed, len(m.sessions))
	for id, h := range m.sessions {
		candidates[id] = h
	}
	m.mu.RUnlock()

	now := m.now()
	for id, h := range candidates {
		info := h.session.sweep()
		if info.anyActive {
			continue
		}
		lastSeen := h.session.CreatedAt
		if info.lastSeen > 0 {
			lastSeen = time.UnixMilli(info.lastSeen)
		}
		if now.Sub(lastSeen) < m.idleRetention {
			continue
		}

		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()

		h.session.Stop()
		h.cancel()
		// The loop goroutine owns the resolver; wait for it to exit before
		// releasing the token table so the shutdown drain never races it.
		<-h.done
		h.session.res.releaseAll()
		m.persist.RecordSessionEnd(id, now)
		m.log.Info("idle session reaped", "session", id, "idle_since", lastSeen)
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	for id, h := range m.sessions {
		h.session.Stop()
		h.cancel()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

// validateConfig normalizes creation parameters, resolves setting defaults,
// and rejects malformed input before anything is allocated.
func validateConfig(cfg *Config) (Settings, error) {
	if cfg.Name == "" {
		return Settings{}, NewInvalidConfig("session name is required")
	}
	if cfg.CreatedBy == "" {
		return Settings{}, NewInvalidConfig("createdBy is required")
	}
	if cfg.CreatorRole == "" {
		cfg.CreatorRole = RoleAdmin
	} else {
		cfg.CreatorRole = ParseRole(string(cfg.CreatorRole))
	}
	settings := cfg.settings()
	if settings.MaxParticipants < 1 {
		return Settings{}, NewInvalidConfig("maxParticipants must be at least 1")
	}
	return settings, nil
}
