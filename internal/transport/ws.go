package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tacmap/collab/internal/session"
)

const (
	// DefaultDrainInterval is how often a connection's writer empties its
	// participant's delivery queue. Cursor coalescing upstream means a
	// shorter interval buys latency without multiplying frames.
	DefaultDrainInterval = 50 * time.Millisecond

	writeTimeout = 10 * time.Second

	pingInterval = 30 * time.Second
)

// Hub upgrades websocket connections and runs one reader and one writer
// goroutine per connected participant.
//
// The reader converts inbound wire envelopes into typed updates and pushes
// them through the engine's single entry point; the writer drains the
// participant's delivery queue on a timer. A write failure closes the
// connection and leaves the session - the participant ghosts and can
// reconnect without losing queued state.
type Hub struct {
	engine        Engine
	log           *slog.Logger
	drainInterval time.Duration
	upgrader      websocket.Upgrader
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithDrainInterval overrides the delivery poll period (tests).
func WithDrainInterval(d time.Duration) HubOption {
	return func(h *Hub) { h.drainInterval = d }
}

// NewHub creates a Hub over the given engine.
func NewHub(engine Engine, log *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		engine:        engine,
		log:           log.With("component", "ws"),
		drainInterval: DefaultDrainInterval,
		upgrader: websocket.Upgrader{
			// Origin policy is enforced by the deployment's proxy layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP handles GET /ws?sessionId=&userId=&name=&role=.
// Joining happens before the upgrade so capacity rejections surface as
// plain HTTP errors the client can read.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	userID := q.Get("userId")
	if sessionID == "" || userID == "" {
		http.Error(w, "sessionId and userId are required", http.StatusBadRequest)
		return
	}

	req := session.JoinRequest{
		ID:   userID,
		Name: q.Get("name"),
		Role: session.ParseRole(q.Get("role")),
	}
	if _, err := h.engine.JoinSession(sessionID, req); err != nil {
		status := http.StatusInternalServerError
		switch {
		case session.IsSessionNotFound(err):
			status = http.StatusNotFound
		case session.IsSessionFull(err):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		_ = h.engine.LeaveSession(sessionID, userID)
		return
	}

	h.log.Info("participant connected", "session", sessionID, "participant", userID)

	done := make(chan struct{})
	go h.writeLoop(conn, sessionID, userID, done)
	h.readLoop(conn, sessionID, userID)

	close(done)
	conn.Close()
	_ = h.engine.LeaveSession(sessionID, userID)
	h.log.Info("participant disconnected", "session", sessionID, "participant", userID)
}

// readLoop consumes inbound envelopes until the connection drops.
// Malformed envelopes are logged and skipped; they never end the session
// or the connection.
func (h *Hub) readLoop(conn *websocket.Conn, sessionID, userID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var u session.MapUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			h.log.Warn("malformed update dropped",
				"session", sessionID,
				"participant", userID,
				"error", err,
			)
			continue
		}

		// The connection is authoritative for identity: a client cannot
		// speak for another user or another session.
		u.SessionID = sessionID
		u.UserID = userID

		if err := h.engine.Submit(&u); err != nil {
			h.log.Warn("update rejected",
				"session", sessionID,
				"participant", userID,
				"type", u.Type,
				"error", err,
			)
		}
	}
}

// writeLoop drains the participant's delivery queue on a timer and writes
// one frame per update. Errors close the connection; the reader then
// unwinds and the participant ghosts.
func (h *Hub) writeLoop(conn *websocket.Conn, sessionID, userID string, done <-chan struct{}) {
	drain := time.NewTicker(h.drainInterval)
	ping := time.NewTicker(pingInterval)
	defer drain.Stop()
	defer ping.Stop()

	for {
		select {
		case <-done:
			return

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-drain.C:
			updates := h.engine.Drain(sessionID, userID)
			for _, u := range updates {
				frame, err := json.Marshal(Frame{To: userID, MapUpdate: u})
				if err != nil {
					h.log.Error("frame encode failed", "error", err)
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					h.log.Warn("delivery failed, closing connection",
						"session", sessionID,
						"participant", userID,
						"error", err,
					)
					conn.Close()
					return
				}
			}
		}
	}
}
