// Package transport carries update envelopes between the session engine and
// connected clients. The engine never blocks on a socket: it fills bounded
// delivery queues, and this package's per-connection loops drain them.
package transport

import (
	"github.com/tacmap/collab/internal/session"
)

// Engine is the slice of the session manager the transport drives.
// Narrowed to an interface so connection tests run against a fake.
// Cursor movement arrives as cursor_moved envelopes through Submit, so the
// transport never needs the control API's dedicated cursor entry point.
type Engine interface {
	JoinSession(sessionID string, req session.JoinRequest) (session.Snapshot, error)
	LeaveSession(sessionID, participantID string) error
	Submit(u *session.MapUpdate) error
	Drain(sessionID, participantID string) []*session.MapUpdate
}

// Frame is one outbound wire message: the update envelope tagged with the
// destination participant id.
type Frame struct {
	To string `json:"to"`
	*session.MapUpdate
}
