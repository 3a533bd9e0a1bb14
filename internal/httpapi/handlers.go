package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tacmap/collab/internal/session"
)

// Engine is the slice of the session manager the control API drives.
type Engine interface {
	CreateSession(cfg session.Config) (session.Snapshot, error)
	JoinSession(sessionID string, req session.JoinRequest) (session.Snapshot, error)
	LeaveSession(sessionID, participantID string) error
	UpdateCursor(sessionID, participantID string, c session.Cursor) error
	GetSession(sessionID string) (session.Snapshot, error)
	ListSessions() []session.Snapshot
}

// API implements the control actions.
type API struct {
	engine Engine
	log    *slog.Logger
}

// actionRequest is the common POST body. Fields beyond "action" are only
// read by the action they belong to.
type actionRequest struct {
	Action string `json:"action"`

	// start_collaboration
	Name             string `json:"name"`
	CreatedBy        string `json:"createdBy"`
	CreatorName      string `json:"creatorName"`
	CreatorRole      string `json:"creatorRole"`
	AllowAnnotations *bool  `json:"allowAnnotations,omitempty"`
	AllowEditing     *bool  `json:"allowEditing,omitempty"`
	RequireApproval  bool   `json:"requireApproval,omitempty"`
	MaxParticipants  *int   `json:"maxParticipants,omitempty"`

	// join / leave / cursor
	SessionID string          `json:"sessionId"`
	User      *joinUser       `json:"user,omitempty"`
	UserID    string          `json:"userId"`
	Cursor    *session.Cursor `json:"cursor,omitempty"`
}

type joinUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// handleAction dispatches one control action from the request layer.
func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, session.NewMalformedUpdate("invalid JSON body"))
		return
	}

	switch req.Action {
	case "start_collaboration":
		a.startCollaboration(w, req)
	case "join_collaboration":
		a.joinCollaboration(w, req)
	case "leave_collaboration":
		a.leaveCollaboration(w, req)
	case "collaboration_cursor_update":
		a.cursorUpdate(w, req)
	default:
		a.writeError(w, session.NewMalformedUpdate("unknown action "+req.Action))
	}
}

func (a *API) startCollaboration(w http.ResponseWriter, req actionRequest) {
	snap, err := a.engine.CreateSession(session.Config{
		Name:             req.Name,
		CreatedBy:        req.CreatedBy,
		CreatorName:      req.CreatorName,
		CreatorRole:      session.ParseRole(req.CreatorRole),
		AllowAnnotations: req.AllowAnnotations,
		AllowEditing:     req.AllowEditing,
		RequireApproval:  req.RequireApproval,
		MaxParticipants:  req.MaxParticipants,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": snap.ID,
		"session":   snap,
	})
}

func (a *API) joinCollaboration(w http.ResponseWriter, req actionRequest) {
	if req.User == nil || req.User.ID == "" {
		a.writeError(w, session.NewMalformedUpdate("join_collaboration requires user.id"))
		return
	}
	snap, err := a.engine.JoinSession(req.SessionID, session.JoinRequest{
		ID:   req.User.ID,
		Name: req.User.Name,
		Role: session.ParseRole(req.User.Role),
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"session": snap})
}

func (a *API) leaveCollaboration(w http.ResponseWriter, req actionRequest) {
	if err := a.engine.LeaveSession(req.SessionID, req.UserID); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{})
}

func (a *API) cursorUpdate(w http.ResponseWriter, req actionRequest) {
	if req.Cursor == nil {
		a.writeError(w, session.NewMalformedUpdate("collaboration_cursor_update requires cursor"))
		return
	}
	if err := a.engine.UpdateCursor(req.SessionID, req.UserID, *req.Cursor); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{})
}

// handleQuery serves presence lookups. With a sessionId it answers for that
// session, or the JSON literal null when unknown; without one it lists all
// live sessions (operator tooling).
func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		a.writeJSON(w, http.StatusOK, map[string]any{"sessions": a.engine.ListSessions()})
		return
	}

	snap, err := a.engine.GetSession(sessionID)
	if err != nil {
		if session.IsSessionNotFound(err) {
			a.writeJSON(w, http.StatusOK, nil)
			return
		}
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"session":            snap,
		"activeParticipants": snap.ActiveParticipants,
		"totalParticipants":  snap.TotalParticipants,
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error("response encode failed", "error", err)
	}
}

// writeError maps engine error codes onto HTTP statuses and emits the JSON
// error envelope. Unknown errors become 500s without leaking detail.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	message := "internal error"

	if c := session.CodeOf(err); c != "" {
		code = string(c)
		message = err.Error()
		switch c {
		case session.ErrCodeSessionNotFound:
			status = http.StatusNotFound
		case session.ErrCodeSessionFull:
			status = http.StatusConflict
		case session.ErrCodeInvalidConfig, session.ErrCodeMalformedUpdate:
			status = http.StatusBadRequest
		}
	} else {
		a.log.Error("unhandled error in control api", "error", err)
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	a.writeJSON(w, status, body)
}
