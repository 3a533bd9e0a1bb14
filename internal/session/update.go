package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UpdateType identifies the kind of fact carried by a MapUpdate.
type UpdateType string

const (
	UpdateMarkerAdded       UpdateType = "marker_added"
	UpdateMarkerUpdated     UpdateType = "marker_updated"
	UpdateMarkerDeleted     UpdateType = "marker_deleted"
	UpdateAnnotationCreated UpdateType = "annotation_created"
	UpdateAnnotationUpdated UpdateType = "annotation_updated"
	UpdateAnnotationDeleted UpdateType = "annotation_deleted"
	UpdateGeofenceCreated   UpdateType = "geofence_created"
	UpdateGeofenceUpdated   UpdateType = "geofence_updated"
	UpdateGeofenceDeleted   UpdateType = "geofence_deleted"
	UpdateViewChanged       UpdateType = "view_changed"
	UpdateCursorMoved       UpdateType = "cursor_moved"

	// Presence events are produced by the engine itself on join/leave.
	// They travel through the same delivery path as map updates.
	UpdateParticipantJoined UpdateType = "participant_joined"
	UpdateParticipantLeft   UpdateType = "participant_left"
)

// knownTypes is the accept-list for inbound envelopes. Presence types are
// engine-generated and rejected at the boundary.
var knownTypes = map[UpdateType]bool{
	UpdateMarkerAdded:       true,
	UpdateMarkerUpdated:     true,
	UpdateMarkerDeleted:     true,
	UpdateAnnotationCreated: true,
	UpdateAnnotationUpdated: true,
	UpdateAnnotationDeleted: true,
	UpdateGeofenceCreated:   true,
	UpdateGeofenceUpdated:   true,
	UpdateGeofenceDeleted:   true,
	UpdateViewChanged:       true,
	UpdateCursorMoved:       true,
}

// Mutating reports whether the type changes a durable feature and therefore
// passes through conflict resolution before broadcast.
func (t UpdateType) Mutating() bool {
	s := string(t)
	return strings.HasSuffix(s, "_created") ||
		strings.HasSuffix(s, "_updated") ||
		strings.HasSuffix(s, "_deleted") ||
		t == UpdateMarkerAdded
}

// Deletion reports whether the type is terminal for its feature lineage.
func (t UpdateType) Deletion() bool {
	return strings.HasSuffix(string(t), "_deleted")
}

// Creation reports whether the type opens a new feature lineage.
func (t UpdateType) Creation() bool {
	return strings.HasSuffix(string(t), "_created") || t == UpdateMarkerAdded
}

// FeatureKind returns the durable feature class ("marker", "annotation",
// "geofence") for mutating types, or "" for presence/view/cursor types.
func (t UpdateType) FeatureKind() string {
	s := string(t)
	if i := strings.IndexByte(s, '_'); i > 0 {
		switch kind := s[:i]; kind {
		case "marker", "annotation", "geofence":
			return kind
		}
	}
	return ""
}

// MapUpdate is one immutable fact to broadcast: a feature mutation, a view
// change, or a presence signal. Updates are never edited after construction;
// a newer fact supersedes an older one, it does not rewrite it.
type MapUpdate struct {
	Type      UpdateType     `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	UserID    string         `json:"userId"`
	UserName  string         `json:"userName,omitempty"`
	Timestamp int64          `json:"timestamp"` // producer clock, ms since epoch
	SessionID string         `json:"sessionId"`

	// Seq is the engine-assigned acceptance order within a session.
	// Zero for updates that have not passed through a session loop yet.
	Seq int64 `json:"seq,omitempty"`
}

// FeatureID extracts the referenced feature id from the payload.
// Returns "" when the payload carries none (view/cursor/presence updates).
func (u *MapUpdate) FeatureID() string {
	if u.Data == nil {
		return ""
	}
	if id, ok := u.Data["id"].(string); ok {
		return id
	}
	if id, ok := u.Data["featureId"].(string); ok {
		return id
	}
	return ""
}

// Properties extracts the feature properties object from the payload, or nil.
func (u *MapUpdate) Properties() map[string]any {
	if u.Data == nil {
		return nil
	}
	if p, ok := u.Data["properties"].(map[string]any); ok {
		return p
	}
	return nil
}

// ParseUpdate decodes and validates an inbound wire envelope.
//
// Validation is strict at the boundary: unknown types and missing required
// fields return a MalformedUpdate error and the event never reaches a
// session loop. A malformed envelope must never take down a session.
func ParseUpdate(raw []byte) (*MapUpdate, error) {
	var u MapUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, NewMalformedUpdate(fmt.Sprintf("invalid JSON: %v", err))
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}

// Validate checks the envelope's required fields.
func (u *MapUpdate) Validate() error {
	if !knownTypes[u.Type] {
		return NewMalformedUpdate(fmt.Sprintf("unknown update type %q", u.Type))
	}
	if u.UserID == "" {
		return NewMalformedUpdate("missing userId")
	}
	if u.SessionID == "" {
		return NewMalformedUpdate("missing sessionId")
	}
	if u.Timestamp <= 0 {
		return NewMalformedUpdate("missing or non-positive timestamp")
	}
	if u.Type.Mutating() && u.FeatureID() == "" {
		return NewMalformedUpdate(fmt.Sprintf("%s update missing feature id", u.Type))
	}
	return nil
}

// nowMillis is the producer-clock convention used by engine-generated updates.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
