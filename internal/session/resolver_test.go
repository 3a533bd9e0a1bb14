package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mutation(typ UpdateType, featureID, userID string, ts int64, props map[string]any) *MapUpdate {
	data := map[string]any{"id": featureID}
	if props != nil {
		data["properties"] = props
	}
	return &MapUpdate{
		Type:      typ,
		Data:      data,
		UserID:    userID,
		Timestamp: ts,
		SessionID: "s1",
	}
}

func TestResolver_FirstWriteSetsToken(t *testing.T) {
	r := newResolver()

	res := r.Resolve(mutation(UpdateAnnotationCreated, "f1", "alice", 100, nil), time.Now())
	assert.Equal(t, VerdictAccepted, res.Verdict)

	tok, ok := r.Token("f1")
	require.True(t, ok)
	assert.Equal(t, int64(100), tok.Timestamp)
	assert.Equal(t, "alice", tok.UserID)
}

func TestResolver_NewerTimestampWins(t *testing.T) {
	r := newResolver()

	r.Resolve(mutation(UpdateAnnotationCreated, "f1", "alice", 100, nil), time.Now())
	res := r.Resolve(mutation(UpdateAnnotationUpdated, "f1", "bob", 200, nil), time.Now())
	assert.Equal(t, VerdictAccepted, res.Verdict)

	tok, _ := r.Token("f1")
	assert.Equal(t, int64(200), tok.Timestamp)
	assert.Equal(t, "bob", tok.UserID)
}

func TestResolver_StaleUpdateFromOtherUserConflicts(t *testing.T) {
	r := newResolver()
	now := time.Now()

	r.Resolve(mutation(UpdateAnnotationCreated, "f1", "alice", 100, map[string]any{"color": "red"}), now)
	r.Resolve(mutation(UpdateAnnotationUpdated, "f1", "alice", 200, map[string]any{"color": "blue"}), now)

	// A 150-timestamp write arriving after 200 lost the race.
	res := r.Resolve(mutation(UpdateAnnotationUpdated, "f1", "bob", 150, map[string]any{"label": "zone"}), now)
	require.Equal(t, VerdictConflict, res.Verdict)
	require.NotNil(t, res.Resolved, "conflict must produce a resolution rebroadcast, not a silent drop")

	resolved := res.Resolved
	assert.Equal(t, UpdateAnnotationUpdated, resolved.Type)
	assert.Equal(t, true, resolved.Data["conflictResolved"])
	assert.Equal(t, "bob", resolved.Data["resolvedBy"])
	assert.NotZero(t, resolved.Data["resolvedAt"])

	// Default policy keeps the retained (newer) properties.
	props, ok := resolved.Data["properties"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "blue", props["color"])
	assert.NotContains(t, props, "label")

	// The token advances to the resolved state so later writers race it.
	tok, _ := r.Token("f1")
	assert.Equal(t, resolved.Timestamp, tok.Timestamp)
}

func TestResolver_MergeMethodUnionsProperties(t *testing.T) {
	r := newResolver()
	now := time.Now()

	r.Resolve(mutation(UpdateGeofenceCreated, "g1", "alice", 200, map[string]any{"color": "red"}), now)

	loser := mutation(UpdateGeofenceUpdated, "g1", "bob", 150, map[string]any{
		"color": "green",
		"label": "perimeter",
	})
	loser.Data["resolution"] = map[string]any{"method": "merge"}

	res := r.Resolve(loser, now)
	require.Equal(t, VerdictConflict, res.Verdict)

	props := res.Resolved.Data["properties"].(map[string]any)
	assert.Equal(t, "red", props["color"], "retained side wins key clashes")
	assert.Equal(t, "perimeter", props["label"], "non-clashing keys merge in")
}

func TestResolver_SameUserRetryIsIdempotent(t *testing.T) {
	r := newResolver()
	now := time.Now()

	u := mutation(UpdateAnnotationUpdated, "f1", "alice", 100, map[string]any{"color": "red"})
	first := r.Resolve(u, now)
	assert.Equal(t, VerdictAccepted, first.Verdict)

	retry := r.Resolve(mutation(UpdateAnnotationUpdated, "f1", "alice", 100, map[string]any{"color": "red"}), now)
	assert.Equal(t, VerdictDuplicate, retry.Verdict, "a retry must not flag a conflict")

	tok, _ := r.Token("f1")
	assert.Equal(t, int64(100), tok.Timestamp)
}

func TestResolver_DeletionWinsConcurrentWindow(t *testing.T) {
	r := newResolver()
	now := time.Now()

	r.Resolve(mutation(UpdateMarkerAdded, "m1", "alice", 100, nil), now)
	r.Resolve(mutation(UpdateMarkerUpdated, "m1", "alice", 300, nil), now)

	// Bob's delete carries an older timestamp but deletion is terminal.
	res := r.Resolve(mutation(UpdateMarkerDeleted, "m1", "bob", 200, nil), now)
	assert.Equal(t, VerdictAccepted, res.Verdict)

	tok, _ := r.Token("m1")
	assert.True(t, tok.Deleted)
}

func TestResolver_UpdateAfterDeleteIsDropped(t *testing.T) {
	r := newResolver()
	now := time.Now()

	r.Resolve(mutation(UpdateAnnotationDeleted, "f1", "alice", 200, nil), now)
	res := r.Resolve(mutation(UpdateAnnotationUpdated, "f1", "bob", 300, nil), now)

	assert.Equal(t, VerdictStaleDelete, res.Verdict)
}

func TestResolver_CreateAfterDeleteStartsNewLineage(t *testing.T) {
	r := newResolver()
	now := time.Now()

	r.Resolve(mutation(UpdateAnnotationCreated, "f1", "alice", 100, nil), now)
	r.Resolve(mutation(UpdateAnnotationDeleted, "f1", "alice", 200, nil), now)

	res := r.Resolve(mutation(UpdateAnnotationCreated, "f1", "bob", 300, nil), now)
	assert.Equal(t, VerdictAccepted, res.Verdict, "recreating a deleted id is a new lineage, not a conflict")

	tok, _ := r.Token("f1")
	assert.False(t, tok.Deleted)
	assert.Equal(t, "bob", tok.UserID)
}
