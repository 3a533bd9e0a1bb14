package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacmap/collab/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWriter_PersistsAcceptedUpdate(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	w.PersistUpdate(&session.MapUpdate{
		Type: session.UpdateAnnotationCreated,
		Data: map[string]any{
			"id":         "f1",
			"geometry":   map[string]any{"type": "Point"},
			"properties": map[string]any{"color": "red"},
		},
		UserID:    "alice",
		Timestamp: 100,
		SessionID: "sess-1",
	}, false)

	require.Eventually(t, func() bool {
		_, err := s.GetFeature(context.Background(), "f1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	got, err := s.GetFeature(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "annotation", got.Kind)
	assert.Equal(t, int64(100), got.VersionTS)
	assert.Equal(t, "alice", got.VersionUser)
	assert.JSONEq(t, `{"color":"red"}`, got.Properties)

	cancel()
	<-done
}

func TestWriter_RecordsDeletion(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	w.PersistUpdate(&session.MapUpdate{
		Type:      session.UpdateMarkerDeleted,
		Data:      map[string]any{"id": "m1"},
		UserID:    "alice",
		Timestamp: 200,
		SessionID: "sess-1",
	}, false)

	require.Eventually(t, func() bool {
		rec, err := s.GetFeature(context.Background(), "m1")
		return err == nil && rec.Deleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestWriter_DrainsQueueOnShutdown(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, testLogger())

	// Queue before the run loop starts, then run under an already-cancelled
	// context: shutdown still flushes what was accepted.
	w.RecordSession("sess-1", "ops", "alice", time.UnixMilli(1000))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = w.Run(ctx)

	var name string
	require.NoError(t, s.DB().QueryRow(
		"SELECT name FROM sessions WHERE id = ?", "sess-1",
	).Scan(&name))
	assert.Equal(t, "ops", name)
}

func TestRecordFromUpdate_SkipsNonFeatureTypes(t *testing.T) {
	rec := recordFromUpdate(&session.MapUpdate{
		Type:      session.UpdateViewChanged,
		UserID:    "alice",
		Timestamp: 1,
		SessionID: "sess-1",
	}, false)
	assert.Nil(t, rec)
}

func TestRecordFromUpdate_ConflictMetadata(t *testing.T) {
	rec := recordFromUpdate(&session.MapUpdate{
		Type: session.UpdateGeofenceUpdated,
		Data: map[string]any{
			"id":               "g1",
			"properties":       map[string]any{"label": "perimeter"},
			"conflictResolved": true,
			"resolvedBy":       "bob",
			"resolvedAt":       int64(1700000000500),
		},
		UserID:    "bob",
		Timestamp: 1700000000500,
		SessionID: "sess-1",
	}, true)

	require.NotNil(t, rec)
	assert.True(t, rec.ConflictResolved)
	assert.Equal(t, "bob", rec.ResolvedBy)
	assert.Equal(t, int64(1700000000500), rec.ResolvedAt)
}
