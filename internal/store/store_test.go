package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_AppliesSchemaAndPragmas(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.verifyPragma("journal_mode", "wal"))
	require.NoError(t, s.verifyPragma("busy_timeout", "5000"))

	var version int
	require.NoError(t, s.DB().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestUpsertFeature_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := FeatureRecord{
		ID:          "f1",
		Kind:        "annotation",
		SessionID:   "sess-1",
		Geometry:    `{"type":"Point","coordinates":[18.07,59.33]}`,
		Properties:  `{"color":"red"}`,
		VersionTS:   100,
		VersionUser: "alice",
		UpdatedAt:   1000,
	}
	require.NoError(t, s.UpsertFeature(ctx, rec))

	got, err := s.GetFeature(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Geometry, got.Geometry)
	assert.Equal(t, rec.Properties, got.Properties)
	assert.Equal(t, int64(100), got.VersionTS)
	assert.Equal(t, "alice", got.VersionUser)
	assert.False(t, got.Deleted)
}

func TestUpsertFeature_ReplacesExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := FeatureRecord{
		ID: "f1", Kind: "geofence", SessionID: "sess-1",
		VersionTS: 100, VersionUser: "alice", UpdatedAt: 1000,
	}
	require.NoError(t, s.UpsertFeature(ctx, first))

	second := first
	second.VersionTS = 200
	second.VersionUser = "bob"
	second.ConflictResolved = true
	second.ResolvedBy = "bob"
	second.ResolvedAt = 1500
	require.NoError(t, s.UpsertFeature(ctx, second))

	got, err := s.GetFeature(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.VersionTS)
	assert.Equal(t, "bob", got.VersionUser)
	assert.True(t, got.ConflictResolved)
	assert.Equal(t, "bob", got.ResolvedBy)
	assert.Equal(t, int64(1500), got.ResolvedAt)
}

func TestGetFeature_Unknown(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetFeature(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestListSessionFeatures_SkipsDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertFeature(ctx, FeatureRecord{
		ID: "f1", Kind: "marker", SessionID: "sess-1",
		VersionTS: 100, VersionUser: "alice", UpdatedAt: 1000,
	}))
	require.NoError(t, s.UpsertFeature(ctx, FeatureRecord{
		ID: "f2", Kind: "marker", SessionID: "sess-1",
		VersionTS: 110, VersionUser: "alice", Deleted: true, UpdatedAt: 1100,
	}))
	require.NoError(t, s.UpsertFeature(ctx, FeatureRecord{
		ID: "f3", Kind: "marker", SessionID: "other",
		VersionTS: 120, VersionUser: "bob", UpdatedAt: 1200,
	}))

	got, err := s.ListSessionFeatures(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f1", got[0].ID)
}

func TestSessionAuditRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSession(ctx, "sess-1", "ops", "alice", 1000))
	// Duplicate stamp is idempotent.
	require.NoError(t, s.InsertSession(ctx, "sess-1", "ops", "alice", 1000))
	require.NoError(t, s.EndSession(ctx, "sess-1", 2000))

	var name string
	var endedAt sql.NullInt64
	err := s.DB().QueryRow(
		"SELECT name, ended_at FROM sessions WHERE id = ?", "sess-1",
	).Scan(&name, &endedAt)
	require.NoError(t, err)
	assert.Equal(t, "ops", name)
	require.True(t, endedAt.Valid)
	assert.Equal(t, int64(2000), endedAt.Int64)
}
