package store

import (
	"context"
	"database/sql"
	"fmt"
)

// FeatureRecord is one durable map feature row.
type FeatureRecord struct {
	ID               string
	Kind             string // marker | annotation | geofence
	SessionID        string
	Geometry         string // JSON, may be empty
	Properties       string // JSON, may be empty
	VersionTS        int64  // producer clock, ms epoch
	VersionUser      string
	Deleted          bool
	ConflictResolved bool
	ResolvedBy       string
	ResolvedAt       int64 // ms epoch, zero when not a resolution
	UpdatedAt        int64 // ms epoch
}

// UpsertFeature writes the accepted state of a feature.
//
// The engine arbitrates versions before handing anything off, so the row is
// replaced unconditionally; a version guard here would just re-implement
// the resolver. Keyed by feature id, idempotent for retried writes.
func (s *Store) UpsertFeature(ctx context.Context, rec FeatureRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO features
		(id, kind, session_id, geometry, properties, version_ts, version_user,
		 deleted, conflict_resolved, resolved_by, resolved_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind              = excluded.kind,
			session_id        = excluded.session_id,
			geometry          = excluded.geometry,
			properties        = excluded.properties,
			version_ts        = excluded.version_ts,
			version_user      = excluded.version_user,
			deleted           = excluded.deleted,
			conflict_resolved = excluded.conflict_resolved,
			resolved_by       = excluded.resolved_by,
			resolved_at       = excluded.resolved_at,
			updated_at        = excluded.updated_at
	`,
		rec.ID,
		rec.Kind,
		rec.SessionID,
		nullableText(rec.Geometry),
		nullableText(rec.Properties),
		rec.VersionTS,
		rec.VersionUser,
		boolToInt(rec.Deleted),
		boolToInt(rec.ConflictResolved),
		nullableText(rec.ResolvedBy),
		nullableInt(rec.ResolvedAt),
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert feature %s: %w", rec.ID, err)
	}
	return nil
}

// GetFeature reads one feature row. Returns sql.ErrNoRows when unknown.
func (s *Store) GetFeature(ctx context.Context, id string) (FeatureRecord, error) {
	var (
		rec        FeatureRecord
		geometry   sql.NullString
		properties sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullInt64
		deleted    int
		resolved   int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, session_id, geometry, properties, version_ts,
		       version_user, deleted, conflict_resolved, resolved_by,
		       resolved_at, updated_at
		FROM features WHERE id = ?
	`, id).Scan(
		&rec.ID, &rec.Kind, &rec.SessionID, &geometry, &properties,
		&rec.VersionTS, &rec.VersionUser, &deleted, &resolved,
		&resolvedBy, &resolvedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return FeatureRecord{}, fmt.Errorf("get feature %s: %w", id, err)
	}
	rec.Geometry = geometry.String
	rec.Properties = properties.String
	rec.ResolvedBy = resolvedBy.String
	rec.ResolvedAt = resolvedAt.Int64
	rec.Deleted = deleted != 0
	rec.ConflictResolved = resolved != 0
	return rec, nil
}

// ListSessionFeatures returns all non-deleted features for a session.
func (s *Store) ListSessionFeatures(ctx context.Context, sessionID string) ([]FeatureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, session_id, geometry, properties, version_ts,
		       version_user, deleted, conflict_resolved, resolved_by,
		       resolved_at, updated_at
		FROM features
		WHERE session_id = ? AND deleted = 0
		ORDER BY updated_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list features for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []FeatureRecord
	for rows.Next() {
		var (
			rec        FeatureRecord
			geometry   sql.NullString
			properties sql.NullString
			resolvedBy sql.NullString
			resolvedAt sql.NullInt64
			deleted    int
			resolved   int
		)
		if err := rows.Scan(
			&rec.ID, &rec.Kind, &rec.SessionID, &geometry, &properties,
			&rec.VersionTS, &rec.VersionUser, &deleted, &resolved,
			&resolvedBy, &resolvedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}
		rec.Geometry = geometry.String
		rec.Properties = properties.String
		rec.ResolvedBy = resolvedBy.String
		rec.ResolvedAt = resolvedAt.Int64
		rec.Deleted = deleted != 0
		rec.ConflictResolved = resolved != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertSession stamps the audit row for a newly created session.
// ON CONFLICT DO NOTHING keeps retried stamps idempotent.
func (s *Store) InsertSession(ctx context.Context, id, name, createdBy string, createdAtMillis int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, created_by, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, name, createdBy, createdAtMillis)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", id, err)
	}
	return nil
}

// EndSession stamps the audit row when the reaper removes a session.
func (s *Store) EndSession(ctx context.Context, id string, endedAtMillis int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL
	`, endedAtMillis, id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	return nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
