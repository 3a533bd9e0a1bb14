package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tacmap/collab/internal/session"
)

const (
	// writerQueueDepth bounds memory under a stalled disk; the engine keeps
	// broadcasting even when writes back up, so overflow drops (with an
	// error log) rather than blocking.
	writerQueueDepth = 256

	writeAttempts = 3
	retryDelay    = 250 * time.Millisecond
)

// writeOp is one queued durable write.
type writeOp struct {
	feature    *FeatureRecord
	sessionRow *sessionOp
}

type sessionOp struct {
	id        string
	name      string
	createdBy string
	at        int64
	end       bool
}

// Writer is the asynchronous persistence collaborator.
//
// The session engine hands accepted mutating updates to Writer on its hot
// path; Writer queues them and a single goroutine applies them to the
// Store with bounded retry. Persistence failures are logged and retried
// here - they never propagate back into a session loop.
type Writer struct {
	store *Store
	log   *slog.Logger
	ops   chan writeOp
}

// NewWriter wraps a Store in an async writer. Call Run to start it.
func NewWriter(s *Store, log *slog.Logger) *Writer {
	return &Writer{
		store: s,
		log:   log.With("component", "store_writer"),
		ops:   make(chan writeOp, writerQueueDepth),
	}
}

// Run applies queued writes until ctx is cancelled, then drains what is
// already queued before returning.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case op := <-w.ops:
					w.apply(context.Background(), op)
				default:
					return ctx.Err()
				}
			}
		case op := <-w.ops:
			w.apply(ctx, op)
		}
	}
}

// PersistUpdate converts an accepted mutating update into a feature row and
// queues it. Non-blocking: a full queue drops the write with an error log.
func (w *Writer) PersistUpdate(u *session.MapUpdate, conflictResolved bool) {
	rec := recordFromUpdate(u, conflictResolved)
	if rec == nil {
		return
	}
	w.enqueue(writeOp{feature: rec})
}

// RecordSession stamps the audit row for a new session.
func (w *Writer) RecordSession(id, name, createdBy string, createdAt time.Time) {
	w.enqueue(writeOp{sessionRow: &sessionOp{
		id: id, name: name, createdBy: createdBy, at: createdAt.UnixMilli(),
	}})
}

// RecordSessionEnd stamps the audit row when a session is reaped.
func (w *Writer) RecordSessionEnd(id string, endedAt time.Time) {
	w.enqueue(writeOp{sessionRow: &sessionOp{
		id: id, at: endedAt.UnixMilli(), end: true,
	}})
}

func (w *Writer) enqueue(op writeOp) {
	select {
	case w.ops <- op:
	default:
		w.log.Error("persistence queue full, write dropped")
	}
}

// apply performs one write with bounded retry. SQLite contention is
// transient (busy timeout), so a short retry usually clears it; anything
// still failing after that is logged for escalation.
func (w *Writer) apply(ctx context.Context, op writeOp) {
	var lastErr error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		lastErr = w.applyOnce(ctx, op)
		if lastErr == nil {
			return
		}
		if attempt < writeAttempts {
			time.Sleep(retryDelay)
		}
	}
	w.log.Error("persistence failed after retries",
		"attempts", writeAttempts,
		"error", lastErr,
	)
}

func (w *Writer) applyOnce(ctx context.Context, op writeOp) error {
	switch {
	case op.feature != nil:
		return w.store.UpsertFeature(ctx, *op.feature)
	case op.sessionRow != nil:
		row := op.sessionRow
		if row.end {
			return w.store.EndSession(ctx, row.id, row.at)
		}
		return w.store.InsertSession(ctx, row.id, row.name, row.createdBy, row.at)
	}
	return nil
}

// recordFromUpdate maps a mutating MapUpdate onto a feature row.
// Returns nil for types that carry no durable feature.
func recordFromUpdate(u *session.MapUpdate, conflictResolved bool) *FeatureRecord {
	kind := u.Type.FeatureKind()
	fid := u.FeatureID()
	if kind == "" || fid == "" {
		return nil
	}

	rec := &FeatureRecord{
		ID:               fid,
		Kind:             kind,
		SessionID:        u.SessionID,
		VersionTS:        u.Timestamp,
		VersionUser:      u.UserID,
		Deleted:          u.Type.Deletion(),
		ConflictResolved: conflictResolved,
		UpdatedAt:        time.Now().UnixMilli(),
	}
	if g, ok := u.Data["geometry"]; ok {
		rec.Geometry = marshalJSON(g)
	}
	if p := u.Properties(); p != nil {
		rec.Properties = marshalJSON(p)
	}
	if conflictResolved {
		if by, ok := u.Data["resolvedBy"].(string); ok {
			rec.ResolvedBy = by
		}
		switch at := u.Data["resolvedAt"].(type) {
		case int64:
			rec.ResolvedAt = at
		case float64:
			rec.ResolvedAt = int64(at)
		}
	}
	return rec
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
