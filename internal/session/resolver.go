package session

import (
	"time"
)

// Verdict classifies the resolver's decision for one mutating update.
type Verdict int

const (
	// VerdictAccepted means the update won arbitration and advances the
	// feature's version token. Broadcast and persist it.
	VerdictAccepted Verdict = iota + 1

	// VerdictDuplicate means the same producer re-submitted an update the
	// token already reflects (a retry). Nothing to broadcast or persist;
	// the earlier acceptance stands.
	VerdictDuplicate

	// VerdictConflict means a different producer lost a timestamp race.
	// The resolver merged both versions; broadcast the Resolved update so
	// every participant converges on one value.
	VerdictConflict

	// VerdictStaleDelete means the update targeted a feature whose lineage
	// was already deleted. Deletion is terminal: drop the update.
	VerdictStaleDelete
)

// versionToken is the last-accepted {timestamp, userId} for a feature,
// plus a terminal-deletion flag ending the lineage.
type versionToken struct {
	Timestamp int64
	UserID    string
	Deleted   bool
}

// Resolution is the resolver's full answer for one submitted update.
type Resolution struct {
	Verdict Verdict

	// Resolved is the engine-authored replacement update when Verdict is
	// VerdictConflict. It carries the merged properties and conflict
	// metadata, and is what gets broadcast and persisted instead of the
	// losing submission.
	Resolved *MapUpdate
}

// resolver arbitrates concurrent mutations of durable map features.
//
// For every feature id it tracks the last-accepted update's timestamp and
// producer as a version token, plus that update's properties so a losing
// concurrent write can be merged rather than silently dropped.
//
// Mutated exclusively on the session goroutine; no lock needed.
type resolver struct {
	tokens map[string]versionToken
	// properties of the last accepted state per feature, kept for merging
	state map[string]map[string]any
}

func newResolver() *resolver {
	return &resolver{
		tokens: make(map[string]versionToken),
		state:  make(map[string]map[string]any),
	}
}

// Resolve arbitrates one mutating update against the feature's version token.
//
// Rules, in order:
//   - First write for a feature id: accept, set the token.
//   - Creation over a deleted lineage: accept as a new lineage, not a conflict.
//   - Any write into a deleted lineage other than a creation: drop
//     (deletion is terminal).
//   - Strictly newer timestamp: accept, advance the token (last-writer-wins).
//   - Older-or-equal timestamp from the same producer: a retry; accept
//     idempotently without advancing or flagging anything.
//   - Deletion with an older-or-equal timestamp from another producer:
//     deletions win over concurrent updates; accept and end the lineage.
//   - Otherwise: conflict. Merge both versions' properties under the
//     caller-supplied resolution method and author a replacement update
//     flagged with conflict metadata for rebroadcast.
func (r *resolver) Resolve(u *MapUpdate, now time.Time) Resolution {
	fid := u.FeatureID()
	tok, known := r.tokens[fid]

	if !known {
		r.advance(fid, u)
		return Resolution{Verdict: VerdictAccepted}
	}

	if tok.Deleted {
		if u.Type.Creation() {
			// A later create over a deleted id starts a new feature
			// lineage; the old token no longer applies.
			r.advance(fid, u)
			return Resolution{Verdict: VerdictAccepted}
		}
		return Resolution{Verdict: VerdictStaleDelete}
	}

	if u.Timestamp > tok.Timestamp {
		r.advance(fid, u)
		return Resolution{Verdict: VerdictAccepted}
	}

	if u.UserID == tok.UserID {
		return Resolution{Verdict: VerdictDuplicate}
	}

	if u.Type.Deletion() {
		r.advance(fid, u)
		return Resolution{Verdict: VerdictAccepted}
	}

	return Resolution{
		Verdict:  VerdictConflict,
		Resolved: r.resolveConflict(fid, tok, u, now),
	}
}

// Token returns the current version token for a feature id.
// Exposed for observability and tests.
func (r *resolver) Token(featureID string) (versionToken, bool) {
	tok, ok := r.tokens[featureID]
	return tok, ok
}

// release drops all state for a feature lineage. Called when a session is
// reaped; tokens do not outlive their session.
func (r *resolver) releaseAll() {
	r.tokens = make(map[string]versionToken)
	r.state = make(map[string]map[string]any)
}

func (r *resolver) advance(fid string, u *MapUpdate) {
	r.tokens[fid] = versionToken{
		Timestamp: u.Timestamp,
		UserID:    u.UserID,
		Deleted:   u.Type.Deletion(),
	}
	if u.Type.Deletion() {
		delete(r.state, fid)
		return
	}
	if props := u.Properties(); props != nil {
		r.state[fid] = props
	}
}

// resolveConflict merges the retained state with the losing submission and
// authors the replacement update that all participants converge on.
//
// Merge policy comes from the losing update's payload
// (data.resolution.method); unknown or absent methods fall back to
// "latest_wins".
//
//   - latest_wins: the retained (newer) properties stand unchanged.
//   - merge: union of both; on key clash the retained side wins.
//   - theirs: the losing submission's properties stand.
//
// The replacement update carries conflictResolved/resolvedBy/resolvedAt in
// its payload, is stamped with the resolution instant, and advances the
// token so later writers race against the resolved state.
func (r *resolver) resolveConflict(fid string, tok versionToken, u *MapUpdate, now time.Time) *MapUpdate {
	method := resolutionMethod(u)
	retained := r.state[fid]
	incoming := u.Properties()

	var merged map[string]any
	switch method {
	case "theirs":
		merged = copyProps(incoming)
	case "merge":
		merged = copyProps(retained)
		for k, v := range incoming {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	default:
		method = "latest_wins"
		merged = copyProps(retained)
	}

	kind := u.Type.FeatureKind()
	resolvedType := UpdateType(kind + "_updated")

	resolved := &MapUpdate{
		Type: resolvedType,
		Data: map[string]any{
			"id":               fid,
			"properties":       merged,
			"conflictResolved": true,
			"resolvedBy":       u.UserID,
			"resolvedAt":       now.UnixMilli(),
			"resolution":       map[string]any{"method": method},
		},
		UserID:    u.UserID,
		UserName:  u.UserName,
		Timestamp: now.UnixMilli(),
		SessionID: u.SessionID,
	}

	r.advance(fid, resolved)
	return resolved
}

func resolutionMethod(u *MapUpdate) string {
	if u.Data == nil {
		return ""
	}
	res, ok := u.Data["resolution"].(map[string]any)
	if !ok {
		return ""
	}
	m, _ := res["method"].(string)
	return m
}

func copyProps(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
