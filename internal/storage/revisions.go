package storage

import (
	"database/sql"
	"time"
)

// GetRevisionMarker returns the last-seen id for (repo_id, branch, kind),
// or ok=false if no marker has ever been recorded.
func (db *DB) GetRevisionMarker(repoID, branch string, kind RevisionKind) (RevisionMarker, bool, error) {
	var m RevisionMarker
	var lastSeenAt sql.NullString
	err := db.QueryRow(`
		SELECT repo_id, branch, kind, last_seen_id, last_seen_at
		FROM revision_markers WHERE repo_id = ? AND branch = ? AND kind = ?
	`, repoID, branch, string(kind)).Scan(&m.RepoID, &m.Branch, &m.Kind, &m.LastSeenID, &lastSeenAt)
	if err == sql.ErrNoRows {
		return RevisionMarker{}, false, nil
	}
	if err != nil {
		return RevisionMarker{}, false, err
	}
	if lastSeenAt.Valid {
		m.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeenAt.String)
	}
	return m, true, nil
}

// CompareAndAdvance advances the marker to newID only if the currently
// stored value equals expectedPrev, implementing the lagging, monotone
// advance rule of §4.1/§4.8: callers only call this from a successful
// post-finalize hook, never speculatively. Returns false without error
// if the compare failed (a concurrent advance or operator reset won the race).
func (db *DB) CompareAndAdvance(repoID, branch string, kind RevisionKind, expectedPrev, newID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE revision_markers
		SET last_seen_id = ?, last_seen_at = ?
		WHERE repo_id = ? AND branch = ? AND kind = ? AND last_seen_id = ?
	`, newID, time.Now().UTC().Format(time.RFC3339), repoID, branch, string(kind), expectedPrev)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if expectedPrev != "" {
		return false, nil
	}
	// No row existed yet for this (repo, branch, kind): insert-or-ignore then retry once.
	_, err = db.Exec(`
		INSERT OR IGNORE INTO revision_markers(repo_id, branch, kind, last_seen_id, last_seen_at)
		VALUES (?, ?, ?, '', NULL)
	`, repoID, branch, string(kind))
	_ = err
	res, err = db.Exec(`
		UPDATE revision_markers
		SET last_seen_id = ?, last_seen_at = ?
		WHERE repo_id = ? AND branch = ? AND kind = ? AND last_seen_id = ''
	`, newID, time.Now().UTC().Format(time.RFC3339), repoID, branch, string(kind))
	if err != nil {
		return false, err
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
