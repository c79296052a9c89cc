package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateTask is returned by CreateTask when a non-terminal task
// already exists for (repo_id, strategy, revision_ref), per the
// at-most-one rule of §4.2.
var ErrDuplicateTask = fmt.Errorf("duplicate task")

// IsDuplicateTask reports whether err is the at-most-one violation
// CreateTask returns.
func IsDuplicateTask(err error) bool {
	return err == ErrDuplicateTask
}

// CreateTask inserts a new pending task, assigning a UUID task_id if
// the caller left it blank. Rejected with ErrDuplicateTask if a
// non-terminal task already exists for the same (repo, strategy, revision).
func (db *DB) CreateTask(t *Task) error {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	batchResults, err := json.Marshal(t.BatchResults)
	if err != nil {
		return fmt.Errorf("marshal batch_results: %w", err)
	}
	filesReviewed, err := json.Marshal(t.FilesReviewed)
	if err != nil {
		return fmt.Errorf("marshal files_reviewed: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO tasks (
			task_id, repo_id, strategy, revision_ref, base_ref, branch,
			author_name, author_email, status, batch_total, batch_current,
			batch_results, files_reviewed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TaskID, t.RepoID, string(t.Strategy), t.RevisionRef, t.BaseRef, t.Branch,
		t.AuthorName, t.AuthorEmail, string(t.Status), t.BatchTotal, t.BatchCurrent,
		string(batchResults), string(filesReviewed), t.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTask
		}
		return err
	}
	return nil
}

// isUniqueViolation detects the idx_tasks_active_identity constraint
// failure across both the SQLite and PostgreSQL drivers' error strings.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// UpdateProgress records one batch's outcome and advances batch_current,
// per §4.9 step 4: "Update batch_current after each batch."
func (db *DB) UpdateProgress(taskID string, result BatchResult) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRow(`SELECT batch_results FROM tasks WHERE task_id = ?`, taskID).Scan(&raw); err != nil {
		return err
	}
	var results []BatchResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return fmt.Errorf("unmarshal batch_results: %w", err)
	}
	results = append(results, result)
	encoded, err := json.Marshal(results)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`
		UPDATE tasks SET batch_current = ?, batch_results = ? WHERE task_id = ?
	`, result.Index+1, string(encoded), taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkProcessing transitions a task to processing and stamps started_at.
func (db *DB) MarkProcessing(taskID string) error {
	_, err := db.Exec(`
		UPDATE tasks SET status = ?, started_at = ? WHERE task_id = ? AND status = ?
	`, string(TaskProcessing), time.Now().UTC().Format(time.RFC3339), taskID, string(TaskPending))
	return err
}

// SetBatchTotal records the Change-Set Planner's batch count for a task.
func (db *DB) SetBatchTotal(taskID string, total int) error {
	_, err := db.Exec(`UPDATE tasks SET batch_total = ? WHERE task_id = ?`, total, taskID)
	return err
}

// Finalize writes the terminal state of a task: status, merged issues,
// and summary fields, in one transaction so readers never observe a
// partially-updated task (§4.2: "readers see either pre- or post-state").
func (db *DB) Finalize(taskID string, status TaskStatus, issues []Issue, t *Task) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM issues WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	for i, issue := range issues {
		if _, err := tx.Exec(`
			INSERT INTO issues (task_id, ordinal, severity, title, description, file_path, line_number, code_snippet, suggestion, category)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, taskID, i, string(issue.Severity), issue.Title, issue.Description, issue.FilePath, issue.LineNumber,
			issue.CodeSnippet, issue.Suggestion, issue.Category); err != nil {
			return err
		}
	}

	filesReviewed, err := json.Marshal(t.FilesReviewed)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.Exec(`
		UPDATE tasks SET
			status = ?, issues_count = ?, critical_count = ?, warning_count = ?, suggestion_count = ?,
			quality_score = ?, files_reviewed = ?, report = ?, verdict = ?, risk_level = ?,
			error_kind = ?, error_reason = ?, processing_time_seconds = ?, batch_current = ?, finished_at = ?
		WHERE task_id = ?
	`, string(status), len(issues), t.CriticalCount, t.WarningCount, t.SuggestionCount,
		t.QualityScore, string(filesReviewed), t.Report, t.Verdict, t.RiskLevel,
		t.ErrorKind, t.ErrorReason, t.ProcessingTimeSeconds, t.BatchCurrent, now, taskID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Query lists tasks matching f, newest first.
func (db *DB) Query(f TaskFilter) ([]*Task, error) {
	q := `SELECT task_id, repo_id, strategy, revision_ref, base_ref, branch, author_name, author_email,
		status, batch_total, batch_current, batch_results, issues_count, critical_count, warning_count,
		suggestion_count, quality_score, files_reviewed, report, verdict, risk_level, error_kind, error_reason,
		processing_time_seconds, created_at, started_at, finished_at
		FROM tasks WHERE 1=1`
	var args []any
	if f.RepoID != "" {
		q += ` AND repo_id = ?`
		args = append(args, f.RepoID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Strategy != "" {
		q += ` AND strategy = ?`
		args = append(args, string(f.Strategy))
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := db.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(rows *sql.Rows) (*Task, error) {
	var t Task
	var strategy, status string
	var batchResultsRaw, filesReviewedRaw string
	var qualityScore sql.NullInt64
	var createdAt string
	var startedAt, finishedAt sql.NullString

	if err := rows.Scan(&t.TaskID, &t.RepoID, &strategy, &t.RevisionRef, &t.BaseRef, &t.Branch,
		&t.AuthorName, &t.AuthorEmail, &status, &t.BatchTotal, &t.BatchCurrent, &batchResultsRaw,
		&t.IssuesCount, &t.CriticalCount, &t.WarningCount, &t.SuggestionCount, &qualityScore,
		&filesReviewedRaw, &t.Report, &t.Verdict, &t.RiskLevel, &t.ErrorKind, &t.ErrorReason,
		&t.ProcessingTimeSeconds, &createdAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	t.Strategy = Strategy(strategy)
	t.Status = TaskStatus(status)
	if qualityScore.Valid {
		t.QualityScore = int(qualityScore.Int64)
	}
	_ = json.Unmarshal([]byte(batchResultsRaw), &t.BatchResults)
	_ = json.Unmarshal([]byte(filesReviewedRaw), &t.FilesReviewed)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if startedAt.Valid {
		v, _ := time.Parse(time.RFC3339, startedAt.String)
		t.StartedAt = &v
	}
	if finishedAt.Valid {
		v, _ := time.Parse(time.RFC3339, finishedAt.String)
		t.FinishedAt = &v
	}
	return &t, nil
}

// GetFull returns a task and its ordered issues.
func (db *DB) GetFull(taskID string) (*Task, []Issue, error) {
	tasks, err := db.Query(TaskFilter{})
	if err != nil {
		return nil, nil, err
	}
	var found *Task
	for _, t := range tasks {
		if t.TaskID == taskID {
			found = t
			break
		}
	}
	if found == nil {
		return nil, nil, sql.ErrNoRows
	}

	rows, err := db.DB.Query(`
		SELECT id, task_id, ordinal, severity, title, description, file_path, line_number, code_snippet, suggestion, category
		FROM issues WHERE task_id = ? ORDER BY ordinal ASC
	`, taskID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var i Issue
		var severity string
		if err := rows.Scan(&i.ID, &i.TaskID, &i.Ordinal, &severity, &i.Title, &i.Description,
			&i.FilePath, &i.LineNumber, &i.CodeSnippet, &i.Suggestion, &i.Category); err != nil {
			return nil, nil, err
		}
		i.Severity = Severity(severity)
		issues = append(issues, i)
	}
	return found, issues, rows.Err()
}

// DeleteTask removes a task and its issues.
func (db *DB) DeleteTask(taskID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM issues WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// RequeuePending returns all pending tasks oldest-first, for the
// worker pool to re-enqueue at startup in created_at order (§4.9).
func (db *DB) RequeuePending() ([]*Task, error) {
	rows, err := db.DB.Query(`
		SELECT task_id, repo_id, strategy, revision_ref, base_ref, branch, author_name, author_email,
			status, batch_total, batch_current, batch_results, issues_count, critical_count, warning_count,
			suggestion_count, quality_score, files_reviewed, report, verdict, risk_level, error_kind, error_reason,
			processing_time_seconds, created_at, started_at, finished_at
		FROM tasks WHERE status = ? ORDER BY created_at ASC
	`, string(TaskPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FailStaleProcessing marks every task left in "processing" as failed
// with the given reason, per §4.2: "On process restart, any task left
// in processing is marked failed... the engine does not resume
// in-flight batches." Returns the number of tasks updated.
func (db *DB) FailStaleProcessing(reason string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := db.Exec(`
		UPDATE tasks SET status = ?, error_kind = 'internal', error_reason = ?, finished_at = ?
		WHERE status = ?
	`, string(TaskFailed), reason, now, string(TaskProcessing))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
