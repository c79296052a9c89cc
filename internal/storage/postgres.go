package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var pgSchema string

const pgSchemaVersion = 1

// PG is the optional PostgreSQL-backed Store, satisfying the same
// contract as DB for operators who want the Task/Revision Store on a
// shared database server rather than a local file. This is a storage
// location choice only: the engine still runs as a single process
// with a single writer per task, so it does not introduce the
// distributed coordination the spec's non-goals exclude.
type PG struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize postgres schema: %w", err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		pool.Close()
		return nil, fmt.Errorf("count schema_version: %w", err)
	}
	if count == 0 {
		if _, err := pool.Exec(ctx, `INSERT INTO schema_version(version) VALUES ($1)`, pgSchemaVersion); err != nil {
			pool.Close()
			return nil, fmt.Errorf("seed schema_version: %w", err)
		}
	}

	return &PG{pool: pool}, nil
}

func (p *PG) Close() error {
	p.pool.Close()
	return nil
}

func (p *PG) GetRevisionMarker(repoID, branch string, kind RevisionKind) (RevisionMarker, bool, error) {
	ctx := context.Background()
	var m RevisionMarker
	var lastSeenAt *time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT repo_id, branch, kind, last_seen_id, last_seen_at
		FROM revision_markers WHERE repo_id = $1 AND branch = $2 AND kind = $3
	`, repoID, branch, string(kind)).Scan(&m.RepoID, &m.Branch, &m.Kind, &m.LastSeenID, &lastSeenAt)
	if err == pgx.ErrNoRows {
		return RevisionMarker{}, false, nil
	}
	if err != nil {
		return RevisionMarker{}, false, err
	}
	if lastSeenAt != nil {
		m.LastSeenAt = *lastSeenAt
	}
	return m, true, nil
}

func (p *PG) CompareAndAdvance(repoID, branch string, kind RevisionKind, expectedPrev, newID string) (bool, error) {
	ctx := context.Background()
	now := time.Now().UTC()

	tag, err := p.pool.Exec(ctx, `
		UPDATE revision_markers SET last_seen_id = $1, last_seen_at = $2
		WHERE repo_id = $3 AND branch = $4 AND kind = $5 AND last_seen_id = $6
	`, newID, now, repoID, branch, string(kind), expectedPrev)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if expectedPrev != "" {
		return false, nil
	}
	_, _ = p.pool.Exec(ctx, `
		INSERT INTO revision_markers(repo_id, branch, kind, last_seen_id, last_seen_at)
		VALUES ($1, $2, $3, '', NULL) ON CONFLICT DO NOTHING
	`, repoID, branch, string(kind))
	tag, err = p.pool.Exec(ctx, `
		UPDATE revision_markers SET last_seen_id = $1, last_seen_at = $2
		WHERE repo_id = $3 AND branch = $4 AND kind = $5 AND last_seen_id = ''
	`, newID, now, repoID, branch, string(kind))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PG) CreateTask(t *Task) error {
	ctx := context.Background()
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	batchResults, _ := json.Marshal(t.BatchResults)
	filesReviewed, _ := json.Marshal(t.FilesReviewed)

	_, err := p.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, repo_id, strategy, revision_ref, base_ref, branch,
			author_name, author_email, status, batch_total, batch_current, batch_results,
			files_reviewed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, t.TaskID, t.RepoID, string(t.Strategy), t.RevisionRef, t.BaseRef, t.Branch,
		t.AuthorName, t.AuthorEmail, string(t.Status), t.BatchTotal, t.BatchCurrent,
		string(batchResults), string(filesReviewed), t.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key value") {
			return ErrDuplicateTask
		}
		return err
	}
	return nil
}

func (p *PG) UpdateProgress(taskID string, result BatchResult) error {
	ctx := context.Background()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var raw string
	if err := tx.QueryRow(ctx, `SELECT batch_results FROM tasks WHERE task_id = $1`, taskID).Scan(&raw); err != nil {
		return err
	}
	var results []BatchResult
	_ = json.Unmarshal([]byte(raw), &results)
	results = append(results, result)
	encoded, _ := json.Marshal(results)

	if _, err := tx.Exec(ctx, `UPDATE tasks SET batch_current = $1, batch_results = $2 WHERE task_id = $3`,
		result.Index+1, string(encoded), taskID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MarkProcessing transitions a task to processing and stamps started_at.
func (p *PG) MarkProcessing(taskID string) error {
	ctx := context.Background()
	_, err := p.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, started_at = now() WHERE task_id = $2 AND status = $3
	`, string(TaskProcessing), taskID, string(TaskPending))
	return err
}

// SetBatchTotal records the Change-Set Planner's batch count for a task.
func (p *PG) SetBatchTotal(taskID string, total int) error {
	ctx := context.Background()
	_, err := p.pool.Exec(ctx, `UPDATE tasks SET batch_total = $1 WHERE task_id = $2`, total, taskID)
	return err
}

func (p *PG) Finalize(taskID string, status TaskStatus, issues []Issue, t *Task) error {
	ctx := context.Background()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM issues WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	for i, issue := range issues {
		if _, err := tx.Exec(ctx, `
			INSERT INTO issues (task_id, ordinal, severity, title, description, file_path, line_number, code_snippet, suggestion, category)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, taskID, i, string(issue.Severity), issue.Title, issue.Description, issue.FilePath,
			issue.LineNumber, issue.CodeSnippet, issue.Suggestion, issue.Category); err != nil {
			return err
		}
	}

	filesReviewed, _ := json.Marshal(t.FilesReviewed)
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status=$1, issues_count=$2, critical_count=$3, warning_count=$4,
			suggestion_count=$5, quality_score=$6, files_reviewed=$7, report=$8, verdict=$9,
			risk_level=$10, error_kind=$11, error_reason=$12, processing_time_seconds=$13,
			batch_current=$14, finished_at=$15
		WHERE task_id=$16
	`, string(status), len(issues), t.CriticalCount, t.WarningCount, t.SuggestionCount,
		t.QualityScore, string(filesReviewed), t.Report, t.Verdict, t.RiskLevel,
		t.ErrorKind, t.ErrorReason, t.ProcessingTimeSeconds, t.BatchCurrent, time.Now().UTC(), taskID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PG) Query(f TaskFilter) ([]*Task, error) {
	ctx := context.Background()
	q := `SELECT task_id, repo_id, strategy, revision_ref, base_ref, branch, author_name, author_email,
		status, batch_total, batch_current, batch_results, issues_count, critical_count, warning_count,
		suggestion_count, quality_score, files_reviewed, report, verdict, risk_level, error_kind, error_reason,
		processing_time_seconds, created_at, started_at, finished_at
		FROM tasks WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.RepoID != "" {
		q += " AND repo_id = " + arg(f.RepoID)
	}
	if f.Status != "" {
		q += " AND status = " + arg(string(f.Status))
	}
	if f.Strategy != "" {
		q += " AND strategy = " + arg(string(f.Strategy))
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
		if f.Offset > 0 {
			q += " OFFSET " + arg(f.Offset)
		}
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var t Task
		var strategy, status, batchResultsRaw, filesReviewedRaw string
		var qualityScore *int
		var createdAt time.Time
		var startedAt, finishedAt *time.Time
		if err := rows.Scan(&t.TaskID, &t.RepoID, &strategy, &t.RevisionRef, &t.BaseRef, &t.Branch,
			&t.AuthorName, &t.AuthorEmail, &status, &t.BatchTotal, &t.BatchCurrent, &batchResultsRaw,
			&t.IssuesCount, &t.CriticalCount, &t.WarningCount, &t.SuggestionCount, &qualityScore,
			&filesReviewedRaw, &t.Report, &t.Verdict, &t.RiskLevel, &t.ErrorKind, &t.ErrorReason,
			&t.ProcessingTimeSeconds, &createdAt, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		t.Strategy = Strategy(strategy)
		t.Status = TaskStatus(status)
		if qualityScore != nil {
			t.QualityScore = *qualityScore
		}
		_ = json.Unmarshal([]byte(batchResultsRaw), &t.BatchResults)
		_ = json.Unmarshal([]byte(filesReviewedRaw), &t.FilesReviewed)
		t.CreatedAt = createdAt
		t.StartedAt = startedAt
		t.FinishedAt = finishedAt
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *PG) GetFull(taskID string) (*Task, []Issue, error) {
	tasks, err := p.Query(TaskFilter{})
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
		return nil, nil, pgx.ErrNoRows
	}

	ctx := context.Background()
	rows, err := p.pool.Query(ctx, `
		SELECT id, task_id, ordinal, severity, title, description, file_path, line_number, code_snippet, suggestion, category
		FROM issues WHERE task_id = $1 ORDER BY ordinal ASC
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

func (p *PG) DeleteTask(taskID string) error {
	ctx := context.Background()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM issues WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RequeuePending returns pending tasks in created_at ascending order,
// so the scheduler re-enqueues them at startup in the order they were
// originally created (§4.9) rather than Query's newest-first listing
// order.
func (p *PG) RequeuePending() ([]*Task, error) {
	ctx := context.Background()
	rows, err := p.pool.Query(ctx, `
		SELECT task_id, repo_id, strategy, revision_ref, base_ref, branch, author_name, author_email,
		status, batch_total, batch_current, batch_results, issues_count, critical_count, warning_count,
		suggestion_count, quality_score, files_reviewed, report, verdict, risk_level, error_kind, error_reason,
		processing_time_seconds, created_at, started_at, finished_at
		FROM tasks WHERE status = $1 ORDER BY created_at ASC
	`, string(TaskPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var t Task
		var strategy, status, batchResultsRaw, filesReviewedRaw string
		var qualityScore *int
		var createdAt time.Time
		var startedAt, finishedAt *time.Time
		if err := rows.Scan(&t.TaskID, &t.RepoID, &strategy, &t.RevisionRef, &t.BaseRef, &t.Branch,
			&t.AuthorName, &t.AuthorEmail, &status, &t.BatchTotal, &t.BatchCurrent, &batchResultsRaw,
			&t.IssuesCount, &t.CriticalCount, &t.WarningCount, &t.SuggestionCount, &qualityScore,
			&filesReviewedRaw, &t.Report, &t.Verdict, &t.RiskLevel, &t.ErrorKind, &t.ErrorReason,
			&t.ProcessingTimeSeconds, &createdAt, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		t.Strategy = Strategy(strategy)
		t.Status = TaskStatus(status)
		if qualityScore != nil {
			t.QualityScore = *qualityScore
		}
		_ = json.Unmarshal([]byte(batchResultsRaw), &t.BatchResults)
		_ = json.Unmarshal([]byte(filesReviewedRaw), &t.FilesReviewed)
		t.CreatedAt = createdAt
		t.StartedAt = startedAt
		t.FinishedAt = finishedAt
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *PG) FailStaleProcessing(reason string) (int, error) {
	ctx := context.Background()
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET status=$1, error_kind='internal', error_reason=$2, finished_at=$3
		WHERE status=$4
	`, string(TaskFailed), reason, time.Now().UTC(), string(TaskProcessing))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *PG) GetSetting(key string) (string, bool, error) {
	ctx := context.Background()
	var v string
	err := p.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (p *PG) SetSetting(key, value string) error {
	ctx := context.Background()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (p *PG) AllSettings() (map[string]string, error) {
	ctx := context.Background()
	rows, err := p.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
