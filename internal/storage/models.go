package storage

import "time"

// TaskStatus is the review task state machine's current node, per
// spec §3/§4.9: pending -> processing -> (completed | failed | cancelled).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Strategy distinguishes a single-commit review from a merge/pull request review.
type Strategy string

const (
	StrategyCommit        Strategy = "commit"
	StrategyMergeRequest   Strategy = "merge_request"
)

// RevisionKind is the axis a revision marker advances along.
type RevisionKind string

const (
	KindCommit RevisionKind = "commit"
	KindMR     RevisionKind = "mr"
)

// Severity classifies a parsed issue, per §3/§4.6.
type Severity string

const (
	SeverityCritical   Severity = "critical"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
	SeverityInfo       Severity = "info"
)

// RevisionMarker is the durable last-seen-id record the poller uses to
// decide which revisions are new, keyed by (repo_id, branch, kind).
type RevisionMarker struct {
	RepoID     string
	Branch     string
	Kind       RevisionKind
	LastSeenID string
	LastSeenAt time.Time
}

// BatchResult is one planned batch's outcome, appended to a task's
// batch_results as the worker pool progresses through the plan.
type BatchResult struct {
	Index  int      `json:"index"`
	Status string   `json:"status"` // success | failed | cancelled
	Files  []string `json:"files"`
	Error  string   `json:"error,omitempty"`
}

// Task is a review task: one end-to-end attempt to analyze a revision.
type Task struct {
	TaskID      string
	RepoID      string
	Strategy    Strategy
	RevisionRef string
	BaseRef     string
	Branch      string
	AuthorName  string
	AuthorEmail string

	Status TaskStatus

	BatchTotal   int
	BatchCurrent int
	BatchResults []BatchResult

	IssuesCount      int
	CriticalCount    int
	WarningCount     int
	SuggestionCount  int
	QualityScore     int
	FilesReviewed    []string

	Report                string
	Verdict               string
	RiskLevel             string
	ErrorKind             string
	ErrorReason           string
	ProcessingTimeSeconds float64

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Issue is a single structured finding parsed from an assistant report.
type Issue struct {
	ID          int64
	TaskID      string
	Severity    Severity
	Title       string
	Description string
	FilePath    string
	LineNumber  int
	CodeSnippet string
	Suggestion  string
	Category    string
	Ordinal     int
}

// TaskFilter narrows Query results; zero-value fields are unconstrained.
type TaskFilter struct {
	RepoID   string
	Status   TaskStatus
	Strategy Strategy
	Limit    int
	Offset   int
}
