package daemon

import (
	"strings"
	"testing"

	"github.com/revgate/revgate/internal/storage"
)

func sampleTask() (*storage.Task, []storage.Issue) {
	task := &storage.Task{
		RepoID:          "acme/widgets",
		RevisionRef:     "abcdef1234567890",
		Strategy:        storage.StrategyCommit,
		Status:          storage.TaskCompleted,
		QualityScore:    87,
		Verdict:         "approve with minor suggestions",
		RiskLevel:       "low",
		CriticalCount:   0,
		WarningCount:    1,
		SuggestionCount: 2,
	}
	issues := []storage.Issue{
		{
			Severity:    storage.SeverityWarning,
			Title:       "unchecked error",
			Description: "the return value of os.Remove is discarded",
			FilePath:    "internal/cleanup/cleanup.go",
			LineNumber:  42,
			Suggestion:  "check and log the error",
		},
	}
	return task, issues
}

func TestRenderMarkdownIncludesIssueDetails(t *testing.T) {
	task, issues := sampleTask()
	out := RenderMarkdown(task, issues)

	for _, want := range []string{"acme/widgets", "abcdef123456", "87/100", "unchecked error", "cleanup.go:42", "check and log the error"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected markdown output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestRenderMarkdownNoIssues(t *testing.T) {
	task := &storage.Task{RepoID: "acme/widgets", RevisionRef: "abc123", Status: storage.TaskCompleted}
	out := RenderMarkdown(task, nil)
	if !strings.Contains(out, "No issues were found") {
		t.Errorf("expected no-issues message, got:\n%s", out)
	}
}

func TestRenderHTMLEscapesUserContent(t *testing.T) {
	task, _ := sampleTask()
	issues := []storage.Issue{{
		Severity:    storage.SeverityCritical,
		Title:       "<script>alert(1)</script>",
		Description: "injected",
	}}
	out := RenderHTML(task, issues)

	if strings.Contains(out, "<script>alert(1)</script>") {
		t.Fatal("expected issue title to be HTML-escaped")
	}
	if !strings.Contains(out, "&lt;script&gt;") {
		t.Errorf("expected escaped title in output, got:\n%s", out)
	}
}
