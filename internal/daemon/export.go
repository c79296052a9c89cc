package daemon

import (
	"fmt"
	"html"
	"strings"

	"github.com/revgate/revgate/internal/storage"
)

// RenderMarkdown formats a task and its issues as a standalone
// markdown report, for GET /stats/review/{task_id}/export?format=md.
func RenderMarkdown(task *storage.Task, issues []storage.Issue) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Review: %s @ %s\n\n", task.RepoID, shortRef(task.RevisionRef))
	fmt.Fprintf(&b, "- **Status:** %s\n", task.Status)
	fmt.Fprintf(&b, "- **Strategy:** %s\n", task.Strategy)
	fmt.Fprintf(&b, "- **Quality score:** %d/100\n", task.QualityScore)
	if task.Verdict != "" {
		fmt.Fprintf(&b, "- **Verdict:** %s\n", task.Verdict)
	}
	if task.RiskLevel != "" {
		fmt.Fprintf(&b, "- **Risk level:** %s\n", task.RiskLevel)
	}
	fmt.Fprintf(&b, "- **Issues:** %d critical, %d warning, %d suggestion\n\n",
		task.CriticalCount, task.WarningCount, task.SuggestionCount)

	if len(issues) == 0 {
		b.WriteString("No issues were found.\n")
		return b.String()
	}

	for _, issue := range issues {
		fmt.Fprintf(&b, "## [%s] %s\n\n", strings.ToUpper(string(issue.Severity)), issue.Title)
		if issue.FilePath != "" {
			if issue.LineNumber > 0 {
				fmt.Fprintf(&b, "`%s:%d`\n\n", issue.FilePath, issue.LineNumber)
			} else {
				fmt.Fprintf(&b, "`%s`\n\n", issue.FilePath)
			}
		}
		if issue.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", issue.Description)
		}
		if issue.CodeSnippet != "" {
			fmt.Fprintf(&b, "```\n%s\n```\n\n", issue.CodeSnippet)
		}
		if issue.Suggestion != "" {
			fmt.Fprintf(&b, "**Suggestion:** %s\n\n", issue.Suggestion)
		}
	}
	return b.String()
}

// RenderHTML formats a task and its issues as a standalone HTML page,
// for GET /stats/review/{task_id}/export?format=html. Kept
// dependency-free (no template library) since the fragment is short
// and entirely server-generated.
func RenderHTML(task *storage.Task, issues []storage.Issue) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\">")
	fmt.Fprintf(&b, "<title>Review: %s</title></head><body>\n", html.EscapeString(task.RepoID))
	fmt.Fprintf(&b, "<h1>Review: %s @ %s</h1>\n", html.EscapeString(task.RepoID), html.EscapeString(shortRef(task.RevisionRef)))
	b.WriteString("<ul>\n")
	fmt.Fprintf(&b, "<li><b>Status:</b> %s</li>\n", html.EscapeString(string(task.Status)))
	fmt.Fprintf(&b, "<li><b>Strategy:</b> %s</li>\n", html.EscapeString(string(task.Strategy)))
	fmt.Fprintf(&b, "<li><b>Quality score:</b> %d/100</li>\n", task.QualityScore)
	if task.Verdict != "" {
		fmt.Fprintf(&b, "<li><b>Verdict:</b> %s</li>\n", html.EscapeString(task.Verdict))
	}
	if task.RiskLevel != "" {
		fmt.Fprintf(&b, "<li><b>Risk level:</b> %s</li>\n", html.EscapeString(task.RiskLevel))
	}
	fmt.Fprintf(&b, "<li><b>Issues:</b> %d critical, %d warning, %d suggestion</li>\n",
		task.CriticalCount, task.WarningCount, task.SuggestionCount)
	b.WriteString("</ul>\n")

	if len(issues) == 0 {
		b.WriteString("<p>No issues were found.</p>\n")
		b.WriteString("</body></html>\n")
		return b.String()
	}

	for _, issue := range issues {
		fmt.Fprintf(&b, "<h2>[%s] %s</h2>\n", html.EscapeString(strings.ToUpper(string(issue.Severity))), html.EscapeString(issue.Title))
		if issue.FilePath != "" {
			if issue.LineNumber > 0 {
				fmt.Fprintf(&b, "<p><code>%s:%d</code></p>\n", html.EscapeString(issue.FilePath), issue.LineNumber)
			} else {
				fmt.Fprintf(&b, "<p><code>%s</code></p>\n", html.EscapeString(issue.FilePath))
			}
		}
		if issue.Description != "" {
			fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(issue.Description))
		}
		if issue.CodeSnippet != "" {
			fmt.Fprintf(&b, "<pre><code>%s</code></pre>\n", html.EscapeString(issue.CodeSnippet))
		}
		if issue.Suggestion != "" {
			fmt.Fprintf(&b, "<p><b>Suggestion:</b> %s</p>\n", html.EscapeString(issue.Suggestion))
		}
	}
	b.WriteString("</body></html>\n")
	return b.String()
}

func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}
