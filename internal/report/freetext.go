package report

import (
	"regexp"
	"strings"

	"github.com/revgate/revgate/internal/storage"
)

var paragraphSplit = regexp.MustCompile(`\n{2,}`)
var sentenceSplit = regexp.MustCompile(`[.!?\n]`)

// parseFreeText is the last-resort strategy: it treats each
// double-newline-separated paragraph as a candidate issue, keeping
// only the ones that read like a finding rather than prose.
func parseFreeText(text string) []storage.Issue {
	var issues []storage.Issue
	for _, para := range paragraphSplit.Split(text, -1) {
		para = strings.TrimSpace(para)
		if len(para) < 20 {
			continue
		}

		severity := detectSeverity(para)
		if severity == storage.SeverityInfo && !looksLikeIssue("", para) {
			continue
		}

		title := sentenceSplit.Split(para, 2)[0]
		if len(title) > 100 {
			title = title[:100] + "..."
		}

		issues = append(issues, storage.Issue{
			Severity:    severity,
			Title:       strings.TrimSpace(title),
			Description: para,
			CodeSnippet: extractCodeSnippet(para),
			Suggestion:  extractSuggestion(para),
			Category:    detectCategory(para),
			Ordinal:     len(issues),
		})
	}
	return issues
}
