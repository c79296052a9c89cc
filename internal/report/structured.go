package report

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/revgate/revgate/internal/storage"
)

// severityMarker matches an emoji/label severity prefix followed by an
// optional [file:line] location and the rest of the line as a title.
var severityMarker = regexp.MustCompile(`(?m)(🔴|🟡|🔵|ℹ️)\s*(?:\[([^\]:]+)(?::(\d+))?\])?\s*(.+)$`)

// parseStructured recognizes emoji-prefixed issue lines, the format an
// assistant produces when explicitly instructed to flag severity. Each
// match's following text up to the next marker (or a markdown heading)
// becomes that issue's description.
func parseStructured(text string) []storage.Issue {
	matches := severityMarker.FindAllStringSubmatchIndex(text, -1)
	var issues []storage.Issue
	for i, m := range matches {
		emoji := text[m[2]:m[3]]
		var filePath string
		if m[4] >= 0 {
			filePath = text[m[4]:m[5]]
		}
		var lineNumber int
		if m[6] >= 0 {
			lineNumber, _ = strconv.Atoi(text[m[6]:m[7]])
		}
		title := strings.TrimSpace(text[m[8]:m[9]])

		descStart := m[1]
		descEnd := len(text)
		if i+1 < len(matches) {
			descEnd = matches[i+1][0]
		}
		description := strings.TrimSpace(text[descStart:descEnd])

		issues = append(issues, storage.Issue{
			Severity:    detectSeverity(emoji + " " + title),
			Title:       title,
			Description: description,
			FilePath:    filePath,
			LineNumber:  lineNumber,
			CodeSnippet: extractCodeSnippet(description),
			Suggestion:  extractSuggestion(description),
			Category:    detectCategory(title + " " + description),
			Ordinal:     i,
		})
	}
	return issues
}
