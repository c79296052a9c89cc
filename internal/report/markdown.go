package report

import (
	"regexp"
	"strings"

	"github.com/revgate/revgate/internal/storage"
)

var headingStart = regexp.MustCompile(`(?m)^#{1,4}\s`)
var headingLine = regexp.MustCompile(`(?s)^#{1,4}\s*(.+?)\n(.*)$`)

// splitOnHeadings splits text immediately before each line that starts a
// heading, dropping the newline that precedes it — equivalent to splitting
// on `\n(?=#{1,4}\s)`, which Go's RE2 engine cannot express directly since
// it doesn't support lookahead.
func splitOnHeadings(text string) []string {
	locs := headingStart.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	sections := make([]string, 0, len(locs)+1)
	start := 0
	for _, loc := range locs {
		sections = append(sections, text[start:loc[0]])
		start = loc[0]
	}
	sections = append(sections, text[start:])
	return sections
}

var skipHeadings = []string{"code review", "summary", "overview", "conclusion", "review report"}

// parseMarkdown recognizes a report structured as markdown headings
// (# through ####), one per
// issue, and falls back to a numbered-list format when no headings
// produced any issues.
func parseMarkdown(text string) []storage.Issue {
	var issues []storage.Issue

	for _, section := range splitOnHeadings(text) {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		m := headingLine.FindStringSubmatch(section + "\n")
		if m == nil {
			continue
		}
		title := strings.TrimSpace(m[1])
		description := strings.TrimSpace(m[2])

		lowerTitle := strings.ToLower(title)
		skip := false
		for _, s := range skipHeadings {
			if strings.Contains(lowerTitle, s) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		severity := detectSeverity(title + " " + description)
		if severity == storage.SeverityInfo && !looksLikeIssue(title, description) {
			continue
		}

		filePath, lineNumber := extractFileLocation(title + " " + description)
		issues = append(issues, storage.Issue{
			Severity:    severity,
			Title:       title,
			Description: description,
			FilePath:    filePath,
			LineNumber:  lineNumber,
			CodeSnippet: extractCodeSnippet(description),
			Suggestion:  extractSuggestion(description),
			Category:    detectCategory(title + " " + description),
			Ordinal:     len(issues),
		})
	}
	if len(issues) > 0 {
		return issues
	}

	return parseNumberedList(text)
}

var numberedItem = regexp.MustCompile(`(?m)^\s*(\d+)[.)]\s+(.+)$`)

// parseNumberedList recognizes "1. ..." / "2. ..." style lists, a
// common fallback shape when an assistant ignores the heading format.
func parseNumberedList(text string) []storage.Issue {
	locs := numberedItem.FindAllStringSubmatchIndex(text, -1)
	var issues []storage.Issue
	for i, loc := range locs {
		start := loc[4]
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		content := strings.TrimSpace(text[start:end])
		if len(content) < 10 {
			continue
		}

		lines := strings.SplitN(content, "\n", 2)
		title := lines[0]
		if len(title) > 100 {
			title = title[:100]
		}
		var description string
		if len(lines) > 1 {
			description = strings.TrimSpace(lines[1])
		}

		severity := detectSeverity(content)
		if severity == storage.SeverityInfo && !looksLikeIssue(title, content) {
			continue
		}

		filePath, lineNumber := extractFileLocation(content)
		issues = append(issues, storage.Issue{
			Severity:    severity,
			Title:       title,
			Description: description,
			FilePath:    filePath,
			LineNumber:  lineNumber,
			CodeSnippet: extractCodeSnippet(content),
			Suggestion:  extractSuggestion(content),
			Category:    detectCategory(content),
			Ordinal:     len(issues),
		})
	}
	return issues
}
