package report

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/revgate/revgate/internal/storage"
)

// severityKeywords maps severity to the substrings (case-insensitive)
// whose presence marks a block as that severity. Order matters: the
// first severity with a match wins, most severe first.
var severityKeywords = []struct {
	severity storage.Severity
	words    []string
}{
	{storage.SeverityCritical, []string{"🔴", "critical", "security", "vulnerability", "dangerous", "error"}},
	{storage.SeverityWarning, []string{"🟡", "warning", "caution"}},
	{storage.SeveritySuggestion, []string{"🔵", "suggestion", "optimize", "improve", "recommend", "consider"}},
	{storage.SeverityInfo, []string{"ℹ️", "info", "note"}},
}

func detectSeverity(text string) storage.Severity {
	lower := strings.ToLower(text)
	for _, sk := range severityKeywords {
		for _, word := range sk.words {
			if strings.Contains(lower, strings.ToLower(word)) {
				return sk.severity
			}
		}
	}
	return storage.SeverityInfo
}

// categoryKeywords maps a category name to the keywords that identify it.
var categoryKeywords = map[string][]string{
	"security":        {"security", "injection", "xss", "csrf", "vulnerability"},
	"logic":           {"logic", "bug", "defect"},
	"performance":     {"performance", "optimi", "efficiency", "slow"},
	"style":           {"style", "format", "naming", "readability"},
	"maintainability": {"maintainab", "complexity", "duplicat", "coupling"},
	"documentation":   {"documentation", "comment", "docstring"},
}

// categoryOrder fixes iteration order so detection is deterministic
// regardless of Go's randomized map iteration.
var categoryOrder = []string{"security", "logic", "performance", "style", "maintainability", "documentation"}

func detectCategory(text string) string {
	lower := strings.ToLower(text)
	for _, category := range categoryOrder {
		for _, word := range categoryKeywords[category] {
			if strings.Contains(lower, word) {
				return category
			}
		}
	}
	return ""
}

var issueIndicators = []string{"should", "could", "issue", "bug", "error", "warning", "fix", "improve", "optimi"}

// looksLikeIssue filters out generic prose a heading-based split might
// otherwise treat as a finding.
func looksLikeIssue(title, description string) bool {
	combined := strings.ToLower(title + " " + description)
	for _, word := range issueIndicators {
		if strings.Contains(combined, word) {
			return true
		}
	}
	return false
}

var suggestionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)suggestion:\s*(.+)`),
	regexp.MustCompile(`(?i)recommend(?:ation|ed)?:\s*(.+)`),
	regexp.MustCompile(`(?i)should\s+be\s+changed\s+to:\s*(.+)`),
	regexp.MustCompile(`(?i)change\s+to:\s*(.+)`),
}

func extractSuggestion(text string) string {
	for _, pattern := range suggestionPatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(strings.SplitN(m[1], "\n", 2)[0])
		}
	}
	return ""
}

var (
	codeBlockRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
)

func extractCodeSnippet(text string) string {
	if m := codeBlockRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	matches := inlineCodeRe.FindAllStringSubmatch(text, 3)
	if len(matches) == 0 {
		return ""
	}
	var snippets []string
	for _, m := range matches {
		snippets = append(snippets, m[1])
	}
	return strings.Join(snippets, "\n")
}

var fileLocationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)([a-zA-Z0-9_./\\-]+\.[a-zA-Z]+)[:\s]+(?:line\s*)?(\d+)`),
	regexp.MustCompile(`(?i)([a-zA-Z0-9_./\\-]+\.[a-zA-Z]+)\s*\(\s*(?:line\s*)?(\d+)\s*\)`),
}

var bareFilePattern = regexp.MustCompile(`([a-zA-Z0-9_./\\-]+\.[a-zA-Z]{2,4})`)

func extractFileLocation(text string) (string, int) {
	for _, pattern := range fileLocationPatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			line, _ := strconv.Atoi(m[2])
			return m[1], line
		}
	}
	if m := bareFilePattern.FindStringSubmatch(text); m != nil {
		return m[1], 0
	}
	return "", 0
}
