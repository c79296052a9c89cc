package planner

import (
	"github.com/sourcegraph/go-diff/diff"
)

// Hunk is one changed line range within a file, recovered from a full
// unified diff. The planner doesn't need hunk precision to build
// batches (Build weighs files by their byte length in the checkout).
// ParseHunks turns the output of gitutil.UnifiedDiff into per-file
// line ranges; no other package calls it.
type Hunk struct {
	NewStart int
	NewLines int
}

// ParseHunks parses a unified diff (as produced by gitutil.UnifiedDiff)
// into per-file hunk line ranges.
func ParseHunks(unified string) (map[string][]Hunk, error) {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(unified))
	if err != nil {
		return nil, err
	}

	out := map[string][]Hunk{}
	for _, fd := range fileDiffs {
		path := fd.NewName
		if path == "" {
			path = fd.OrigName
		}
		path = trimDiffPrefix(path)
		for _, h := range fd.Hunks {
			out[path] = append(out[path], Hunk{NewStart: int(h.NewStartLine), NewLines: int(h.NewLines)})
		}
	}
	return out, nil
}

// trimDiffPrefix strips the a/ or b/ prefix git diff headers carry.
func trimDiffPrefix(path string) string {
	if len(path) > 2 && (path[:2] == "a/" || path[:2] == "b/") {
		return path[2:]
	}
	return path
}
