// Package gitutil wraps the host git binary. Every exported function
// is a thin exec.Command invocation scoped to a single repository
// directory; there is no in-process Git implementation. This mirrors
// how the engine's Working-Copy Manager (internal/workingcopy) and
// Change-Set Planner (internal/planner) consume VCS state: by shelling
// out, the same way an operator would from a terminal.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// normalizeMSYSPath converts MSYS-style paths git-for-windows tools
// sometimes print (e.g. /c/Users/...) into native Windows paths
// (C:\Users\...); on other OSes it's just a slash-direction
// normalization.
func normalizeMSYSPath(path string) string {
	path = strings.TrimSpace(path)
	if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' {
		if (path[1] >= 'a' && path[1] <= 'z' || path[1] >= 'A' && path[1] <= 'Z') && path[2] == '/' {
			path = strings.ToUpper(string(path[1])) + ":" + path[2:]
		}
	}
	return filepath.FromSlash(path)
}

// RepoRoot returns the top-level working directory git reports for
// dir, normalized for Windows/MSYS path forms. Used to canonicalize a
// worktree path right after creating it, since `git worktree add`'s
// own argument may not match the path git itself will report back
// (symlinked temp dirs, drive-letter casing).
func RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return normalizeMSYSPath(out), nil
}

// FileChange is one file's line-level delta between two revisions.
type FileChange struct {
	Path      string
	Additions int
	Deletions int
}

// CommitInfo is the subset of `git log` metadata the engine persists
// on a review task (author name/email, per §3).
type CommitInfo struct {
	SHA       string
	Author    string
	Email     string
	Subject   string
	Timestamp time.Time
}

// run executes git with args inside dir, returning trimmed stdout.
// stderr is attached to the returned error for diagnostics.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CloneMirror creates a bare mirror clone of url at dir. It always runs
// git clone, which fails if dir already exists and is not empty;
// workingcopy.Manager.EnsureCloned calls FetchMirror instead when a
// mirror is already present.
func CloneMirror(ctx context.Context, url, dir string, env []string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--mirror", url, dir)
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git clone --mirror: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// FetchMirror updates an existing mirror clone's refs.
func FetchMirror(ctx context.Context, dir string, env []string) error {
	cmd := exec.CommandContext(ctx, "git", "fetch", "--prune")
	cmd.Dir = dir
	cmd.Env = env
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git fetch --prune: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// AddWorktree materializes a detached checkout of ref from a mirror at
// worktreeDir, with hooks suppressed (reviews never need local hooks).
func AddWorktree(ctx context.Context, mirrorDir, worktreeDir, ref string) error {
	_, err := run(ctx, mirrorDir, "-c", "core.hooksPath=/dev/null",
		"worktree", "add", "--detach", worktreeDir, ref)
	return err
}

// RemoveWorktree removes a worktree created by AddWorktree.
func RemoveWorktree(ctx context.Context, mirrorDir, worktreeDir string) error {
	_, err := run(ctx, mirrorDir, "worktree", "remove", "--force", worktreeDir)
	return err
}

// PorcelainStatus returns `git status --porcelain`'s raw output for
// dir: empty means the working tree is clean. Used by the scheduler
// after each batch to verify the assistant left the checkout unchanged
// (§4.5) — divergence is reported to the caller to log, never rolled
// back here.
func PorcelainStatus(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "status", "--porcelain")
}

// DiffNumstat returns the per-file line-delta between two revisions,
// in diff order, excluding lockfiles and cache directories that never
// carry review-worthy content.
func DiffNumstat(ctx context.Context, dir, baseRef, headRef string) ([]FileChange, error) {
	args := []string{"diff", "--numstat", baseRef + ".." + headRef, "--"}
	args = append(args, excludedPathspecs()...)
	out, err := run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var changes []FileChange
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			continue
		}
		add, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		changes = append(changes, FileChange{Path: fields[2], Additions: add, Deletions: del})
	}
	return changes, nil
}

// UnifiedDiff returns the full zero-context unified diff between two
// revisions, for hunk-accurate parsing by github.com/sourcegraph/go-diff.
func UnifiedDiff(ctx context.Context, dir, baseRef, headRef string) (string, error) {
	args := []string{"diff", "--unified=0", baseRef + ".." + headRef, "--"}
	args = append(args, excludedPathspecs()...)
	return run(ctx, dir, args...)
}

// ReadFile returns the content of path as it existed at ref, or
// ok=false if the path did not exist at that revision.
func ReadFile(ctx context.Context, dir, ref, path string) ([]byte, bool, error) {
	cmd := exec.CommandContext(ctx, "git", "show", ref+":"+path)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "does not exist") || strings.Contains(stderr.String(), "exists on disk, but not in") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("git show %s:%s: %w: %s", ref, path, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), true, nil
}

// recordSeparator matches the teacher's use of ASCII 0x1e to delimit
// git log format fields that might themselves contain any printable
// character, including tabs and pipes.
const recordSeparator = "\x1e"

// GetCommitInfo returns author/subject/timestamp metadata for sha.
func GetCommitInfo(ctx context.Context, dir, sha string) (CommitInfo, error) {
	format := strings.Join([]string{"%H", "%an", "%ae", "%s", "%cI"}, recordSeparator)
	out, err := run(ctx, dir, "log", "-1", "--format="+format, sha)
	if err != nil {
		return CommitInfo{}, err
	}
	fields := strings.Split(out, recordSeparator)
	if len(fields) != 5 {
		return CommitInfo{}, fmt.Errorf("unexpected git log output shape for %s", sha)
	}
	ts, _ := time.Parse(time.RFC3339, fields[4])
	return CommitInfo{SHA: fields[0], Author: fields[1], Email: fields[2], Subject: fields[3], Timestamp: ts}, nil
}

// ListCommitsSince returns commits on branch reachable after sinceSHA
// (exclusive), oldest first, for poller new-commit discovery. If
// sinceSHA is empty, only the branch tip is returned.
func ListCommitsSince(ctx context.Context, dir, branch, sinceSHA string) ([]CommitInfo, error) {
	rangeSpec := branch
	if sinceSHA != "" {
		rangeSpec = sinceSHA + ".." + branch
	}
	format := strings.Join([]string{"%H", "%an", "%ae", "%s", "%cI"}, recordSeparator)
	args := []string{"log", "--reverse", "--format=" + format}
	if sinceSHA == "" {
		args = append(args, "-1")
	}
	out, err := run(ctx, dir, append(args, rangeSpec)...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var commits []CommitInfo
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, recordSeparator)
		if len(fields) != 5 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, fields[4])
		commits = append(commits, CommitInfo{SHA: fields[0], Author: fields[1], Email: fields[2], Subject: fields[3], Timestamp: ts})
	}
	return commits, nil
}

// excludedPathPatterns are lockfiles and cache directories with no
// review-worthy content, excluded from diffs the same way the teacher
// trims noise out of its review batches.
var excludedPathPatterns = []string{
	"uv.lock", "package-lock.json", "yarn.lock", "pnpm-lock.yaml",
	"Cargo.lock", "Gemfile.lock", "poetry.lock", "composer.lock", "go.sum",
	".cache", ".gocache",
}

func excludedPathspecs() []string {
	out := make([]string, 0, len(excludedPathPatterns)+1)
	out = append(out, ".")
	for _, p := range excludedPathPatterns {
		out = append(out, ":(exclude)"+p)
	}
	return out
}
