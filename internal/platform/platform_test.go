package platform

import (
	"testing"
	"time"
)

func TestDecodeGitLabPushHook(t *testing.T) {
	body := []byte(`{
		"ref": "refs/heads/main",
		"project": {"ssh_url": "git@gitlab.example.com:group/project.git", "http_url": "https://gitlab.example.com/group/project.git"},
		"commits": [
			{"id": "aaa", "timestamp": "2026-01-01T00:00:00Z", "author": {"name": "a", "email": "a@example.com"}},
			{"id": "bbb", "timestamp": "2026-01-02T00:00:00Z", "author": {"name": "b", "email": "b@example.com"}}
		]
	}`)

	event, ok, err := DecodeEvent("gitlab", "Push Hook", body)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if !ok {
		t.Fatal("DecodeEvent returned ok=false, want true")
	}
	if event.Kind != KindCommit || event.RevisionRef != "bbb" {
		t.Errorf("event = %+v, want latest commit bbb", event)
	}
	if event.Branch != "main" {
		t.Errorf("Branch = %q, want main", event.Branch)
	}
}

func TestCommitTimestampGitLab(t *testing.T) {
	entry := map[string]any{"id": "aaa", "committed_date": "2025-01-02T03:04:05Z"}
	got := commitTimestamp(entry)
	want := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("commitTimestamp() = %v, want %v", got, want)
	}
}

func TestCommitTimestampGitHub(t *testing.T) {
	entry := map[string]any{
		"sha": "aaa",
		"commit": map[string]any{
			"committer": map[string]any{"date": "2025-01-02T03:04:05Z"},
		},
	}
	got := commitTimestamp(entry)
	want := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("commitTimestamp() = %v, want %v", got, want)
	}
}

func TestCommitTimestampMissingFallsBackToNow(t *testing.T) {
	got := commitTimestamp(map[string]any{"id": "aaa"})
	if time.Since(got) > time.Minute {
		t.Errorf("commitTimestamp() with no date field = %v, want ~now", got)
	}
}

func TestDecodeGitLabPushHookNoCommits(t *testing.T) {
	body := []byte(`{"ref": "refs/heads/main", "project": {}, "commits": []}`)
	_, ok, err := DecodeEvent("gitlab", "Push Hook", body)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ok {
		t.Error("DecodeEvent with no commits should return ok=false")
	}
}

func TestDecodeGitLabMergeRequestHookIgnoresClosed(t *testing.T) {
	body := []byte(`{"object_attributes": {"iid": 5, "state": "closed", "action": "close"}, "project": {}, "user": {}}`)
	_, ok, err := DecodeEvent("gitlab", "Merge Request Hook", body)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ok {
		t.Error("closed MR should be ignored")
	}
}

func TestDecodeGiteaPullRequestOpened(t *testing.T) {
	body := []byte(`{
		"action": "opened",
		"pull_request": {"number": 7, "base": {"ref": "main"}, "head": {"ref": "feature"}},
		"repository": {"ssh_url": "git@gitea.example.com:owner/repo.git"},
		"sender": {"login": "alice", "email": "alice@example.com"}
	}`)
	event, ok, err := DecodeEvent("gitea", "pull_request", body)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if !ok || event.Kind != KindMR || event.RevisionRef != "7" {
		t.Errorf("event = %+v ok=%v, want MR #7", event, ok)
	}
}

func TestDecodeGitHubPullRequestSynchronize(t *testing.T) {
	body := []byte(`{
		"action": "synchronize",
		"pull_request": {"number": 42, "base": {"ref": "main"}, "head": {"ref": "fix"}},
		"repository": {"ssh_url": "git@github.com:owner/repo.git"},
		"sender": {"login": "bob"}
	}`)
	event, ok, err := DecodeEvent("github", "pull_request", body)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if !ok || event.RevisionRef != "42" {
		t.Errorf("event = %+v, want PR #42", event)
	}
}

func TestProjectPathSSH(t *testing.T) {
	path, ok := ProjectPath("git@gitlab.example.com:group/project.git")
	if !ok || path != "group/project" {
		t.Errorf("ProjectPath() = (%q, %v), want (group/project, true)", path, ok)
	}
}

func TestProjectPathHTTP(t *testing.T) {
	path, ok := ProjectPath("https://gitea.example.com/owner/repo.git")
	if !ok || path != "owner/repo" {
		t.Errorf("ProjectPath() = (%q, %v), want (owner/repo, true)", path, ok)
	}
}

func TestSanitizeBranchRef(t *testing.T) {
	if got := sanitizeBranchRef("refs/heads/main"); got != "main" {
		t.Errorf("sanitizeBranchRef() = %q, want main", got)
	}
}
