package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/revgate/revgate/internal/assistant"
	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/gitutil"
	"github.com/revgate/revgate/internal/storage"
	"github.com/revgate/revgate/internal/workingcopy"
)

type fakeStore struct {
	mu        sync.Mutex
	finalized []*storage.Task
	progress  []storage.BatchResult
	pending   []*storage.Task
}

func (f *fakeStore) CreateTask(t *storage.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.TaskID == "" {
		t.TaskID = fmt.Sprintf("fake-%d", len(f.finalized)+len(f.progress)+1)
	}
	return nil
}
func (f *fakeStore) MarkProcessing(taskID string) error { return nil }
func (f *fakeStore) SetBatchTotal(taskID string, total int) error { return nil }
func (f *fakeStore) UpdateProgress(taskID string, result storage.BatchResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, result)
	return nil
}
func (f *fakeStore) Finalize(taskID string, status storage.TaskStatus, issues []storage.Issue, t *storage.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	cp.Status = status
	f.finalized = append(f.finalized, &cp)
	return nil
}
func (f *fakeStore) RequeuePending() ([]*storage.Task, error) { return f.pending, nil }
func (f *fakeStore) FailStaleProcessing(reason string) (int, error) { return 0, nil }

func (f *fakeStore) last() *storage.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.finalized) == 0 {
		return nil
	}
	return f.finalized[len(f.finalized)-1]
}

type fakeCheckouts struct {
	changed []gitutil.FileChange
	dir     string
	closed  bool
	err     error
}

func (f *fakeCheckouts) EnsureCloned(ctx context.Context, repo config.RepoConfig) error { return f.err }
func (f *fakeCheckouts) Checkout(ctx context.Context, repo config.RepoConfig, ref, scratchID string) (*workingcopy.Checkout, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &workingcopy.Checkout{Dir: f.dir}, nil
}
func (f *fakeCheckouts) ListChangedFiles(ctx context.Context, repo config.RepoConfig, baseRef, headRef string) ([]gitutil.FileChange, error) {
	return f.changed, f.err
}

type fakeRunner struct {
	report string
	err    error
	delay  time.Duration
}

func (r *fakeRunner) Name() string { return "fake" }
func (r *fakeRunner) Run(ctx context.Context, req assistant.Request, progress io.Writer) (assistant.Result, error) {
	if r.delay > 0 {
		select {
		case <-ctx.Done():
			return assistant.Result{}, ctx.Err()
		case <-time.After(r.delay):
		}
	}
	if r.err != nil {
		return assistant.Result{}, r.err
	}
	return assistant.Result{Report: r.report}, nil
}

type fakeRegistry struct{ runner assistant.Runner }

func (f *fakeRegistry) Get(name string) (assistant.Runner, error) { return f.runner, nil }

func testConfigAndRepo() (*config.Config, config.RepoConfig) {
	repo := config.RepoConfig{RepoID: "repo-1", CloneURL: "git@example.com:a/b.git", Enabled: true}
	cfg := &config.Config{
		Workers:             2,
		MaxTokensPerBatch:   100_000,
		ContextMapTokens:    262_144,
		CharsPerToken:       3.5,
		BatchTimeoutSeconds: 5,
		AssistantBackend:    "fake",
		Repos:               []config.RepoConfig{repo},
	}
	return cfg, repo
}

func TestProcessTaskEmptyChangeSetCompletesWithPerfectScore(t *testing.T) {
	cfg, _ := testConfigAndRepo()
	store := &fakeStore{}
	checkouts := &fakeCheckouts{dir: t.TempDir()}
	registry := &fakeRegistry{runner: &fakeRunner{}}
	p := New(cfg, store, checkouts, registry, nil)

	task := &storage.Task{TaskID: "t1", RepoID: "repo-1", RevisionRef: "HEAD", BaseRef: "HEAD"}
	p.processTask("worker-0", task)

	final := store.last()
	if final == nil {
		t.Fatal("task was never finalized")
	}
	if final.Status != storage.TaskCompleted {
		t.Errorf("status = %v, want completed", final.Status)
	}
	if final.QualityScore != 100 {
		t.Errorf("quality_score = %d, want 100", final.QualityScore)
	}
	if final.BatchTotal != 0 {
		t.Errorf("batch_total = %d, want 0", final.BatchTotal)
	}
}

func TestProcessTaskSingleBatchSucceeds(t *testing.T) {
	cfg, _ := testConfigAndRepo()
	store := &fakeStore{}
	dir := t.TempDir()
	checkouts := &fakeCheckouts{
		dir:     dir,
		changed: []gitutil.FileChange{{Path: "a.go"}, {Path: "b.go"}},
	}
	registry := &fakeRegistry{runner: &fakeRunner{report: "🔴 [a.go:10] null pointer dereference"}}
	p := New(cfg, store, checkouts, registry, nil)

	task := &storage.Task{TaskID: "t2", RepoID: "repo-1", RevisionRef: "HEAD", BaseRef: "HEAD^"}
	p.processTask("worker-0", task)

	final := store.last()
	if final.Status != storage.TaskCompleted {
		t.Fatalf("status = %v, want completed", final.Status)
	}
	if final.BatchTotal != 1 {
		t.Errorf("batch_total = %d, want 1", final.BatchTotal)
	}
	if final.CriticalCount != 1 {
		t.Errorf("critical_count = %d, want 1", final.CriticalCount)
	}
}

func TestProcessTaskAllBatchesFailIsTaskFailed(t *testing.T) {
	cfg, _ := testConfigAndRepo()
	store := &fakeStore{}
	checkouts := &fakeCheckouts{
		dir:     t.TempDir(),
		changed: []gitutil.FileChange{{Path: "a.go"}},
	}
	registry := &fakeRegistry{runner: &fakeRunner{err: errors.New("assistant exited 1")}}
	p := New(cfg, store, checkouts, registry, nil)

	task := &storage.Task{TaskID: "t3", RepoID: "repo-1", RevisionRef: "HEAD", BaseRef: "HEAD^"}
	p.processTask("worker-0", task)

	final := store.last()
	if final.Status != storage.TaskFailed {
		t.Fatalf("status = %v, want failed", final.Status)
	}
	if final.ErrorKind != "subprocess" {
		t.Errorf("error_kind = %q, want subprocess", final.ErrorKind)
	}
}

func TestCancelRunningTaskFinalizesCancelled(t *testing.T) {
	cfg, _ := testConfigAndRepo()
	store := &fakeStore{}
	checkouts := &fakeCheckouts{
		dir:     t.TempDir(),
		changed: []gitutil.FileChange{{Path: "a.go"}},
	}
	registry := &fakeRegistry{runner: &fakeRunner{delay: 2 * time.Second}}
	p := New(cfg, store, checkouts, registry, nil)

	task := &storage.Task{TaskID: "t4", RepoID: "repo-1", RevisionRef: "HEAD", BaseRef: "HEAD^", Status: storage.TaskProcessing}

	done := make(chan struct{})
	go func() {
		p.processTask("worker-0", task)
		close(done)
	}()

	// Wait until the task registers as running, then cancel it.
	deadline := time.After(time.Second)
	for {
		p.mu.Lock()
		_, running := p.running[task.TaskID]
		p.mu.Unlock()
		if running {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task never registered as running")
		case <-time.After(time.Millisecond):
		}
	}
	p.CancelTask(task)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unblock processTask")
	}

	final := store.last()
	if final.Status != storage.TaskCancelled {
		t.Errorf("status = %v, want cancelled", final.Status)
	}
}

func TestCancelPendingTaskSkipsQueuedWork(t *testing.T) {
	cfg, _ := testConfigAndRepo()
	store := &fakeStore{}
	p := New(cfg, store, &fakeCheckouts{}, &fakeRegistry{runner: &fakeRunner{}}, nil)

	task := &storage.Task{TaskID: "t5", RepoID: "repo-1", Status: storage.TaskPending}
	if !p.CancelTask(task) {
		t.Fatal("CancelTask on a pending task should succeed")
	}
	final := store.last()
	if final == nil || final.Status != storage.TaskCancelled {
		t.Fatalf("pending task should finalize as cancelled, got %+v", final)
	}

	p.mu.Lock()
	skipped := p.queuedCancels[task.TaskID]
	p.mu.Unlock()
	if !skipped {
		t.Error("task should be recorded in queuedCancels so a worker skips it if dequeued")
	}
}

func TestIsTransientExternalClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("net/http: request canceled (Client.Timeout exceeded)"), true},
		{errors.New("fatal: could not resolve host"), true},
		{errors.New("server returned 503 Service Unavailable"), true},
		{errors.New("unknown platform: bitbucket"), false},
		{errors.New("assistant exited with status 1"), false},
	}
	for _, c := range cases {
		if got := isTransientExternal(c.err); got != c.want {
			t.Errorf("isTransientExternal(%q) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestStartRequeuesPendingInOrder(t *testing.T) {
	cfg, _ := testConfigAndRepo()
	cfg.Workers = 0 // avoid racing real workers against the assertion below
	t1 := &storage.Task{TaskID: "p1", RepoID: "repo-1"}
	t2 := &storage.Task{TaskID: "p2", RepoID: "repo-1"}
	store := &fakeStore{pending: []*storage.Task{t1, t2}}
	p := New(cfg, store, &fakeCheckouts{}, &fakeRegistry{runner: &fakeRunner{}}, nil)
	p.numWorkers = 0 // Start spawns zero workers; we just assert the queue order

	p.Start()

	first := <-p.queue
	second := <-p.queue
	if first.TaskID != "p1" || second.TaskID != "p2" {
		t.Errorf("requeue order = %s, %s; want p1, p2", first.TaskID, second.TaskID)
	}
}
