package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/revgate/revgate/internal/assistant"
	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/gitutil"
	"github.com/revgate/revgate/internal/ingest/poller"
	"github.com/revgate/revgate/internal/ingest/webhook"
	"github.com/revgate/revgate/internal/scheduler"
	"github.com/revgate/revgate/internal/storage"
	"github.com/revgate/revgate/internal/workingcopy"
)

// fakeStore is a minimal storage.Store for exercising server routes
// without a real database.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*storage.Task
}

func newFakeStore() *fakeStore { return &fakeStore{tasks: map[string]*storage.Task{}} }

func (s *fakeStore) GetRevisionMarker(string, string, storage.RevisionKind) (storage.RevisionMarker, bool, error) {
	return storage.RevisionMarker{}, false, nil
}
func (s *fakeStore) CompareAndAdvance(string, string, storage.RevisionKind, string, string) (bool, error) {
	return true, nil
}
func (s *fakeStore) CreateTask(t *storage.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.TaskID == "" {
		t.TaskID = "fake-" + t.RevisionRef
	}
	if t.Status == "" {
		t.Status = storage.TaskPending
	}
	t.CreatedAt = time.Now()
	s.tasks[t.TaskID] = t
	return nil
}
func (s *fakeStore) MarkProcessing(string) error                      { return nil }
func (s *fakeStore) SetBatchTotal(string, int) error                  { return nil }
func (s *fakeStore) UpdateProgress(string, storage.BatchResult) error { return nil }
func (s *fakeStore) Finalize(taskID string, status storage.TaskStatus, issues []storage.Issue, t *storage.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[taskID]; ok {
		existing.Status = status
	}
	return nil
}
func (s *fakeStore) Query(f storage.TaskFilter) ([]*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Task
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}
func (s *fakeStore) GetFull(taskID string) (*storage.Task, []storage.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil, errTaskNotFound
	}
	return t, nil, nil
}
func (s *fakeStore) DeleteTask(string) error                  { return nil }
func (s *fakeStore) RequeuePending() ([]*storage.Task, error) { return nil, nil }
func (s *fakeStore) FailStaleProcessing(string) (int, error)  { return 0, nil }
func (s *fakeStore) GetSetting(string) (string, bool, error)  { return "", false, nil }
func (s *fakeStore) SetSetting(string, string) error          { return nil }
func (s *fakeStore) AllSettings() (map[string]string, error)  { return nil, nil }
func (s *fakeStore) Close() error                             { return nil }

var errTaskNotFound = errors.New("task not found")

type fakeCheckouts struct{}

func (fakeCheckouts) EnsureCloned(context.Context, config.RepoConfig) error { return nil }
func (fakeCheckouts) Checkout(context.Context, config.RepoConfig, string, string) (*workingcopy.Checkout, error) {
	return &workingcopy.Checkout{}, nil
}
func (fakeCheckouts) ListChangedFiles(context.Context, config.RepoConfig, string, string) ([]gitutil.FileChange, error) {
	return nil, nil
}

// emptyRegistry resolves no backends; fine for tests that only check
// HTTP-layer behavior and never let a task actually run to completion.
type emptyRegistry struct{ *assistant.Registry }

func newEmptyRegistry() emptyRegistry { return emptyRegistry{assistant.NewRegistry()} }

func newTestServer(t *testing.T) (*Server, *fakeStore) {
	t.Helper()
	t.Setenv("REVGATE_DATA_DIR", t.TempDir())

	cfg := config.Default()
	cfg.Repos = []config.RepoConfig{{
		RepoID: "repo-1", Name: "widgets", CloneURL: "https://git.example.com/acme/widgets.git",
		Platform: config.PlatformGitLab, APIBase: "https://git.example.com/api/v4",
		Branch: "main", Enabled: true, TriggerMode: config.TriggerBoth,
	}}
	store := newFakeStore()

	pool := scheduler.New(cfg, store, fakeCheckouts{}, newEmptyRegistry(), nil)
	pl := poller.New(cfg, store, pool)
	wh := &webhook.Handler{Config: cfg, Enqueuer: pool}

	srv := NewServer(cfg, "", store, pool, pl, wh)
	var err error
	srv.ActivityLog, err = NewActivityLog(DefaultActivityLogPath())
	if err != nil {
		t.Fatalf("NewActivityLog: %v", err)
	}
	srv.ErrorLog, err = NewErrorLog(DefaultErrorLogPath())
	if err != nil {
		t.Fatalf("NewErrorLog: %v", err)
	}
	t.Cleanup(func() {
		srv.ActivityLog.Close()
		srv.ErrorLog.Close()
	})
	return srv, store
}

func jsonBody(s string) io.Reader { return strings.NewReader(s) }

func TestHandleHealthReportsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleTriggerEnqueuesAndPersistsTask(t *testing.T) {
	srv, store := newTestServer(t)
	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/polling/repos/repo-1/trigger", jsonBody(`{"strategy":"commit","revision_ref":"abc123"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "queued" {
		t.Fatalf("expected status queued, got %v", resp)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.tasks) != 1 {
		t.Fatalf("expected the task to be persisted, got %d tasks", len(store.tasks))
	}
}

func TestHandleTriggerRequiresRevisionRef(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/polling/repos/repo-1/trigger", jsonBody(`{"strategy":"commit"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleTriggerUnknownRepoReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/polling/repos/does-not-exist/trigger", jsonBody(`{"revision_ref":"abc"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleStatsReviewExportDefaultsToMarkdown(t *testing.T) {
	srv, store := newTestServer(t)
	store.tasks["t1"] = &storage.Task{TaskID: "t1", RepoID: "repo-1", RevisionRef: "abc123", Status: storage.TaskCompleted}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/stats/review/t1/export", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/markdown; charset=utf-8" {
		t.Fatalf("expected markdown content type, got %q", ct)
	}
}

func TestHandleStatsReviewExportHTML(t *testing.T) {
	srv, store := newTestServer(t)
	store.tasks["t1"] = &storage.Task{TaskID: "t1", RepoID: "repo-1", RevisionRef: "abc123", Status: storage.TaskCompleted}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/stats/review/t1/export?format=html", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("expected html content type, got %q", ct)
	}
}

func TestHandlePollingStatusReflectsStartStop(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/polling/stop", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on stop, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/polling/status", nil))
	var status map[string]any
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status["running"] != false {
		t.Fatalf("expected running=false after stop, got %v", status)
	}
}
