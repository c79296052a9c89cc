package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/ingest/poller"
	"github.com/revgate/revgate/internal/ingest/webhook"
	"github.com/revgate/revgate/internal/scheduler"
	"github.com/revgate/revgate/internal/storage"
)

// Server wires the engine's core components into one long-running
// HTTP process. Route layout follows the teacher's server.go: a
// single http.ServeMux, one handler method per route, JSON in/out
// plus one SSE stream.
type Server struct {
	Config      *config.Config
	ConfigPath  string
	Store       storage.Store
	Pool        *scheduler.Pool
	Poller      *poller.Poller
	Webhook     *webhook.Handler
	Broadcaster *EventBroadcaster
	ActivityLog *ActivityLog
	ErrorLog    *ErrorLog
	ConfigWtch  *ConfigWatcher

	pollingEnabled bool

	httpServer *http.Server
	addr       string
}

// NewServer constructs a Server. Call Start to begin serving.
func NewServer(cfg *config.Config, configPath string, store storage.Store, pool *scheduler.Pool, pl *poller.Poller, wh *webhook.Handler) *Server {
	bc := NewBroadcaster()
	return &Server{
		Config:         cfg,
		ConfigPath:     configPath,
		Store:          store,
		Pool:           pool,
		Poller:         pl,
		Webhook:        wh,
		Broadcaster:    bc,
		pollingEnabled: true,
	}
}

// Start performs zombie cleanup, recovers stale tasks, picks a port,
// writes runtime info, and begins serving. It blocks until the HTTP
// server exits (normally via Stop).
func (s *Server) Start(ctx context.Context) error {
	CleanupZombieDaemons()

	if info, err := GetAnyRunningDaemon(); err == nil && IsDaemonAlive(info.Addr) {
		return fmt.Errorf("daemon already running at %s (pid %d)", info.Addr, info.PID)
	}

	activityLog, err := NewActivityLog(DefaultActivityLogPath())
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	s.ActivityLog = activityLog

	errorLog, err := NewErrorLog(DefaultErrorLogPath())
	if err != nil {
		return fmt.Errorf("open error log: %w", err)
	}
	s.ErrorLog = errorLog

	s.ConfigWtch = NewConfigWatcher(s.ConfigPath, s.Config, s.Broadcaster, s.ActivityLog)
	if err := s.ConfigWtch.Start(ctx); err != nil {
		log.Printf("daemon: config watcher not started: %v", err)
	}

	if n, err := s.Store.FailStaleProcessing("aborted by restart"); err == nil && n > 0 {
		s.ActivityLog.Log("recovery", "daemon", fmt.Sprintf("%d stale processing tasks failed", n), nil)
	}

	addr, err := FindAvailablePort(s.Config.BindAddr)
	if err != nil {
		return err
	}
	s.addr = addr

	if err := WriteRuntime(addr); err != nil {
		return fmt.Errorf("write runtime info: %w", err)
	}

	s.Pool.AddFinalizeHook(s.Poller)
	s.Pool.Start()
	s.Poller.Start()

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	s.ActivityLog.Log("daemon.started", "daemon", fmt.Sprintf("listening on %s", addr), nil)

	err = s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the daemon down: removes the runtime info
// file, then stops the config watcher, HTTP listener, poller and
// worker pool, and closes the error and activity logs.
func (s *Server) Stop() {
	RemoveRuntime()
	if s.ConfigWtch != nil {
		s.ConfigWtch.Stop()
	}
	if s.httpServer != nil {
		grace := time.Duration(s.Config.ShutdownGraceSeconds) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	s.Poller.Stop()
	s.Pool.Stop()
	if s.ErrorLog != nil {
		s.ErrorLog.Close()
	}
	if s.ActivityLog != nil {
		s.ActivityLog.Close()
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("/webhook/", s.Webhook)

	mux.HandleFunc("POST /polling/repos/{repo_id}/trigger", s.handleTrigger)
	mux.HandleFunc("POST /polling/start", s.handlePollingStart)
	mux.HandleFunc("POST /polling/stop", s.handlePollingStop)
	mux.HandleFunc("GET /polling/status", s.handlePollingStatus)
	mux.HandleFunc("GET /polling/repos", s.handlePollingRepos)

	mux.HandleFunc("GET /stats/reviews", s.handleStatsReviews)
	mux.HandleFunc("GET /stats/review/{task_id}/full", s.handleStatsReviewFull)
	mux.HandleFunc("GET /stats/review/{task_id}/export", s.handleStatsReviewExport)
	mux.HandleFunc("GET /stats/activity", s.handleStatsActivity)
	mux.HandleFunc("GET /stats/errors", s.handleStatsErrors)
	mux.HandleFunc("GET /stats/events", s.handleEventStream)

	mux.HandleFunc("GET /health", s.handleHealth)
}

// triggerRequest is the body of POST /polling/repos/{repo_id}/trigger.
type triggerRequest struct {
	Strategy    string `json:"strategy"`
	RevisionRef string `json:"revision_ref"`
	BaseRef     string `json:"base_ref"`
	Branch      string `json:"branch"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("repo_id")
	repo, ok := s.Config.FindRepoByID(repoID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown repo_id")
		return
	}

	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
	}
	strategy := storage.Strategy(req.Strategy)
	if strategy == "" {
		strategy = storage.StrategyCommit
	}
	if req.RevisionRef == "" {
		writeError(w, http.StatusBadRequest, "revision_ref is required")
		return
	}
	branch := req.Branch
	if branch == "" {
		branch = repo.Branch
	}

	task := &storage.Task{
		RepoID:      repo.RepoID,
		Strategy:    strategy,
		RevisionRef: req.RevisionRef,
		BaseRef:     req.BaseRef,
		Branch:      branch,
		Status:      storage.TaskPending,
		CreatedAt:   time.Now(),
	}
	if err := s.Pool.Enqueue(task); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "task_id": task.TaskID})
}

func (s *Server) handlePollingStart(w http.ResponseWriter, r *http.Request) {
	if !s.pollingEnabled {
		s.Poller.Start()
		s.pollingEnabled = true
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "running"})
}

func (s *Server) handlePollingStop(w http.ResponseWriter, r *http.Request) {
	if s.pollingEnabled {
		s.Poller.Stop()
		s.pollingEnabled = false
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func (s *Server) handlePollingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":        s.pollingEnabled,
		"interval":       s.Poller.Interval.String(),
		"active_workers": s.Pool.ActiveWorkers(),
	})
}

func (s *Server) handlePollingRepos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"repos": s.Config.Repos})
}

func (s *Server) handleStatsReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.TaskFilter{
		RepoID:   q.Get("repo_id"),
		Status:   storage.TaskStatus(q.Get("status")),
		Strategy: storage.Strategy(q.Get("strategy")),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	tasks, err := s.Store.Query(filter)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": tasks})
}

func (s *Server) handleStatsReviewFull(w http.ResponseWriter, r *http.Request) {
	task, issues, err := s.Store.GetFull(r.PathValue("task_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task, "issues": issues})
}

func (s *Server) handleStatsReviewExport(w http.ResponseWriter, r *http.Request) {
	task, issues, err := s.Store.GetFull(r.PathValue("task_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	switch r.URL.Query().Get("format") {
	case "html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, RenderHTML(task, issues))
	default:
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		fmt.Fprint(w, RenderMarkdown(task, issues))
	}
}

func (s *Server) handleStatsActivity(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		n = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": s.ActivityLog.RecentN(n)})
}

func (s *Server) handleStatsErrors(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		n = v
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": s.ErrorLog.RecentN(n), "count_24h": s.ErrorLog.Count24h()})
}

// handleEventStream serves task lifecycle events as server-sent events,
// one `data:` line holding a JSON object per event, over a long-lived
// connection.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	repoID := r.URL.Query().Get("repo_id")
	id, ch := s.Broadcaster.Subscribe(repoID)
	defer s.Broadcaster.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bw := bufio.NewWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			bw.WriteString("data: ")
			bw.Write(data)
			bw.WriteString("\n\n")
			bw.Flush()
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "addr": s.addr})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeInternalError(w http.ResponseWriter, err error) {
	log.Printf("daemon: internal error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
