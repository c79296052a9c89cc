// Package webhook implements inbound event ingestion (C7): it
// verifies a platform's webhook signature, matches the event to a
// configured repository, filters it by branch and effective_from, and
// enqueues a review task.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/platform"
	"github.com/revgate/revgate/internal/storage"
)

// Enqueuer creates a task and hands it to the scheduler. The
// scheduler package implements this; kept as a narrow interface here
// to avoid an import cycle (scheduler depends on storage, workingcopy,
// etc. that this package doesn't need).
type Enqueuer interface {
	Enqueue(task *storage.Task) error
}

// Handler is the HTTP handler mounted at /webhook/{platform}.
type Handler struct {
	Config   *config.Config
	Enqueuer Enqueuer
}

// eventTypeHeaders maps each platform to the header carrying its event type.
var eventTypeHeaders = map[string]string{
	"gitlab": "X-Gitlab-Event",
	"gitea":  "X-Gitea-Event",
	"github": "X-GitHub-Event",
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	plat := strings.TrimPrefix(r.URL.Path, "/webhook/")
	plat = strings.Trim(plat, "/")

	headerName, ok := eventTypeHeaders[plat]
	if !ok {
		http.Error(w, "unknown platform", http.StatusNotFound)
		return
	}
	eventType := r.Header.Get(headerName)
	if eventType == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "unknown event type"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, ok, err := platform.DecodeEvent(plat, eventType, body)
	if err != nil {
		log.Printf("webhook: decode %s event: %v", plat, err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	repo, found := matchRepo(h.Config, event.CloneURLs)
	if !found {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "no configured repository"})
		return
	}
	if !repo.Enabled || (repo.TriggerMode != config.TriggerWebhook && repo.TriggerMode != config.TriggerBoth) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "webhook trigger disabled"})
		return
	}

	if err := verifySignature(r, body, plat, repo); err != nil {
		log.Printf("webhook: signature rejected for repo %s: %v", repo.RepoID, err)
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	if repo.Branch != "" && event.Branch != "" && event.Branch != repo.Branch && event.Kind == platform.KindCommit {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "branch not tracked"})
		return
	}
	if !repo.EffectiveFrom.IsZero() && event.Timestamp.Before(repo.EffectiveFrom) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "before effective_from"})
		return
	}

	strategy := storage.StrategyCommit
	if event.Kind == platform.KindMR {
		strategy = storage.StrategyMergeRequest
	}

	task := &storage.Task{
		RepoID:      repo.RepoID,
		Strategy:    strategy,
		RevisionRef: event.RevisionRef,
		BaseRef:     event.BaseRef,
		Branch:      event.Branch,
		AuthorName:  event.AuthorName,
		AuthorEmail: event.AuthorEmail,
	}
	if err := h.Enqueuer.Enqueue(task); err != nil {
		if storage.IsDuplicateTask(err) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		log.Printf("webhook: enqueue failed for repo %s: %v", repo.RepoID, err)
		http.Error(w, "failed to enqueue review", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "task_id": task.TaskID})
}

// matchRepo tries every clone-URL candidate an event carries (ssh and
// http forms platforms send) against the configured repository list.
func matchRepo(cfg *config.Config, candidates []string) (config.RepoConfig, bool) {
	for _, url := range candidates {
		if url == "" {
			continue
		}
		if repo, ok := cfg.FindRepo(url); ok {
			return repo, true
		}
	}
	return config.RepoConfig{}, false
}

// verifySignature checks the platform-appropriate webhook secret. This
// is a supplemented feature: the original implementation never
// verified webhook signatures.
func verifySignature(r *http.Request, body []byte, plat string, repo config.RepoConfig) error {
	if repo.WebhookToken == "" {
		return nil // no secret configured for this repo: nothing to check
	}

	switch plat {
	case "gitlab":
		token := r.Header.Get("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(repo.WebhookToken)) != 1 {
			return fmt.Errorf("X-Gitlab-Token mismatch")
		}
		return nil

	case "gitea", "github":
		sigHeader := r.Header.Get("X-Hub-Signature-256")
		const prefix = "sha256="
		if !strings.HasPrefix(sigHeader, prefix) {
			return fmt.Errorf("missing or malformed X-Hub-Signature-256")
		}
		got, err := hex.DecodeString(strings.TrimPrefix(sigHeader, prefix))
		if err != nil {
			return fmt.Errorf("malformed signature hex: %w", err)
		}
		mac := hmac.New(sha256.New, []byte(repo.WebhookToken))
		mac.Write(body)
		want := mac.Sum(nil)
		if !hmac.Equal(got, want) {
			return fmt.Errorf("signature mismatch")
		}
		return nil

	default:
		return fmt.Errorf("unknown platform %q", plat)
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
