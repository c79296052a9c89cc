// Package poller implements periodic revision discovery (C8): one
// ticker checks every polling-enabled repository, listing new commits
// and merge requests via the platform package's REST clients and
// enqueuing review tasks, while leaving the revision marker lagging
// until the corresponding task actually completes.
package poller

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/platform"
	"github.com/revgate/revgate/internal/storage"
)

// Enqueuer creates a task and hands it to the scheduler.
type Enqueuer interface {
	Enqueue(task *storage.Task) error
}

// MarkerStore is the subset of storage.Store the poller needs.
type MarkerStore interface {
	GetRevisionMarker(repoID, branch string, kind storage.RevisionKind) (storage.RevisionMarker, bool, error)
	CompareAndAdvance(repoID, branch string, kind storage.RevisionKind, expectedPrev, newID string) (bool, error)
}

// pendingAdvance remembers what marker value a just-enqueued task
// should advance to once it completes, and what the marker held when
// the task was created (the compare-and-swap's expected previous
// value).
type pendingAdvance struct {
	repoID, branch string
	kind           storage.RevisionKind
	prevID, newID  string
}

// Poller runs the single logical ticker described in §4.8.
type Poller struct {
	Config   *config.Config
	Store    MarkerStore
	Enqueuer Enqueuer
	Interval time.Duration

	mu       sync.Mutex
	inFlight map[string]bool
	pending  map[string]pendingAdvance // keyed by task_id

	stop chan struct{}
	done chan struct{}
}

// New constructs a Poller; call Start to begin ticking.
func New(cfg *config.Config, store MarkerStore, enq Enqueuer) *Poller {
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Poller{
		Config:   cfg,
		Store:    store,
		Enqueuer: enq,
		Interval: interval,
		inFlight: map[string]bool{},
		pending:  map[string]pendingAdvance{},
	}
}

// Start launches the polling goroutine. Stop blocks until it exits.
func (p *Poller) Start() {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop()
}

// Stop signals the polling goroutine to exit and waits for it.
func (p *Poller) Stop() {
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
}

func (p *Poller) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	for _, repo := range p.Config.Repos {
		select {
		case <-p.stop:
			return
		default:
		}
		if !repo.Enabled {
			continue
		}
		if repo.TriggerMode != config.TriggerPolling && repo.TriggerMode != config.TriggerBoth {
			continue
		}
		if p.markInFlight(repo.RepoID) {
			continue // previous tick for this repo is still running
		}
		go func(r config.RepoConfig) {
			defer p.clearInFlight(r.RepoID)
			if err := p.checkRepo(context.Background(), r); err != nil {
				log.Printf("poller: check repo %s failed: %v", r.RepoID, err)
			}
		}(repo)
	}
}

func (p *Poller) markInFlight(repoID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[repoID] {
		return true
	}
	p.inFlight[repoID] = true
	return false
}

func (p *Poller) clearInFlight(repoID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, repoID)
}

// TriggerRepo runs one immediate check of a single configured
// repository, bypassing the ticker. No HTTP route calls it: the manual
// "/polling/repos/{repo_id}/trigger" endpoint enqueues a task for an
// explicit revision_ref directly.
func (p *Poller) TriggerRepo(ctx context.Context, repoID string) error {
	repo, ok := p.Config.FindRepoByID(repoID)
	if !ok {
		return fmt.Errorf("poller: no configured repository %q", repoID)
	}
	if p.markInFlight(repo.RepoID) {
		return fmt.Errorf("poller: repository %q is already being checked", repoID)
	}
	defer p.clearInFlight(repo.RepoID)
	return p.checkRepo(ctx, repo)
}

func (p *Poller) checkRepo(ctx context.Context, repo config.RepoConfig) error {
	projectPath, ok := platform.ProjectPath(repo.CloneURL)
	if !ok {
		log.Printf("poller: could not extract project path from %s", repo.CloneURL)
		return nil
	}
	client := p.buildClient(repo)

	if repo.PollCommits {
		if err := p.checkCommits(ctx, client, repo, projectPath); err != nil {
			log.Printf("poller: list commits for %s: %v", repo.RepoID, err)
		}
	}
	if repo.PollMRs {
		if err := p.checkMergeRequests(ctx, client, repo, projectPath); err != nil {
			log.Printf("poller: list merge requests for %s: %v", repo.RepoID, err)
		}
	}
	return nil
}

func (p *Poller) buildClient(repo config.RepoConfig) *platform.Client {
	return platform.NewClientForRepo(repo)
}

func (p *Poller) checkCommits(ctx context.Context, client *platform.Client, repo config.RepoConfig, projectPath string) error {
	marker, found, err := p.Store.GetRevisionMarker(repo.RepoID, repo.Branch, storage.KindCommit)
	if err != nil {
		return err
	}

	commits, err := client.ListCommitsSince(ctx, projectPath, repo.Branch, marker.LastSeenID)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return nil
	}

	latest := commits[0].SHA
	if !found {
		// First-ever poll for this (repo, branch): seed the marker at
		// the current head instead of enqueuing a review for the
		// entire prior history.
		_, err := p.Store.CompareAndAdvance(repo.RepoID, repo.Branch, storage.KindCommit, "", latest)
		return err
	}

	if !repo.EffectiveFrom.IsZero() {
		var filtered []platform.Commit
		for _, c := range commits {
			if !c.Timestamp.Before(repo.EffectiveFrom) {
				filtered = append(filtered, c)
			}
		}
		commits = filtered
	}

	// commits is newest-first; walk oldest-to-newest so each task's
	// expected-previous marker value is its immediate chronological
	// predecessor (or the marker's pre-tick value for the oldest one),
	// not the tick-wide latest — so a CAS only advances the marker past
	// a revision once every earlier revision in the chain has
	// completed (§4.1's lagging/monotone invariant).
	for i := len(commits) - 1; i >= 0; i-- {
		commit := commits[i]
		prevID := marker.LastSeenID
		if i+1 < len(commits) {
			prevID = commits[i+1].SHA
		}
		task := &storage.Task{
			RepoID:      repo.RepoID,
			Strategy:    storage.StrategyCommit,
			RevisionRef: commit.SHA,
			Branch:      repo.Branch,
			AuthorName:  commit.AuthorName,
			AuthorEmail: commit.AuthorEmail,
		}
		if err := p.Enqueuer.Enqueue(task); err != nil {
			if storage.IsDuplicateTask(err) {
				continue
			}
			log.Printf("poller: enqueue commit %s for %s: %v", commit.SHA, repo.RepoID, err)
			continue
		}
		p.rememberAdvance(task.TaskID, repo.RepoID, repo.Branch, storage.KindCommit, prevID, commit.SHA)
	}
	return nil
}

func (p *Poller) checkMergeRequests(ctx context.Context, client *platform.Client, repo config.RepoConfig, projectPath string) error {
	marker, found, err := p.Store.GetRevisionMarker(repo.RepoID, repo.Branch, storage.KindMR)
	if err != nil {
		return err
	}
	lastSeenIID := 0
	if found {
		lastSeenIID = atoiSafe(marker.LastSeenID)
	}

	mrs, err := client.ListOpenMergeRequestsAfter(ctx, projectPath, lastSeenIID)
	if err != nil {
		return err
	}
	if len(mrs) == 0 {
		return nil
	}

	maxIID := lastSeenIID
	for _, mr := range mrs {
		if n := atoiSafe(mr.IID); n > maxIID {
			maxIID = n
		}
	}

	if !found {
		_, err := p.Store.CompareAndAdvance(repo.RepoID, repo.Branch, storage.KindMR, "", itoaSafe(maxIID))
		return err
	}

	// Sort ascending by iid so each task's expected-previous marker
	// value is the immediately preceding MR in this tick's batch (or
	// the marker's pre-tick value for the first one), mirroring
	// checkCommits — a single stuck MR stops the marker there instead
	// of the whole tick's max iid jumping ahead of it.
	sort.Slice(mrs, func(i, j int) bool { return atoiSafe(mrs[i].IID) < atoiSafe(mrs[j].IID) })

	prevID := marker.LastSeenID
	for _, mr := range mrs {
		expectedPrev := prevID
		prevID = mr.IID
		task := &storage.Task{
			RepoID:      repo.RepoID,
			Strategy:    storage.StrategyMergeRequest,
			RevisionRef: mr.IID,
			BaseRef:     mr.TargetRef,
			Branch:      mr.SourceRef,
		}
		if err := p.Enqueuer.Enqueue(task); err != nil {
			if storage.IsDuplicateTask(err) {
				continue
			}
			log.Printf("poller: enqueue MR %s for %s: %v", mr.IID, repo.RepoID, err)
			continue
		}
		p.rememberAdvance(task.TaskID, repo.RepoID, repo.Branch, storage.KindMR, expectedPrev, mr.IID)
	}
	return nil
}

func (p *Poller) rememberAdvance(taskID, repoID, branch string, kind storage.RevisionKind, prevID, newID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[taskID] = pendingAdvance{repoID: repoID, branch: branch, kind: kind, prevID: prevID, newID: newID}
}

// OnTaskFinalized is the post-finalize hook (§4.8 step 5): only once a
// task reaches completed does its revision become the new marker, so
// a crash between marker-advance and task-durability can never lose a
// review — the marker is lagging and monotone.
func (p *Poller) OnTaskFinalized(task *storage.Task) {
	p.mu.Lock()
	adv, ok := p.pending[task.TaskID]
	if ok {
		delete(p.pending, task.TaskID)
	}
	p.mu.Unlock()
	if !ok || task.Status != storage.TaskCompleted {
		return
	}
	if _, err := p.Store.CompareAndAdvance(adv.repoID, adv.branch, adv.kind, adv.prevID, adv.newID); err != nil {
		log.Printf("poller: advance marker for %s failed: %v", adv.repoID, err)
	}
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func itoaSafe(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
