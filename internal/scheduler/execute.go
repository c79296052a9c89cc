package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/revgate/revgate/internal/assistant"
	"github.com/revgate/revgate/internal/gitutil"
	"github.com/revgate/revgate/internal/planner"
	"github.com/revgate/revgate/internal/platform"
	"github.com/revgate/revgate/internal/report"
	"github.com/revgate/revgate/internal/storage"
)

// AssistantRegistry resolves a configured backend name to a runner,
// mirroring the teacher's agent.Registry.
type AssistantRegistry interface {
	Get(name string) (assistant.Runner, error)
}

// backoffSchedule is the §7 "Transient external" retry policy: up to
// 3 attempts beyond the first, 1s/4s/16s apart.
var backoffSchedule = []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}

func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isTransientExternal(err) || attempt >= len(backoffSchedule) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffSchedule[attempt]):
		}
	}
}

// isTransientExternal reports whether err looks like a recoverable
// network or platform-API failure (§7's "Transient external" row),
// as opposed to a permanent configuration or subprocess error. Host
// git plumbing surfaces these as plain stderr text rather than typed
// errors, so classification is substring-based on the messages git
// and net/http actually produce.
func isTransientExternal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"timeout",
		"temporary failure",
		"could not resolve host",
		"early eof",
		"the remote end hung up unexpectedly",
		"tls handshake",
		"network is unreachable",
		"502", "503", "504",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func (p *Pool) processTask(workerID string, task *storage.Task) {
	start := time.Now()

	repo, ok := p.Config.FindRepoByID(task.RepoID)
	if !ok {
		task.ErrorReason = fmt.Sprintf("no configured repository %q", task.RepoID)
		p.failTask(task, "internal", nil, start)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.registerRunning(task.TaskID, cancel)
	defer p.unregisterRunning(task.TaskID)
	defer cancel()

	if err := p.Store.MarkProcessing(task.TaskID); err != nil {
		log.Printf("[%s] mark processing %s: %v", workerID, task.TaskID, err)
	}
	task.Status = storage.TaskProcessing
	p.broadcast(task, "task.started", "")

	lock := p.repoLock(task.RepoID)
	lock.Lock()
	defer lock.Unlock()

	if err := withRetry(ctx, func() error { return p.Checkouts.EnsureCloned(ctx, repo) }); err != nil {
		if p.handledCancellation(task, ctx, start, nil) {
			return
		}
		task.ErrorReason = fmt.Sprintf("clone/fetch: %v", err)
		p.failTask(task, "external", nil, start)
		return
	}

	headRef := task.RevisionRef
	baseRef := task.BaseRef
	if baseRef == "" {
		baseRef = headRef + "^"
	}

	var changed []gitutil.FileChange
	err := withRetry(ctx, func() error {
		cs, e := p.Checkouts.ListChangedFiles(ctx, repo, baseRef, headRef)
		changed = cs
		return e
	})
	if err != nil {
		if p.handledCancellation(task, ctx, start, nil) {
			return
		}
		task.ErrorReason = fmt.Sprintf("list changed files: %v", err)
		p.failTask(task, "external", nil, start)
		return
	}

	var checkout *checkoutResult
	err = withRetry(ctx, func() error {
		c, e := p.Checkouts.Checkout(ctx, repo, headRef, task.TaskID)
		if e == nil {
			checkout = &checkoutResult{dir: c.Dir, close: c.Close}
		}
		return e
	})
	if err != nil {
		if p.handledCancellation(task, ctx, start, nil) {
			return
		}
		task.ErrorReason = fmt.Sprintf("checkout %s: %v", headRef, err)
		p.failTask(task, "external", nil, start)
		return
	}
	defer checkout.close()

	byteLengths := map[string]int{}
	for _, fc := range changed {
		if fi, statErr := os.Stat(filepath.Join(checkout.dir, fc.Path)); statErr == nil {
			byteLengths[fc.Path] = int(fi.Size())
		}
	}

	plan := planner.Build(changed, byteLengths, planner.Options{
		MaxTokensPerBatch: p.Config.MaxTokensPerBatch,
		ContextMapTokens:  p.Config.ContextMapTokens,
		CharsPerToken:     p.Config.CharsPerToken,
	})
	task.BatchTotal = len(plan.Batches)
	if err := p.Store.SetBatchTotal(task.TaskID, task.BatchTotal); err != nil {
		log.Printf("[%s] set batch total %s: %v", workerID, task.TaskID, err)
	}

	if len(plan.Batches) == 0 {
		p.completeTask(task, nil, "", start)
		return
	}

	runner, err := p.Assistants.Get(p.Config.AssistantBackend)
	if err != nil {
		task.ErrorReason = fmt.Sprintf("resolve assistant backend %q: %v", p.Config.AssistantBackend, err)
		p.failTask(task, "internal", nil, start)
		return
	}

	var allIssues []storage.Issue
	var reports []string
	successCount := 0

	for i, batch := range plan.Batches {
		select {
		case <-ctx.Done():
			p.recordBatch(task, i, "cancelled", batch.Files, "")
			p.handledCancellation(task, ctx, start, allIssues)
			return
		case <-p.stopCh:
			p.mu.Lock()
			p.cancelReasons[task.TaskID] = "shutdown"
			p.mu.Unlock()
			cancel()
			p.recordBatch(task, i, "cancelled", batch.Files, "")
			p.handledCancellation(task, ctx, start, allIssues)
			return
		default:
		}

		timeout := time.Duration(p.Config.BatchTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 30 * time.Minute
		}
		batchCtx, batchCancel := context.WithTimeout(ctx, timeout)

		req := assistant.Request{
			CheckoutPath:     checkout.dir,
			Files:            batch.Files,
			Strategy:         string(task.Strategy),
			Prompt:           buildPrompt(task, batch),
			InferenceAPIBase: p.Config.InferenceAPIBase,
			InferenceAPIKey:  p.Config.InferenceAPIKey,
			InferenceModel:   p.Config.InferenceModel,
			ContextMapTokens: plan.ContextMapTokens,
		}
		result, rerr := runner.Run(batchCtx, req, io.Discard)
		batchCancel()

		if rerr != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				p.recordBatch(task, i, "cancelled", batch.Files, "")
				p.handledCancellation(task, ctx, start, allIssues)
				return
			}
			log.Printf("[%s] batch %d/%d failed for task %s: %v", workerID, i+1, len(plan.Batches), task.TaskID, rerr)
			p.recordBatch(task, i, "failed", batch.Files, rerr.Error())
			continue
		}

		p.checkWorkingCopyUnchanged(workerID, task, i, checkout.dir)

		successCount++
		task.BatchCurrent = i + 1
		reports = append(reports, result.Report)
		allIssues = append(allIssues, report.Parse(result.Report)...)
		p.recordBatch(task, i, "success", batch.Files, "")
	}

	if successCount == 0 {
		task.ErrorReason = "all batches failed"
		p.failTask(task, "subprocess", nil, start)
		return
	}
	p.completeTask(task, report.Dedup(allIssues), strings.Join(reports, "\n\n---\n\n"), start)
}

// checkWorkingCopyUnchanged asserts the assistant's subprocess left
// the checkout as it found it (§4.5's "the runner asserts the working
// copy is unchanged on exit"). Any divergence is logged, never rolled
// back — the checkout is scratch and gets torn down regardless once
// the task finishes.
func (p *Pool) checkWorkingCopyUnchanged(workerID string, task *storage.Task, batchIndex int, checkoutDir string) {
	status, err := gitutil.PorcelainStatus(context.Background(), checkoutDir)
	if err != nil {
		log.Printf("[%s] working copy status check failed for task %s batch %d: %v", workerID, task.TaskID, batchIndex, err)
		return
	}
	if status != "" {
		log.Printf("[%s] working copy diverged for task %s batch %d:\n%s", workerID, task.TaskID, batchIndex, status)
	}
}

func (p *Pool) recordBatch(task *storage.Task, index int, status string, files []string, errMsg string) {
	if err := p.Store.UpdateProgress(task.TaskID, storage.BatchResult{
		Index: index, Status: status, Files: files, Error: errMsg,
	}); err != nil {
		log.Printf("scheduler: update progress %s batch %d: %v", task.TaskID, index, err)
	}
}

// handledCancellation finalizes task as cancelled (or, during a
// shutdown-triggered abort, failed with reason "shutdown") if ctx was
// canceled, and reports whether it did so.
func (p *Pool) handledCancellation(task *storage.Task, ctx context.Context, start time.Time, issues []storage.Issue) bool {
	if ctx.Err() == nil {
		return false
	}
	reason := p.cancelReason(task.TaskID)
	task.ProcessingTimeSeconds = time.Since(start).Seconds()
	issues = report.Dedup(issues)
	if reason == "shutdown" {
		task.ErrorReason = "shutdown"
		if err := p.Store.Finalize(task.TaskID, storage.TaskFailed, issues, task); err != nil {
			log.Printf("scheduler: finalize shutdown-aborted task %s: %v", task.TaskID, err)
		}
		task.Status = storage.TaskFailed
		p.broadcast(task, "task.failed", "shutdown")
	} else {
		task.ErrorReason = "cancelled"
		if err := p.Store.Finalize(task.TaskID, storage.TaskCancelled, issues, task); err != nil {
			log.Printf("scheduler: finalize canceled task %s: %v", task.TaskID, err)
		}
		task.Status = storage.TaskCancelled
		p.broadcast(task, "task.cancelled", "")
	}
	p.notifyHooks(task)
	return true
}

func (p *Pool) failTask(task *storage.Task, kind string, issues []storage.Issue, start time.Time) {
	task.ErrorKind = kind
	task.ProcessingTimeSeconds = time.Since(start).Seconds()
	if err := p.Store.Finalize(task.TaskID, storage.TaskFailed, issues, task); err != nil {
		log.Printf("scheduler: finalize failed task %s: %v", task.TaskID, err)
	}
	task.Status = storage.TaskFailed
	p.broadcast(task, "task.failed", task.ErrorReason)
	p.notifyHooks(task)
}

// completeTask finalizes a task that ran to the end of its batch
// plan with at least one success (or an empty plan). Quality scoring
// and verdict assignment follow §4.6/§8: an empty report (no batches
// ran) gets the neutral "passed" default; a non-empty report that no
// parse strategy recognized gets the "unparsed" fallback; otherwise
// the parsed issue counts drive the real summary.
func (p *Pool) completeTask(task *storage.Task, issues []storage.Issue, reportText string, start time.Time) {
	critical, warning, suggestion := report.Counts(issues)
	task.CriticalCount, task.WarningCount, task.SuggestionCount = critical, warning, suggestion
	quality := report.QualityScore(critical, warning, suggestion)
	task.QualityScore = quality

	var summary report.Summary
	switch {
	case reportText == "":
		summary = report.Summarize(nil, quality)
	case len(issues) == 0:
		summary = report.UnparsedSummary()
	default:
		summary = report.Summarize(issues, quality)
	}
	task.Verdict = summary.Verdict
	task.RiskLevel = summary.RiskLevel
	task.Report = reportText
	task.ProcessingTimeSeconds = time.Since(start).Seconds()

	if err := p.Store.Finalize(task.TaskID, storage.TaskCompleted, issues, task); err != nil {
		log.Printf("scheduler: finalize completed task %s: %v", task.TaskID, err)
	}
	task.Status = storage.TaskCompleted
	p.broadcast(task, "task.completed", "")
	p.notifyHooks(task)
	p.maybePostComment(task)
}

// maybePostComment is the best-effort, never-fails-the-task
// comment post-back: a failure here is logged, nothing more.
func (p *Pool) maybePostComment(task *storage.Task) {
	if p.Commenter == nil || task.Report == "" {
		return
	}
	repo, ok := p.Config.FindRepoByID(task.RepoID)
	if !ok || !repo.EnableComment {
		return
	}
	kind := platform.KindCommit
	if task.Strategy == storage.StrategyMergeRequest {
		kind = platform.KindMR
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Commenter.PostComment(ctx, task.RepoID, kind, task.RevisionRef, task.Report); err != nil {
		log.Printf("scheduler: post comment for task %s: %v", task.TaskID, err)
	}
}

// buildPrompt assembles the per-batch instruction text handed to the
// assistant. Its natural-language contents are an external concern;
// this is a minimal, deterministic template naming the files in
// scope so every backend receives the same instruction shape.
func buildPrompt(task *storage.Task, batch planner.Batch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the following changes (%s %s", task.Strategy, task.RevisionRef)
	if task.BaseRef != "" {
		fmt.Fprintf(&b, " against %s", task.BaseRef)
	}
	b.WriteString(") and report any issues found, one per finding, with severity, file, and line when known.\n\n")
	b.WriteString("Files in this batch:\n")
	for _, f := range batch.Files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	return b.String()
}

type checkoutResult struct {
	dir   string
	close func() error
}
