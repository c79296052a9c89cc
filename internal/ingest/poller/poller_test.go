package poller

import (
	"sync"
	"testing"
	"time"

	"github.com/revgate/revgate/internal/config"
	"github.com/revgate/revgate/internal/storage"
)

type fakeMarkerStore struct {
	mu      sync.Mutex
	markers map[string]storage.RevisionMarker
}

func newFakeMarkerStore() *fakeMarkerStore {
	return &fakeMarkerStore{markers: map[string]storage.RevisionMarker{}}
}

func markerKey(repoID, branch string, kind storage.RevisionKind) string {
	return repoID + "|" + branch + "|" + string(kind)
}

func (f *fakeMarkerStore) GetRevisionMarker(repoID, branch string, kind storage.RevisionKind) (storage.RevisionMarker, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.markers[markerKey(repoID, branch, kind)]
	return m, ok, nil
}

func (f *fakeMarkerStore) CompareAndAdvance(repoID, branch string, kind storage.RevisionKind, expectedPrev, newID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := markerKey(repoID, branch, kind)
	current, ok := f.markers[key]
	if ok && current.LastSeenID != expectedPrev {
		return false, nil
	}
	if !ok && expectedPrev != "" {
		return false, nil
	}
	f.markers[key] = storage.RevisionMarker{RepoID: repoID, Branch: branch, Kind: kind, LastSeenID: newID, LastSeenAt: time.Now().UTC()}
	return true, nil
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*storage.Task
}

func (f *fakeEnqueuer) Enqueue(task *storage.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task.TaskID = markerKey(task.RepoID, task.RevisionRef, storage.KindCommit)
	f.tasks = append(f.tasks, task)
	return nil
}

func TestOnTaskFinalizedAdvancesMarkerOnlyOnCompletion(t *testing.T) {
	store := newFakeMarkerStore()
	store.markers[markerKey("repo-1", "main", storage.KindCommit)] = storage.RevisionMarker{
		RepoID: "repo-1", Branch: "main", Kind: storage.KindCommit, LastSeenID: "old-sha",
	}
	p := New(&config.Config{PollIntervalSeconds: 60}, store, &fakeEnqueuer{})

	p.rememberAdvance("task-1", "repo-1", "main", storage.KindCommit, "old-sha", "new-sha")
	p.OnTaskFinalized(&storage.Task{TaskID: "task-1", Status: storage.TaskFailed})

	marker, _, _ := store.GetRevisionMarker("repo-1", "main", storage.KindCommit)
	if marker.LastSeenID != "old-sha" {
		t.Errorf("marker advanced on a failed task: got %q, want old-sha unchanged", marker.LastSeenID)
	}

	p.rememberAdvance("task-1", "repo-1", "main", storage.KindCommit, "old-sha", "new-sha")
	p.OnTaskFinalized(&storage.Task{TaskID: "task-1", Status: storage.TaskCompleted})

	marker, _, _ = store.GetRevisionMarker("repo-1", "main", storage.KindCommit)
	if marker.LastSeenID != "new-sha" {
		t.Errorf("marker = %q, want new-sha after completion", marker.LastSeenID)
	}
}

// TestMarkerStopsAtLastCompletedWhenMiddleRevisionFails reproduces
// §4.1's lagging/monotone invariant for a tick that enqueued three
// commits A < B < C: if B fails while A and C complete, the marker
// must stop at A, not jump to C, because C's chained expected-previous
// value (B) never lands.
func TestMarkerStopsAtLastCompletedWhenMiddleRevisionFails(t *testing.T) {
	store := newFakeMarkerStore()
	store.markers[markerKey("repo-1", "main", storage.KindCommit)] = storage.RevisionMarker{
		RepoID: "repo-1", Branch: "main", Kind: storage.KindCommit, LastSeenID: "old",
	}
	p := New(&config.Config{PollIntervalSeconds: 60}, store, &fakeEnqueuer{})

	p.rememberAdvance("task-a", "repo-1", "main", storage.KindCommit, "old", "a")
	p.rememberAdvance("task-b", "repo-1", "main", storage.KindCommit, "a", "b")
	p.rememberAdvance("task-c", "repo-1", "main", storage.KindCommit, "b", "c")

	p.OnTaskFinalized(&storage.Task{TaskID: "task-a", Status: storage.TaskCompleted})
	p.OnTaskFinalized(&storage.Task{TaskID: "task-c", Status: storage.TaskCompleted})
	p.OnTaskFinalized(&storage.Task{TaskID: "task-b", Status: storage.TaskFailed})

	marker, _, _ := store.GetRevisionMarker("repo-1", "main", storage.KindCommit)
	if marker.LastSeenID != "a" {
		t.Fatalf("marker = %q, want %q (stopped at last completed revision)", marker.LastSeenID, "a")
	}

	// Once B finally completes and is re-chained, the marker can catch up.
	p.rememberAdvance("task-b-retry", "repo-1", "main", storage.KindCommit, "a", "b")
	p.OnTaskFinalized(&storage.Task{TaskID: "task-b-retry", Status: storage.TaskCompleted})
	marker, _, _ = store.GetRevisionMarker("repo-1", "main", storage.KindCommit)
	if marker.LastSeenID != "b" {
		t.Fatalf("marker = %q, want %q after B completes", marker.LastSeenID, "b")
	}
}

func TestMarkInFlightPreventsOverlap(t *testing.T) {
	p := New(&config.Config{PollIntervalSeconds: 60}, newFakeMarkerStore(), &fakeEnqueuer{})

	if p.markInFlight("repo-1") {
		t.Fatal("first markInFlight should succeed (return false)")
	}
	if !p.markInFlight("repo-1") {
		t.Fatal("second concurrent markInFlight should report in-flight (return true)")
	}
	p.clearInFlight("repo-1")
	if p.markInFlight("repo-1") {
		t.Fatal("after clearInFlight, markInFlight should succeed again")
	}
}

func TestAtoiItoaSafeRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 42, 12345} {
		if got := atoiSafe(itoaSafe(n)); got != n {
			t.Errorf("atoiSafe(itoaSafe(%d)) = %d", n, got)
		}
	}
}
