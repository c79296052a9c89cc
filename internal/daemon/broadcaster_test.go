package daemon

import (
	"testing"

	"github.com/revgate/revgate/internal/scheduler"
)

func TestBroadcasterSubscribeAssignsIncrementingIDs(t *testing.T) {
	b := NewBroadcaster()

	id1, ch1 := b.Subscribe("")
	id2, ch2 := b.Subscribe("repo-a")

	if id1 != 1 || id2 != 2 {
		t.Fatalf("expected ids 1, 2, got %d, %d", id1, id2)
	}
	if ch1 == nil || ch2 == nil {
		t.Fatal("expected non-nil channels")
	}
	if b.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.SubscriberCount())
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	id, ch := b.Subscribe("")

	b.Unsubscribe(id)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestBroadcasterFiltersByRepoID(t *testing.T) {
	b := NewBroadcaster()
	_, chAll := b.Subscribe("")
	_, chRepoA := b.Subscribe("repo-a")

	b.Broadcast(scheduler.Event{Type: "task.completed", RepoID: "repo-b"})

	select {
	case <-chAll:
	default:
		t.Fatal("unfiltered subscriber should have received the event")
	}
	select {
	case <-chRepoA:
		t.Fatal("repo-a subscriber should not have received a repo-b event")
	default:
	}
}

func TestBroadcasterDropsOnFullChannel(t *testing.T) {
	b := NewBroadcaster()
	_, ch := b.Subscribe("")

	for i := 0; i < 20; i++ {
		b.Broadcast(scheduler.Event{Type: "task.progress"})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained == 0 {
				t.Fatal("expected at least some buffered events")
			}
			return
		}
	}
}
