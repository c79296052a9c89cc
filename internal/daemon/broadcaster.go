// Package daemon wires the core engine (storage, scheduler, ingest)
// into a long-running process: an HTTP API, activity/error logging,
// config hot-reload, and PID-file based lifecycle management. Follows
// internal/daemon/server.go's shape in the teacher almost directly.
package daemon

import (
	"sync"

	"github.com/revgate/revgate/internal/scheduler"
)

// Subscriber is a client subscribed to the task-lifecycle event stream.
type Subscriber struct {
	ID     int
	RepoID string // filter: only send events for this repo (empty = all)
	Ch     chan scheduler.Event
}

// Broadcaster fans scheduler.Event out to subscribed SSE clients. It
// structurally satisfies scheduler.Broadcaster (Broadcast(Event))
// without importing this package back into scheduler.
type Broadcaster interface {
	Subscribe(repoID string) (int, <-chan scheduler.Event)
	Unsubscribe(id int)
	Broadcast(event scheduler.Event)
	SubscriberCount() int
}

// EventBroadcaster is the default Broadcaster, adapted from
// internal/daemon/broadcaster.go's EventBroadcaster: same non-blocking
// drop-on-full-channel semantics, keyed by an incrementing subscriber id.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[int]*Subscriber
	nextID      int
}

// NewBroadcaster creates an empty event broadcaster.
func NewBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{subscribers: make(map[int]*Subscriber), nextID: 1}
}

// Subscribe registers a new subscriber, optionally filtered to one repo_id.
func (b *EventBroadcaster) Subscribe(repoID string) (int, <-chan scheduler.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan scheduler.Event, 10)
	b.subscribers[id] = &Subscriber{ID: id, RepoID: repoID, Ch: ch}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBroadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// Broadcast sends an event to every matching subscriber, dropping it
// for any whose channel is currently full rather than blocking.
func (b *EventBroadcaster) Broadcast(event scheduler.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.RepoID != "" && sub.RepoID != event.RepoID {
			continue
		}
		select {
		case sub.Ch <- event:
		default:
		}
	}
}

// SubscriberCount reports the current number of connected SSE clients.
func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
