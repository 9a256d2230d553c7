package mirror

import (
	"sync"
	"time"
)

type ActivityKind string

const (
	ActivitySyncResult  ActivityKind = "sync_result"
	ActivityProgress    ActivityKind = "initial_sync_progress"
	ActivityInitialSync ActivityKind = "initial_sync_result"
)

// Activity is one observable event of a connection.
type Activity struct {
	Kind         ActivityKind         `json:"kind"`
	ConnectionID string               `json:"connectionId"`
	At           time.Time            `json:"at"`
	Result       *Result              `json:"result,omitempty"`
	Progress     *InitialSyncProgress `json:"progress,omitempty"`
	SyncResult   *SyncResult          `json:"syncResult,omitempty"`
}

// Hub fans activity out to subscribers. Slow subscribers miss activity rather
// than block the publisher.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	connectionID string
	ch           chan Activity
}

func NewHub() *Hub {
	return &Hub{subs: map[int]subscription{}}
}

// Subscribe returns a channel of activity for one connection, or for all
// connections when connectionID is empty, and a func that ends the subscription.
func (h *Hub) Subscribe(connectionID string, buffer int) (<-chan Activity, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Activity, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscription{connectionID: connectionID, ch: ch}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(activity Activity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.connectionID != "" && sub.connectionID != activity.ConnectionID {
			continue
		}
		select {
		case sub.ch <- activity:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
