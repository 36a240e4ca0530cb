// Package events fans snapshot changes out to streaming clients.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/treemirror/internal/metrics"
	"github.com/fruitsalade/treemirror/pkg/models"
	"github.com/fruitsalade/treemirror/pkg/tree"
)

const (
	EventSnapshot = "snapshot"
	EventError    = "error"
)

// subscriberBuffer is the per-subscriber channel capacity. Events beyond it
// are dropped for that subscriber.
const subscriberBuffer = 64

// Event is a change notification sent to stream clients.
type Event struct {
	Type       string `json:"type"`
	Generation uint64 `json:"generation"`
	Entries    int    `json:"entries"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// SnapshotEvent describes snap as an event.
func SnapshotEvent(snap *models.Snapshot) Event {
	return Event{
		Type:       EventSnapshot,
		Generation: snap.Generation,
		Entries:    tree.CountNodes(snap.Root) - 1,
	}
}

// Broadcaster manages stream subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetStreamConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetStreamConnectionsActive(int64(n))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordStreamEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Source is a store whose changes can be broadcast.
type Source interface {
	Snapshot() *models.Snapshot
	Subscribe(onChange func()) (cancel func())
}

// Attach publishes a snapshot event every time src reports a change. The
// returned function detaches it.
func (b *Broadcaster) Attach(src Source) (detach func()) {
	return src.Subscribe(func() {
		b.Publish(SnapshotEvent(src.Snapshot()))
	})
}

// PublishError sends an error event, used for failed background refreshes.
func (b *Broadcaster) PublishError(err error) {
	b.Publish(Event{Type: EventError, Message: err.Error()})
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
