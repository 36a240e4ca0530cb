package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/treemirror/pkg/models"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Count())
	}

	b.Unsubscribe(ch1)
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
	if _, ok := <-ch1; ok {
		t.Error("expected closed channel after unsubscribe")
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventSnapshot, Generation: 7, Entries: 3})

	select {
	case received := <-ch:
		if received.Type != EventSnapshot {
			t.Errorf("expected type %s, got %s", EventSnapshot, received.Type)
		}
		if received.Generation != 7 || received.Entries != 3 {
			t.Errorf("unexpected event %+v", received)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventSnapshot, Generation: uint64(i)})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != subscriberBuffer {
				t.Errorf("expected %d buffered events, got %d", subscriberBuffer, count)
			}
			return
		}
	}
}

func TestSnapshotEvent(t *testing.T) {
	snap := &models.Snapshot{
		Generation: 4,
		Root: models.Directory{Name: models.RootName, Children: []models.Entry{
			models.Directory{Name: "a", Children: []models.Entry{models.File{Name: "x"}}},
			models.File{Name: "b"},
		}},
	}
	e := SnapshotEvent(snap)
	if e.Type != EventSnapshot || e.Generation != 4 || e.Entries != 3 {
		t.Errorf("unexpected event %+v", e)
	}
}

// fakeSource is a Source whose changes are triggered by the test.
type fakeSource struct {
	mu   sync.Mutex
	snap *models.Snapshot
	fns  map[int]func()
	next int
}

func (s *fakeSource) Snapshot() *models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *fakeSource) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = map[int]func(){}
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *fakeSource) change(snap *models.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	fns := make([]func(), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func TestAttach(t *testing.T) {
	src := &fakeSource{snap: models.EmptySnapshot()}
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	detach := b.Attach(src)
	src.change(&models.Snapshot{Generation: 2, Root: models.Directory{Name: models.RootName}})

	select {
	case e := <-ch:
		if e.Type != EventSnapshot || e.Generation != 2 {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	detach()
	src.change(&models.Snapshot{Generation: 3, Root: models.Directory{Name: models.RootName}})
	select {
	case e := <-ch:
		t.Errorf("unexpected event after detach: %+v", e)
	default:
	}
}

func TestPublishError(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishError(errors.New("backend offline"))
	e := <-ch
	if e.Type != EventError || e.Message != "backend offline" {
		t.Errorf("unexpected event %+v", e)
	}
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventSnapshot, Generation: 9, Entries: 0, Timestamp: 1234567890})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != EventSnapshot {
		t.Errorf("expected type snapshot, got %v", decoded["type"])
	}
	if decoded["entries"] != float64(0) {
		t.Errorf("expected entries 0 to be present, got %v", decoded["entries"])
	}
	if _, ok := decoded["message"]; ok {
		t.Error("expected message to be omitted")
	}
}
