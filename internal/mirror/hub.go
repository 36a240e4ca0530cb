package mirror

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/treemirror/internal/metrics"
)

// Notification triggers.
const (
	TriggerTick            = "tick"
	TriggerCreateDirectory = "create_directory"
	TriggerCreateFile      = "create_file"
	TriggerRemoveAll       = "remove_all"
	TriggerRefresh         = "refresh"
)

type subscriber struct {
	id uint64
	fn func()
}

// Hub owns the refresh timer and the set of change callbacks.
//
// At most one timer runs at a time, however many subscribers there are. The
// timer starts with the first subscription and stops when any subscription
// is cancelled; the next Subscribe starts it again.
type Hub struct {
	interval time.Duration
	walk     func(ctx context.Context) error
	onError  func(error)
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   []subscriber
	nextID uint64
	ticker *time.Ticker
	stop   chan struct{}
	closed bool

	// loops counts timer goroutines, including ones whose timer was
	// stopped while a walk was still running.
	loops sync.WaitGroup
}

// NewHub creates a hub that calls walk on every tick.
func NewHub(interval time.Duration, walk func(ctx context.Context) error, onError func(error), log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		interval: interval,
		walk:     walk,
		onError:  onError,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers fn and starts the timer if it is not running. The
// returned cancel removes fn and stops the shared timer. It is safe to call
// more than once.
func (h *Hub) Subscribe(fn func()) (cancel func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber{id: id, fn: fn})
	if h.stop == nil && !h.closed {
		h.startLocked()
	}
	count := len(h.subs)
	h.mu.Unlock()

	metrics.SetSubscribersActive(count)
	h.log.Debug("subscribed", zap.Uint64("subscriber", id), zap.Int("subscribers", count))

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	for i, s := range h.subs {
		if s.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			break
		}
	}
	h.stopLocked()
	count := len(h.subs)
	h.mu.Unlock()

	metrics.SetSubscribersActive(count)
	h.log.Debug("unsubscribed", zap.Uint64("subscriber", id), zap.Int("subscribers", count))
}

// Running reports whether the timer is active.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

// Len returns the number of registered callbacks.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Notify calls every registered callback once, whether or not the timer is
// running.
func (h *Hub) Notify(trigger string) {
	h.mu.Lock()
	fns := h.callbacksLocked()
	h.mu.Unlock()
	h.deliver(trigger, fns)
}

// Close stops the timer and waits for every timer goroutine to exit. It must
// not be called from a callback.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.stopLocked()
	h.mu.Unlock()

	h.cancel()
	h.loops.Wait()
}

func (h *Hub) startLocked() {
	h.ticker = time.NewTicker(h.interval)
	h.stop = make(chan struct{})
	h.loops.Add(1)
	go h.loop(h.ticker, h.stop)

	metrics.SetTimerRunning(true)
	h.log.Debug("refresh timer started", zap.Duration("interval", h.interval))
}

func (h *Hub) stopLocked() {
	if h.stop == nil {
		return
	}
	h.ticker.Stop()
	close(h.stop)
	h.ticker = nil
	h.stop = nil

	metrics.SetTimerRunning(false)
	h.log.Debug("refresh timer stopped")
}

func (h *Hub) callbacksLocked() []func() {
	fns := make([]func(), len(h.subs))
	for i, s := range h.subs {
		fns[i] = s.fn
	}
	return fns
}

func (h *Hub) deliver(trigger string, fns []func()) {
	for _, fn := range fns {
		fn()
	}
	metrics.RecordNotification(trigger)
}

// loop runs one walk per tick. Walks never overlap because the next tick is
// only received after the previous walk returns.
func (h *Hub) loop(ticker *time.Ticker, stop chan struct{}) {
	defer h.loops.Done()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := h.walk(h.ctx); err != nil {
				if h.ctx.Err() != nil {
					return
				}
				h.log.Warn("scheduled refresh failed", zap.Error(err))
				if h.onError != nil {
					h.onError(err)
				}
				continue
			}

			// A cancel that arrived during the walk suppresses the
			// notification.
			h.mu.Lock()
			if h.stop != stop {
				h.mu.Unlock()
				return
			}
			fns := h.callbacksLocked()
			h.mu.Unlock()
			h.deliver(TriggerTick, fns)
		}
	}
}
