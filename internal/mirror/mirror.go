// Package mirror keeps an observable in-memory copy of a backend's directory
// tree. The tree is re-read on a timer while anyone is subscribed and after
// every mutation made through the Mirror.
package mirror

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/treemirror/internal/auth"
	"github.com/fruitsalade/treemirror/internal/backend"
	"github.com/fruitsalade/treemirror/internal/logging"
	"github.com/fruitsalade/treemirror/internal/metrics"
	"github.com/fruitsalade/treemirror/internal/tracing"
	"github.com/fruitsalade/treemirror/pkg/models"
)

// DefaultInterval is the refresh period used when Options.Interval is zero.
const DefaultInterval = 15 * time.Second

// Options configures a Mirror.
type Options struct {
	// Interval is the timer period; the upper bound on staleness when no
	// mutation happens.
	Interval time.Duration

	Logger *zap.Logger

	// OnError receives failures of timer-driven walks. Failures of explicit
	// calls are returned to the caller instead.
	OnError func(error)
}

// Mirror is the consumer-facing tree store.
type Mirror struct {
	backend backend.Backend
	engine  *Engine
	hub     *Hub
	log     *zap.Logger
}

// New creates a Mirror over b. The initial snapshot is an empty root; call
// Refresh or Subscribe to populate it.
func New(b backend.Backend, opts Options) *Mirror {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	log := opts.Logger
	if log == nil {
		log = logging.Named("mirror")
	}
	log = log.With(zap.String("backend", b.Type()))

	m := &Mirror{
		backend: b,
		engine:  NewEngine(b, log),
		log:     log,
	}
	m.hub = NewHub(opts.Interval, func(ctx context.Context) error {
		_, err := m.engine.Walk(ctx)
		return err
	}, opts.OnError, log)
	return m
}

// Snapshot returns the current snapshot without side effects. The same
// pointer is returned until a walk publishes a new one.
func (m *Mirror) Snapshot() *models.Snapshot {
	return m.engine.Snapshot()
}

// Subscribe registers onChange and starts the refresh timer. Cancelling any
// subscription stops automatic refreshes for every subscriber until the next
// Subscribe; notifications after mutations are still delivered.
func (m *Mirror) Subscribe(onChange func()) (cancel func()) {
	return m.hub.Subscribe(onChange)
}

// CreateDirectory creates the named directory under the root if absent,
// then re-reads the tree and notifies subscribers.
func (m *Mirror) CreateDirectory(ctx context.Context, name string) error {
	return m.mutate(ctx, TriggerCreateDirectory, name, func(ctx context.Context, root backend.Directory) error {
		_, err := root.Subdirectory(ctx, name)
		return err
	})
}

// CreateFile creates the named empty file under the root if absent, then
// re-reads the tree and notifies subscribers.
func (m *Mirror) CreateFile(ctx context.Context, name string) error {
	return m.mutate(ctx, TriggerCreateFile, name, func(ctx context.Context, root backend.Directory) error {
		_, err := root.File(ctx, name)
		return err
	})
}

// RemoveAll deletes everything below the root, then re-reads the tree and
// notifies subscribers.
func (m *Mirror) RemoveAll(ctx context.Context) error {
	return m.mutate(ctx, TriggerRemoveAll, "", func(ctx context.Context, root backend.Directory) error {
		return root.RemoveAll(ctx)
	})
}

// Refresh re-reads the tree and notifies subscribers.
func (m *Mirror) Refresh(ctx context.Context) error {
	if _, err := m.engine.Walk(ctx); err != nil {
		return err
	}
	m.hub.Notify(TriggerRefresh)
	return nil
}

// Close stops the refresh timer. The backend is left open.
func (m *Mirror) Close() error {
	m.hub.Close()
	return nil
}

func (m *Mirror) mutate(ctx context.Context, op, name string, apply func(context.Context, backend.Directory) error) (err error) {
	ctx, span := tracing.StartSpan(ctx, "mirror."+op, tracing.StringAttr("name", name))
	log := m.log
	if id := logging.GetRequestID(ctx); id != "" {
		log = log.With(zap.String("request_id", id))
	}
	if claims := auth.GetClaims(ctx); claims != nil {
		log = log.With(zap.String("subject", claims.Subject))
	}
	defer func() {
		tracing.End(span, err)
		metrics.RecordMutation(op, err == nil)
		if err != nil {
			log.Warn("mutation failed",
				zap.String("operation", op),
				zap.String("name", name),
				zap.Error(err))
		}
	}()

	if op != TriggerRemoveAll {
		if err := backend.ValidateName(name); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	root, err := m.backend.Root(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	if err := apply(ctx, root); err != nil {
		return fmt.Errorf("%s %q: %w", op, name, err)
	}

	if _, err := m.engine.Walk(ctx); err != nil {
		return err
	}
	m.hub.Notify(op)

	log.Info("mutation applied",
		zap.String("operation", op),
		zap.String("name", name),
		zap.Uint64("generation", m.engine.Snapshot().Generation))
	return nil
}
