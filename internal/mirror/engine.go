package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/treemirror/internal/backend"
	"github.com/fruitsalade/treemirror/internal/metrics"
	"github.com/fruitsalade/treemirror/internal/tracing"
	"github.com/fruitsalade/treemirror/pkg/models"
	"github.com/fruitsalade/treemirror/pkg/tree"
)

// Engine walks a backend and publishes immutable snapshots.
//
// Every walk takes a generation number when it starts. A finished walk is
// published only if no walk with a newer generation has been published, so
// the cached snapshot never moves backwards when walks overlap.
type Engine struct {
	backend backend.Backend
	log     *zap.Logger

	current atomic.Pointer[models.Snapshot]
	nextGen atomic.Uint64
}

// NewEngine creates an engine holding the empty root snapshot.
func NewEngine(b backend.Backend, log *zap.Logger) *Engine {
	e := &Engine{backend: b, log: log}
	e.current.Store(models.EmptySnapshot())
	return e
}

// Snapshot returns the published snapshot. The pointer changes only when a
// walk is published.
func (e *Engine) Snapshot() *models.Snapshot {
	return e.current.Load()
}

// dirFrame is a directory whose entries are still to be read.
type dirFrame struct {
	handle   backend.Directory
	name     string
	children []models.Entry
	parent   *dirFrame
	slot     int
}

// Walk reads the whole backend tree and publishes the result. On failure the
// previous snapshot stays in place. A walk overtaken by a newer one returns
// its own snapshot without publishing it.
func (e *Engine) Walk(ctx context.Context) (*models.Snapshot, error) {
	gen := e.nextGen.Add(1)
	ctx, span := tracing.StartSpan(ctx, "mirror.walk", tracing.Int64Attr("generation", int64(gen)))
	start := time.Now()

	snap, err := e.walk(ctx, gen)
	tracing.End(span, err)
	if err != nil {
		result := "aborted"
		if errors.Is(err, ErrBackendUnavailable) {
			result = "unavailable"
		}
		metrics.RecordWalk(result, time.Since(start))
		e.log.Debug("walk failed",
			zap.Uint64("generation", gen),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	entries := tree.CountNodes(snap.Root) - 1
	if e.publish(snap) {
		metrics.RecordWalk("published", time.Since(start))
		metrics.SetSnapshot(entries, gen)
		e.log.Debug("snapshot published",
			zap.Uint64("generation", gen),
			zap.Int("entries", entries),
			zap.Duration("duration", time.Since(start)))
	} else {
		metrics.RecordWalk("superseded", time.Since(start))
		e.log.Debug("walk superseded", zap.Uint64("generation", gen))
	}
	return snap, nil
}

func (e *Engine) walk(ctx context.Context, gen uint64) (*models.Snapshot, error) {
	root, err := e.backend.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	// Directories are read in the same depth-first pre-order a recursive
	// walk would use: children are pushed in reverse so the first one is
	// popped next.
	rootFrame := &dirFrame{handle: root, name: models.RootName}
	stack := []*dirFrame{rootFrame}
	var visited []*dirFrame

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWalkAborted, err)
		}

		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visited = append(visited, f)

		handles, err := f.handle.Entries(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: read %q: %w", ErrWalkAborted, f.name, err)
		}

		f.children = make([]models.Entry, 0, len(handles))
		var subdirs []*dirFrame
		for _, h := range handles {
			switch h.Kind() {
			case backend.KindDirectory:
				d, ok := h.(backend.Directory)
				if !ok {
					return nil, fmt.Errorf("%w: %q is not a directory handle", ErrWalkAborted, h.Name())
				}
				subdirs = append(subdirs, &dirFrame{
					handle: d,
					name:   h.Name(),
					parent: f,
					slot:   len(f.children),
				})
				f.children = append(f.children, nil)
			default:
				f.children = append(f.children, models.File{Name: h.Name()})
			}
		}
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}

	// Children appear after their parent in visit order, so freezing in
	// reverse fills every slot before the parent itself is frozen.
	var rootDir models.Directory
	for i := len(visited) - 1; i >= 0; i-- {
		f := visited[i]
		d := models.Directory{Name: f.name, Children: f.children}
		if f.parent == nil {
			rootDir = d
			continue
		}
		f.parent.children[f.slot] = d
	}

	return &models.Snapshot{Root: rootDir, Generation: gen, WalkedAt: time.Now()}, nil
}

// publish installs snap unless a newer generation is already published.
func (e *Engine) publish(snap *models.Snapshot) bool {
	for {
		cur := e.current.Load()
		if cur.Generation >= snap.Generation {
			return false
		}
		if e.current.CompareAndSwap(cur, snap) {
			return true
		}
	}
}
