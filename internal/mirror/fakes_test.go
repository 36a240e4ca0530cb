package mirror

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fruitsalade/treemirror/internal/backend"
)

var errOffline = errors.New("offline")

// offlineBackend fails Root while down is set.
type offlineBackend struct {
	backend.Backend
	down atomic.Bool
}

func (b *offlineBackend) Root(ctx context.Context) (backend.Directory, error) {
	if b.down.Load() {
		return nil, errOffline
	}
	return b.Backend.Root(ctx)
}

// vanishingBackend makes every non-root directory look deleted during
// enumeration while broken is set.
type vanishingBackend struct {
	backend.Backend
	broken atomic.Bool
}

func (b *vanishingBackend) Root(ctx context.Context) (backend.Directory, error) {
	r, err := b.Backend.Root(ctx)
	if err != nil {
		return nil, err
	}
	return &vanishingDir{Directory: r, b: b, root: true}, nil
}

type vanishingDir struct {
	backend.Directory
	b    *vanishingBackend
	root bool
}

func (d *vanishingDir) Entries(ctx context.Context) ([]backend.Handle, error) {
	if !d.root && d.b.broken.Load() {
		return nil, backend.ErrNotFound
	}
	hs, err := d.Directory.Entries(ctx)
	if err != nil {
		return nil, err
	}
	for i, h := range hs {
		if dir, ok := h.(backend.Directory); ok {
			hs[i] = &vanishingDir{Directory: dir, b: d.b}
		}
	}
	return hs, nil
}

// gatedBackend pauses the next root enumeration after it has read the
// entries, until release is closed.
type gatedBackend struct {
	backend.Backend
	hold    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedBackend(inner backend.Backend) *gatedBackend {
	return &gatedBackend{
		Backend: inner,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (b *gatedBackend) Root(ctx context.Context) (backend.Directory, error) {
	r, err := b.Backend.Root(ctx)
	if err != nil {
		return nil, err
	}
	return &gatedDir{Directory: r, b: b}, nil
}

type gatedDir struct {
	backend.Directory
	b *gatedBackend
}

func (d *gatedDir) Entries(ctx context.Context) ([]backend.Handle, error) {
	hs, err := d.Directory.Entries(ctx)
	if d.b.hold.CompareAndSwap(true, false) {
		close(d.b.entered)
		<-d.b.release
	}
	return hs, err
}

// recordingBackend logs the name of every enumerated directory.
type recordingBackend struct {
	backend.Backend
	mu    sync.Mutex
	calls []string
}

func (b *recordingBackend) Root(ctx context.Context) (backend.Directory, error) {
	r, err := b.Backend.Root(ctx)
	if err != nil {
		return nil, err
	}
	return &recordingDir{Directory: r, b: b, name: "root"}, nil
}

func (b *recordingBackend) order() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type recordingDir struct {
	backend.Directory
	b    *recordingBackend
	name string
}

func (d *recordingDir) Entries(ctx context.Context) ([]backend.Handle, error) {
	d.b.mu.Lock()
	d.b.calls = append(d.b.calls, d.name)
	d.b.mu.Unlock()

	hs, err := d.Directory.Entries(ctx)
	if err != nil {
		return nil, err
	}
	for i, h := range hs {
		if dir, ok := h.(backend.Directory); ok {
			hs[i] = &recordingDir{Directory: dir, b: d.b, name: h.Name()}
		}
	}
	return hs, nil
}
