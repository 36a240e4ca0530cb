// Package memory provides an in-process backend on top of a go-billy memfs.
// It is the default backend for tests and for the "memory" storage type.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/fruitsalade/treemirror/internal/backend"
)

const rootPath = "/"

// Backend is an in-memory backend.Backend.
type Backend struct {
	mu sync.RWMutex
	fs billy.Filesystem
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{fs: memfs.New()}
}

// NewWithFilesystem wraps an existing billy filesystem. Callers must not
// modify fsys concurrently with the backend.
func NewWithFilesystem(fsys billy.Filesystem) *Backend {
	return &Backend{fs: fsys}
}

// Filesystem exposes the underlying filesystem.
func (b *Backend) Filesystem() billy.Filesystem { return b.fs }

func (b *Backend) Root(_ context.Context) (backend.Directory, error) {
	return &dir{b: b, path: rootPath}, nil
}

func (b *Backend) Type() string { return "memory" }

func (b *Backend) Close() error { return nil }

type dir struct {
	b    *Backend
	path string
}

type file struct {
	name string
}

func (f *file) Name() string       { return f.name }
func (f *file) Kind() backend.Kind { return backend.KindFile }

func (d *dir) Name() string {
	if d.path == rootPath {
		return rootPath
	}
	return path.Base(d.path)
}

func (d *dir) Kind() backend.Kind { return backend.KindDirectory }

// stat reports whether p exists and whether it is a directory.
func (d *dir) stat(p string) (exists, isDir bool, err error) {
	info, err := d.b.fs.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, info.IsDir(), nil
}

// checkSelf fails with backend.ErrNotFound when the directory was removed.
func (d *dir) checkSelf() error {
	if d.path == rootPath {
		return nil
	}
	exists, isDir, err := d.stat(d.path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", d.path, err)
	}
	if !exists || !isDir {
		return fmt.Errorf("%s: %w", d.path, backend.ErrNotFound)
	}
	return nil
}

// readDir lists the directory. A fresh memfs may not have materialised the
// root yet, which reads as empty.
func (d *dir) readDir() ([]os.FileInfo, error) {
	infos, err := d.b.fs.ReadDir(d.path)
	if err != nil {
		if d.path == rootPath && (errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", d.path, err)
	}
	return infos, nil
}

func (d *dir) Entries(_ context.Context) ([]backend.Handle, error) {
	d.b.mu.RLock()
	defer d.b.mu.RUnlock()

	if err := d.checkSelf(); err != nil {
		return nil, err
	}
	infos, err := d.readDir()
	if err != nil {
		return nil, err
	}

	handles := make([]backend.Handle, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			handles = append(handles, &dir{b: d.b, path: d.b.fs.Join(d.path, info.Name())})
		} else {
			handles = append(handles, &file{name: info.Name()})
		}
	}
	return handles, nil
}

func (d *dir) Subdirectory(_ context.Context, name string) (backend.Directory, error) {
	if err := backend.ValidateName(name); err != nil {
		return nil, err
	}
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	if err := d.checkSelf(); err != nil {
		return nil, err
	}
	p := d.b.fs.Join(d.path, name)
	exists, isDir, err := d.stat(p)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	if exists && !isDir {
		return nil, fmt.Errorf("mkdir %s: %w", p, backend.ErrTypeMismatch)
	}
	if !exists {
		if err := d.b.fs.MkdirAll(p, 0755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", p, err)
		}
	}
	return &dir{b: d.b, path: p}, nil
}

func (d *dir) File(_ context.Context, name string) (backend.Handle, error) {
	if err := backend.ValidateName(name); err != nil {
		return nil, err
	}
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	if err := d.checkSelf(); err != nil {
		return nil, err
	}
	p := d.b.fs.Join(d.path, name)
	exists, isDir, err := d.stat(p)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	if exists && isDir {
		return nil, fmt.Errorf("create %s: %w", p, backend.ErrTypeMismatch)
	}
	if !exists {
		f, err := d.b.fs.OpenFile(p, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", p, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("close %s: %w", p, err)
		}
	}
	return &file{name: name}, nil
}

func (d *dir) RemoveAll(_ context.Context) error {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()

	if d.path != rootPath {
		if err := util.RemoveAll(d.b.fs, d.path); err != nil {
			return fmt.Errorf("remove %s: %w", d.path, err)
		}
		return nil
	}

	infos, err := d.readDir()
	if err != nil {
		return err
	}
	for _, info := range infos {
		p := d.b.fs.Join(rootPath, info.Name())
		if err := util.RemoveAll(d.b.fs, p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
