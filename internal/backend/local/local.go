// Package local provides a backend rooted at a directory on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fruitsalade/treemirror/internal/backend"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path" yaml:"root_path"`
	CreateDirs bool   `json:"create_dirs" yaml:"create_dirs"`
}

// LocalBackend implements backend.Backend using the local filesystem.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	absPath, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(absPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", absPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", absPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", absPath)
	}

	return &LocalBackend{rootPath: absPath}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root returns the handle for the configured root directory.
func (b *LocalBackend) Root(_ context.Context) (backend.Directory, error) {
	info, err := os.Stat(b.rootPath)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", b.rootPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", b.rootPath)
	}
	return &dirHandle{path: b.rootPath, root: true}, nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

type dirHandle struct {
	path string
	root bool
}

type fileHandle struct {
	name string
}

func (f *fileHandle) Name() string       { return f.name }
func (f *fileHandle) Kind() backend.Kind { return backend.KindFile }

func (d *dirHandle) Name() string       { return filepath.Base(d.path) }
func (d *dirHandle) Kind() backend.Kind { return backend.KindDirectory }

// notFound maps a missing path to backend.ErrNotFound.
func notFound(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, path, backend.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, path, err)
}

// Entries lists the directory. Anything that is not a directory, including
// symlinks, is reported as a file so the walk never follows links.
func (d *dirHandle) Entries(_ context.Context) ([]backend.Handle, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, notFound("read dir", d.path, err)
	}

	handles := make([]backend.Handle, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			handles = append(handles, &dirHandle{path: filepath.Join(d.path, entry.Name())})
		} else {
			handles = append(handles, &fileHandle{name: entry.Name()})
		}
	}
	return handles, nil
}

// Subdirectory creates the child directory if absent.
func (d *dirHandle) Subdirectory(_ context.Context, name string) (backend.Directory, error) {
	if err := backend.ValidateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(d.path, name)

	err := os.Mkdir(path, 0755)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		info, statErr := os.Lstat(path)
		if statErr != nil {
			return nil, notFound("stat", path, statErr)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("mkdir %s: %w", path, backend.ErrTypeMismatch)
		}
	default:
		return nil, notFound("mkdir", path, err)
	}
	return &dirHandle{path: path}, nil
}

// File creates the child file empty if absent. Existing content is kept.
func (d *dirHandle) File(_ context.Context, name string) (backend.Handle, error) {
	if err := backend.ValidateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(d.path, name)

	info, err := os.Lstat(path)
	if err == nil {
		if info.IsDir() {
			return nil, fmt.Errorf("create %s: %w", path, backend.ErrTypeMismatch)
		}
		return &fileHandle{name: name}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, notFound("create", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", path, err)
	}
	return &fileHandle{name: name}, nil
}

// RemoveAll deletes the directory tree. The root directory itself is kept.
func (d *dirHandle) RemoveAll(_ context.Context) error {
	if !d.root {
		if err := os.RemoveAll(d.path); err != nil {
			return fmt.Errorf("remove %s: %w", d.path, err)
		}
		return nil
	}

	entries, err := os.ReadDir(d.path)
	if err != nil {
		return notFound("read dir", d.path, err)
	}
	for _, entry := range entries {
		p := filepath.Join(d.path, entry.Name())
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}
