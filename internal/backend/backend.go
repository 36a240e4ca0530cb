// Package backend defines the hierarchical storage contract the mirror walks.
// Implementations expose directory handles that can be enumerated, extended
// with create-if-absent children and removed recursively.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates directory handles from file handles.
type Kind int

const (
	KindDirectory Kind = iota
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrNotFound is returned when a handle no longer refers to an existing entry.
	ErrNotFound = errors.New("entry not found")
	// ErrTypeMismatch is returned when an entry exists with the other kind.
	ErrTypeMismatch = errors.New("entry exists with a different kind")
	// ErrInvalidName is returned for names that cannot address a single child.
	ErrInvalidName = errors.New("invalid entry name")
)

// Handle is a child returned by Directory.Entries. Handles of KindDirectory
// also implement Directory.
type Handle interface {
	Name() string
	Kind() Kind
}

// Directory is a handle to a directory in the backend.
type Directory interface {
	Handle

	// Entries enumerates the direct children in backend-defined order.
	// The order is not guaranteed to be stable across calls.
	Entries(ctx context.Context) ([]Handle, error)

	// Subdirectory returns the named child directory, creating it if absent.
	Subdirectory(ctx context.Context, name string) (Directory, error)

	// File returns the named child file, creating it empty if absent.
	File(ctx context.Context, name string) (Handle, error)

	// RemoveAll deletes the directory and all descendants. On the root
	// handle only the descendants are removed.
	RemoveAll(ctx context.Context) error
}

// Backend is a host storage capability.
type Backend interface {
	// Root returns the root directory handle.
	Root(ctx context.Context) (Directory, error)

	// Type returns the backend type identifier ("local", "memory", "s3", "sql").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// ValidateName rejects names that are empty, relative references or paths.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
