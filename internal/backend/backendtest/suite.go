// Package backendtest provides a conformance suite for backend.Backend
// implementations.
//
// Example usage:
//
//	func TestConformance(t *testing.T) {
//	    backendtest.Run(t, func(t *testing.T) backend.Backend {
//	        return mybackend.New()
//	    })
//	}
package backendtest

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/treemirror/internal/backend"
)

// Run executes every conformance test. newBackend must return a fresh,
// empty backend for each call.
func Run(t *testing.T, newBackend func(t *testing.T) backend.Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b backend.Backend)
	}{
		{"EmptyRoot", testEmptyRoot},
		{"SubdirectoryIdempotent", testSubdirectoryIdempotent},
		{"FileIdempotent", testFileIdempotent},
		{"Enumerate", testEnumerate},
		{"Nested", testNested},
		{"TypeMismatch", testTypeMismatch},
		{"InvalidName", testInvalidName},
		{"RemoveAllRoot", testRemoveAllRoot},
		{"RemoveAllSubdirectory", testRemoveAllSubdirectory},
		{"StaleHandle", testStaleHandle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

func root(t *testing.T, b backend.Backend) backend.Directory {
	t.Helper()
	r, err := b.Root(context.Background())
	require.NoError(t, err)
	return r
}

// names returns the sorted "name/" or "name" listing of a directory.
func names(t *testing.T, d backend.Directory) []string {
	t.Helper()
	entries, err := d.Entries(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.Kind() == backend.KindDirectory {
			_, ok := e.(backend.Directory)
			require.True(t, ok, "directory handle %q does not implement Directory", n)
			n += "/"
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func testEmptyRoot(t *testing.T, b backend.Backend) {
	r := root(t, b)
	assert.Equal(t, backend.KindDirectory, r.Kind())
	assert.Empty(t, names(t, r))
	assert.NotEmpty(t, b.Type())
}

func testSubdirectoryIdempotent(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	r := root(t, b)

	d1, err := r.Subdirectory(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "x", d1.Name())
	assert.Equal(t, backend.KindDirectory, d1.Kind())

	_, err = r.Subdirectory(ctx, "x")
	require.NoError(t, err)

	assert.Equal(t, []string{"x/"}, names(t, r))
}

func testFileIdempotent(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	r := root(t, b)

	f, err := r.File(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", f.Name())
	assert.Equal(t, backend.KindFile, f.Kind())

	_, err = r.File(ctx, "b")
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, names(t, r))
}

func testEnumerate(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	r := root(t, b)

	_, err := r.Subdirectory(ctx, "a")
	require.NoError(t, err)
	_, err = r.File(ctx, "b")
	require.NoError(t, err)
	_, err = r.Subdirectory(ctx, "c")
	require.NoError(t, err)

	assert.Equal(t, []string{"a/", "b", "c/"}, names(t, r))
}

func testNested(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	r := root(t, b)

	a, err := r.Subdirectory(ctx, "a")
	require.NoError(t, err)
	ab, err := a.Subdirectory(ctx, "b")
	require.NoError(t, err)
	_, err = ab.File(ctx, "deep.txt")
	require.NoError(t, err)

	assert.Equal(t, []string{"a/"}, names(t, r))
	assert.Equal(t, []string{"b/"}, names(t, a))

	// Re-resolve through enumeration rather than the creating handle.
	entries, err := r.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	again := entries[0].(backend.Directory)
	sub, err := again.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, []string{"deep.txt"}, names(t, sub[0].(backend.Directory)))
}

func testTypeMismatch(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	r := root(t, b)

	_, err := r.File(ctx, "f")
	require.NoError(t, err)
	_, err = r.Subdirectory(ctx, "f")
	assert.True(t, errors.Is(err, backend.ErrTypeMismatch), "got %v", err)

	_, err = r.Subdirectory(ctx, "d")
	require.NoError(t, err)
	_, err = r.File(ctx, "d")
	assert.True(t, errors.Is(err, backend.ErrTypeMismatch), "got %v", err)
}

func testInvalidName(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	r := root(t, b)

	for _, name := range []string{"", ".", "..", "a/b"} {
		_, err := r.Subdirectory(ctx, name)
		assert.True(t, errors.Is(err, backend.ErrInvalidName), "Subdirectory(%q): %v", name, err)
		_, err = r.File(ctx, name)
		assert.True(t, errors.Is(err, backend.ErrInvalidName), "File(%q): %v", name, err)
	}
}

func testRemoveAllRoot(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	r := root(t, b)

	a, err := r.Subdirectory(ctx, "a")
	require.NoError(t, err)
	_, err = a.File(ctx, "inner")
	require.NoError(t, err)
	_, err = r.File(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, r.RemoveAll(ctx))

	assert.Empty(t, names(t, root(t, b)))

	// The root stays usable after being cleared.
	_, err = root(t, b).Subdirectory(ctx, "again")
	require.NoError(t, err)
	assert.Equal(t, []string{"again/"}, names(t, root(t, b)))
}

func testRemoveAllSubdirectory(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	r := root(t, b)

	a, err := r.Subdirectory(ctx, "a")
	require.NoError(t, err)
	_, err = a.Subdirectory(ctx, "nested")
	require.NoError(t, err)
	_, err = r.Subdirectory(ctx, "keep")
	require.NoError(t, err)

	require.NoError(t, a.RemoveAll(ctx))
	assert.Equal(t, []string{"keep/"}, names(t, r))
}

func testStaleHandle(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	r := root(t, b)

	a, err := r.Subdirectory(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, a.RemoveAll(ctx))

	_, err = a.Entries(ctx)
	assert.True(t, errors.Is(err, backend.ErrNotFound), "got %v", err)
}
