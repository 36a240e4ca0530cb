package sqlstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/treemirror/internal/backend"
	"github.com/fruitsalade/treemirror/internal/backend/backendtest"
)

func newSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	return s
}

func TestConformanceSQLite(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return newSQLite(t)
	})
}

func TestConformancePostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		s, err := New(context.Background(), Config{Driver: DriverPostgres, DSN: dsn})
		require.NoError(t, err)
		_, err = s.DB().Exec(`DELETE FROM entries`)
		require.NoError(t, err)
		return s
	})
}

func TestNewValidation(t *testing.T) {
	_, err := New(context.Background(), Config{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)

	_, err = New(context.Background(), Config{Driver: DriverSQLite})
	assert.Error(t, err)

	_, err = NewFromJSON(context.Background(), []byte(`not json`))
	assert.Error(t, err)
}

func TestNewFromJSON(t *testing.T) {
	s, err := NewFromJSON(context.Background(), []byte(`{"driver":"sqlite","dsn":":memory:"}`))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "sql", s.Type())
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestMigrateIdempotent(t *testing.T) {
	s := newSQLite(t)
	defer s.Close()
	require.NoError(t, s.migrate(context.Background()))
}

func TestEntriesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	defer s.Close()

	r, err := s.Root(ctx)
	require.NoError(t, err)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := r.File(ctx, name)
		require.NoError(t, err)
	}

	entries, err := r.Entries(ctx)
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, got)
}

func TestRemoveAllDeepSubtree(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	defer s.Close()

	r, _ := s.Root(ctx)
	a, err := r.Subdirectory(ctx, "a")
	require.NoError(t, err)
	cur := a
	for _, name := range []string{"b", "c", "d"} {
		cur, err = cur.Subdirectory(ctx, name)
		require.NoError(t, err)
		_, err = cur.File(ctx, "leaf")
		require.NoError(t, err)
	}
	require.NoError(t, a.RemoveAll(ctx))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n))
	assert.Equal(t, 0, n)
}
