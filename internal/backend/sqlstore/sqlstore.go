// Package sqlstore provides a backend that keeps the directory tree as rows in
// a SQL database. PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite) are
// supported.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fruitsalade/treemirror/internal/backend"
	"github.com/fruitsalade/treemirror/internal/logging"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// rootID is the parent_id of top-level rows. The root itself has no row.
const rootID int64 = 0

const (
	kindDir  = "dir"
	kindFile = "file"
)

// Config holds SQL backend settings.
type Config struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// Store is a SQL-backed backend.Backend.
type Store struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

// New opens the database, checks connectivity and creates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverPostgres
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// A single connection keeps ":memory:" databases shared and
		// serialises writers.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, driver: driver, log: logging.Named("sqlstore")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("sql backend ready", zap.String("driver", driver))
	return s, nil
}

// NewFromJSON creates a Store from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*Store, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse sql config: %w", err)
	}
	return New(ctx, cfg)
}

func (s *Store) migrate(ctx context.Context) error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id ` + idColumn + `,
			parent_id BIGINT NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('dir', 'file')),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (parent_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries (parent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Root(_ context.Context) (backend.Directory, error) {
	return &dir{s: s, id: rootID, name: "/"}, nil
}

func (s *Store) Type() string { return "sql" }

func (s *Store) Close() error { return s.db.Close() }

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type dir struct {
	s    *Store
	id   int64
	name string
}

type file struct {
	name string
}

func (f *file) Name() string       { return f.name }
func (f *file) Kind() backend.Kind { return backend.KindFile }

func (d *dir) Name() string       { return d.name }
func (d *dir) Kind() backend.Kind { return backend.KindDirectory }

// exists fails with backend.ErrNotFound when the directory row is gone.
func (d *dir) exists(ctx context.Context, q querier) error {
	if d.id == rootID {
		return nil
	}
	var kind string
	err := q.QueryRowContext(ctx, d.s.rebind(`SELECT kind FROM entries WHERE id = ?`), d.id).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && kind != kindDir) {
		return fmt.Errorf("directory %q: %w", d.name, backend.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup directory %q: %w", d.name, err)
	}
	return nil
}

func (d *dir) Entries(ctx context.Context) ([]backend.Handle, error) {
	if err := d.exists(ctx, d.s.db); err != nil {
		return nil, err
	}

	rows, err := d.s.db.QueryContext(ctx,
		d.s.rebind(`SELECT id, name, kind FROM entries WHERE parent_id = ? ORDER BY id`), d.id)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var handles []backend.Handle
	for rows.Next() {
		var (
			id   int64
			name string
			kind string
		)
		if err := rows.Scan(&id, &name, &kind); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if kind == kindDir {
			handles = append(handles, &dir{s: d.s, id: id, name: name})
		} else {
			handles = append(handles, &file{name: name})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return handles, nil
}

// ensure inserts the child if absent and returns its id. An existing child
// of the other kind yields backend.ErrTypeMismatch.
func (d *dir) ensure(ctx context.Context, name, kind string) (int64, error) {
	if err := backend.ValidateName(name); err != nil {
		return 0, err
	}

	tx, err := d.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := d.exists(ctx, tx); err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, d.s.rebind(
		`INSERT INTO entries (parent_id, name, kind) VALUES (?, ?, ?)
		 ON CONFLICT (parent_id, name) DO NOTHING`), d.id, name, kind)
	if err != nil {
		return 0, fmt.Errorf("insert %q: %w", name, err)
	}

	var (
		id       int64
		existing string
	)
	err = tx.QueryRowContext(ctx, d.s.rebind(
		`SELECT id, kind FROM entries WHERE parent_id = ? AND name = ?`), d.id, name).Scan(&id, &existing)
	if err != nil {
		return 0, fmt.Errorf("lookup %q: %w", name, err)
	}
	if existing != kind {
		return 0, fmt.Errorf("%q is a %s: %w", name, existing, backend.ErrTypeMismatch)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (d *dir) Subdirectory(ctx context.Context, name string) (backend.Directory, error) {
	id, err := d.ensure(ctx, name, kindDir)
	if err != nil {
		return nil, err
	}
	return &dir{s: d.s, id: id, name: name}, nil
}

func (d *dir) File(ctx context.Context, name string) (backend.Handle, error) {
	if _, err := d.ensure(ctx, name, kindFile); err != nil {
		return nil, err
	}
	return &file{name: name}, nil
}

// RemoveAll deletes the directory row and every descendant. On the root
// only the descendants exist as rows.
func (d *dir) RemoveAll(ctx context.Context) error {
	if d.id == rootID {
		if _, err := d.s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
			return fmt.Errorf("clear entries: %w", err)
		}
		return nil
	}

	_, err := d.s.db.ExecContext(ctx, d.s.rebind(
		`WITH RECURSIVE subtree(id) AS (
			SELECT id FROM entries WHERE id = ?
			UNION ALL
			SELECT e.id FROM entries e JOIN subtree t ON e.parent_id = t.id
		)
		DELETE FROM entries WHERE id IN (SELECT id FROM subtree)`), d.id)
	if err != nil {
		return fmt.Errorf("remove %q: %w", d.name, err)
	}
	return nil
}
