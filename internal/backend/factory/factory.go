// Package factory builds a backend.Backend from a type name and JSON config.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/treemirror/internal/backend"
	"github.com/fruitsalade/treemirror/internal/backend/local"
	"github.com/fruitsalade/treemirror/internal/backend/memory"
	s3backend "github.com/fruitsalade/treemirror/internal/backend/s3"
	"github.com/fruitsalade/treemirror/internal/backend/sqlstore"
)

// New creates a Backend from a backend type string and JSON config.
func New(ctx context.Context, backendType string, config json.RawMessage) (backend.Backend, error) {
	var (
		b   backend.Backend
		err error
	)
	switch backendType {
	case "memory":
		return memory.New(), nil
	case "local":
		b, err = nonNil(local.NewFromJSON(config))
	case "s3":
		b, err = nonNil(s3backend.NewFromJSON(ctx, config))
	case "sql":
		b, err = nonNil(sqlstore.NewFromJSON(ctx, config))
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", backendType, err)
	}
	return b, nil
}

// nonNil keeps a failed constructor from yielding a typed-nil interface.
func nonNil[T backend.Backend](b T, err error) (backend.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}
