package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pieceflow/pieceflow/pkg/persistence"
	"github.com/pieceflow/pieceflow/pkg/persistence/file"
	"github.com/pieceflow/pieceflow/pkg/persistence/memory"
	"github.com/pieceflow/pieceflow/pkg/persistence/postgresql"
)

// NewPersistence selects the storage backend from the database URL
// scheme. postgres:// is the production backend; file:// keeps state
// across restarts without a database; memory:// holds nothing and
// suits tests and demos.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "memory":
		return memory.NewPersistence(), nil
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parseProvider(url string) string {
	provider, _, found := strings.Cut(url, "://")
	if !found {
		return ""
	}

	return provider
}
