package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/database"

	// Backends register themselves with the database package.
	_ "github.com/kozaktomas/faceid/internal/database/mariadb"
	_ "github.com/kozaktomas/faceid/internal/database/postgres"
	_ "github.com/kozaktomas/faceid/internal/database/sqlite"
)

// openStore connects to the configured backend. With the index enabled the
// store is fronted by the in-memory HNSW index, built or loaded before
// returning.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (database.Store, error) {
	logger.Info("connecting to database", "driver", cfg.Database.Driver)
	store, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if !cfg.Database.IndexEnabled {
		return store, nil
	}

	logger.Warn("in-process vector index enabled, writes from other processes are not seen until restart")
	indexed := database.NewIndexedStore(store, cfg.Database.IndexPath, logger)
	if err := indexed.RebuildIndex(ctx); err != nil {
		// Nearest falls back to the backing store until a rebuild succeeds.
		logger.Warn("failed to build vector index, using database search", "error", err)
	} else {
		logger.Info("vector index ready", "vectors", indexed.IndexCount(), "snapshot", cfg.Database.IndexPath)
	}
	return indexed, nil
}
