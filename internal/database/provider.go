package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kozaktomas/faceid/internal/config"
)

// Opener connects to a backend and returns a ready Store.
type Opener func(ctx context.Context, cfg *config.DatabaseConfig) (Store, error)

// IndexRebuilder is implemented by stores that keep an in-memory index.
type IndexRebuilder interface {
	// RebuildIndex rebuilds the in-memory index from the backing store.
	RebuildIndex(ctx context.Context) error
	// IndexCount returns the number of vectors in the index.
	IndexCount() int
	// SaveIndex saves the current index to disk (if path configured).
	SaveIndex(ctx context.Context) error
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Opener)
)

// RegisterBackend makes a backend available under name.
// Backend packages call this from init to avoid import cycles.
func RegisterBackend(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if open == nil {
		panic("database: RegisterBackend opener is nil")
	}
	if _, dup := backends[name]; dup {
		panic("database: RegisterBackend called twice for " + name)
	}
	backends[name] = open
}

// Backends returns the sorted names of the registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open connects to the configured backend. Migrations run when cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (Store, error) {
	backendsMu.RLock()
	open, ok := backends[cfg.Driver]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown database driver %q (available: %v)", cfg.Driver, Backends())
	}

	store, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Driver, err)
	}

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}
	return store, nil
}
