//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/database"
	"github.com/kozaktomas/faceid/internal/database/storetest"
	"github.com/kozaktomas/faceid/internal/web/middleware"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, err := NewPool(ctx, cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}
	return pool, cleanup
}

func truncate(t *testing.T, pool *Pool) {
	t.Helper()
	if _, err := pool.Exec(context.Background(), "TRUNCATE accounts CASCADE"); err != nil {
		t.Fatalf("Failed to truncate: %v", err)
	}
}

func TestStore(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	storetest.Run(t, func(t *testing.T) database.Store {
		truncate(t, pool)
		return NewStore(pool, 5*time.Second)
	})
}

func TestSessionRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()
	truncate(t, pool)

	ctx := context.Background()
	store := NewStore(pool, 0)
	acc, err := store.Add(ctx, database.NewAccount{Username: "alice"})
	if err != nil {
		t.Fatalf("Failed to add account: %v", err)
	}

	repo := NewSessionRepository(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	live := middleware.StoredSession{ID: "live", AccountID: acc.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	expired := middleware.StoredSession{ID: "expired", AccountID: acc.ID, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	for _, s := range []middleware.StoredSession{live, expired} {
		if err := repo.Save(ctx, s); err != nil {
			t.Fatalf("Failed to save session %s: %v", s.ID, err)
		}
	}

	got, err := repo.Get(ctx, "live")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got == nil || got.AccountID != acc.ID {
		t.Fatalf("Expected live session for %s, got %+v", acc.ID, got)
	}

	got, err = repo.Get(ctx, "expired")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got != nil {
		t.Errorf("Expected expired session to be hidden, got %+v", got)
	}

	n, err := repo.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("Failed to delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired session deleted, got %d", n)
	}

	// Sessions go with their account.
	if err := store.Delete(ctx, acc.ID); err != nil {
		t.Fatalf("Failed to delete account: %v", err)
	}
	got, err = repo.Get(ctx, "live")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got != nil {
		t.Errorf("Expected session to be removed with its account, got %+v", got)
	}
}

func TestMigrations(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	versions, err := pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("Failed to get applied migrations: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("Expected 2 migrations, got %d: %v", len(versions), versions)
	}

	// Running again is a no-op.
	if err := pool.Migrate(ctx); err != nil {
		t.Fatalf("Second migrate failed: %v", err)
	}
	again, err := pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("Failed to get applied migrations: %v", err)
	}
	if len(again) != len(versions) {
		t.Errorf("Expected migrations to stay at %d, got %d", len(versions), len(again))
	}
}
