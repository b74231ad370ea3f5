package postgres

import (
	"context"
	"embed"

	"github.com/kozaktomas/faceid/internal/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var dialect = database.MigrationDialect{
	Name: "postgres",
	CreateTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	Record:        "INSERT INTO schema_migrations (version) VALUES ($1)",
	Transactional: true,
}

func (p *Pool) migrator() *database.Migrator {
	return database.NewMigrator(p.db, migrationsFS, "migrations", dialect, nil)
}

// Migrate applies all pending migrations, each in its own transaction.
func (p *Pool) Migrate(ctx context.Context) error {
	return p.migrator().Migrate(ctx)
}

// MigrationsApplied returns the applied migration versions in order.
func (p *Pool) MigrationsApplied(ctx context.Context) ([]string, error) {
	return p.migrator().Applied(ctx)
}
