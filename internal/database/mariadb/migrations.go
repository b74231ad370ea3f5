package mariadb

import (
	"context"
	"embed"

	"github.com/kozaktomas/faceid/internal/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MariaDB commits DDL implicitly, so each file is recorded right after it
// runs instead of inside a transaction.
var dialect = database.MigrationDialect{
	Name: "mariadb",
	CreateTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) NOT NULL PRIMARY KEY,
		applied_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
	) ENGINE=InnoDB`,
	Record: "INSERT INTO schema_migrations (version) VALUES (?)",
}

func (p *Pool) migrator() *database.Migrator {
	return database.NewMigrator(p.db, migrationsFS, "migrations", dialect, nil)
}

// Migrate applies every embedded migration not yet recorded.
func (p *Pool) Migrate(ctx context.Context) error {
	return p.migrator().Migrate(ctx)
}

// MigrationsApplied returns the applied migration versions in order.
func (p *Pool) MigrationsApplied(ctx context.Context) ([]string, error) {
	return p.migrator().Applied(ctx)
}
