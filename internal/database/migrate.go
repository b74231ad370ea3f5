package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
)

// MigrationDialect holds the engine-specific SQL the migration runner needs.
type MigrationDialect struct {
	// Name labels log lines, e.g. "postgres".
	Name string
	// CreateTable creates schema_migrations(version, applied_at) if missing.
	CreateTable string
	// Record inserts one version; it takes a single placeholder.
	Record string
	// Transactional runs each file and its record in one transaction.
	// Engines that commit DDL implicitly (MariaDB) leave it false.
	Transactional bool
}

// Migrator applies the *.sql files of one directory in name order, once each.
type Migrator struct {
	db      *sql.DB
	files   fs.FS
	dir     string
	dialect MigrationDialect
	logger  *slog.Logger
}

// NewMigrator creates a runner over files/dir. logger may be nil.
func NewMigrator(db *sql.DB, files fs.FS, dir string, dialect MigrationDialect, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		db:      db,
		files:   files,
		dir:     dir,
		dialect: dialect,
		logger:  logger.With("backend", dialect.Name),
	}
}

// Applied returns the recorded versions in order.
func (m *Migrator) Applied(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migration versions: %w", err)
	}
	return versions, nil
}

// Pending returns the migration files not yet recorded, sorted by name.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	if _, err := m.db.ExecContext(ctx, m.dialect.CreateTable); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(m.files, m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") && !slices.Contains(applied, e.Name()) {
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)
	return files, nil
}

// Migrate applies every pending migration.
func (m *Migrator) Migrate(ctx context.Context) error {
	files, err := m.Pending(ctx)
	if err != nil {
		return err
	}
	for _, file := range files {
		content, err := fs.ReadFile(m.files, path.Join(m.dir, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if err := m.apply(ctx, file, string(content)); err != nil {
			return err
		}
		m.logger.Info("applied migration", "version", file)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *Migrator) apply(ctx context.Context, file, content string) error {
	run := func(db execer) error {
		if _, err := db.ExecContext(ctx, content); err != nil {
			return fmt.Errorf("execute migration %s: %w", file, err)
		}
		if _, err := db.ExecContext(ctx, m.dialect.Record, file); err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		return nil
	}

	if !m.dialect.Transactional {
		return run(m.db)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction for %s: %w", file, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := run(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}
