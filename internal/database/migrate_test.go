package database_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/faceid/internal/database"
	"github.com/kozaktomas/faceid/internal/logging"
)

var sqliteDialect = database.MigrationDialect{
	Name:          "sqlite",
	CreateTable:   `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)`,
	Record:        "INSERT INTO schema_migrations (version) VALUES (?)",
	Transactional: true,
}

func openMigrationDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestMigratorAppliesInOrderOnce(t *testing.T) {
	ctx := context.Background()
	db := openMigrationDB(t)
	files := fstest.MapFS{
		"migrations/002_b.sql":  {Data: []byte("ALTER TABLE a ADD COLUMN note TEXT;")},
		"migrations/001_a.sql":  {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"migrations/README.txt": {Data: []byte("not a migration")},
	}
	m := database.NewMigrator(db, files, "migrations", sqliteDialect, logging.Discard())

	require.NoError(t, m.Migrate(ctx))
	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_a.sql", "002_b.sql"}, applied)

	// A second run finds nothing to do; re-running 002 would fail.
	require.NoError(t, m.Migrate(ctx))
	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMigratorRollsBackFailedFile(t *testing.T) {
	ctx := context.Background()
	db := openMigrationDB(t)
	files := fstest.MapFS{
		"migrations/001_ok.sql":     {Data: []byte("CREATE TABLE ok (id INTEGER PRIMARY KEY);")},
		"migrations/002_broken.sql": {Data: []byte("CREATE TABLE half (id INTEGER); SELECT * FROM missing_table;")},
	}
	m := database.NewMigrator(db, files, "migrations", sqliteDialect, logging.Discard())

	err := m.Migrate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_broken.sql")

	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_ok.sql"}, applied)
	assert.True(t, tableExists(t, db, "ok"))
	assert.False(t, tableExists(t, db, "half"))
}

func TestMigratorMissingDirectory(t *testing.T) {
	db := openMigrationDB(t)
	m := database.NewMigrator(db, fstest.MapFS{}, "migrations", sqliteDialect, logging.Discard())
	assert.Error(t, m.Migrate(context.Background()))
}
