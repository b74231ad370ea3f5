package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/kozaktomas/faceid/internal/database"
)

const vectorColumns = "r.id, r.owner_id, r.embedding, r.created_at"

func scanVectorRow(scanner interface{ Scan(...any) error }, extraDest ...any) (database.VectorRecord, error) {
	var (
		rec  database.VectorRecord
		blob []byte
	)
	dest := append([]any{&rec.ID, &rec.OwnerID, &blob, &rec.CreatedAt}, extraDest...)
	if err := scanner.Scan(dest...); err != nil {
		return rec, fmt.Errorf("scan vector record: %w", err)
	}
	v, err := database.VectorFromBytes(blob)
	if err != nil {
		return rec, fmt.Errorf("stored vector %s: %w", rec.ID, err)
	}
	rec.Vector = v
	return rec, nil
}

func scanVectorRows(rows *sql.Rows) ([]database.VectorRecord, error) {
	records := []database.VectorRecord{}
	for rows.Next() {
		rec, err := scanVectorRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector records: %w", err)
	}
	return records, nil
}

// accountExists runs inside an immediate transaction, which already holds
// the database write lock.
func accountExists(ctx context.Context, tx *sql.Tx, id string) error {
	var found string
	err := tx.QueryRowContext(ctx, "SELECT id FROM accounts WHERE id = ?", id).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return database.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup account: %w", err)
	}
	return nil
}

func insertVectors(
	ctx context.Context, tx *sql.Tx, ownerID string, vectors []database.Vector,
) ([]database.VectorRecord, error) {
	records := make([]database.VectorRecord, 0, len(vectors))
	for i, v := range vectors {
		if v.IsZero() {
			return nil, database.ErrVectorSize
		}
		blob, err := sqlite_vec.SerializeFloat32(v.Slice())
		if err != nil {
			return nil, fmt.Errorf("serializing vector %d: %w", i, err)
		}
		rec := database.VectorRecord{
			ID:        newID(),
			OwnerID:   ownerID,
			Vector:    v,
			CreatedAt: time.Now().UTC(),
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO vector_records (id, owner_id, embedding, created_at) VALUES (?, ?, ?, ?)",
			rec.ID, rec.OwnerID, blob, rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert vector %d: %w", i, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert vector %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO vector_index (rowid, embedding) VALUES (?, ?)", seq, blob); err != nil {
			return nil, fmt.Errorf("index vector %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// deleteVectors removes the owner's records from both tables. vec0 is not
// covered by the foreign key cascade.
func deleteVectors(ctx context.Context, tx *sql.Tx, ownerID string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM vector_index WHERE rowid IN (SELECT seq FROM vector_records WHERE owner_id = ?)", ownerID)
	if err != nil {
		return fmt.Errorf("delete indexed vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM vector_records WHERE owner_id = ?", ownerID); err != nil {
		return fmt.Errorf("delete existing vectors: %w", err)
	}
	return nil
}

func replaceVectors(ctx context.Context, tx *sql.Tx, ownerID string, vectors []database.Vector) error {
	if err := deleteVectors(ctx, tx, ownerID); err != nil {
		return err
	}
	_, err := insertVectors(ctx, tx, ownerID, vectors)
	return err
}

// Insert adds a single vector for an existing owner.
func (s *Store) Insert(ctx context.Context, ownerID string, v database.Vector) (*database.VectorRecord, error) {
	var inserted []database.VectorRecord
	err := s.withTx(ctx, "insert vector", func(tx *sql.Tx) error {
		if err := accountExists(ctx, tx, ownerID); err != nil {
			return err
		}
		var err error
		inserted, err = insertVectors(ctx, tx, ownerID, []database.Vector{v})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &inserted[0], nil
}

// ReplaceAll swaps the owner's vector set in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, ownerID string, vectors []database.Vector) error {
	return s.withTx(ctx, "replace vectors", func(tx *sql.Tx) error {
		if err := accountExists(ctx, tx, ownerID); err != nil {
			return err
		}
		return replaceVectors(ctx, tx, ownerID, vectors)
	})
}

// Nearest runs an exact KNN query on vec0. A few candidates are fetched so
// that equal distances resolve to the smallest record ID.
func (s *Store) Nearest(
	ctx context.Context, query database.Vector, maxDistance float64,
) (*database.VectorRecord, float64, error) {
	blob, err := sqlite_vec.SerializeFloat32(query.Slice())
	if err != nil {
		return nil, 0, database.StorageFault("nearest", err)
	}

	row := s.db.QueryRowContext(ctx, `
		WITH knn AS (
			SELECT rowid, distance FROM vector_index
			WHERE embedding MATCH ? AND k = ?
		)
		SELECT `+vectorColumns+`, knn.distance
		FROM knn JOIN vector_records r ON r.seq = knn.rowid
		ORDER BY knn.distance, r.id
		LIMIT 1
	`, blob, database.HNSWCandidates)

	var distance float64
	rec, err := scanVectorRow(row, &distance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, classify("nearest", err)
	}
	if distance >= maxDistance {
		return nil, 0, nil
	}
	return &rec, distance, nil
}

// ListByOwner returns the owner's vectors in insertion order.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]database.VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+vectorColumns+" FROM vector_records r WHERE r.owner_id = ? ORDER BY r.seq", ownerID)
	if err != nil {
		return nil, classify("list vectors", err)
	}
	defer rows.Close()

	records, err := scanVectorRows(rows)
	if err != nil {
		return nil, classify("list vectors", err)
	}
	return records, nil
}

// DeleteByOwner removes every vector of the owner.
func (s *Store) DeleteByOwner(ctx context.Context, ownerID string) error {
	return s.withTx(ctx, "delete vectors", func(tx *sql.Tx) error {
		return deleteVectors(ctx, tx, ownerID)
	})
}

// EachVector streams every stored vector ordered by ID.
func (s *Store) EachVector(ctx context.Context, fn func(database.VectorRecord) error) error {
	// The single connection is held by the cursor, so collect first.
	rows, err := s.db.QueryContext(ctx, "SELECT "+vectorColumns+" FROM vector_records r ORDER BY r.id")
	if err != nil {
		return classify("scan vectors", err)
	}
	records, err := scanVectorRows(rows)
	rows.Close()
	if err != nil {
		return classify("scan vectors", err)
	}
	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// VectorStats returns the vector count and the greatest record ID.
func (s *Store) VectorStats(ctx context.Context) (database.VectorStats, error) {
	var stats database.VectorStats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(MAX(id), '') FROM vector_records",
	).Scan(&stats.Count, &stats.LatestID)
	if err != nil {
		return stats, classify("vector stats", err)
	}
	return stats, nil
}
