package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/faceid/internal/database"
)

const vectorColumns = "id, owner_id, embedding, created_at"

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

func lockAccount(ctx context.Context, tx *sql.Tx, id string) error {
	if !validID(id) {
		return database.ErrNotFound
	}
	var locked string
	err := tx.QueryRowContext(ctx, "SELECT id FROM accounts WHERE id = ? FOR UPDATE", id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return database.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
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
		rec := database.VectorRecord{
			ID:        newID(),
			OwnerID:   ownerID,
			Vector:    v,
			CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO vector_records (id, owner_id, embedding, created_at) VALUES (?, ?, ?, ?)",
			rec.ID, rec.OwnerID, v.Bytes(), rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert vector %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func replaceVectors(ctx context.Context, tx *sql.Tx, ownerID string, vectors []database.Vector) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM vector_records WHERE owner_id = ?", ownerID); err != nil {
		return fmt.Errorf("delete existing vectors: %w", err)
	}
	_, err := insertVectors(ctx, tx, ownerID, vectors)
	return err
}

// Insert adds a single vector for an existing owner.
func (s *Store) Insert(ctx context.Context, ownerID string, v database.Vector) (*database.VectorRecord, error) {
	var inserted []database.VectorRecord
	err := s.withTx(ctx, "insert vector", func(tx *sql.Tx) error {
		if err := lockAccount(ctx, tx, ownerID); err != nil {
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
		if err := lockAccount(ctx, tx, ownerID); err != nil {
			return err
		}
		return replaceVectors(ctx, tx, ownerID, vectors)
	})
}

// Nearest finds the closest record through the VECTOR index.
func (s *Store) Nearest(
	ctx context.Context, query database.Vector, maxDistance float64,
) (*database.VectorRecord, float64, error) {
	conn, err := s.pool.db.Conn(ctx)
	if err != nil {
		return nil, 0, classify("nearest", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION mhnsw_ef_search = %d", database.HNSWEfSearch)); err != nil {
		return nil, 0, classify("nearest", fmt.Errorf("set ef_search: %w", err))
	}

	blob := query.Bytes()
	row := conn.QueryRowContext(ctx, `
		SELECT `+vectorColumns+`, VEC_DISTANCE_EUCLIDEAN(embedding, ?) AS distance
		FROM vector_records
		ORDER BY VEC_DISTANCE_EUCLIDEAN(embedding, ?), id
		LIMIT 1
	`, blob, blob)

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
	if !validID(ownerID) {
		return []database.VectorRecord{}, nil
	}
	rows, err := s.pool.db.QueryContext(ctx,
		"SELECT "+vectorColumns+" FROM vector_records WHERE owner_id = ? ORDER BY id", ownerID)
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
	if !validID(ownerID) {
		return nil
	}
	if _, err := s.pool.db.ExecContext(ctx, "DELETE FROM vector_records WHERE owner_id = ?", ownerID); err != nil {
		return classify("delete vectors", err)
	}
	return nil
}

// EachVector streams every stored vector ordered by ID.
func (s *Store) EachVector(ctx context.Context, fn func(database.VectorRecord) error) error {
	rows, err := s.pool.db.QueryContext(ctx, "SELECT "+vectorColumns+" FROM vector_records ORDER BY id")
	if err != nil {
		return classify("scan vectors", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanVectorRow(rows)
		if err != nil {
			return classify("scan vectors", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classify("scan vectors", err)
	}
	return nil
}

// VectorStats returns the vector count and the greatest record ID.
func (s *Store) VectorStats(ctx context.Context) (database.VectorStats, error) {
	var stats database.VectorStats
	err := s.pool.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(MAX(id), '') FROM vector_records",
	).Scan(&stats.Count, &stats.LatestID)
	if err != nil {
		return stats, classify("vector stats", err)
	}
	return stats, nil
}
