package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/kozaktomas/faceid/internal/database"
)

const vectorColumns = "id, owner_id, embedding, created_at"

// scanVectorRow scans a single vector record row. extraDest receives any
// trailing columns (e.g. distance).
func scanVectorRow(scanner interface{ Scan(...any) error }, extraDest ...any) (database.VectorRecord, error) {
	var (
		rec database.VectorRecord
		emb pgvector.Vector
	)
	dest := append([]any{&rec.ID, &rec.OwnerID, &emb, &rec.CreatedAt}, extraDest...)
	if err := scanner.Scan(dest...); err != nil {
		return rec, fmt.Errorf("scan vector record: %w", err)
	}
	v, err := database.NewVector(emb.Slice())
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

// lockAccount takes a row lock on the account so that concurrent writers of
// the same owner serialize. Returns ErrNotFound when it does not exist.
func lockAccount(ctx context.Context, tx *sql.Tx, id string) error {
	if !validID(id) {
		return database.ErrNotFound
	}
	var locked string
	err := tx.QueryRowContext(ctx, "SELECT id FROM accounts WHERE id = $1 FOR UPDATE", id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return database.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	return nil
}

// insertVectors inserts one record per vector and returns them with assigned IDs.
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
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vector_records (id, owner_id, embedding, created_at)
			VALUES ($1, $2, $3, $4)
		`, rec.ID, rec.OwnerID, pgvector.NewVector(v.Slice()), rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert vector %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
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

func replaceVectors(ctx context.Context, tx *sql.Tx, ownerID string, vectors []database.Vector) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM vector_records WHERE owner_id = $1", ownerID); err != nil {
		return fmt.Errorf("delete existing vectors: %w", err)
	}
	_, err := insertVectors(ctx, tx, ownerID, vectors)
	return err
}

// Nearest finds the closest record by L2 distance using the hnsw index.
func (s *Store) Nearest(
	ctx context.Context, query database.Vector, maxDistance float64,
) (*database.VectorRecord, float64, error) {
	// Use transaction to set ef_search for better recall (matching in-memory HNSW config).
	tx, err := s.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, classify("nearest", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", database.HNSWEfSearch)); err != nil {
		return nil, 0, classify("nearest", fmt.Errorf("set ef_search: %w", err))
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+vectorColumns+`, embedding <-> $1 AS distance
		FROM vector_records
		ORDER BY embedding <-> $1, id
		LIMIT 1
	`, pgvector.NewVector(query.Slice()))

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
	rows, err := s.pool.Query(ctx, "SELECT "+vectorColumns+" FROM vector_records WHERE owner_id = $1 ORDER BY id", ownerID)
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
	if _, err := s.pool.Exec(ctx, "DELETE FROM vector_records WHERE owner_id = $1", ownerID); err != nil {
		return classify("delete vectors", err)
	}
	return nil
}

// EachVector streams every stored vector ordered by ID.
func (s *Store) EachVector(ctx context.Context, fn func(database.VectorRecord) error) error {
	rows, err := s.pool.Query(ctx, "SELECT "+vectorColumns+" FROM vector_records ORDER BY id")
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
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(MAX(id::text), '') FROM vector_records",
	).Scan(&stats.Count, &stats.LatestID)
	if err != nil {
		return stats, classify("vector stats", err)
	}
	return stats, nil
}
