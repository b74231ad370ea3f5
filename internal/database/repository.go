package database

import (
	"context"
)

// VectorStore persists face embeddings and answers nearest-neighbour queries.
type VectorStore interface {
	// Insert adds a single vector for an existing owner.
	Insert(ctx context.Context, ownerID string, v Vector) (*VectorRecord, error)
	// ReplaceAll atomically swaps the owner's whole vector set. An empty slice clears it.
	// Returns ErrNotFound if the owner does not exist.
	ReplaceAll(ctx context.Context, ownerID string, vectors []Vector) error
	// Nearest returns the record closest to query by L2 distance, provided the
	// distance is strictly below maxDistance. Returns (nil, 0, nil) otherwise.
	Nearest(ctx context.Context, query Vector, maxDistance float64) (*VectorRecord, float64, error)
	// ListByOwner returns the owner's vectors in insertion order.
	ListByOwner(ctx context.Context, ownerID string) ([]VectorRecord, error)
	// DeleteByOwner removes every vector of the owner.
	DeleteByOwner(ctx context.Context, ownerID string) error
}

// AccountStore persists accounts. Vectors are loaded eagerly with the account.
type AccountStore interface {
	// Add creates the account and its initial vectors in one transaction.
	Add(ctx context.Context, account NewAccount) (*Account, error)
	// Get returns the selected account or nil if it does not exist or the
	// selector is not valid.
	Get(ctx context.Context, sel AccountSelector) (*Account, error)
	// List returns a page of accounts ordered by ID.
	List(ctx context.Context, offset, limit int) ([]Account, error)
	// Update applies a partial modification in one transaction.
	Update(ctx context.Context, update AccountUpdate) error
	// Delete removes the account and, by cascade, its vectors.
	Delete(ctx context.Context, id string) error
}

// VectorScanner walks every stored vector. Used to build the in-memory index.
type VectorScanner interface {
	EachVector(ctx context.Context, fn func(VectorRecord) error) error
	VectorStats(ctx context.Context) (VectorStats, error)
}

// Store is the full persistence surface a backend provides.
type Store interface {
	AccountStore
	VectorStore
	VectorScanner

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error
	Close() error
}
