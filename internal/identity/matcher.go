package identity

import (
	"context"

	"github.com/kozaktomas/faceid/internal/database"
)

// Matcher resolves a face vector to the account that owns the nearest
// enrolled vector.
type Matcher struct {
	vectors  database.VectorStore
	accounts database.AccountStore
}

// NewMatcher creates a matcher over the given stores.
func NewMatcher(vectors database.VectorStore, accounts database.AccountStore) *Matcher {
	return &Matcher{vectors: vectors, accounts: accounts}
}

// ResolveByVector returns the owner of the closest vector whose L2 distance
// is strictly below threshold, together with that distance. ErrNoMatch is
// returned when nothing qualifies or the owner no longer exists.
func (m *Matcher) ResolveByVector(
	ctx context.Context, query database.Vector, threshold float64,
) (*database.Account, float64, error) {
	rec, dist, err := m.vectors.Nearest(ctx, query, threshold)
	if err != nil {
		return nil, 0, err
	}
	if rec == nil {
		return nil, 0, ErrNoMatch
	}

	acc, err := m.accounts.Get(ctx, database.AccountSelector{ID: rec.OwnerID})
	if err != nil {
		return nil, 0, err
	}
	if acc == nil {
		return nil, 0, ErrNoMatch
	}
	return acc, dist, nil
}

// AnnotateSimilarities sets Similarity on every vector of account to its L2
// distance from query. Nothing is persisted.
func AnnotateSimilarities(account *database.Account, query database.Vector) {
	if account == nil {
		return
	}
	for i := range account.Vectors {
		d := database.L2Distance(query, account.Vectors[i].Vector)
		account.Vectors[i].Similarity = &d
	}
}
