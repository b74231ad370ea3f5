package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/faceid/internal/database"
	"github.com/kozaktomas/faceid/internal/database/mock"
	"github.com/kozaktomas/faceid/internal/database/storetest"
	"github.com/kozaktomas/faceid/internal/logging"
)

func newIndexed(t *testing.T, backing *mock.Store, path string) *database.IndexedStore {
	t.Helper()
	s := database.NewIndexedStore(backing, path, logging.Discard())
	require.NoError(t, s.RebuildIndex(context.Background()))
	return s
}

func TestIndexedStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) database.Store {
		return newIndexed(t, mock.NewStore(), "")
	})
}

func TestIndexedStoreAnswersFromIndex(t *testing.T) {
	ctx := context.Background()
	backing := mock.NewStore()
	s := newIndexed(t, backing, "")

	acc, err := s.Add(ctx, database.NewAccount{Username: "alice", Vectors: []database.Vector{storetest.Vec(1)}})
	require.NoError(t, err)
	assert.Equal(t, 1, s.IndexCount())

	rec, _, err := s.Nearest(ctx, storetest.Vec(1), 1.2)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, acc.ID, rec.OwnerID)
	assert.Zero(t, backing.Calls["Nearest"])
}

func TestIndexedStoreFollowsWrites(t *testing.T) {
	ctx := context.Background()
	s := newIndexed(t, mock.NewStore(), "")

	acc, err := s.Add(ctx, database.NewAccount{Username: "alice", Vectors: []database.Vector{storetest.Vec(1)}})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceAll(ctx, acc.ID, []database.Vector{storetest.Vec(2), storetest.Vec(3)}))
	assert.Equal(t, 2, s.IndexCount())

	_, err = s.Insert(ctx, acc.ID, storetest.Vec(4))
	require.NoError(t, err)
	assert.Equal(t, 3, s.IndexCount())

	require.NoError(t, s.Update(ctx, database.AccountUpdate{ID: acc.ID, ReplaceVectors: true, Vectors: []database.Vector{storetest.Vec(5)}}))
	assert.Equal(t, 1, s.IndexCount())

	require.NoError(t, s.DeleteByOwner(ctx, acc.ID))
	assert.Equal(t, 0, s.IndexCount())

	require.NoError(t, s.ReplaceAll(ctx, acc.ID, []database.Vector{storetest.Vec(6)}))
	require.NoError(t, s.Delete(ctx, acc.ID))
	assert.Equal(t, 0, s.IndexCount())
}

func TestIndexedStoreFailedWriteLeavesIndex(t *testing.T) {
	ctx := context.Background()
	backing := mock.NewStore()
	s := newIndexed(t, backing, "")

	acc, err := s.Add(ctx, database.NewAccount{Username: "alice", Vectors: []database.Vector{storetest.Vec(1)}})
	require.NoError(t, err)

	backing.FailInsertAt = 2
	err = s.ReplaceAll(ctx, acc.ID, []database.Vector{storetest.Vec(2), storetest.Vec(3)})
	require.ErrorIs(t, err, database.ErrStorage)

	rec, _, err := s.Nearest(ctx, storetest.Vec(1), 0.01)
	require.NoError(t, err)
	require.NotNil(t, rec, "previous vector set still matches")
}

func TestIndexedStoreFallsBackWhenRefreshFails(t *testing.T) {
	ctx := context.Background()
	backing := mock.NewStore()
	s := newIndexed(t, backing, "")

	acc, err := s.Add(ctx, database.NewAccount{Username: "alice", Vectors: []database.Vector{storetest.Vec(1)}})
	require.NoError(t, err)

	backing.ListByOwnerError = errors.New("connection reset")
	require.NoError(t, s.ReplaceAll(ctx, acc.ID, []database.Vector{storetest.Vec(2)}))

	rec, _, err := s.Nearest(ctx, storetest.Vec(2), 0.01)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, backing.Calls["Nearest"], "stale index must not answer")

	backing.ListByOwnerError = nil
	require.NoError(t, s.RebuildIndex(ctx))
	_, _, err = s.Nearest(ctx, storetest.Vec(2), 0.01)
	require.NoError(t, err)
	assert.Equal(t, 1, backing.Calls["Nearest"])
}

func TestIndexedStoreSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.hnsw")
	backing := mock.NewStore()

	s := newIndexed(t, backing, path)
	_, err := s.Add(ctx, database.NewAccount{Username: "alice", Vectors: []database.Vector{storetest.Vec(1), storetest.Vec(2)}})
	require.NoError(t, err)
	require.NoError(t, s.SaveIndex(ctx))

	meta, err := database.LoadIndexMetadata(path)
	require.NoError(t, err)
	assert.EqualValues(t, 2, meta.RecordCount)

	// A fresh decorator over the same data loads the snapshot.
	again := newIndexed(t, backing, path)
	assert.Equal(t, 2, again.IndexCount())

	// A stale snapshot is rebuilt from the store.
	_, err = backing.Add(ctx, database.NewAccount{Username: "bob", Vectors: []database.Vector{storetest.Vec(3)}})
	require.NoError(t, err)
	third := newIndexed(t, backing, path)
	assert.Equal(t, 3, third.IndexCount())
}
