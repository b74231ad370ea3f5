// Package storetest holds the behavioural test suite every database.Store
// backend must pass.
package storetest

import (
	"context"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kozaktomas/faceid/internal/database"
)

// Factory returns a fresh, migrated, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) database.Store

// Raw returns a deterministic 512-element embedding derived from seed.
func Raw(seed float64) []float32 {
	out := make([]float32, database.VectorDim)
	for i := range out {
		out[i] = float32(math.Sin(seed + float64(i)*0.37))
	}
	return out
}

// Vec is Raw wrapped into a validated vector.
func Vec(seed float64) database.Vector {
	return database.MustVector(Raw(seed))
}

// Shifted returns v with delta added to every element.
func Shifted(v database.Vector, delta float32) database.Vector {
	raw := append([]float32(nil), v.Slice()...)
	for i := range raw {
		raw[i] += delta
	}
	return database.MustVector(raw)
}

// Zero returns the all-zero vector.
func Zero() database.Vector {
	return database.MustVector(make([]float32, database.VectorDim))
}

// Axis returns a vector that is zero except for element 0, set to x.
func Axis(x float32) database.Vector {
	raw := make([]float32, database.VectorDim)
	raw[0] = x
	return database.MustVector(raw)
}

func addAccount(t *testing.T, s database.Store, username string, vectors ...database.Vector) *database.Account {
	t.Helper()
	acc, err := s.Add(context.Background(), database.NewAccount{
		Username:       username,
		CredentialHash: "hash-" + username,
		Vectors:        vectors,
	})
	require.NoError(t, err)
	require.NotNil(t, acc)
	return acc
}

func sameVector(t *testing.T, want, got database.Vector) {
	t.Helper()
	require.Len(t, got.Slice(), database.VectorDim)
	for i := range want.Slice() {
		if math.Float32bits(want.Slice()[i]) != math.Float32bits(got.Slice()[i]) {
			t.Fatalf("element %d differs: want %v, got %v", i, want.Slice()[i], got.Slice()[i])
		}
	}
}

// Run executes the whole suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("AddAndGet", func(t *testing.T) {
		s := newStore(t)
		v1, v2 := Vec(1), Vec(2)
		acc := addAccount(t, s, "alice", v1, v2)
		assert.NotEmpty(t, acc.ID)
		assert.Len(t, acc.Vectors, 2)
		assert.False(t, acc.IsPrivileged)

		byID, err := s.Get(ctx, database.AccountSelector{ID: acc.ID})
		require.NoError(t, err)
		require.NotNil(t, byID)
		assert.Equal(t, "alice", byID.Username)
		assert.Equal(t, "hash-alice", byID.CredentialHash)
		require.Len(t, byID.Vectors, 2)
		sameVector(t, v1, byID.Vectors[0].Vector)
		sameVector(t, v2, byID.Vectors[1].Vector)
		for _, rec := range byID.Vectors {
			assert.Equal(t, acc.ID, rec.OwnerID)
			assert.Nil(t, rec.Similarity)
		}

		byName, err := s.Get(ctx, database.AccountSelector{Username: "alice"})
		require.NoError(t, err)
		require.NotNil(t, byName)
		assert.Equal(t, acc.ID, byName.ID)
	})

	t.Run("AddWithoutVectors", func(t *testing.T) {
		s := newStore(t)
		acc := addAccount(t, s, "novectors")

		got, err := s.Get(ctx, database.AccountSelector{ID: acc.ID})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Empty(t, got.Vectors)
	})

	t.Run("GetSelectors", func(t *testing.T) {
		s := newStore(t)
		acc := addAccount(t, s, "bob", Vec(3))

		tests := []struct {
			name string
			sel  database.AccountSelector
		}{
			{"empty selector", database.AccountSelector{}},
			{"both fields", database.AccountSelector{ID: acc.ID, Username: "bob"}},
			{"unknown id", database.AccountSelector{ID: "0190b5a4-7f3e-7000-8000-000000000000"}},
			{"malformed id", database.AccountSelector{ID: "not-an-id"}},
			{"unknown username", database.AccountSelector{Username: "carol"}},
			{"username is case sensitive", database.AccountSelector{Username: "Bob"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.Get(ctx, tt.sel)
				require.NoError(t, err)
				assert.Nil(t, got)
			})
		}
	})

	t.Run("DuplicateUsername", func(t *testing.T) {
		s := newStore(t)
		first := addAccount(t, s, "alice", Vec(1))

		_, err := s.Add(ctx, database.NewAccount{Username: "alice", Vectors: []database.Vector{Vec(9)}})
		require.ErrorIs(t, err, database.ErrUsernameConflict)

		got, err := s.Get(ctx, database.AccountSelector{Username: "alice"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, first.ID, got.ID)
		require.Len(t, got.Vectors, 1)
		sameVector(t, Vec(1), got.Vectors[0].Vector)

		stats, err := s.VectorStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.Count)
	})

	t.Run("ReplaceAll", func(t *testing.T) {
		s := newStore(t)
		acc := addAccount(t, s, "alice", Vec(1), Vec(2))

		require.NoError(t, s.ReplaceAll(ctx, acc.ID, []database.Vector{Vec(5), Vec(6), Vec(7)}))
		records, err := s.ListByOwner(ctx, acc.ID)
		require.NoError(t, err)
		require.Len(t, records, 3)
		sameVector(t, Vec(5), records[0].Vector)
		sameVector(t, Vec(7), records[2].Vector)

		require.NoError(t, s.ReplaceAll(ctx, acc.ID, nil))
		records, err = s.ListByOwner(ctx, acc.ID)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("ReplaceAllUnknownOwner", func(t *testing.T) {
		s := newStore(t)
		err := s.ReplaceAll(ctx, "0190b5a4-7f3e-7000-8000-000000000000", []database.Vector{Vec(1)})
		require.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("ReplaceAllCanceledContext", func(t *testing.T) {
		s := newStore(t)
		acc := addAccount(t, s, "alice", Vec(1))

		canceled, cancel := context.WithCancel(ctx)
		cancel()
		err := s.ReplaceAll(canceled, acc.ID, []database.Vector{Vec(2)})
		require.ErrorIs(t, err, database.ErrStorage)

		records, err := s.ListByOwner(ctx, acc.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		sameVector(t, Vec(1), records[0].Vector)
	})

	t.Run("InsertAndDeleteByOwner", func(t *testing.T) {
		s := newStore(t)
		acc := addAccount(t, s, "alice", Vec(1))

		rec, err := s.Insert(ctx, acc.ID, Vec(2))
		require.NoError(t, err)
		assert.Equal(t, acc.ID, rec.OwnerID)

		records, err := s.ListByOwner(ctx, acc.ID)
		require.NoError(t, err)
		assert.Len(t, records, 2)

		_, err = s.Insert(ctx, "0190b5a4-7f3e-7000-8000-000000000000", Vec(3))
		require.ErrorIs(t, err, database.ErrNotFound)

		require.NoError(t, s.DeleteByOwner(ctx, acc.ID))
		records, err = s.ListByOwner(ctx, acc.ID)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("NearestEmptyStore", func(t *testing.T) {
		s := newStore(t)
		rec, dist, err := s.Nearest(ctx, Vec(1), 100)
		require.NoError(t, err)
		assert.Nil(t, rec)
		assert.Zero(t, dist)
	})

	t.Run("NearestThresholdIsStrict", func(t *testing.T) {
		s := newStore(t)
		acc := addAccount(t, s, "origin", Zero())

		rec, _, err := s.Nearest(ctx, Axis(0.5), 0.5)
		require.NoError(t, err)
		assert.Nil(t, rec, "distance equal to the threshold must not match")

		rec, dist, err := s.Nearest(ctx, Axis(0.5), 0.5001)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, acc.ID, rec.OwnerID)
		assert.InDelta(t, 0.5, dist, 1e-6)
	})

	t.Run("NearestPicksClosest", func(t *testing.T) {
		s := newStore(t)
		alice := addAccount(t, s, "alice", Vec(1))
		bob := addAccount(t, s, "bob", Vec(2), Shifted(Vec(1), 0.01))

		rec, dist, err := s.Nearest(ctx, Vec(1), 1.2)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, alice.ID, rec.OwnerID)
		assert.InDelta(t, 0, dist, 1e-6)

		rec, _, err = s.Nearest(ctx, Shifted(Vec(1), 0.011), 1.2)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, bob.ID, rec.OwnerID)

		rec, _, err = s.Nearest(ctx, Shifted(Vec(1), 10), 1.2)
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("NearestTieGoesToSmallestID", func(t *testing.T) {
		s := newStore(t)
		alice := addAccount(t, s, "alice", Vec(3))
		bob := addAccount(t, s, "bob", Vec(3))

		want := alice.Vectors[0].ID
		if bob.Vectors[0].ID < want {
			want = bob.Vectors[0].ID
		}

		rec, dist, err := s.Nearest(ctx, Vec(3), 1.2)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, want, rec.ID)
		assert.InDelta(t, 0, dist, 1e-6)
	})

	t.Run("Update", func(t *testing.T) {
		s := newStore(t)
		alice := addAccount(t, s, "alice", Vec(1))
		addAccount(t, s, "bob", Vec(2))

		taken := "bob"
		err := s.Update(ctx, database.AccountUpdate{ID: alice.ID, Username: &taken, ReplaceVectors: true, Vectors: []database.Vector{Vec(3)}})
		require.ErrorIs(t, err, database.ErrUsernameConflict)

		got, err := s.Get(ctx, database.AccountSelector{ID: alice.ID})
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
		require.Len(t, got.Vectors, 1)
		sameVector(t, Vec(1), got.Vectors[0].Vector)

		renamed := "alice2"
		require.NoError(t, s.Update(ctx, database.AccountUpdate{ID: alice.ID, Username: &renamed}))
		got, err = s.Get(ctx, database.AccountSelector{ID: alice.ID})
		require.NoError(t, err)
		assert.Equal(t, "alice2", got.Username)
		assert.Len(t, got.Vectors, 1, "vectors untouched without ReplaceVectors")

		require.NoError(t, s.Update(ctx, database.AccountUpdate{ID: alice.ID, ReplaceVectors: true}))
		got, err = s.Get(ctx, database.AccountSelector{ID: alice.ID})
		require.NoError(t, err)
		assert.Empty(t, got.Vectors)

		err = s.Update(ctx, database.AccountUpdate{ID: "0190b5a4-7f3e-7000-8000-000000000000", Username: &renamed})
		require.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		s := newStore(t)
		acc := addAccount(t, s, "alice", Vec(1), Vec(2))

		require.NoError(t, s.Delete(ctx, acc.ID))

		got, err := s.Get(ctx, database.AccountSelector{ID: acc.ID})
		require.NoError(t, err)
		assert.Nil(t, got)

		records, err := s.ListByOwner(ctx, acc.ID)
		require.NoError(t, err)
		assert.Empty(t, records)

		rec, _, err := s.Nearest(ctx, Vec(1), 1.2)
		require.NoError(t, err)
		assert.Nil(t, rec)

		require.ErrorIs(t, s.Delete(ctx, acc.ID), database.ErrNotFound)
	})

	t.Run("ListPages", func(t *testing.T) {
		s := newStore(t)
		for _, name := range []string{"alice", "bob", "carol"} {
			addAccount(t, s, name, Vec(float64(len(name))))
		}

		page, err := s.List(ctx, 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		rest, err := s.List(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, rest, 1)

		ids := []string{page[0].ID, page[1].ID, rest[0].ID}
		assert.True(t, sort.StringsAreSorted(ids), "accounts must be ordered by id")
		for _, a := range append(page, rest...) {
			assert.Len(t, a.Vectors, 1)
		}

		empty, err := s.List(ctx, 10, 5)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("EachVectorAndStats", func(t *testing.T) {
		s := newStore(t)
		addAccount(t, s, "alice", Vec(1), Vec(2))
		addAccount(t, s, "bob", Vec(3))

		var seen []string
		require.NoError(t, s.EachVector(ctx, func(rec database.VectorRecord) error {
			seen = append(seen, rec.ID)
			return nil
		}))
		assert.Len(t, seen, 3)

		stats, err := s.VectorStats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, stats.Count)
		assert.NotEmpty(t, stats.LatestID)
	})
}
