package database

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(seed float64) Vector {
	raw := make([]float32, VectorDim)
	for i := range raw {
		raw[i] = float32(math.Sin(seed + float64(i)*0.37))
	}
	return MustVector(raw)
}

func record(id, owner string, v Vector) VectorRecord {
	return VectorRecord{ID: id, OwnerID: owner, Vector: v}
}

func TestVectorIndexNearest(t *testing.T) {
	x := NewVectorIndex()

	_, _, ok := x.Nearest(seeded(1), 10)
	assert.False(t, ok, "empty index never matches")

	x.Build([]VectorRecord{
		record("r1", "alice", seeded(1)),
		record("r2", "bob", seeded(2)),
		record("r3", "bob", seeded(3)),
	})
	assert.Equal(t, 3, x.Len())

	rec, dist, ok := x.Nearest(seeded(2), 1.2)
	require.True(t, ok)
	assert.Equal(t, "r2", rec.ID)
	assert.Equal(t, "bob", rec.OwnerID)
	assert.InDelta(t, 0, dist, 1e-9)
}

func TestVectorIndexStrictThreshold(t *testing.T) {
	x := NewVectorIndex()
	x.Build([]VectorRecord{record("origin", "o", axis(0))})

	_, _, ok := x.Nearest(axis(0.5), 0.5)
	assert.False(t, ok)

	rec, _, ok := x.Nearest(axis(0.5), 0.51)
	require.True(t, ok)
	assert.Equal(t, "origin", rec.ID)
}

func TestVectorIndexTieBreaksOnID(t *testing.T) {
	x := NewVectorIndex()
	x.Add(record("b", "o1", axis(1)))
	x.Add(record("a", "o2", axis(-1)))

	rec, dist, ok := x.Nearest(axis(0), 2)
	require.True(t, ok)
	assert.Equal(t, "a", rec.ID)
	assert.InDelta(t, 1, dist, 1e-9)
}

func TestVectorIndexSetAndRemoveOwner(t *testing.T) {
	x := NewVectorIndex()
	x.Build([]VectorRecord{
		record("r1", "alice", seeded(1)),
		record("r2", "alice", seeded(2)),
		record("r3", "bob", seeded(3)),
	})

	x.SetOwner("alice", []VectorRecord{record("r2", "alice", seeded(2)), record("r4", "alice", seeded(4))})
	assert.Equal(t, 3, x.Len())

	_, _, ok := x.Nearest(seeded(1), 0.01)
	assert.False(t, ok, "replaced record must not match")

	rec, _, ok := x.Nearest(seeded(4), 0.01)
	require.True(t, ok)
	assert.Equal(t, "r4", rec.ID)

	x.RemoveOwner("alice")
	assert.Equal(t, 1, x.Len())
	_, _, ok = x.Nearest(seeded(2), 0.01)
	assert.False(t, ok)

	x.RemoveOwner("bob")
	assert.Equal(t, 0, x.Len())
	_, _, ok = x.Nearest(seeded(3), 100)
	assert.False(t, ok)
}

func TestVectorIndexCompacts(t *testing.T) {
	x := NewVectorIndex()
	var records []VectorRecord
	for i := range 100 {
		records = append(records, record(fmt.Sprintf("r%03d", i), fmt.Sprintf("o%03d", i), seeded(float64(i))))
	}
	x.Build(records)

	for i := range 70 {
		x.RemoveOwner(fmt.Sprintf("o%03d", i))
	}
	assert.Equal(t, 30, x.Len())
	// Compaction ran once the 65th owner went; later removals are tombstones.
	assert.Equal(t, 35, x.graph.Len())
	assert.Len(t, x.dead, 5)

	rec, _, ok := x.Nearest(seeded(99), 0.01)
	require.True(t, ok)
	assert.Equal(t, "r099", rec.ID)
}

func TestVectorIndexSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.hnsw")

	x := NewVectorIndex()
	x.Build([]VectorRecord{
		record("r1", "alice", seeded(1)),
		record("r2", "bob", seeded(2)),
		record("r3", "bob", seeded(3)),
	})
	x.RemoveOwner("alice")

	require.NoError(t, x.Save(path, IndexMetadata{RecordCount: 2, LatestID: "r3"}))

	meta, err := LoadIndexMetadata(path)
	require.NoError(t, err)
	assert.EqualValues(t, 2, meta.RecordCount)
	assert.Equal(t, "r3", meta.LatestID)
	assert.Len(t, meta.Owners, 2)

	y := NewVectorIndex()
	_, err = y.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, y.Len())

	rec, _, ok := y.Nearest(seeded(3), 0.01)
	require.True(t, ok)
	assert.Equal(t, "bob", rec.OwnerID)

	// An empty index removes the snapshot.
	require.NoError(t, NewVectorIndex().Save(path, IndexMetadata{}))
	_, err = LoadIndexMetadata(path)
	assert.Error(t, err)
}
