package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/klauspost/compress/zstd"
)

// IndexMetadata stores metadata for validating cached HNSW snapshots.
type IndexMetadata struct {
	RecordCount int64             `json:"record_count"`
	LatestID    string            `json:"latest_id"`
	BuildTime   time.Time         `json:"build_time"`
	Version     int               `json:"version"`
	Owners      map[string]string `json:"owners"` // record ID -> owner ID
}

const indexMetadataVersion = 1

// VectorIndex wraps an HNSW graph over vector records using Euclidean distance.
// The graph proposes candidates, exact L2 distances decide the result.
// Removed records stay in the graph as tombstones until the next compaction.
type VectorIndex struct {
	graph   *hnsw.Graph[string]
	owners  map[string]string   // live record ID -> owner ID
	byOwner map[string][]string // owner ID -> live record IDs
	dead    map[string]struct{}
	mu      sync.RWMutex
}

// NewVectorIndex creates a new empty index.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{
		graph:   newGraph(),
		owners:  make(map[string]string),
		byOwner: make(map[string][]string),
		dead:    make(map[string]struct{}),
	}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors)
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.EuclideanDistance
	return g
}

// Build replaces the index content with records.
func (x *VectorIndex) Build(records []VectorRecord) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.graph = newGraph()
	x.owners = make(map[string]string, len(records))
	x.byOwner = make(map[string][]string)
	x.dead = make(map[string]struct{})
	for i := range records {
		x.addLocked(records[i])
	}
}

func (x *VectorIndex) addLocked(rec VectorRecord) {
	if rec.Vector.IsZero() {
		return
	}
	if _, live := x.owners[rec.ID]; live {
		return // record vectors never change
	}
	x.graph.Add(hnsw.MakeNode(rec.ID, rec.Vector.data))
	x.owners[rec.ID] = rec.OwnerID
	x.byOwner[rec.OwnerID] = append(x.byOwner[rec.OwnerID], rec.ID)
}

func (x *VectorIndex) removeOwnerLocked(ownerID string, keep map[string]bool) {
	var kept []string
	for _, id := range x.byOwner[ownerID] {
		if keep[id] {
			kept = append(kept, id)
			continue
		}
		delete(x.owners, id)
		x.dead[id] = struct{}{}
	}
	if len(kept) == 0 {
		delete(x.byOwner, ownerID)
	} else {
		x.byOwner[ownerID] = kept
	}
	if len(x.dead) > compactThreshold(len(x.owners)) {
		x.compactLocked()
	}
}

func compactThreshold(live int) int {
	return max(live/4, 64)
}

// compactLocked rebuilds the graph from live records only.
func (x *VectorIndex) compactLocked() {
	if len(x.dead) == 0 {
		return
	}
	g := newGraph()
	for id := range x.owners {
		if vec, ok := x.graph.Lookup(id); ok {
			g.Add(hnsw.MakeNode(id, vec))
		}
	}
	x.graph = g
	x.dead = make(map[string]struct{})
}

// Add adds a single record.
func (x *VectorIndex) Add(rec VectorRecord) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.addLocked(rec)
}

// SetOwner makes records the complete indexed set of ownerID.
func (x *VectorIndex) SetOwner(ownerID string, records []VectorRecord) {
	x.mu.Lock()
	defer x.mu.Unlock()

	keep := make(map[string]bool, len(records))
	for _, rec := range records {
		keep[rec.ID] = true
	}
	x.removeOwnerLocked(ownerID, keep)
	for i := range records {
		x.addLocked(records[i])
	}
}

// RemoveOwner drops every record of ownerID.
func (x *VectorIndex) RemoveOwner(ownerID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeOwnerLocked(ownerID, nil)
}

// Nearest returns the closest indexed record whose distance is strictly
// below maxDistance.
func (x *VectorIndex) Nearest(query Vector, maxDistance float64) (*VectorRecord, float64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.owners) == 0 {
		return nil, 0, false
	}

	var (
		best     *hnsw.Node[string]
		bestDist float64
	)
	nodes := x.graph.Search(query.data, HNSWCandidates+len(x.dead))
	for i := range nodes {
		n := &nodes[i]
		if _, live := x.owners[n.Key]; !live {
			continue
		}
		d := l2(query.data, n.Value)
		if best == nil || d < bestDist || (d == bestDist && n.Key < best.Key) {
			best, bestDist = n, d
		}
	}
	if best == nil || bestDist >= maxDistance {
		return nil, 0, false
	}

	data := make([]float32, len(best.Value))
	copy(data, best.Value)
	return &VectorRecord{
		ID:      best.Key,
		OwnerID: x.owners[best.Key],
		Vector:  Vector{data: data},
	}, bestDist, true
}

// Len returns the number of live indexed records.
func (x *VectorIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.owners)
}

// Save writes a zstd-compressed graph to path and its metadata to path.meta.
func (x *VectorIndex) Save(path string, metadata IndexMetadata) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.compactLocked()

	if len(x.owners) == 0 {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := x.graph.Export(enc); err != nil {
		enc.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush zstd stream: %w", err)
	}

	metadata.Version = indexMetadataVersion
	metadata.Owners = x.owners
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// LoadIndexMetadata loads metadata from a separate .meta file.
func LoadIndexMetadata(path string) (IndexMetadata, error) {
	var metadata IndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if metadata.Version != indexMetadataVersion {
		return metadata, fmt.Errorf("unsupported index metadata version %d", metadata.Version)
	}
	return metadata, nil
}

// Load replaces the index content with the snapshot at path.
func (x *VectorIndex) Load(path string) (IndexMetadata, error) {
	metadata, err := LoadIndexMetadata(path)
	if err != nil {
		return metadata, err
	}

	f, err := os.Open(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to open HNSW index: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return metadata, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	g := newGraph()
	if err := g.Import(dec); err != nil {
		return metadata, fmt.Errorf("failed to import HNSW graph: %w", err)
	}
	if g.Len() != len(metadata.Owners) {
		return metadata, errors.New("HNSW snapshot does not match its metadata")
	}

	byOwner := make(map[string][]string)
	for id, owner := range metadata.Owners {
		byOwner[owner] = append(byOwner[owner], id)
	}

	x.mu.Lock()
	x.graph = g
	x.owners = metadata.Owners
	x.byOwner = byOwner
	x.dead = make(map[string]struct{})
	x.mu.Unlock()
	return metadata, nil
}
