package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// IndexedStore fronts a Store with an in-memory HNSW index for Nearest.
// Writes go to the backing store first; the index follows after commit.
// Writes made by other processes are not seen until the next RebuildIndex.
type IndexedStore struct {
	Store

	index  *VectorIndex
	path   string // snapshot path, optional
	logger *slog.Logger

	mu      sync.Mutex // serializes index refreshes
	stateMu sync.RWMutex
	ready   bool
}

var _ Store = (*IndexedStore)(nil)
var _ IndexRebuilder = (*IndexedStore)(nil)

// NewIndexedStore wraps store. The index is unused until RebuildIndex succeeds.
func NewIndexedStore(store Store, snapshotPath string, logger *slog.Logger) *IndexedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexedStore{
		Store:  store,
		index:  NewVectorIndex(),
		path:   snapshotPath,
		logger: logger.With("component", "vector_index"),
	}
}

func (s *IndexedStore) isReady() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.ready
}

func (s *IndexedStore) setReady(ready bool) {
	s.stateMu.Lock()
	s.ready = ready
	s.stateMu.Unlock()
}

// RebuildIndex loads a fresh snapshot when one exists, otherwise rebuilds
// the index by scanning the store and saves a new snapshot.
func (s *IndexedStore) RebuildIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, err := s.Store.VectorStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get vector stats: %w", err)
	}

	if s.path != "" && s.tryLoadSnapshot(stats) {
		s.setReady(true)
		return nil
	}

	var records []VectorRecord
	err = s.Store.EachVector(ctx, func(rec VectorRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load vectors: %w", err)
	}
	s.index.Build(records)
	s.setReady(true)
	s.logger.Info("index built", "records", len(records))

	if s.path != "" {
		meta := IndexMetadata{RecordCount: stats.Count, LatestID: stats.LatestID}
		if err := s.index.Save(s.path, meta); err != nil {
			s.logger.Warn("failed to save index snapshot", "path", s.path, "error", err)
		}
	}
	return nil
}

func (s *IndexedStore) tryLoadSnapshot(stats VectorStats) bool {
	meta, err := LoadIndexMetadata(s.path)
	if err != nil {
		return false
	}
	if meta.RecordCount != stats.Count || meta.LatestID != stats.LatestID {
		s.logger.Info("index snapshot is stale", "path", s.path,
			"snapshot_records", meta.RecordCount, "store_records", stats.Count)
		return false
	}
	if _, err := s.index.Load(s.path); err != nil {
		s.logger.Warn("failed to load index snapshot", "path", s.path, "error", err)
		return false
	}
	s.logger.Info("index snapshot loaded", "path", s.path, "records", s.index.Len())
	return true
}

// SaveIndex writes the current index to the snapshot path (if configured).
func (s *IndexedStore) SaveIndex(ctx context.Context) error {
	if s.path == "" || !s.isReady() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats, err := s.Store.VectorStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get vector stats: %w", err)
	}
	meta := IndexMetadata{RecordCount: stats.Count, LatestID: stats.LatestID}
	if err := s.index.Save(s.path, meta); err != nil {
		return fmt.Errorf("saving HNSW index: %w", err)
	}
	return nil
}

// IndexCount returns the number of vectors in the index.
func (s *IndexedStore) IndexCount() int {
	return s.index.Len()
}

// refresh reloads ownerID's vectors from the store into the index. Reads and
// applies happen under one lock, so the last refresh always reflects the
// latest committed state.
func (s *IndexedStore) refresh(ctx context.Context, ownerID string) {
	if !s.isReady() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.Store.ListByOwner(context.WithoutCancel(ctx), ownerID)
	if err != nil {
		s.logger.Warn("index refresh failed, falling back to store queries",
			"owner_id", ownerID, "error", err)
		s.setReady(false)
		return
	}
	s.index.SetOwner(ownerID, records)
}

func (s *IndexedStore) drop(ownerID string) {
	if !s.isReady() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.RemoveOwner(ownerID)
}

// Add creates the account and indexes its vectors.
func (s *IndexedStore) Add(ctx context.Context, account NewAccount) (*Account, error) {
	acc, err := s.Store.Add(ctx, account)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, acc.ID)
	return acc, nil
}

// Update applies the update and re-indexes the account when its vectors changed.
func (s *IndexedStore) Update(ctx context.Context, update AccountUpdate) error {
	if err := s.Store.Update(ctx, update); err != nil {
		return err
	}
	if update.ReplaceVectors {
		s.refresh(ctx, update.ID)
	}
	return nil
}

// Delete removes the account and its indexed vectors.
func (s *IndexedStore) Delete(ctx context.Context, id string) error {
	if err := s.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.drop(id)
	return nil
}

// Insert stores a vector and indexes it.
func (s *IndexedStore) Insert(ctx context.Context, ownerID string, v Vector) (*VectorRecord, error) {
	rec, err := s.Store.Insert(ctx, ownerID, v)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, ownerID)
	return rec, nil
}

// ReplaceAll swaps the owner's vectors and re-indexes them.
func (s *IndexedStore) ReplaceAll(ctx context.Context, ownerID string, vectors []Vector) error {
	if err := s.Store.ReplaceAll(ctx, ownerID, vectors); err != nil {
		return err
	}
	s.refresh(ctx, ownerID)
	return nil
}

// DeleteByOwner removes the owner's vectors from store and index.
func (s *IndexedStore) DeleteByOwner(ctx context.Context, ownerID string) error {
	if err := s.Store.DeleteByOwner(ctx, ownerID); err != nil {
		return err
	}
	s.drop(ownerID)
	return nil
}

// Nearest answers from the index when it is ready, otherwise from the store.
func (s *IndexedStore) Nearest(ctx context.Context, query Vector, maxDistance float64) (*VectorRecord, float64, error) {
	if !s.isReady() {
		return s.Store.Nearest(ctx, query, maxDistance)
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, StorageFault("nearest", err)
	}
	rec, dist, ok := s.index.Nearest(query, maxDistance)
	if !ok {
		return nil, 0, nil
	}
	return rec, dist, nil
}
