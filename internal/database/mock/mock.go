// Package mock provides an in-memory implementation of database.Store for testing.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/faceid/internal/database"
)

// Store is an in-memory database.Store. Every mutating call is applied to a
// copy and swapped in only on success, which mirrors transactional backends.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*database.Account // vectors kept on the account, in insertion order

	// Error injection
	AddError           error
	GetError           error
	ListError          error
	UpdateError        error
	DeleteError        error
	InsertError        error
	ReplaceAllError    error
	NearestError       error
	ListByOwnerError   error
	DeleteByOwnerError error
	MigrateError       error

	// FailInsertAt makes the Nth vector insert (1-based) inside ReplaceAll,
	// Add or Update fail with database.ErrStorage. Zero disables it.
	FailInsertAt int

	// Calls counts store calls by method name.
	Calls map[string]int
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new empty mock store.
func NewStore() *Store {
	return &Store{
		accounts: make(map[string]*database.Account),
		Calls:    make(map[string]int),
	}
}

func (m *Store) record(name string) {
	m.Calls[name]++
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func cloneAccount(a *database.Account) *database.Account {
	cp := *a
	cp.Vectors = append([]database.VectorRecord(nil), a.Vectors...)
	return &cp
}

func (m *Store) buildRecords(ownerID string, vectors []database.Vector) ([]database.VectorRecord, error) {
	records := make([]database.VectorRecord, 0, len(vectors))
	for i, v := range vectors {
		if v.IsZero() {
			return nil, database.ErrVectorSize
		}
		if m.FailInsertAt > 0 && i+1 == m.FailInsertAt {
			return nil, database.StorageFault("insert vector", context.DeadlineExceeded)
		}
		records = append(records, database.VectorRecord{
			ID:        newID(),
			OwnerID:   ownerID,
			Vector:    v,
			CreatedAt: time.Now(),
		})
	}
	return records, nil
}

func (m *Store) usernameTaken(username, exceptID string) bool {
	for id, a := range m.accounts {
		if a.Username == username && id != exceptID {
			return true
		}
	}
	return false
}

// Add creates an account with its initial vectors.
func (m *Store) Add(ctx context.Context, account database.NewAccount) (*database.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Add")

	if m.AddError != nil {
		return nil, m.AddError
	}
	if err := ctx.Err(); err != nil {
		return nil, database.StorageFault("add account", err)
	}
	if m.usernameTaken(account.Username, "") {
		return nil, database.ErrUsernameConflict
	}

	id := newID()
	records, err := m.buildRecords(id, account.Vectors)
	if err != nil {
		return nil, err
	}
	acc := &database.Account{
		ID:             id,
		Username:       account.Username,
		CredentialHash: account.CredentialHash,
		IsPrivileged:   account.IsPrivileged,
		CreatedAt:      time.Now(),
		Vectors:        records,
	}
	m.accounts[id] = acc
	return cloneAccount(acc), nil
}

// Get returns the selected account or nil.
func (m *Store) Get(ctx context.Context, sel database.AccountSelector) (*database.Account, error) {
	m.mu.Lock()
	m.record("Get")
	m.mu.Unlock()

	if !sel.Valid() {
		return nil, nil
	}
	if m.GetError != nil {
		return nil, m.GetError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if sel.ID != "" {
		if a, ok := m.accounts[sel.ID]; ok {
			return cloneAccount(a), nil
		}
		return nil, nil
	}
	for _, a := range m.accounts {
		if a.Username == sel.Username {
			return cloneAccount(a), nil
		}
	}
	return nil, nil
}

// List returns accounts ordered by ID.
func (m *Store) List(ctx context.Context, offset, limit int) ([]database.Account, error) {
	m.mu.Lock()
	m.record("List")
	m.mu.Unlock()

	if m.ListError != nil {
		return nil, m.ListError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return []database.Account{}, nil
	}
	end := min(offset+limit, len(ids))
	out := make([]database.Account, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, *cloneAccount(m.accounts[id]))
	}
	return out, nil
}

// Update applies a partial modification.
func (m *Store) Update(ctx context.Context, update database.AccountUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Update")

	if m.UpdateError != nil {
		return m.UpdateError
	}
	acc, ok := m.accounts[update.ID]
	if !ok {
		return database.ErrNotFound
	}

	next := cloneAccount(acc)
	if update.Username != nil {
		if m.usernameTaken(*update.Username, acc.ID) {
			return database.ErrUsernameConflict
		}
		next.Username = *update.Username
	}
	if update.ReplaceVectors {
		records, err := m.buildRecords(acc.ID, update.Vectors)
		if err != nil {
			return err
		}
		next.Vectors = records
	}
	m.accounts[acc.ID] = next
	return nil
}

// Delete removes an account and its vectors.
func (m *Store) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Delete")

	if m.DeleteError != nil {
		return m.DeleteError
	}
	if _, ok := m.accounts[id]; !ok {
		return database.ErrNotFound
	}
	delete(m.accounts, id)
	return nil
}

// Insert adds a single vector for an existing owner.
func (m *Store) Insert(ctx context.Context, ownerID string, v database.Vector) (*database.VectorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Insert")

	if m.InsertError != nil {
		return nil, m.InsertError
	}
	acc, ok := m.accounts[ownerID]
	if !ok {
		return nil, database.ErrNotFound
	}
	records, err := m.buildRecords(ownerID, []database.Vector{v})
	if err != nil {
		return nil, err
	}
	acc.Vectors = append(acc.Vectors, records[0])
	rec := records[0]
	return &rec, nil
}

// ReplaceAll swaps the owner's vector set; on failure the old set stays.
func (m *Store) ReplaceAll(ctx context.Context, ownerID string, vectors []database.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ReplaceAll")

	if m.ReplaceAllError != nil {
		return m.ReplaceAllError
	}
	if err := ctx.Err(); err != nil {
		return database.StorageFault("replace vectors", err)
	}
	acc, ok := m.accounts[ownerID]
	if !ok {
		return database.ErrNotFound
	}
	records, err := m.buildRecords(ownerID, vectors)
	if err != nil {
		return err
	}
	acc.Vectors = records
	return nil
}

// Nearest performs an exhaustive L2 scan. Ties resolve to the record with
// the smallest ID.
func (m *Store) Nearest(ctx context.Context, query database.Vector, maxDistance float64) (*database.VectorRecord, float64, error) {
	m.mu.Lock()
	m.record("Nearest")
	m.mu.Unlock()

	if m.NearestError != nil {
		return nil, 0, m.NearestError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best     *database.VectorRecord
		bestDist float64
	)
	for _, acc := range m.accounts {
		for i := range acc.Vectors {
			rec := &acc.Vectors[i]
			d := database.L2Distance(query, rec.Vector)
			if best == nil || d < bestDist || (d == bestDist && rec.ID < best.ID) {
				best, bestDist = rec, d
			}
		}
	}
	if best == nil || bestDist >= maxDistance {
		return nil, 0, nil
	}
	out := *best
	return &out, bestDist, nil
}

// ListByOwner returns the owner's vectors.
func (m *Store) ListByOwner(ctx context.Context, ownerID string) ([]database.VectorRecord, error) {
	m.mu.Lock()
	m.record("ListByOwner")
	m.mu.Unlock()

	if m.ListByOwnerError != nil {
		return nil, m.ListByOwnerError
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[ownerID]
	if !ok {
		return []database.VectorRecord{}, nil
	}
	return append([]database.VectorRecord{}, acc.Vectors...), nil
}

// DeleteByOwner removes every vector of the owner.
func (m *Store) DeleteByOwner(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteByOwner")

	if m.DeleteByOwnerError != nil {
		return m.DeleteByOwnerError
	}
	if acc, ok := m.accounts[ownerID]; ok {
		acc.Vectors = nil
	}
	return nil
}

// EachVector calls fn for every stored vector.
func (m *Store) EachVector(ctx context.Context, fn func(database.VectorRecord) error) error {
	m.mu.RLock()
	var all []database.VectorRecord
	for _, acc := range m.accounts {
		all = append(all, acc.Vectors...)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, rec := range all {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// VectorStats returns the vector count and the greatest record ID.
func (m *Store) VectorStats(ctx context.Context) (database.VectorStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats database.VectorStats
	for _, acc := range m.accounts {
		for _, rec := range acc.Vectors {
			stats.Count++
			if rec.ID > stats.LatestID {
				stats.LatestID = rec.ID
			}
		}
	}
	return stats, nil
}

// Migrate is a no-op unless MigrateError is set.
func (m *Store) Migrate(ctx context.Context) error {
	return m.MigrateError
}

// Close is a no-op.
func (m *Store) Close() error {
	return nil
}
