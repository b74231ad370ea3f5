package identity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kozaktomas/faceid/internal/database"
)

// AccountService implements registration, credential checks and account
// maintenance on top of the account store.
type AccountService struct {
	store  database.AccountStore
	hasher CredentialHasher
	logger *slog.Logger

	dummyOnce sync.Once
	dummyHash string
}

// NewAccountService creates a service. A nil logger uses slog.Default.
func NewAccountService(store database.AccountStore, hasher CredentialHasher, logger *slog.Logger) *AccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountService{store: store, hasher: hasher, logger: logger}
}

// Register validates input, hashes the password and creates the account with
// its vectors. Nothing reaches the store if any input is invalid.
func (s *AccountService) Register(
	ctx context.Context, username, password string, rawVectors [][]float32,
) (*database.Account, error) {
	return s.Enroll(ctx, username, password, rawVectors, false)
}

// Enroll is Register with control over the privileged flag. Only operator
// tooling creates privileged accounts.
func (s *AccountService) Enroll(
	ctx context.Context, username, password string, rawVectors [][]float32, privileged bool,
) (*database.Account, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}
	vectors, err := NewVectors(rawVectors)
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	acc, err := s.store.Add(ctx, database.NewAccount{
		Username:       name,
		CredentialHash: hash,
		IsPrivileged:   privileged,
		Vectors:        vectors,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account registered", "account_id", acc.ID, "vectors", len(acc.Vectors), "privileged", privileged)
	return acc, nil
}

// AuthenticateCredential checks username and password. Unknown users cost a
// bcrypt comparison too, so timing does not reveal which usernames exist.
func (s *AccountService) AuthenticateCredential(ctx context.Context, username, password string) (*database.Account, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		s.burnVerify(password)
		return nil, ErrUsernameNotFound
	}

	acc, err := s.store.Get(ctx, database.AccountSelector{Username: name})
	if err != nil {
		return nil, err
	}
	if acc == nil {
		s.burnVerify(password)
		return nil, ErrUsernameNotFound
	}
	if acc.CredentialHash == "" {
		s.burnVerify(password)
		return nil, ErrPasswordMismatch
	}
	if err := s.hasher.Verify(acc.CredentialHash, password); err != nil {
		return nil, ErrPasswordMismatch
	}
	return acc, nil
}

func (s *AccountService) burnVerify(password string) {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash("not-a-real-password")
		if err != nil {
			s.logger.Warn("failed to prepare dummy credential hash", "error", err)
		}
		s.dummyHash = hash
	})
	if s.dummyHash != "" {
		_ = s.hasher.Verify(s.dummyHash, password)
	}
}

// Update renames the account and/or replaces its vectors in one store call.
// A nil rawVectors leaves the vectors alone; an empty non-nil slice clears them.
func (s *AccountService) Update(ctx context.Context, id string, username *string, rawVectors [][]float32) error {
	update := database.AccountUpdate{ID: id}
	if username != nil {
		name, err := NormalizeUsername(*username)
		if err != nil {
			return err
		}
		update.Username = &name
	}
	if rawVectors != nil {
		vectors, err := NewVectors(rawVectors)
		if err != nil {
			return err
		}
		update.ReplaceVectors = true
		update.Vectors = vectors
	}

	if err := s.store.Update(ctx, update); err != nil {
		return err
	}
	s.logger.Info("account updated", "account_id", id,
		"renamed", update.Username != nil, "vectors_replaced", update.ReplaceVectors)
	return nil
}

// List returns a page of accounts ordered by ID.
func (s *AccountService) List(ctx context.Context, offset, limit int) ([]database.Account, error) {
	return s.store.List(ctx, offset, limit)
}

// Show returns one account or ErrNotFound.
func (s *AccountService) Show(ctx context.Context, id string) (*database.Account, error) {
	acc, err := s.store.Get(ctx, database.AccountSelector{ID: id})
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, ErrNotFound
	}
	return acc, nil
}

// Delete removes the account together with its vectors.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("account deleted", "account_id", id)
	return nil
}
