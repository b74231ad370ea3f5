package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kozaktomas/faceid/internal/database"
)

const accountColumns = "id, username, credential_hash, is_privileged, created_at"

func scanAccountRow(scanner interface{ Scan(...any) error }) (database.Account, error) {
	var a database.Account
	err := scanner.Scan(&a.ID, &a.Username, &a.CredentialHash, &a.IsPrivileged, &a.CreatedAt)
	if err != nil {
		return a, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

// Add creates the account and its initial vectors in one transaction.
func (s *Store) Add(ctx context.Context, account database.NewAccount) (*database.Account, error) {
	acc := &database.Account{
		ID:             newID(),
		Username:       account.Username,
		CredentialHash: account.CredentialHash,
		IsPrivileged:   account.IsPrivileged,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}

	err := s.withTx(ctx, "add account", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, username, credential_hash, is_privileged, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, acc.ID, acc.Username, acc.CredentialHash, acc.IsPrivileged, acc.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		acc.Vectors, err = insertVectors(ctx, tx, acc.ID, account.Vectors)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Get returns the selected account with its vectors, or nil if not found.
func (s *Store) Get(ctx context.Context, sel database.AccountSelector) (*database.Account, error) {
	if !sel.Valid() {
		return nil, nil
	}

	query, arg := "SELECT "+accountColumns+" FROM accounts WHERE username = $1", sel.Username
	if sel.ID != "" {
		if !validID(sel.ID) {
			return nil, nil
		}
		query, arg = "SELECT "+accountColumns+" FROM accounts WHERE id = $1", sel.ID
	}

	tx, err := s.readTx(ctx)
	if err != nil {
		return nil, classify("get account", err)
	}
	defer tx.Rollback()

	acc, err := scanAccountRow(tx.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get account", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT "+vectorColumns+" FROM vector_records WHERE owner_id = $1 ORDER BY id", acc.ID)
	if err != nil {
		return nil, classify("get account vectors", err)
	}
	defer rows.Close()

	acc.Vectors, err = scanVectorRows(rows)
	if err != nil {
		return nil, classify("get account vectors", err)
	}
	return &acc, nil
}

// List returns a page of accounts ordered by ID, vectors included.
func (s *Store) List(ctx context.Context, offset, limit int) ([]database.Account, error) {
	tx, err := s.readTx(ctx)
	if err != nil {
		return nil, classify("list accounts", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts ORDER BY id LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, classify("list accounts", err)
	}

	accounts := []database.Account{}
	byID := make(map[string]int)
	ids := []string{}
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			rows.Close()
			return nil, classify("list accounts", err)
		}
		byID[a.ID] = len(accounts)
		ids = append(ids, a.ID)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classify("list accounts", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return accounts, nil
	}

	vrows, err := tx.QueryContext(ctx,
		"SELECT "+vectorColumns+" FROM vector_records WHERE owner_id = ANY($1::uuid[]) ORDER BY id",
		pq.Array(ids))
	if err != nil {
		return nil, classify("list account vectors", err)
	}
	defer vrows.Close()

	records, err := scanVectorRows(vrows)
	if err != nil {
		return nil, classify("list account vectors", err)
	}
	for _, rec := range records {
		i := byID[rec.OwnerID]
		accounts[i].Vectors = append(accounts[i].Vectors, rec)
	}
	return accounts, nil
}

// Update applies a rename and/or vector replacement in one transaction.
func (s *Store) Update(ctx context.Context, update database.AccountUpdate) error {
	return s.withTx(ctx, "update account", func(tx *sql.Tx) error {
		if err := lockAccount(ctx, tx, update.ID); err != nil {
			return err
		}
		if update.Username != nil {
			_, err := tx.ExecContext(ctx, "UPDATE accounts SET username = $2 WHERE id = $1", update.ID, *update.Username)
			if err != nil {
				return fmt.Errorf("rename account: %w", err)
			}
		}
		if update.ReplaceVectors {
			return replaceVectors(ctx, tx, update.ID, update.Vectors)
		}
		return nil
	})
}

// Delete removes the account; its vectors and sessions go by cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return database.ErrNotFound
	}
	return s.withTx(ctx, "delete account", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE id = $1", id)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if n == 0 {
			return database.ErrNotFound
		}
		return nil
	})
}
