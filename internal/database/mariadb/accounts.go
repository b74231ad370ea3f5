package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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
		_, err := tx.ExecContext(ctx,
			"INSERT INTO accounts ("+accountColumns+") VALUES (?, ?, ?, ?, ?)",
			acc.ID, acc.Username, acc.CredentialHash, acc.IsPrivileged, acc.CreatedAt)
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
	query, arg := "SELECT "+accountColumns+" FROM accounts WHERE username = ?", sel.Username
	if sel.ID != "" {
		if !validID(sel.ID) {
			return nil, nil
		}
		query, arg = "SELECT "+accountColumns+" FROM accounts WHERE id = ?", sel.ID
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

	rows, err := tx.QueryContext(ctx, "SELECT "+vectorColumns+" FROM vector_records WHERE owner_id = ? ORDER BY id", acc.ID)
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
		"SELECT "+accountColumns+" FROM accounts ORDER BY id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, classify("list accounts", err)
	}

	accounts := []database.Account{}
	byID := make(map[string]int)
	args := []any{}
	for rows.Next() {
		a, err := scanAccountRow(rows)
		if err != nil {
			rows.Close()
			return nil, classify("list accounts", err)
		}
		byID[a.ID] = len(accounts)
		args = append(args, a.ID)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classify("list accounts", err)
	}
	rows.Close()

	if len(args) == 0 {
		return accounts, nil
	}

	vrows, err := tx.QueryContext(ctx,
		"SELECT "+vectorColumns+" FROM vector_records WHERE owner_id IN ("+placeholders(len(args))+") ORDER BY id",
		args...)
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
			_, err := tx.ExecContext(ctx, "UPDATE accounts SET username = ? WHERE id = ?", *update.Username, update.ID)
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

// Delete removes the account. Vectors go by cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return database.ErrNotFound
	}
	return s.withTx(ctx, "delete account", func(tx *sql.Tx) error {
		if err := lockAccount(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		return nil
	})
}
