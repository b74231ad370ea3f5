package postgres

import (
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kozaktomas/faceid/internal/database"
)

const (
	codeUniqueViolation = "23505"
	usernameConstraint  = "accounts_username_key"
)

// classify maps driver errors onto store errors. The username unique
// constraint becomes ErrUsernameConflict; everything else unclassified is
// ErrStorage.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation && pqErr.Constraint == usernameConstraint {
		return database.ErrUsernameConflict
	}
	return database.StorageFault(op, err)
}

// validID reports whether id can be a primary key. Anything else cannot
// exist, so lookups short-circuit instead of failing the cast in SQL.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
