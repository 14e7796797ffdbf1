package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the store translates into tagged errors.
const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when an insert violates a unique constraint.
	ErrDuplicateKey = errors.New("duplicate key")
)

// DuplicateKeyError carries the constraint that rejected the write.
type DuplicateKeyError struct {
	Constraint string
	Err        error
}

func (e *DuplicateKeyError) Error() string {
	if e.Constraint == "" {
		return "duplicate key"
	}
	return fmt.Sprintf("duplicate key (%s)", e.Constraint)
}

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

func (e *DuplicateKeyError) Unwrap() error {
	return e.Err
}

// translate maps driver errors onto the store's tagged variants. Anything
// unrecognised is wrapped with op for context.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation:
			return &DuplicateKeyError{Constraint: pgErr.ConstraintName, Err: err}
		case sqlStateForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
