package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgreSQL SQLSTATE codes the scheduling layer reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

var (
	ErrNoRows               = pgx.ErrNoRows
	ErrUniqueViolation      = errors.New("unique constraint violated")
	ErrSerializationFailure = errors.New("transaction could not be serialized")
	ErrLockNotAvailable     = errors.New("row lock not available")
)

// Error attaches one of the sentinel kinds above to the original driver
// error. Both remain reachable through errors.Is / errors.As.
type Error struct {
	Kind       error
	Constraint string
	Err        error
}

func (e *Error) Error() string {
	if e.Constraint != "" {
		return e.Kind.Error() + " (" + e.Constraint + "): " + e.Err.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

// Classify tags driver errors with a sentinel kind. Errors it does not
// recognise are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return &Error{Kind: ErrUniqueViolation, Constraint: pgErr.ConstraintName, Err: err}
	case codeSerializationFailure, codeDeadlockDetected:
		return &Error{Kind: ErrSerializationFailure, Err: err}
	case codeLockNotAvailable:
		return &Error{Kind: ErrLockNotAvailable, Err: err}
	}
	return err
}

// ConstraintName reports the violated constraint of a classified error.
func ConstraintName(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Constraint
	}
	return ""
}
