package orm

import (
	"errors"
	"fmt"

	"github.com/add-eus/library/docdb"
)

var (
	// ErrInvariant marks programmer errors: unbound sub-collections, unknown namespaces,
	// conflicting options. They are never retried or swallowed.
	ErrInvariant = errors.New("orm invariant violation")

	// ErrNoOrigin is returned by Reset on an entity that was never persisted.
	ErrNoOrigin = errors.New("no original data to reset")

	// ErrReferenceAlreadySet is returned when binding a persisted entity to another path.
	ErrReferenceAlreadySet = errors.New("entity reference already set")

	// ErrQueryDestroyed is returned by requests issued on a destroyed query.
	ErrQueryDestroyed = errors.New("query destroyed")

	// ErrDeleted is returned when saving an entity that was deleted.
	ErrDeleted = errors.New("entity deleted")
)

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// AccessDeniedError is a permission failure with the operation and path it concerns.
type AccessDeniedError struct {
	Op   string
	Path string
	Err  error
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("You don't have permission to %s %s", e.Op, e.Path)
}

func (e *AccessDeniedError) Unwrap() error {
	return e.Err
}

// accessDenied wraps permission failures of err, other errors are returned unchanged.
// The path reported by the store wins over fallback when present.
func accessDenied(err error, op, fallback string) error {
	if err == nil || !errors.Is(err, docdb.ErrPermissionDenied) {
		return err
	}
	var ade *AccessDeniedError
	if errors.As(err, &ade) {
		return err
	}
	path := fallback
	var derr *docdb.Error
	if errors.As(err, &derr) && derr.Path != "" {
		path = derr.Path
	}
	return &AccessDeniedError{Op: op, Path: path, Err: err}
}

func isTransient(err error) bool {
	return errors.Is(err, docdb.ErrUnavailable) || errors.Is(err, docdb.ErrUnauthenticated)
}

// ValidationError is a failed Input rule.
type ValidationError struct {
	Field string
	Rule  string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: failed %s: %v", e.Field, e.Rule, e.Err)
	}
	return fmt.Sprintf("%s: failed %s", e.Field, e.Rule)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
