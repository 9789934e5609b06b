// Package postgres implements the repository interfaces on pgx.
package postgres

import "fmt"

type errorKind int

const (
	kindUnavailable errorKind = iota
	kindNotFound
	kindConflict
)

// storeError categorises persistence failures for the service layer.
type storeError struct {
	kind errorKind
	op   string
	err  error
}

func (e *storeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("postgres: %s: %v", e.op, e.err)
	}
	return fmt.Sprintf("postgres: %s", e.op)
}

func (e *storeError) Unwrap() error       { return e.err }
func (e *storeError) IsNotFound() bool    { return e.kind == kindNotFound }
func (e *storeError) IsConflict() bool    { return e.kind == kindConflict }
func (e *storeError) IsUnavailable() bool { return e.kind == kindUnavailable }

func notFoundError(op string) error {
	return &storeError{kind: kindNotFound, op: op}
}

func conflictError(op string) error {
	return &storeError{kind: kindConflict, op: op}
}

func unavailableError(op string, err error) error {
	return &storeError{kind: kindUnavailable, op: op, err: err}
}
