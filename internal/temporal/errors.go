package temporal

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingActor is returned when history is recorded without an acting
	// user under a required actor policy. Recoverable: retry with an actor or
	// opt out of recording explicitly.
	ErrMissingActor = errors.New("history_user_id required to record history")

	// ErrCannotSnapshotHistory is returned when a snapshot is requested for a
	// history row instead of a live record.
	ErrCannotSnapshotHistory = errors.New("cannot snapshot a history row")

	// ErrNotVersioned is returned when an operation targets a type that was
	// never registered for versioning.
	ErrNotVersioned = errors.New("type is not registered for versioning")

	// ErrNoIdentity is returned when a record has no resolvable primary key.
	ErrNoIdentity = errors.New("record has no resolvable identity")

	// ErrImmutableHistory marks rejected mutations of history rows. It is
	// never returned from an operation; Row.Update and Row.Destroy report it
	// through Row.Err after returning false.
	ErrImmutableHistory = errors.New("history rows are immutable")
)

// InsertionError wraps a storage-level failure while appending a history row,
// after the duplicate-row fallback is exhausted.
type InsertionError struct {
	Table string
	Err   error
}

func (e *InsertionError) Error() string {
	return fmt.Sprintf("failed to insert history row into %s: %v", e.Table, e.Err)
}

func (e *InsertionError) Unwrap() error {
	return e.Err
}
