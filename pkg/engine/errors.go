package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownParent means the proposal's parent id is not in the DAG.
	ErrUnknownParent = errors.New("engine: unknown parent event")

	// ErrFileOutdated means the proposal's old hash does not match the path
	// as materialized at its parent. Returned wrapped in *OutdatedError.
	ErrFileOutdated = errors.New("engine: proposed event file outdated")

	// ErrMergeEliminationExhausted means winner elimination could not narrow
	// a conflict to one branch (identical timestamps on racing branches).
	ErrMergeEliminationExhausted = errors.New("engine: merge elimination exhausted")

	// ErrMalformed means the proposal or snapshot fails validation.
	ErrMalformed = errors.New("engine: malformed proposal")

	// ErrDuplicate means an event with the proposal's id is already in the DAG.
	ErrDuplicate = errors.New("engine: proposal already accepted")
)

// OutdatedError carries the hashes behind an ErrFileOutdated rejection.
type OutdatedError struct {
	Path     string
	Expected string // old_hash claimed by the proposal
	Actual   string // hash materialized at the parent
}

func (e *OutdatedError) Error() string {
	return fmt.Sprintf("%v: %s: proposal expected %s, parent has %s",
		ErrFileOutdated, e.Path, short(e.Expected), short(e.Actual))
}

func (e *OutdatedError) Is(target error) bool { return target == ErrFileOutdated }

func short(h string) string {
	if h == "" {
		return "<absent>"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
