package vault

import "errors"

var (
	// ErrNotFound means the identity key is unknown.
	ErrNotFound = errors.New("vault: not found")
	// ErrNoActiveVersion means the hub exists but all versions are closed.
	ErrNoActiveVersion = errors.New("vault: no active version")
	// ErrConflict is a lost-update race on a versioned record. Callers
	// recover with bounded retry; it is surfaced only after exhaustion.
	ErrConflict = errors.New("vault: concurrent version write")
	// ErrInvalidInput covers empty keys and other malformed arguments.
	ErrInvalidInput = errors.New("vault: invalid input")
)
