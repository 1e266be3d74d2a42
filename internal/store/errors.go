package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidID is returned when an identifier is not in the backend's identity format.
var ErrInvalidID = errors.New("invalid id")

// ErrDuplicateEmail is returned when the unique email index rejects a write.
var ErrDuplicateEmail = errors.New("email already registered")
