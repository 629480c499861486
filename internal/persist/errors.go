package persist

import "errors"

// Errors returned by the durable stores.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, persist.ErrEmpty) {
//	    // nothing queued
//	}
var (
	// ErrAlreadyExists is returned by Put, Jump and Add when the key is
	// already present.
	ErrAlreadyExists = errors.New("key already exists")

	// ErrEmpty is returned by Peek and Get on an empty queue.
	ErrEmpty = errors.New("queue is empty")

	// ErrNoSuchKey is returned when a key-addressed operation targets a
	// key that is not present.
	ErrNoSuchKey = errors.New("no such key")

	// ErrInvalidTable is returned when a store is created with a table name
	// that is not a plain SQL identifier.
	ErrInvalidTable = errors.New("invalid table name")
)
