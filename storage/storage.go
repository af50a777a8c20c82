package storage

import (
	"context"

	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("asto.storage")

// Operation is a critical section run by Exclusively. It receives the
// storage it was scheduled on.
type Operation func(ctx context.Context, s Storage) error

// Storage is a key addressed blob store.
//
// Every method blocks only the calling goroutine and honours ctx: once
// ctx is done the call returns, although work already handed to the
// medium may still complete. Implementations are safe for concurrent
// use.
type Storage interface {
	// Exists reports whether key currently holds a value. Root never
	// does.
	Exists(ctx context.Context, key Key) (bool, error)

	// Save drains content and atomically associates its bytes with
	// key, replacing any previous value. Readers never observe a
	// partial value.
	Save(ctx context.Context, key Key, content *Content) error

	// Value returns a fresh stream over the value at key. It fails
	// with NotFound if there is none.
	Value(ctx context.Context, key Key) (*Content, error)

	// List returns every key under prefix, sorted by string form.
	List(ctx context.Context, prefix Key) ([]Key, error)

	// Move associates destination with the value of source and removes
	// source. An existing destination value is overwritten.
	Move(ctx context.Context, source, destination Key) error

	// Delete removes the value at key, failing with NotFound if there
	// is none.
	Delete(ctx context.Context, key Key) error

	// DeleteAll removes every key under prefix. Matching nothing is
	// not an error.
	DeleteAll(ctx context.Context, prefix Key) error

	// Metadata returns a snapshot of the attributes of the value at
	// key.
	Metadata(ctx context.Context, key Key) (Meta, error)

	// Exclusively runs op while holding the lock for key. Among all
	// callers sharing the same backend at most one op per key runs at
	// a time. The lock is released whether op fails or not.
	Exclusively(ctx context.Context, key Key, op Operation) error

	// Identifier describes the storage for diagnostics.
	Identifier() string
}

// Locking returns s with Exclusively served by l instead of the
// storage's own primitive. Handles that reach one backend through
// different Storage values can share a Locker this way.
func Locking(s Storage, l Locker) Storage {
	return &lockingStorage{Storage: s, locker: l}
}

type lockingStorage struct {
	Storage
	locker Locker
}

func (s *lockingStorage) Exclusively(ctx context.Context, key Key, op Operation) error {
	return exclusively(ctx, s.locker, s, key, op)
}
