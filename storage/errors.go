package storage

import (
	"context"

	"github.com/juju/errors"
)

const (
	// NotFound is the kind of error returned when a key has no value.
	NotFound = errors.NotFound

	// InvalidKey is the kind of error returned for keys that cannot
	// address a value: Root, or a key that escapes a file storage root.
	InvalidKey = errors.NotValid

	// IOFailure is the kind of error returned when the medium beneath a
	// storage fails. The wrapped error carries the operation and key.
	IOFailure = errors.ConstError("storage i/o failure")

	// LockUnavailable is returned when exclusive execution could not
	// take, or lost, the lock for a key.
	LockUnavailable = errors.ConstError("lock unavailable")

	// ErrContentConsumed is returned when a Content is opened twice.
	ErrContentConsumed = errors.ConstError("content already consumed")

	// ErrSizeMismatch is returned when a stream ends before, or runs
	// past, the size its Content declared.
	ErrSizeMismatch = errors.ConstError("content size mismatch")
)

func notFound(key Key) error {
	return errors.NotFoundf("key %q", key.String())
}

func rootNotAllowed(op string) error {
	return errors.NotValidf("%s on root key", op)
}

// ioFailure annotates err with the operation and key and marks it as
// an IOFailure. Errors that already carry a storage kind, and context
// errors, pass through with the annotation only.
func ioFailure(err error, op string, key Key) error {
	if err == nil {
		return nil
	}
	annotated := errors.Annotatef(err, "%s %q", op, key.String())
	if errors.Is(err, NotFound) || errors.Is(err, InvalidKey) ||
		errors.Is(err, LockUnavailable) || errors.Is(err, IOFailure) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return annotated
	}
	return errors.WithType(annotated, IOFailure)
}

// checkValueKey rejects Root for operations that address a value.
func checkValueKey(op string, key Key) error {
	if key.IsRoot() {
		return rootNotAllowed(op)
	}
	return nil
}
