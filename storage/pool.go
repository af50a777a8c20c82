package storage

import (
	"context"

	"github.com/juju/errors"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrentIO bounds the blocking filesystem calls a
// FileStorage runs at once.
const DefaultMaxConcurrentIO = 16

// ioPool runs blocking calls on their own goroutines, at most size at
// a time.
type ioPool struct {
	sem  *semaphore.Weighted
	size int
}

func newIOPool(size int) *ioPool {
	if size <= 0 {
		size = DefaultMaxConcurrentIO
	}
	return &ioPool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// submit starts fn once a slot is free. The error is non-nil only if
// ctx ended before a slot was found, in which case fn never runs.
func (p *ioPool) submit(ctx context.Context, fn func() error) (<-chan error, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Trace(err)
	}
	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- fn()
	}()
	return done, nil
}

// do runs fn and waits for it. If ctx ends first do returns ctx.Err()
// and fn finishes in the background.
func (p *ioPool) do(ctx context.Context, fn func() error) error {
	done, err := p.submit(ctx, fn)
	if err != nil {
		return err
	}
	return wait(ctx, done)
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Prefer a result that is already there.
		select {
		case err := <-done:
			return err
		default:
			return errors.Trace(ctx.Err())
		}
	}
}
