package storage

import (
	"context"
	"sync"

	"github.com/im7mortal/kmutex"
	"github.com/juju/errors"
)

// Locker hands out per-key locks.
//
// Lock blocks until the lock for key is held or ctx is done. On
// success the returned function releases the lock; it must be called
// exactly once. A caller that gives up waiting leaves the lock state
// intact for every other participant.
type Locker interface {
	Lock(ctx context.Context, key Key) (unlock func() error, err error)
}

// exclusively acquires the lock for key, runs op against s, and
// always releases the lock afterwards. A release failure is reported
// only when op itself succeeded.
func exclusively(ctx context.Context, l Locker, s Storage, key Key, op Operation) (err error) {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return errors.Annotatef(err, "locking %q", key.String())
	}
	logger.Tracef("lock %q held on %s", key.String(), s.Identifier())

	defer func() {
		uerr := unlock()
		if uerr == nil {
			logger.Tracef("lock %q released on %s", key.String(), s.Identifier())
			return
		}
		logger.Warningf("releasing lock %q on %s: %v", key.String(), s.Identifier(), uerr)
		if err == nil {
			err = errors.Annotatef(uerr, "unlocking %q", key.String())
		}
	}()

	return op(ctx, s)
}

// KeyMutex is an in-process Locker. Goroutines of one process that
// lock the same key are served one at a time.
type KeyMutex struct {
	km *kmutex.Kmutex
}

// NewKeyMutex returns an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{km: kmutex.New()}
}

// Lock implements Locker.
func (m *KeyMutex) Lock(ctx context.Context, key Key) (func() error, error) {
	name := key.String()
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	acquired := make(chan struct{})
	go func() {
		m.km.Lock(name)
		close(acquired)
	}()

	select {
	case <-acquired:
		return m.unlocker(name), nil
	case <-ctx.Done():
		// The waiter above still gets the lock eventually. Pass it on
		// as soon as it does.
		go func() {
			<-acquired
			m.km.Unlock(name)
		}()
		return nil, errors.Trace(ctx.Err())
	}
}

func (m *KeyMutex) unlocker(name string) func() error {
	var once sync.Once
	return func() error {
		once.Do(func() { m.km.Unlock(name) })
		return nil
	}
}

// ChainLockers returns a Locker that takes every given lock in order
// and releases them in reverse order.
func ChainLockers(lockers ...Locker) Locker {
	return lockerChain(lockers)
}

type lockerChain []Locker

func (c lockerChain) Lock(ctx context.Context, key Key) (func() error, error) {
	unlocks := make([]func() error, 0, len(c))
	release := func() error {
		var first error
		for i := len(unlocks) - 1; i >= 0; i-- {
			if err := unlocks[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	for _, l := range c {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			if rerr := release(); rerr != nil {
				logger.Warningf("releasing partial lock %q: %v", key.String(), rerr)
			}
			return nil, errors.Trace(err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
