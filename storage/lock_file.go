package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

const (
	DefaultLockAttempts = 100
	DefaultLockDelay    = 10 * time.Millisecond
	DefaultLockMaxDelay = time.Second
)

// errLockHeld marks a contended attempt, which is retried.
const errLockHeld = errors.ConstError("lock held by another owner")

// FileLockConfig configures a FileLocker.
type FileLockConfig struct {
	// Lease is how long a sentinel stays valid. Once it has run out
	// another owner may break the lock. Zero means sentinels never
	// expire, so a crashed holder keeps the key locked until its
	// sentinel is removed by hand.
	Lease time.Duration `yaml:"lease"`

	// Attempts bounds how often acquisition is tried before it fails
	// with LockUnavailable.
	Attempts int `yaml:"attempts"`

	// Delay and MaxDelay bound the exponential backoff between
	// attempts.
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max-delay"`

	// Clock drives backoff and lease expiry. Defaults to the wall
	// clock.
	Clock clock.Clock `yaml:"-"`
}

func (c FileLockConfig) withDefaults() FileLockConfig {
	if c.Attempts <= 0 {
		c.Attempts = DefaultLockAttempts
	}
	if c.Delay <= 0 {
		c.Delay = DefaultLockDelay
	}
	if c.MaxDelay < c.Delay {
		c.MaxDelay = max(DefaultLockMaxDelay, c.Delay)
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	return c
}

// lockRecord is the content of a sentinel file.
type lockRecord struct {
	Owner    string    `json:"owner"`
	Key      string    `json:"key"`
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires,omitempty"`
}

// FileLocker is a Locker for processes that share a directory. The
// lock for a key is a sentinel file created with O_EXCL; whoever
// creates it holds the lock until it removes it again.
type FileLocker struct {
	dir string
	cfg FileLockConfig
}

// NewFileLocker returns a locker keeping its sentinels in dir, which is
// created if missing.
func NewFileLocker(dir string, cfg FileLockConfig) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotatef(err, "creating lock directory %q", dir)
	}
	return &FileLocker{dir: dir, cfg: cfg.withDefaults()}, nil
}

// sentinel returns the sentinel path for key. Names are derived from
// the key so that any key maps to one flat file name.
func (l *FileLocker) sentinel(key Key) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(key.String()))
	return filepath.Join(l.dir, id.String()+".lock")
}

// Lock implements Locker.
func (l *FileLocker) Lock(ctx context.Context, key Key) (func() error, error) {
	owner, err := NewID("lock")
	if err != nil {
		return nil, errors.Trace(err)
	}
	p := l.sentinel(key)

	err = retry.Call(retry.CallArgs{
		Func: func() error {
			return l.tryLock(p, key, owner)
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errLockHeld)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Tracef("lock %q busy, attempt %d", key.String(), attempt)
		},
		Attempts:    l.cfg.Attempts,
		Delay:       l.cfg.Delay,
		MaxDelay:    l.cfg.MaxDelay,
		BackoffFunc: retry.ExpBackoff(l.cfg.Delay, l.cfg.MaxDelay, 2, true),
		Clock:       l.cfg.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return func() error { return l.unlock(p, key, owner) }, nil
	case retry.IsAttemptsExceeded(err):
		return nil, errors.WithType(
			errors.Annotatef(retry.LastError(err), "lock %q after %d attempts", key.String(), l.cfg.Attempts),
			LockUnavailable,
		)
	case retry.IsRetryStopped(err):
		return nil, errors.Trace(ctx.Err())
	default:
		return nil, errors.Annotatef(err, "lock %q", key.String())
	}
}

// tryLock makes one attempt at creating the sentinel, breaking it
// first if its lease ran out.
func (l *FileLocker) tryLock(p string, key Key, owner string) error {
	now := l.cfg.Clock.Now()
	rec := lockRecord{Owner: owner, Key: key.String(), Acquired: now}
	if l.cfg.Lease > 0 {
		rec.Expires = now.Add(l.cfg.Lease)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Trace(err)
	}

	err = createExclusive(p, data)
	if err != nil && os.IsExist(err) && l.breakStale(p, now) {
		err = createExclusive(p, data)
	}
	switch {
	case err == nil:
		logger.Debugf("lock %q acquired by %s", key.String(), owner)
		return nil
	case os.IsExist(err):
		return errLockHeld
	default:
		return errors.Trace(err)
	}
}

// breakStale removes the sentinel at p if its lease ran out before
// now. A sentinel whose record cannot be read expires a lease after
// its modification time. The sentinel is renamed aside and checked
// to be the same file before it is dropped; if it turns out to be a
// newer lock it is linked back.
func (l *FileLocker) breakStale(p string, now time.Time) bool {
	if l.cfg.Lease <= 0 {
		return false
	}
	before, err := os.Stat(p)
	if err != nil {
		return false
	}

	// Work out when the lease ends...
	expires, holder := before.ModTime().Add(l.cfg.Lease), "an unreadable record"
	rec, err := readLockRecord(p)
	switch {
	case err == nil && rec.Expires.IsZero():
		return false
	case err == nil:
		expires, holder = rec.Expires, rec.Owner
	case os.IsNotExist(err):
		return false
	}
	if !now.After(expires) {
		return false
	}

	// Move it aside and make sure it is the one we looked at...
	aside := p + ".broken." + uuid.NewString()
	if err := os.Rename(p, aside); err != nil {
		return false
	}
	defer os.Remove(aside)

	moved, err := os.Stat(aside)
	if err == nil && os.SameFile(before, moved) {
		logger.Warningf("breaking lock sentinel %q held by %s, lease ran out at %s",
			p, holder, expires.Format(time.RFC3339))
		return true
	}
	if err := os.Link(aside, p); err != nil {
		logger.Warningf("restoring lock sentinel %q: %v", p, err)
	}
	return false
}

func (l *FileLocker) unlock(p string, key Key, owner string) error {
	rec, err := readLockRecord(p)
	if os.IsNotExist(err) {
		return errors.WithType(errors.Errorf("lock %q of %s was broken", key.String(), owner), LockUnavailable)
	}
	if err != nil {
		return errors.Trace(err)
	}
	if rec.Owner != owner {
		return errors.WithType(errors.Errorf("lock %q of %s taken over by %s", key.String(), owner, rec.Owner), LockUnavailable)
	}
	if err := os.Remove(p); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("lock %q released by %s", key.String(), owner)
	return nil
}

// createExclusive makes p hold data, failing if p exists. The data is
// written to a temporary file first and linked into place, so a
// sentinel is complete from the moment it appears.
func createExclusive(p string, data []byte) error {
	tmp := p + ".tmp." + uuid.NewString()
	defer os.Remove(tmp)

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Link(tmp, p)
}

func readLockRecord(p string) (lockRecord, error) {
	var rec lockRecord
	b, err := os.ReadFile(p)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, errors.Annotatef(err, "reading lock sentinel %q", p)
	}
	return rec, nil
}
