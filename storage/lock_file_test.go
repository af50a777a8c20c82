package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
)

func TestFileLocker(t *testing.T) {
	ctx := context.Background()
	key := NewKey("a/b")

	t.Run("should write and remove a sentinel", func(t *testing.T) {
		l, err := NewFileLocker(t.TempDir(), FileLockConfig{})
		if err != nil {
			t.Fatal(err)
		}
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			t.Fatal(err)
		}

		rec, err := readLockRecord(l.sentinel(key))
		if err != nil {
			t.Fatalf("failed to read sentinel: %s", err)
		}
		if rec.Key != "a/b" || rec.Owner == "" {
			t.Fatalf("unexpected record %+v", rec)
		}
		if !rec.Expires.IsZero() {
			t.Fatalf("lock without lease expires at %v", rec.Expires)
		}

		if err := unlock(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(l.sentinel(key)); !os.IsNotExist(err) {
			t.Fatalf("sentinel left behind: %v", err)
		}
	})

	t.Run("should give up after the configured attempts", func(t *testing.T) {
		dir := t.TempDir()
		cfg := FileLockConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
		holder, _ := NewFileLocker(dir, cfg)
		waiter, _ := NewFileLocker(dir, cfg)

		unlock, err := holder.Lock(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		defer unlock()

		if _, err := waiter.Lock(ctx, key); !errors.Is(err, LockUnavailable) {
			t.Fatalf("expected lock unavailable, found %v", err)
		}
	})

	t.Run("should stop retrying when the context ends", func(t *testing.T) {
		dir := t.TempDir()
		cfg := FileLockConfig{Attempts: 1000, Delay: 5 * time.Millisecond}
		holder, _ := NewFileLocker(dir, cfg)
		waiter, _ := NewFileLocker(dir, cfg)

		unlock, err := holder.Lock(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		defer unlock()

		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		if _, err := waiter.Lock(cctx, key); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, found %v", err)
		}
	})

	t.Run("should not break a lock without a lease", func(t *testing.T) {
		dir := t.TempDir()
		clk := testclock.NewClock(time.Now())
		cfg := FileLockConfig{Attempts: 1, Clock: clk}
		holder, _ := NewFileLocker(dir, cfg)
		waiter, _ := NewFileLocker(dir, cfg)

		unlock, err := holder.Lock(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		defer unlock()

		clk.Advance(24 * time.Hour)
		if _, err := waiter.Lock(ctx, key); !errors.Is(err, LockUnavailable) {
			t.Fatalf("expected lock unavailable, found %v", err)
		}
	})

	t.Run("should break an expired lease", func(t *testing.T) {
		dir := t.TempDir()
		clk := testclock.NewClock(time.Now())
		cfg := FileLockConfig{Lease: time.Minute, Attempts: 1, Clock: clk}
		holder, _ := NewFileLocker(dir, cfg)
		waiter, _ := NewFileLocker(dir, cfg)

		unlockHolder, err := holder.Lock(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := waiter.Lock(ctx, key); !errors.Is(err, LockUnavailable) {
			t.Fatalf("expected lock unavailable within lease, found %v", err)
		}

		clk.Advance(2 * time.Minute)
		unlockWaiter, err := waiter.Lock(ctx, key)
		if err != nil {
			t.Fatalf("expired lease not broken: %v", err)
		}

		// The old holder finds its lock taken over
		if err := unlockHolder(); !errors.Is(err, LockUnavailable) {
			t.Fatalf("expected lock unavailable on stale release, found %v", err)
		}
		if err := unlockWaiter(); err != nil {
			t.Fatal(err)
		}

		matches, _ := filepath.Glob(filepath.Join(dir, "*.broken.*"))
		if len(matches) != 0 {
			t.Fatalf("broken sentinels left behind: %q", matches)
		}
	})

	t.Run("should leave only the sentinel in the lock directory", func(t *testing.T) {
		dir := t.TempDir()
		l, _ := NewFileLocker(dir, FileLockConfig{Lease: time.Minute})
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		defer unlock()

		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 1 || filepath.Join(dir, entries[0].Name()) != l.sentinel(key) {
			t.Fatalf("unexpected lock directory entries %v", entries)
		}
		info, err := entries[0].Info()
		if err != nil {
			t.Fatal(err)
		}
		if info.Size() == 0 {
			t.Fatal("sentinel visible before its record was written")
		}
	})

	t.Run("should break an empty sentinel once its lease runs out", func(t *testing.T) {
		dir := t.TempDir()
		clk := testclock.NewClock(time.Now())
		cfg := FileLockConfig{Lease: time.Minute, Attempts: 1, Clock: clk}
		waiter, _ := NewFileLocker(dir, cfg)

		// A holder that crashed halfway through writing its record...
		if err := os.WriteFile(waiter.sentinel(key), nil, 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := waiter.Lock(ctx, key); !errors.Is(err, LockUnavailable) {
			t.Fatalf("expected lock unavailable within lease, found %v", err)
		}

		clk.Advance(2 * time.Minute)
		unlock, err := waiter.Lock(ctx, key)
		if err != nil {
			t.Fatalf("empty sentinel not broken: %v", err)
		}
		if err := unlock(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("should report a sentinel removed by hand", func(t *testing.T) {
		l, _ := NewFileLocker(t.TempDir(), FileLockConfig{})
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.Remove(l.sentinel(key)); err != nil {
			t.Fatal(err)
		}
		if err := unlock(); !errors.Is(err, LockUnavailable) {
			t.Fatalf("expected lock unavailable, found %v", err)
		}
	})

	t.Run("should map keys to distinct flat names", func(t *testing.T) {
		l, _ := NewFileLocker(t.TempDir(), FileLockConfig{})
		a, b := l.sentinel(NewKey("a/b")), l.sentinel(NewKey("a_b"))
		if a == b {
			t.Fatal("sentinel names collide")
		}
		if filepath.Dir(a) != l.dir {
			t.Fatalf("sentinel %q outside lock dir", a)
		}
	})
}
