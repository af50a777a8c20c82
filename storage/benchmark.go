package storage

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/btree"
	"github.com/juju/errors"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTombstoneEstimate sizes the tombstone filter.
	DefaultTombstoneEstimate = 100_000

	// DefaultTombstoneFPR is the false positive rate of the tombstone
	// filter at its estimated size.
	DefaultTombstoneFPR = 0.01
)

// BenchmarkStorage layers a private overlay over a shared backend that
// it never writes to.
//
// Writes land in the overlay and deletes record tombstones, so any
// number of instances can run read-write workloads against one large
// fixture without changing it. Reads go to the overlay first and copy
// backend values into it on first access. Overlay and tombstones are
// local to the instance.
type BenchmarkStorage struct {
	backend Storage

	mu      sync.Mutex
	overlay *btree.BTreeG[entry]
	deleted map[string]struct{}
	filter  *bloom.BloomFilter

	loads singleflight.Group
	now   func() time.Time
}

var _ Storage = (*BenchmarkStorage)(nil)

// NewBenchmarkStorage wraps backend. The backend is shared by
// reference and is only ever read.
func NewBenchmarkStorage(backend Storage) *BenchmarkStorage {
	return &BenchmarkStorage{
		backend: backend,
		overlay: newEntryTree(),
		deleted: make(map[string]struct{}),
		filter:  bloom.NewWithEstimates(DefaultTombstoneEstimate, DefaultTombstoneFPR),
		now:     time.Now,
	}
}

// isDeleted must be called with mu held. The filter answers most
// lookups for keys that were never deleted.
func (b *BenchmarkStorage) isDeleted(key string) bool {
	if !b.filter.TestString(key) {
		return false
	}
	_, ok := b.deleted[key]
	return ok
}

// bury must be called with mu held.
func (b *BenchmarkStorage) bury(key string) {
	b.deleted[key] = struct{}{}
	b.filter.AddString(key)
}

// resolve returns the current value of key, loading it from the
// backend into the overlay if needed. Concurrent loads of one key
// share a single backend read, which runs to completion even if the
// caller that started it gives up.
func (b *BenchmarkStorage) resolve(ctx context.Context, key Key) (entry, error) {
	name := key.String()

	b.mu.Lock()
	if b.isDeleted(name) {
		b.mu.Unlock()
		return entry{}, notFound(key)
	}
	if e, ok := b.overlay.Get(entry{key: name}); ok {
		b.mu.Unlock()
		return e, nil
	}
	b.mu.Unlock()

	// The load is shared, so no single caller's cancellation may end
	// it. Each caller stops waiting on its own context instead.
	shared := context.WithoutCancel(ctx)
	loading := b.loads.DoChan(name, func() (any, error) {
		loaded, err := b.load(shared, key)
		if err != nil {
			return entry{}, err
		}
		return b.adopt(key, loaded)
	})

	select {
	case res := <-loading:
		if res.Err != nil {
			return entry{}, res.Err
		}
		return res.Val.(entry), nil
	case <-ctx.Done():
		return entry{}, errors.Trace(ctx.Err())
	}
}

// adopt caches a value loaded from the backend unless the overlay
// changed while it was read.
func (b *BenchmarkStorage) adopt(key Key, loaded entry) (entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isDeleted(loaded.key) {
		return entry{}, notFound(key)
	}
	if e, ok := b.overlay.Get(loaded); ok {
		return e, nil
	}
	b.overlay.ReplaceOrInsert(loaded)

	// Done
	return loaded, nil
}

// load reads key from the backend.
func (b *BenchmarkStorage) load(ctx context.Context, key Key) (entry, error) {
	meta, err := b.backend.Metadata(ctx, key)
	if err != nil {
		return entry{}, errors.Trace(err)
	}
	c, err := b.backend.Value(ctx, key)
	if err != nil {
		return entry{}, errors.Trace(err)
	}
	data, err := drain(ctx, c)
	if err != nil {
		return entry{}, errors.Annotatef(err, "copying %q from %s", key.String(), b.backend.Identifier())
	}

	// Carry over the backend's timestamps, where it has them...
	now := b.now()
	e := entry{key: key.String(), data: data, created: now, updated: now}
	if t, ok := ReadMeta(meta, MetaCreatedAt); ok {
		e.created = t
	}
	if t, ok := ReadMeta(meta, MetaUpdatedAt); ok {
		e.updated = t
	}
	return e, nil
}

// Exists implements Storage.
func (b *BenchmarkStorage) Exists(ctx context.Context, key Key) (bool, error) {
	if key.IsRoot() {
		return false, nil
	}
	_, err := b.resolve(ctx, key)
	if errors.Is(err, NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Save implements Storage. The backend is never written.
func (b *BenchmarkStorage) Save(ctx context.Context, key Key, content *Content) error {
	if err := checkValueKey("save", key); err != nil {
		content.Close()
		return err
	}
	data, err := drain(ctx, content)
	if err != nil {
		return errors.Annotatef(err, "save %q", key.String())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.overlay.ReplaceOrInsert(entry{key: key.String(), data: data, created: now, updated: now})
	delete(b.deleted, key.String())
	return nil
}

// Value implements Storage.
func (b *BenchmarkStorage) Value(ctx context.Context, key Key) (*Content, error) {
	if err := checkValueKey("value", key); err != nil {
		return nil, err
	}
	e, err := b.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.content(), nil
}

// List implements Storage. It returns the union of backend and
// overlay keys under prefix, minus tombstones.
func (b *BenchmarkStorage) List(ctx context.Context, prefix Key) ([]Key, error) {
	shared, err := b.backend.List(ctx, prefix)
	if err != nil {
		return nil, errors.Trace(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{}, len(shared))
	keys := []Key{}
	add := func(k Key) {
		name := k.String()
		if _, dup := seen[name]; dup || b.isDeleted(name) {
			return
		}
		seen[name] = struct{}{}
		keys = append(keys, k)
	}
	for _, k := range shared {
		add(k)
	}
	ascendPrefix(b.overlay, prefix.String(), func(e entry) {
		add(NewKey(e.key))
	})

	SortKeys(keys)
	return keys, nil
}

// Move implements Storage. The source is tombstoned so that a value
// only the backend holds disappears too.
func (b *BenchmarkStorage) Move(ctx context.Context, source, destination Key) error {
	if err := checkValueKey("move", source); err != nil {
		return err
	}
	if err := checkValueKey("move", destination); err != nil {
		return err
	}
	src, err := b.resolve(ctx, source)
	if err != nil {
		return err
	}
	if source.Equal(destination) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isDeleted(src.key) {
		return notFound(source)
	}
	dst := src
	dst.key = destination.String()
	dst.updated = b.now()
	b.overlay.ReplaceOrInsert(dst)
	delete(b.deleted, dst.key)

	// Drop the source, tombstoning it in case the backend has it...
	b.overlay.Delete(src)
	b.bury(src.key)

	// Done!
	return nil
}

// Delete implements Storage.
func (b *BenchmarkStorage) Delete(ctx context.Context, key Key) error {
	if err := checkValueKey("delete", key); err != nil {
		return err
	}
	name := key.String()

	b.mu.Lock()
	if b.isDeleted(name) {
		b.mu.Unlock()
		return notFound(key)
	}
	if _, ok := b.overlay.Delete(entry{key: name}); ok {
		b.bury(name)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	found, err := b.backend.Exists(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// A concurrent save or delete may have won the race
	if b.isDeleted(name) {
		return notFound(key)
	}
	if _, ok := b.overlay.Delete(entry{key: name}); !ok && !found {
		return notFound(key)
	}
	b.bury(name)
	return nil
}

// DeleteAll implements Storage.
func (b *BenchmarkStorage) DeleteAll(ctx context.Context, prefix Key) error {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return errors.Trace(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		b.overlay.Delete(entry{key: k.String()})
		b.bury(k.String())
	}
	return nil
}

// Metadata implements Storage.
func (b *BenchmarkStorage) Metadata(ctx context.Context, key Key) (Meta, error) {
	if err := checkValueKey("metadata", key); err != nil {
		return Meta{}, err
	}
	e, err := b.resolve(ctx, key)
	if err != nil {
		return Meta{}, err
	}
	return e.meta(), nil
}

// Exclusively implements Storage. Locks are taken on the backend, so
// every instance over one backend serializes on the same keys.
func (b *BenchmarkStorage) Exclusively(ctx context.Context, key Key, op Operation) error {
	return b.backend.Exclusively(ctx, key, func(ctx context.Context, _ Storage) error {
		return op(ctx, b)
	})
}

// Identifier implements Storage.
func (b *BenchmarkStorage) Identifier() string {
	return "BenchmarkStorage: " + b.backend.Identifier()
}
