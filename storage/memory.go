package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/juju/errors"
)

// DefaultTreeDegree is the btree degree of in-memory key maps.
const DefaultTreeDegree = 16

// entry is one value held in memory.
type entry struct {
	key     string
	data    []byte
	created time.Time
	updated time.Time
}

func lessEntry(a, b entry) bool {
	return a.key < b.key
}

func newEntryTree() *btree.BTreeG[entry] {
	return btree.NewG[entry](DefaultTreeDegree, lessEntry)
}

func (e entry) meta() Meta {
	m := NewMeta(int64(len(e.data)))
	m = WithField(m, MetaCreatedAt, e.created)
	return WithField(m, MetaUpdatedAt, e.updated)
}

func (e entry) content() *Content {
	return FromBytes(clone(e.data))
}

// ascendPrefix calls fn for every entry whose key starts with prefix,
// in key order. It starts at the first key not less than prefix and
// stops at the first key past the prefix range.
func ascendPrefix(tree *btree.BTreeG[entry], prefix string, fn func(entry)) {
	tree.AscendGreaterOrEqual(entry{key: prefix}, func(e entry) bool {
		if !strings.HasPrefix(e.key, prefix) {
			return false
		}
		fn(e)
		return true
	})
}

func clone(b []byte) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// MemoryStorage keeps values in a process-local sorted map.
//
// A single mutex guards the map, so compound changes such as Move are
// atomic with respect to every other operation. Content is drained
// before the lock is taken and values are copied on the way in and
// out.
type MemoryStorage struct {
	mu   sync.Mutex
	tree *btree.BTreeG[entry]

	locks *KeyMutex
	now   func() time.Time
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tree:  newEntryTree(),
		locks: NewKeyMutex(),
		now:   time.Now,
	}
}

// Exists implements Storage.
func (m *MemoryStorage) Exists(ctx context.Context, key Key) (bool, error) {
	if key.IsRoot() {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Has(entry{key: key.String()}), nil
}

// Save implements Storage.
func (m *MemoryStorage) Save(ctx context.Context, key Key, content *Content) error {
	if err := checkValueKey("save", key); err != nil {
		content.Close()
		return err
	}

	// Drain the content outside the lock
	data, err := drain(ctx, content)
	if err != nil {
		return errors.Annotatef(err, "save %q", key.String())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Keep the creation time of a value being replaced...
	now := m.now()
	e := entry{key: key.String(), data: data, created: now, updated: now}
	if prev, ok := m.tree.Get(e); ok {
		e.created = prev.created
	}
	m.tree.ReplaceOrInsert(e)

	// Done
	return nil
}

// Value implements Storage.
func (m *MemoryStorage) Value(ctx context.Context, key Key) (*Content, error) {
	if err := checkValueKey("value", key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tree.Get(entry{key: key.String()})
	if !ok {
		return nil, notFound(key)
	}
	return e.content(), nil
}

// List implements Storage.
func (m *MemoryStorage) List(ctx context.Context, prefix Key) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := []Key{}
	ascendPrefix(m.tree, prefix.String(), func(e entry) {
		keys = append(keys, NewKey(e.key))
	})
	return keys, nil
}

// Move implements Storage.
func (m *MemoryStorage) Move(ctx context.Context, source, destination Key) error {
	if err := checkValueKey("move", source); err != nil {
		return err
	}
	if err := checkValueKey("move", destination); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.tree.Get(entry{key: source.String()})
	if !ok {
		return notFound(source)
	}
	if source.Equal(destination) {
		return nil
	}

	dst := src
	dst.key = destination.String()
	dst.updated = m.now()
	m.tree.ReplaceOrInsert(dst)
	m.tree.Delete(src)
	return nil
}

// Delete implements Storage.
func (m *MemoryStorage) Delete(ctx context.Context, key Key) error {
	if err := checkValueKey("delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tree.Delete(entry{key: key.String()}); !ok {
		return notFound(key)
	}
	return nil
}

// DeleteAll implements Storage.
func (m *MemoryStorage) DeleteAll(ctx context.Context, prefix Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doomed []entry
	ascendPrefix(m.tree, prefix.String(), func(e entry) {
		doomed = append(doomed, e)
	})
	for _, e := range doomed {
		m.tree.Delete(e)
	}
	return nil
}

// Metadata implements Storage.
func (m *MemoryStorage) Metadata(ctx context.Context, key Key) (Meta, error) {
	if err := checkValueKey("metadata", key); err != nil {
		return Meta{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tree.Get(entry{key: key.String()})
	if !ok {
		return Meta{}, notFound(key)
	}
	return e.meta(), nil
}

// Exclusively implements Storage.
func (m *MemoryStorage) Exclusively(ctx context.Context, key Key, op Operation) error {
	return exclusively(ctx, m.locks, m, key, op)
}

// Identifier implements Storage.
func (m *MemoryStorage) Identifier() string {
	return "InMemoryStorage"
}

// Len returns the number of stored values.
func (m *MemoryStorage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Len()
}
