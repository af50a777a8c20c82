// Package storagetest checks that a storage.Storage behaves like one.
//
// Backends call Run from their own tests with a factory that returns a
// fresh, empty storage per subtest.
package storagetest

import (
	"bytes"
	"context"
	"runtime"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-poor/asto/storage"
)

// Factory returns an empty storage. Cleanup belongs on t.
type Factory func(t *testing.T) storage.Storage

// Run runs the whole suite against storages made by newStorage.
func Run(t *testing.T, newStorage Factory) {
	cases := []struct {
		name string
		test func(t *testing.T, s storage.Storage)
	}{
		{"RoundTrip", testRoundTrip},
		{"Overwrite", testOverwrite},
		{"Exists", testExists},
		{"RootKey", testRootKey},
		{"List", testList},
		{"Move", testMove},
		{"Delete", testDelete},
		{"DeleteAll", testDeleteAll},
		{"Metadata", testMetadata},
		{"ConsumedContent", testConsumedContent},
		{"ConcurrentSaves", testConcurrentSaves},
		{"Exclusively", testExclusively},
		{"ExclusivelyReleasesOnError", testExclusivelyReleasesOnError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			c.test(t, newStorage(t))
		})
	}
}

// Save stores s at key, failing the test on error.
func Save(t *testing.T, s storage.Storage, key, value string) {
	t.Helper()
	require.NoError(t, s.Save(context.Background(), storage.NewKey(key), storage.FromString(value)))
}

// Value reads the value at key as a string, failing the test on error.
func Value(t *testing.T, s storage.Storage, key string) string {
	t.Helper()
	c, err := s.Value(context.Background(), storage.NewKey(key))
	require.NoError(t, err)
	b, err := c.Bytes()
	require.NoError(t, err)
	return string(b)
}

// Keys lists prefix as strings.
func Keys(t *testing.T, s storage.Storage, prefix string) []string {
	t.Helper()
	keys, err := s.List(context.Background(), storage.NewKey(prefix))
	require.NoError(t, err)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}

func testRoundTrip(t *testing.T, s storage.Storage) {
	payloads := map[string][]byte{
		"empty":  {},
		"text":   []byte("hello"),
		"binary": {0, 1, 2, 0xff, 0xfe, 0},
		"large":  bytes.Repeat([]byte("0123456789abcdef"), 64*1024),
	}
	for name, b := range payloads {
		key := storage.NewKey("round", "trip", name)
		require.NoError(t, s.Save(context.Background(), key, storage.FromBytes(b)))

		c, err := s.Value(context.Background(), key)
		require.NoError(t, err)
		got, err := c.Bytes()
		require.NoError(t, err)
		assert.Equal(t, len(b), len(got), name)
		assert.True(t, bytes.Equal(b, got), name)
	}
}

func testOverwrite(t *testing.T, s storage.Storage) {
	Save(t, s, "over/write", "first")
	Save(t, s, "over/write", "second")
	assert.Equal(t, "second", Value(t, s, "over/write"))
}

func testExists(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := storage.NewKey("exists/key")

	found, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "before save")

	Save(t, s, key.String(), "v")
	found, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, found, "after save")

	require.NoError(t, s.Delete(ctx, key))
	found, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, found, "after delete")
}

func testRootKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	Save(t, s, "some/value", "v")

	found, err := s.Exists(ctx, storage.Root)
	require.NoError(t, err)
	assert.False(t, found)

	err = s.Save(ctx, storage.Root, storage.FromString("v"))
	assert.True(t, errors.Is(err, storage.InvalidKey), "save: %v", err)
	_, err = s.Value(ctx, storage.Root)
	assert.True(t, errors.Is(err, storage.InvalidKey), "value: %v", err)
	err = s.Delete(ctx, storage.Root)
	assert.True(t, errors.Is(err, storage.InvalidKey), "delete: %v", err)
	_, err = s.Metadata(ctx, storage.Root)
	assert.True(t, errors.Is(err, storage.InvalidKey), "metadata: %v", err)
}

func testList(t *testing.T, s storage.Storage) {
	Save(t, s, "x/2", "b")
	Save(t, s, "y/1", "c")
	Save(t, s, "x/1", "a")
	Save(t, s, "x/sub/3", "d")
	Save(t, s, "xy/1", "e")

	// Prefixes match the string form, not whole segments
	assert.Equal(t, []string{"x/1", "x/2", "x/sub/3", "xy/1"}, Keys(t, s, "x"))
	assert.Equal(t, []string{"xy/1"}, Keys(t, s, "xy"))
	assert.Equal(t, []string{"x/sub/3"}, Keys(t, s, "x/s"))
	assert.Equal(t, []string{"x/sub/3"}, Keys(t, s, "x/sub"))
	assert.Equal(t, []string{"x/1", "x/2", "x/sub/3", "xy/1", "y/1"}, Keys(t, s, ""))
	assert.Empty(t, Keys(t, s, "z"))
	assert.Empty(t, Keys(t, s, "x/sub/3/deeper"))
}

func testMove(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	Save(t, s, "move/src", "payload")
	Save(t, s, "move/dst", "old")

	require.NoError(t, s.Move(ctx, storage.NewKey("move/src"), storage.NewKey("move/dst")))
	_, err := s.Value(ctx, storage.NewKey("move/src"))
	assert.True(t, errors.Is(err, storage.NotFound), "source: %v", err)
	assert.Equal(t, "payload", Value(t, s, "move/dst"))

	err = s.Move(ctx, storage.NewKey("move/missing"), storage.NewKey("move/other"))
	assert.True(t, errors.Is(err, storage.NotFound), "missing source: %v", err)

	require.NoError(t, s.Move(ctx, storage.NewKey("move/dst"), storage.NewKey("move/dst")))
	assert.Equal(t, "payload", Value(t, s, "move/dst"))
}

func testDelete(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	err := s.Delete(ctx, storage.NewKey("delete/missing"))
	assert.True(t, errors.Is(err, storage.NotFound), "missing: %v", err)

	Save(t, s, "delete/key", "v")
	require.NoError(t, s.Delete(ctx, storage.NewKey("delete/key")))
	_, err = s.Value(ctx, storage.NewKey("delete/key"))
	assert.True(t, errors.Is(err, storage.NotFound), "deleted: %v", err)

	err = s.Delete(ctx, storage.NewKey("delete/key"))
	assert.True(t, errors.Is(err, storage.NotFound), "twice: %v", err)
}

func testDeleteAll(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	Save(t, s, "all/a", "1")
	Save(t, s, "all/b/c", "2")
	Save(t, s, "keep/d", "3")

	require.NoError(t, s.DeleteAll(ctx, storage.NewKey("all")))
	assert.Empty(t, Keys(t, s, "all"))
	assert.Equal(t, []string{"keep/d"}, Keys(t, s, ""))

	require.NoError(t, s.DeleteAll(ctx, storage.NewKey("nothing/here")))
}

func testMetadata(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	Save(t, s, "meta/key", "twelve bytes")

	meta, err := s.Metadata(ctx, storage.NewKey("meta/key"))
	require.NoError(t, err)
	size, ok := meta.Size()
	require.True(t, ok)
	assert.Equal(t, int64(12), size)

	_, err = s.Metadata(ctx, storage.NewKey("meta/missing"))
	assert.True(t, errors.Is(err, storage.NotFound), "missing: %v", err)
}

func testConsumedContent(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	Save(t, s, "once", "v")

	c, err := s.Value(ctx, storage.NewKey("once"))
	require.NoError(t, err)
	_, err = c.Bytes()
	require.NoError(t, err)
	_, err = c.Open()
	assert.True(t, errors.Is(err, storage.ErrContentConsumed), "%v", err)

	used := storage.FromString("v")
	_, err = used.Bytes()
	require.NoError(t, err)
	err = s.Save(ctx, storage.NewKey("once"), used)
	assert.True(t, errors.Is(err, storage.ErrContentConsumed), "%v", err)
}

func testConcurrentSaves(t *testing.T, s storage.Storage) {
	a := bytes.Repeat([]byte{'a'}, 256*1024)
	b := bytes.Repeat([]byte{'b'}, 256*1024)
	key := storage.NewKey("race/key")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		payload := a
		if i%2 == 1 {
			payload = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Save(context.Background(), key, storage.FromBytes(payload)))
		}()
	}
	wg.Wait()

	got := []byte(Value(t, s, key.String()))
	assert.True(t, bytes.Equal(got, a) || bytes.Equal(got, b), "value is a mix of both writes")
}

func testExclusively(t *testing.T, s storage.Storage) {
	const workers, rounds = 8, 5
	key := storage.NewKey("exclusive/counter")

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				err := s.Exclusively(context.Background(), key, func(ctx context.Context, _ storage.Storage) error {
					// Read, yield, write: lost updates show up if
					// two sections overlap.
					v := counter
					runtime.Gosched()
					counter = v + 1
					return nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, workers*rounds, counter)
}

func testExclusivelyReleasesOnError(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := storage.NewKey("exclusive/failing")
	boom := errors.New("boom")

	err := s.Exclusively(ctx, key, func(context.Context, storage.Storage) error {
		return boom
	})
	assert.True(t, errors.Is(err, boom), "%v", err)

	ran := false
	err = s.Exclusively(ctx, key, func(ctx context.Context, inner storage.Storage) error {
		ran = true
		return inner.Save(ctx, key, storage.FromString("after"))
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "after", Value(t, s, key.String()))
}
