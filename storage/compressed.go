package storage

import (
	"context"

	"github.com/golang/snappy"
	"github.com/juju/errors"
)

// CompressedStorage stores values snappy encoded in an origin storage.
// Keys, listing and removal pass straight through.
type CompressedStorage struct {
	Storage
}

var _ Storage = (*CompressedStorage)(nil)

// NewCompressedStorage wraps origin.
func NewCompressedStorage(origin Storage) *CompressedStorage {
	return &CompressedStorage{Storage: origin}
}

// Save implements Storage.
func (c *CompressedStorage) Save(ctx context.Context, key Key, content *Content) error {
	if err := checkValueKey("save", key); err != nil {
		content.Close()
		return err
	}
	data, err := drain(ctx, content)
	if err != nil {
		return errors.Annotatef(err, "save %q", key.String())
	}
	return c.Storage.Save(ctx, key, FromBytes(snappy.Encode(nil, data)))
}

// Value implements Storage.
func (c *CompressedStorage) Value(ctx context.Context, key Key) (*Content, error) {
	encoded, err := c.encoded(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := snappy.Decode(nil, encoded)
	if err != nil {
		return nil, ioFailure(errors.Annotate(err, "decoding"), "value", key)
	}
	return FromBytes(data), nil
}

// Metadata implements Storage. The size is that of the decoded value.
func (c *CompressedStorage) Metadata(ctx context.Context, key Key) (Meta, error) {
	meta, err := c.Storage.Metadata(ctx, key)
	if err != nil {
		return Meta{}, err
	}
	encoded, err := c.encoded(ctx, key)
	if err != nil {
		return Meta{}, err
	}
	n, err := snappy.DecodedLen(encoded)
	if err != nil {
		return Meta{}, ioFailure(errors.Annotate(err, "decoding"), "metadata", key)
	}
	return WithField(meta, MetaSize, int64(n)), nil
}

func (c *CompressedStorage) encoded(ctx context.Context, key Key) ([]byte, error) {
	v, err := c.Storage.Value(ctx, key)
	if err != nil {
		return nil, err
	}
	return drain(ctx, v)
}

// Exclusively implements Storage. The origin's lock is used and op
// sees the compressed view.
func (c *CompressedStorage) Exclusively(ctx context.Context, key Key, op Operation) error {
	return c.Storage.Exclusively(ctx, key, func(ctx context.Context, _ Storage) error {
		return op(ctx, c)
	})
}

// Identifier implements Storage.
func (c *CompressedStorage) Identifier() string {
	return "Compressed: " + c.Storage.Identifier()
}
