package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync/atomic"

	"github.com/juju/errors"
)

// UnknownSize is the declared size of a Content whose length is not
// known up front.
const UnknownSize int64 = -1

// Content is a stream of bytes with an optional declared size.
//
// A Content can be consumed once. The first call to Open (or Bytes,
// or Close) moves it from fresh to consumed, and any later attempt to
// open it fails with ErrContentConsumed.
type Content struct {
	r        io.Reader
	size     int64
	consumed atomic.Bool
}

// NewContent wraps r with a declared size. Pass UnknownSize if the
// length is not known. If r is an io.Closer it is closed once the
// content has been read or discarded.
func NewContent(r io.Reader, size int64) *Content {
	if size < 0 {
		size = UnknownSize
	}
	return &Content{r: r, size: size}
}

// FromBytes returns content over b. The slice is not copied.
func FromBytes(b []byte) *Content {
	return NewContent(bytes.NewReader(b), int64(len(b)))
}

// FromString returns content over s.
func FromString(s string) *Content {
	return NewContent(strings.NewReader(s), int64(len(s)))
}

// Empty returns zero-length content.
func Empty() *Content {
	return FromBytes(nil)
}

// Size returns the declared size, and false if it is unknown.
func (c *Content) Size() (int64, bool) {
	return c.size, c.size != UnknownSize
}

// Open consumes the content and returns its stream. The caller must
// close the returned reader.
func (c *Content) Open() (io.ReadCloser, error) {
	if !c.consumed.CompareAndSwap(false, true) {
		return nil, ErrContentConsumed
	}
	rc, ok := c.r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(c.r)
	}
	if c.size == UnknownSize {
		return rc, nil
	}
	return &sizedReader{rc: rc, want: c.size}, nil
}

// Bytes consumes the content and returns everything it holds.
func (c *Content) Bytes() ([]byte, error) {
	return drain(context.Background(), c)
}

// drain consumes c, giving up once ctx is done.
func drain(ctx context.Context, c *Content) ([]byte, error) {
	rc, err := c.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if c.size > 0 {
		buf.Grow(int(c.size))
	}
	if _, err := buf.ReadFrom(contextReader{ctx: ctx, r: rc}); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

// Close discards an unopened content, releasing the stream beneath
// it. Closing a consumed content is a no-op.
func (c *Content) Close() error {
	if !c.consumed.CompareAndSwap(false, true) {
		return nil
	}
	if rc, ok := c.r.(io.Closer); ok {
		return rc.Close()
	}
	return nil
}

// sizedReader fails a read that ends short of, or runs past, the
// declared size.
type sizedReader struct {
	rc   io.ReadCloser
	want int64
	got  int64
}

func (s *sizedReader) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	s.got += int64(n)
	if s.got > s.want {
		return n, errors.WithType(errors.Errorf("content longer than declared size %d", s.want), ErrSizeMismatch)
	}
	if err == io.EOF && s.got != s.want {
		return n, errors.WithType(errors.Errorf("content of %d bytes, declared size %d", s.got, s.want), ErrSizeMismatch)
	}
	return n, err
}

func (s *sizedReader) Close() error {
	return s.rc.Close()
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
