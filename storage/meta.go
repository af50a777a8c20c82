package storage

import (
	"maps"
	"slices"
	"time"
)

// MetaField names one attribute of a Meta snapshot and fixes its type.
type MetaField[T any] struct {
	name string
}

// NewMetaField declares a field. Backends may declare their own.
func NewMetaField[T any](name string) MetaField[T] {
	return MetaField[T]{name: name}
}

// Name returns the field name.
func (f MetaField[T]) Name() string {
	return f.name
}

var (
	MetaSize       = NewMetaField[int64]("size")
	MetaCreatedAt  = NewMetaField[time.Time]("created-at")
	MetaUpdatedAt  = NewMetaField[time.Time]("updated-at")
	MetaAccessedAt = NewMetaField[time.Time]("accessed-at")
)

// Meta is a read-only snapshot of a value's attributes, taken when
// Metadata was called. It does not follow later changes to the value.
type Meta struct {
	fields map[string]any
}

// NewMeta returns a snapshot holding only the size.
func NewMeta(size int64) Meta {
	return Meta{fields: map[string]any{MetaSize.name: size}}
}

// WithField returns a copy of m with f set to v.
func WithField[T any](m Meta, f MetaField[T], v T) Meta {
	fields := maps.Clone(m.fields)
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	fields[f.name] = v
	return Meta{fields: fields}
}

// ReadMeta returns the value of f, and false if the backend did not
// record it.
func ReadMeta[T any](m Meta, f MetaField[T]) (T, bool) {
	v, ok := m.fields[f.name].(T)
	return v, ok
}

// Size returns the value size in bytes.
func (m Meta) Size() (int64, bool) {
	return ReadMeta(m, MetaSize)
}

// Fields lists the recorded field names, sorted.
func (m Meta) Fields() []string {
	names := make([]string, 0, len(m.fields))
	for name := range m.fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
