package storage

import (
	"slices"
	"strings"
)

// Delimiter separates the segments of a key in its string form.
const Delimiter = "/"

// Key is a hierarchical path that addresses a value in a Storage.
//
// A key is an ordered list of non-empty segments. The key with no
// segments is Root, which names the whole key space and never holds
// a value itself.
type Key struct {
	parts []string
}

// Root is the empty key.
var Root = Key{}

// NewKey builds a key from the given parts. Each part is split on
// the delimiter and empty segments are dropped, so "a/b" and ("a", "b")
// produce the same key.
func NewKey(parts ...string) Key {
	var segs []string
	for _, p := range parts {
		for _, s := range strings.Split(p, Delimiter) {
			if s == "" {
				continue
			}
			segs = append(segs, s)
		}
	}
	return Key{parts: segs}
}

// String joins the segments with the delimiter. Root is "".
func (k Key) String() string {
	return strings.Join(k.parts, Delimiter)
}

// Parts returns a copy of the key segments.
func (k Key) Parts() []string {
	return slices.Clone(k.parts)
}

// IsRoot reports whether k has no segments.
func (k Key) IsRoot() bool {
	return len(k.parts) == 0
}

// Parent returns the key without its last segment. Root has no parent.
func (k Key) Parent() (Key, bool) {
	if k.IsRoot() {
		return Root, false
	}
	return Key{parts: slices.Clone(k.parts[:len(k.parts)-1])}, true
}

// Base returns the last segment, or "" for Root.
func (k Key) Base() string {
	if k.IsRoot() {
		return ""
	}
	return k.parts[len(k.parts)-1]
}

// Join returns a new key with the given parts appended.
func (k Key) Join(parts ...string) Key {
	return NewKey(append([]string{k.String()}, parts...)...)
}

// HasPrefix reports whether k lies under prefix, which is a plain
// string prefix test on the string forms. Every key lies under Root.
func (k Key) HasPrefix(prefix Key) bool {
	return strings.HasPrefix(k.String(), prefix.String())
}

// Equal reports whether both keys have the same string form.
func (k Key) Equal(other Key) bool {
	return k.String() == other.String()
}

// CompareKeys orders keys by their string form.
func CompareKeys(a, b Key) int {
	return strings.Compare(a.String(), b.String())
}

// SortKeys sorts keys ascending by string form, in place.
func SortKeys(keys []Key) {
	slices.SortFunc(keys, CompareKeys)
}
