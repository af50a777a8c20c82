package storage

import (
	"slices"
	"testing"
)

func TestNewKey(t *testing.T) {
	t.Run("should split parts on the delimiter", func(t *testing.T) {
		a := NewKey("a/b", "c")
		b := NewKey("a", "b", "c")
		if !a.Equal(b) {
			t.Fatalf("expected %q to equal %q", a, b)
		}
		if got := a.String(); got != "a/b/c" {
			t.Fatalf("expected %q, found %q", "a/b/c", got)
		}
	})

	t.Run("should drop empty segments", func(t *testing.T) {
		k := NewKey("/a//b/", "")
		if got := k.Parts(); !slices.Equal(got, []string{"a", "b"}) {
			t.Fatalf("unexpected parts %q", got)
		}
	})

	t.Run("should build root from nothing", func(t *testing.T) {
		for _, k := range []Key{NewKey(), NewKey(""), NewKey("/", "//"), Root} {
			if !k.IsRoot() {
				t.Fatalf("expected %q to be root", k)
			}
			if k.String() != "" {
				t.Fatalf("expected empty string form, found %q", k)
			}
		}
	})
}

func TestKeyNavigation(t *testing.T) {
	k := NewKey("a/b/c.txt")

	t.Run("should return the parent", func(t *testing.T) {
		p, ok := k.Parent()
		if !ok || p.String() != "a/b" {
			t.Fatalf("unexpected parent %q (%v)", p, ok)
		}
		if _, ok := Root.Parent(); ok {
			t.Fatal("root should have no parent")
		}
	})

	t.Run("should return the base", func(t *testing.T) {
		if got := k.Base(); got != "c.txt" {
			t.Fatalf("unexpected base %q", got)
		}
		if got := Root.Base(); got != "" {
			t.Fatalf("unexpected root base %q", got)
		}
	})

	t.Run("should join without touching the receiver", func(t *testing.T) {
		p, _ := k.Parent()
		j := p.Join("d", "e")
		if j.String() != "a/b/d/e" {
			t.Fatalf("unexpected join %q", j)
		}
		if p.String() != "a/b" {
			t.Fatalf("parent changed to %q", p)
		}
		if got := Root.Join("x"); got.String() != "x" {
			t.Fatalf("unexpected root join %q", got)
		}
	})

	t.Run("should not share parts", func(t *testing.T) {
		parts := k.Parts()
		parts[0] = "z"
		if k.String() != "a/b/c.txt" {
			t.Fatalf("key changed to %q", k)
		}
	})

	t.Run("should test prefixes", func(t *testing.T) {
		if !k.HasPrefix(NewKey("a/b")) || !k.HasPrefix(Root) {
			t.Fatal("expected prefix match")
		}
		if k.HasPrefix(NewKey("b")) {
			t.Fatal("unexpected prefix match")
		}
	})
}

func TestSortKeys(t *testing.T) {
	t.Run("should sort by string form", func(t *testing.T) {
		keys := []Key{NewKey("b"), NewKey("a/z"), NewKey("a")}
		SortKeys(keys)
		var got []string
		for _, k := range keys {
			got = append(got, k.String())
		}
		if !slices.Equal(got, []string{"a", "a/z", "b"}) {
			t.Fatalf("unexpected order %q", got)
		}
	})
}
