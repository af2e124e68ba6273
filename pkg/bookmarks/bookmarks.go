// Package bookmarks implements causal-consistency bookmarks.
//
// A bookmark is an opaque string a cluster returns when a transaction
// commits. Supplying it to a later transaction guarantees that transaction
// observes at least the state the bookmark marks. Bookmarks form an
// order-insensitive set; combining the bookmarks of several sessions is a
// plain set union, so chains can be merged freely.
package bookmarks

import "sort"

// Bookmarks is an immutable set of bookmark strings. The zero value is the
// empty set.
type Bookmarks struct {
	values map[string]struct{}
}

// From builds a set from the given bookmark strings, ignoring empties.
func From(values ...string) Bookmarks {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v != "" {
			m[v] = struct{}{}
		}
	}
	return Bookmarks{values: m}
}

// Union returns the set union of b and others.
func (b Bookmarks) Union(others ...Bookmarks) Bookmarks {
	m := make(map[string]struct{}, len(b.values))
	for v := range b.values {
		m[v] = struct{}{}
	}
	for _, o := range others {
		for v := range o.values {
			m[v] = struct{}{}
		}
	}
	return Bookmarks{values: m}
}

// Contains reports set membership.
func (b Bookmarks) Contains(v string) bool {
	_, ok := b.values[v]
	return ok
}

// Empty reports whether the set has no bookmarks.
func (b Bookmarks) Empty() bool { return len(b.values) == 0 }

// Len returns the set size.
func (b Bookmarks) Len() int { return len(b.values) }

// Raw returns the bookmarks as a sorted slice, the shape wire messages
// carry them in. The order is for determinism only; the set is
// order-insensitive by definition.
func (b Bookmarks) Raw() []string {
	out := make([]string, 0, len(b.values))
	for v := range b.values {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
