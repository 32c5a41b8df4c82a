// Package stringtable implements the two scopes of deduplicated string pools
// the format uses: block-local tables referenced by objects in the same
// block, and index-level tables (transport) resolved lazily on first use.
package stringtable

import "github.com/obfcore/obf/internal/varint"

// Ref is an explicit sum type for a string that may still be an unresolved
// numeric id, or may already have been resolved to text. Replaces the
// source's pattern of string ids flowing as plain ints until some later,
// implicit point where they become strings.
type Ref struct {
	id       int32
	resolved string
	isSet    bool
}

// Unresolved builds a Ref that still needs a Table to become text.
func Unresolved(id int32) Ref { return Ref{id: id} }

// Resolved builds a Ref that is already text (e.g. constructed in tests).
func Resolved(s string) Ref { return Ref{resolved: s, isSet: true} }

// ID returns the numeric id this ref was constructed with, if unresolved.
func (r Ref) ID() int32 { return r.id }

// IsResolved reports whether String() can be called without a Table.
func (r Ref) IsResolved() bool { return r.isSet }

// String resolves against t if needed. Returns "" and false if the id is out
// of range (MissingReference: never fatal; callers leave the reference
// unresolved and do not log it).
func (r Ref) String(t *Table) (string, bool) {
	if r.isSet {
		return r.resolved, true
	}
	if t == nil {
		return "", false
	}
	return t.Get(r.id)
}

// Table is a simple dense, index-addressed string pool. Block-local tables
// are read once per block and discarded with it; index-level tables
// (transport) are cached on the owning index and read once.
type Table struct {
	entries []string
}

// Get returns the string at id, or false if id is out of range.
func (t *Table) Get(id int32) (string, bool) {
	if t == nil || id < 0 || int(id) >= len(t.entries) {
		return "", false
	}
	return t.entries[id], true
}

// Len reports how many entries the table holds.
func (t *Table) Len() int { return len(t.entries) }

// ReadTable reads a StringTable message (repeated string "s" fields) under
// the reader's current limit, as used for both block-local and index-level
// string pools.
func ReadTable(r *varint.Reader) (*Table, error) {
	t := &Table{}
	for {
		field, wt, err := r.ReadTag()
		if err != nil {
			return nil, err
		}
		if field == 0 {
			return t, nil
		}
		switch field {
		case 1: // s
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			t.entries = append(t.entries, s)
		default:
			if err := r.SkipField(wt); err != nil {
				return nil, err
			}
		}
	}
}
