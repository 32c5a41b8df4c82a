// Package rtree implements the recursive pre-order descent shared by the
// map and routing indexes: a length-prefixed
// node carries delta-encoded box edges and either a shift-to-data leaf
// pointer or a list of nested children, expanded lazily and cached on first
// visit.
package rtree

import (
	"io"
	"sort"
	"sync"

	"github.com/obfcore/obf/internal/coord"
	"github.com/obfcore/obf/internal/obferrors"
	"github.com/obfcore/obf/internal/varint"
)

// MaxDepth bounds pre-order descent so a pathological or corrupt file cannot
// exhaust the call stack on a pathological or corrupt file.
const MaxDepth = 1000

// Node is one box in the tree: an interior node has Children (expanded
// lazily); a leaf has DataOffset pointing at its data block.
type Node struct {
	Box coord.Box

	// FilePointer/Length locate this node's own message for re-reading its
	// children; both are 0 for nodes built already-expanded (e.g. from a
	// cache manifest hydrate, which only stores absolute top-level bounds).
	FilePointer int64
	Length      int64

	// DataOffset is the absolute (or caller-resolved) offset of this leaf's
	// data block. Zero means "not a leaf" by convention; IsLeaf tracks it
	// explicitly since 0 is also a valid file offset for a node at the very
	// start of a file section.
	DataOffset int64
	HasData    bool

	// Ocean is set only for map-index leaves that carry land/sea
	// information for the enclosing tile.
	Ocean    bool
	HasOcean bool

	mu       sync.Mutex
	expanded bool
	Children []*Node
}

// IsLeaf reports whether this node has data rather than children.
func (n *Node) IsLeaf() bool { return n.HasData }

// ExpandFunc reads one level of children (or leaf fields) for a node whose
// bytes start at n.FilePointer and run for n.Length bytes. Each index kind
// that uses this package (map, routing) supplies its own ExpandFunc bound to its own
// field-number layout; the box deltas it decodes must be applied via
// coord.Absolute against the parent's already-resolved Box.
type ExpandFunc func(r *varint.Reader, parent *Node) error

// ensureExpanded lazily reads this node's children exactly once, caching the
// result; concurrent callers serialize on the per-node lock rather than
// re-reading (children are cached per node and reads are serialized per-
// index lock", generalized here to every lazily-expanded R-tree node).
func (n *Node) ensureExpanded(ra io.ReaderAt, expand ExpandFunc) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.expanded || n.IsLeaf() {
		return nil
	}
	if n.FilePointer == 0 && n.Length == 0 {
		// Nothing to expand from (e.g. a manifest-hydrated top-level bound
		// whose children were never persisted).
		n.expanded = true
		return nil
	}
	r := varint.NewReader(ra, n.FilePointer)
	r.PushLimit(n.Length)
	if err := expand(r, n); err != nil {
		return err
	}
	n.expanded = true
	return nil
}

// Initialize performs the first expansion of a region on demand:
// it lazily expands one level of children and leaves them cached for
// subsequent Collect calls. Safe to call repeatedly; only the first call
// does I/O.
func (n *Node) Initialize(ra io.ReaderAt, expand ExpandFunc) error {
	return n.ensureExpanded(ra, expand)
}

// VisitFunc is called for each leaf whose box intersects the query. Returning
// an error aborts the whole descent.
type VisitFunc func(n *Node) error

// Collect performs bbox-pruned pre-order descent from n, visiting every leaf
// whose box intersects bbox. Children are visited in ascending FilePointer
// order within each level to produce sequential file access
// "Ordering"). cancelled is consulted between nodes and may stop the descent
// early without error (cooperative cancellation).
func (n *Node) Collect(ra io.ReaderAt, expand ExpandFunc, bbox coord.Box, cancelled func() bool, visit VisitFunc) error {
	return n.collect(ra, expand, bbox, 0, cancelled, visit)
}

func (n *Node) collect(ra io.ReaderAt, expand ExpandFunc, bbox coord.Box, depth int, cancelled func() bool, visit VisitFunc) error {
	if depth > MaxDepth {
		return obferrors.New(obferrors.CorruptStream, "r-tree depth exceeded")
	}
	if !n.Box.Intersects(bbox) {
		return nil
	}
	if cancelled != nil && cancelled() {
		return nil
	}
	if n.IsLeaf() {
		return visit(n)
	}
	if err := n.ensureExpanded(ra, expand); err != nil {
		return err
	}
	children := make([]*Node, len(n.Children))
	copy(children, n.Children)
	sort.Slice(children, func(i, j int) bool { return children[i].FilePointer < children[j].FilePointer })
	for _, c := range children {
		if cancelled != nil && cancelled() {
			return nil
		}
		if err := c.collect(ra, expand, bbox, depth+1, cancelled, visit); err != nil {
			return err
		}
	}
	return nil
}
