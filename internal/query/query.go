// Package query defines the Query object threaded through every search: its
// bbox/zoom/cancellation hook, the Publisher it feeds results to, and the
// read/accepted counters a long-running search accumulates.
package query

import (
	"sync"
	"sync/atomic"

	"github.com/obfcore/obf/internal/coord"
	"github.com/obfcore/obf/internal/mapindex"
)

// RenderingRuleEvaluator decides whether an object should be rendered at the
// query's zoom; it is an external collaborator (the rendering-rule DSL is
// out of scope here), so this is only a hook a caller may wire in.
type RenderingRuleEvaluator interface {
	Accepts(obj *mapindex.DataObject, zoom int) bool
}

// TransportResult is one transport-search hit; kept untyped against the
// transport package to avoid a dependency cycle (query is consulted by
// every domain package's callers, not the other way round).
type TransportResult any

// Counters are the read/accepted tallies a search accumulates: read and
// accepted subtrees, visited and accepted objects, and ocean tiles (a
// render-only concept carried here because it's bookkeeping a query already
// does, even though OBF coastline stitching itself is out of scope).
type Counters struct {
	ReadSubtrees     int64
	AcceptedSubtrees int64
	VisitedObjects   int64
	AcceptedObjects  int64
	OceanTiles       int64
}

func (c *Counters) addReadSubtree()     { atomic.AddInt64(&c.ReadSubtrees, 1) }
func (c *Counters) addAcceptedSubtree() { atomic.AddInt64(&c.AcceptedSubtrees, 1) }
func (c *Counters) addVisitedObject()   { atomic.AddInt64(&c.VisitedObjects, 1) }
func (c *Counters) addAcceptedObject()  { atomic.AddInt64(&c.AcceptedObjects, 1) }
func (c *Counters) addOceanTile()       { atomic.AddInt64(&c.OceanTiles, 1) }

// Snapshot returns a value copy safe to read without racing further updates.
func (c *Counters) Snapshot() Counters {
	return Counters{
		ReadSubtrees:     atomic.LoadInt64(&c.ReadSubtrees),
		AcceptedSubtrees: atomic.LoadInt64(&c.AcceptedSubtrees),
		VisitedObjects:   atomic.LoadInt64(&c.VisitedObjects),
		AcceptedObjects:  atomic.LoadInt64(&c.AcceptedObjects),
		OceanTiles:       atomic.LoadInt64(&c.OceanTiles),
	}
}

// Query carries everything one bbox+zoom search needs. A Query is built
// fresh per search and is safe for its R-tree descent and map-data loop to
// touch from one goroutine; Counters uses atomics only so a concurrently
// running querystats.Reporter can read them without a lock.
type Query struct {
	Bbox coord.Box
	Zoom int

	Evaluator RenderingRuleEvaluator

	Publisher        mapindex.Publisher
	TransportResults []TransportResult
	transportMu      sync.Mutex

	Counters Counters

	cancelled atomic.Bool
}

// New builds a Query for bbox at zoom, publishing through pub.
func New(bbox coord.Box, zoom int, pub mapindex.Publisher) *Query {
	return &Query{Bbox: bbox, Zoom: zoom, Publisher: pub}
}

// IsCancelled reports whether Cancel has been called. The R-tree descent and
// the map-data loop consult this between nodes and between objects; a
// cancellation is cooperative and eventual, never interrupting mid-object.
func (q *Query) IsCancelled() bool { return q.cancelled.Load() }

// Cancel marks the query cancelled. Safe to call from any goroutine,
// including one racing the search itself (e.g. a UI thread abandoning a
// stale query).
func (q *Query) Cancel() { q.cancelled.Store(true) }

// AddTransportResult appends to the transport result vector under its own
// lock, kept separate from the map Publisher's own duplicate-suppression
// policy since transport results have no such policy.
func (q *Query) AddTransportResult(r TransportResult) {
	q.transportMu.Lock()
	defer q.transportMu.Unlock()
	q.TransportResults = append(q.TransportResults, r)
}

// NoteReadSubtree, NoteAcceptedSubtree, NoteVisitedObject, NoteAcceptedObject,
// and NoteOceanTile update the query's counters; callers invoke these at the
// points binaryRead.cpp's own instrumentation does (each subtree read,
// each subtree whose bbox actually intersects, each object decoded, each
// object actually published, and the ocean/land classification of a tile
// with no data).
func (q *Query) NoteReadSubtree()     { q.Counters.addReadSubtree() }
func (q *Query) NoteAcceptedSubtree() { q.Counters.addAcceptedSubtree() }
func (q *Query) NoteVisitedObject()   { q.Counters.addVisitedObject() }
func (q *Query) NoteAcceptedObject()  { q.Counters.addAcceptedObject() }
func (q *Query) NoteOceanTile()       { q.Counters.addOceanTile() }
