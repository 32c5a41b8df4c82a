// Package registry keeps the process-wide ordered list of open OBF files:
// open/close semantics, and the predicate filters a query uses to pick which
// files it searches.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/obfcore/obf/internal/cache"
	"github.com/obfcore/obf/internal/hhrouting"
	"github.com/obfcore/obf/internal/logger"
	"github.com/obfcore/obf/internal/obffile"
)

// Registry is a process-wide ordered list of open files. Mutated only by
// Open/Close; Snapshot gives queries a read-only view they can range over
// without holding the lock.
type Registry struct {
	mu    sync.RWMutex
	order []string
	files map[string]*obffile.File
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{files: make(map[string]*obffile.File)}
}

// Open memory-maps and registers path. Opening an already-open path replaces
// the previous handle, matching the original's "opening the same path twice
// replaces it" semantics: the new file is opened first, and the previous
// handle is closed when the new one is registered.
func (r *Registry) Open(path string, useLive, routingOnly bool, wantVersion int64, manifest *cache.Manifest) (*obffile.File, error) {
	f, err := obffile.Open(path, useLive, routingOnly, wantVersion, manifest)
	if err != nil {
		logger.Get().Error("failed to open OBF file", zap.String("path", path), zap.Error(err))
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	mapID := -1
	if old, ok := r.files[path]; ok {
		old.Close()
		for i, p := range r.order {
			if p == path {
				mapID = i
				break
			}
		}
	} else {
		r.order = append(r.order, path)
	}
	if mapID < 0 {
		mapID = len(r.order) - 1
	}
	r.files[path] = f

	// Every HH index's points get mapId/index assigned from this file's
	// open-order position as soon as it joins the registry, so any later
	// cross-file point reference (dualPointId, cluster neighbors on an
	// incomplete point) can be resolved against a stable, registry-wide id.
	for _, idx := range f.HHIndexes {
		f.HHPoints = append(f.HHPoints, hhrouting.InitHHPoints(f, idx, nil, int32(mapID)))
	}
	return f, nil
}

// OpenAll opens every path concurrently via an errgroup bounded to maxWorkers
// in flight (0 or negative means unbounded), fanning out
// independent per-file opens under a worker-pool size; one failed open does not prevent the
// others from completing. Open logs each failure; only the first error is returned.
func (r *Registry) OpenAll(ctx context.Context, paths []string, useLive, routingOnly bool, wantVersion int64, maxWorkers int, manifest *cache.Manifest) error {
	g, _ := errgroup.WithContext(ctx)
	if maxWorkers > 0 {
		g.SetLimit(maxWorkers)
	}
	for _, p := range paths {
		p := p
		g.Go(func() error {
			_, err := r.Open(p, useLive, routingOnly, wantVersion, manifest)
			return err
		})
	}
	return g.Wait()
}

// Close unmaps and removes path from the registry. Reports false if path
// was not open.
func (r *Registry) Close(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[path]
	if !ok {
		return false
	}
	f.Close()
	delete(r.files, path)
	for i, p := range r.order {
		if p == path {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// CloseAll closes every open file.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		f.Close()
	}
	r.order = nil
	r.files = make(map[string]*obffile.File)
}

// Snapshot returns every currently open file in open order. The slice is a
// copy; the registry may be mutated concurrently without affecting a caller
// already iterating a prior snapshot.
func (r *Registry) Snapshot() []*obffile.File {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*obffile.File, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, r.files[p])
	}
	return out
}

// Filter is a predicate over an open file's classification flags, matching
// one of the registry's filter axes (basemap vs detailed, road-only vs
// full, external-overlay, live-overlay).
type Filter func(f *obffile.File) bool

// Basemap matches files whose flags mark them as the coarse worldwide map.
func Basemap(f *obffile.File) bool { return f.Flags.IsBasemap }

// Detailed matches files that are not basemaps.
func Detailed(f *obffile.File) bool { return !f.Flags.IsBasemap }

// RoadOnly matches files built with only routing data, no rendering data.
func RoadOnly(f *obffile.File) bool { return f.Flags.IsRoadOnly }

// External matches files imported from outside the main map set.
func External(f *obffile.File) bool { return f.Flags.External }

// Live matches incremental overlay files.
func Live(f *obffile.File) bool { return f.Flags.IsLive }

// SnapshotFiltered returns every open file for which every predicate in fs
// returns true.
func (r *Registry) SnapshotFiltered(fs ...Filter) []*obffile.File {
	all := r.Snapshot()
	out := all[:0:0]
	for _, f := range all {
		keep := true
		for _, pred := range fs {
			if !pred(f) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, f)
		}
	}
	return out
}
