package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/obfcore/obf/internal/cache"
	"github.com/obfcore/obf/internal/config"
	"github.com/obfcore/obf/internal/coord"
	"github.com/obfcore/obf/internal/logger"
	"github.com/obfcore/obf/internal/mapindex"
	"github.com/obfcore/obf/internal/obffile"
	"github.com/obfcore/obf/internal/query"
	"github.com/obfcore/obf/internal/querystats"
	"github.com/obfcore/obf/internal/registry"
	"github.com/obfcore/obf/internal/routingindex"
	"github.com/obfcore/obf/internal/rtree"
	"github.com/obfcore/obf/internal/transport"
)

var (
	cfg             = config.DefaultConfig()
	configFile      string
	verbose         bool
	logFile         string
	metricsInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "obf",
	Short: "Reads OsmAnd binary map files: open, cache, and bbox-query indexes",
	Long: `obf opens OsmAnd .obf container files, maintains an offset cache across
runs, and answers bounding-box queries against their map/routing/transport
indexes without materializing a whole file into memory.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configFile != "" {
			loaded, err := config.Load(configFile)
			if err != nil {
				exitWithError("failed to load config file", err)
			}
			*cfg = *loaded
		}
		cfg.Verbose = verbose
		if logFile != "" {
			cfg.LogFile = logFile
		}
		if metricsInterval != 0 {
			cfg.MetricsInterval = metricsInterval
		}

		if cfg.LogFile != "" {
			logger.InitWithFile(cfg.Verbose, cfg.LogFile)
		} else {
			logger.Init(cfg.Verbose)
		}

		if err := cfg.Validate(); err != nil {
			exitWithError("invalid configuration", err)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfg.ObfDir, "obf-dir", cfg.ObfDir, "Directory of .obf files to open")
	rootCmd.PersistentFlags().BoolVar(&cfg.UseLive, "use-live", cfg.UseLive, "Honor live/ incremental overlay files")
	rootCmd.PersistentFlags().BoolVar(&cfg.RoutingOnly, "routing-only", cfg.RoutingOnly, "Skip map/transport indexes, open routing indexes only")
	rootCmd.PersistentFlags().StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Directory holding the offset-manifest cache")
	rootCmd.PersistentFlags().IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel file-open workers")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&metricsInterval, "metrics-interval", 0, "Interval for query-progress metrics logging (e.g. 10s, 1m)")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(transitCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query <minlon,minlat,maxlon,maxlat> <zoom>",
	Short: "Open every configured OBF file and count map objects intersecting a bbox",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		bbox, err := parseLonLatBox(args[0])
		if err != nil {
			exitWithError("invalid bbox", err)
		}
		zoom, err := strconv.Atoi(args[1])
		if err != nil {
			exitWithError("invalid zoom", err)
		}
		runQuery(bbox, zoom)
	},
}

var routeBasemap bool

var routeCmd = &cobra.Command{
	Use:   "route <minlon,minlat,maxlon,maxlat>",
	Short: "Search routing subregions intersecting a bbox and count the road objects they carry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		bbox, err := parseLonLatBox(args[0])
		if err != nil {
			exitWithError("invalid bbox", err)
		}
		runRouteQuery(bbox, routeBasemap)
	},
}

func init() {
	routeCmd.Flags().BoolVar(&routeBasemap, "basemap", false, "Search each routing index's base (wide-area) subregion tree instead of its detailed one")
}

// runRouteQuery mirrors runQuery's shape (open every configured file, walk
// each one's relevant R-tree, tally what's found) for the routing domain:
// searchRouteSubregions finds the leaf RouteSubregions a bbox touches,
// searchRouteDataForSubRegion (here, routingindex.ReadBlock) materializes
// the road objects each one carries.
func runRouteQuery(bbox coord.Box, basemap bool) {
	log := logger.Get()

	paths := collectObfPaths(cfg)
	if len(paths) == 0 {
		exitWithError("no OBF files found", fmt.Errorf("obf_dir %q has no .obf files and obf_files is empty", cfg.ObfDir))
	}

	reg := registry.New()
	defer reg.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := reg.OpenAll(ctx, paths, cfg.UseLive, true, cfg.MapVersion, cfg.Workers, nil); err != nil {
		log.Warn("some OBF files failed to open", zap.Error(err))
	}

	var objectCount, subregionCount int
	cancelled := func() bool { return false }
	for _, f := range reg.Snapshot() {
		for _, idx := range f.RoutingIndexes {
			roots := idx.Subregions
			if basemap {
				roots = idx.BaseSubregions
			}
			for _, root := range roots {
				err := root.Collect(f, routingindex.ExpandSubregionTree, bbox, cancelled, func(n *rtree.Node) error {
					subregionCount++
					if !n.IsLeaf() {
						return nil
					}
					objs, err := routingindex.ReadBlock(f, idx.Rules, n.DataOffset)
					if err != nil {
						return err
					}
					objectCount += len(objs)
					return nil
				})
				if err != nil {
					log.Warn("routing subregion walk failed", zap.String("path", f.Path), zap.Error(err))
				}
			}
		}
	}

	log.Info("route query complete",
		zap.Int("subregions_visited", subregionCount),
		zap.Int("road_objects_read", objectCount),
	)
	fmt.Printf("visited %d subregion(s), read %d road object(s)\n", subregionCount, objectCount)
}

var transitCmd = &cobra.Command{
	Use:   "transit <minlon,minlat,maxlon,maxlat>",
	Short: "Search transport stops intersecting a bbox and load the routes serving them",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		bbox, err := parseLonLatBox(args[0])
		if err != nil {
			exitWithError("invalid bbox", err)
		}
		runTransitQuery(bbox)
	},
}

// runTransitQuery is searchTransportIndex/loadTransportRoutes's call site:
// find every stop touching bbox, then batch-load the routes those stops
// reference (each stop's ReferencesToRoutes already carries the absolute
// file offset recovered from the on-disk stopOffset-relative delta).
func runTransitQuery(bbox coord.Box) {
	log := logger.Get()

	paths := collectObfPaths(cfg)
	if len(paths) == 0 {
		exitWithError("no OBF files found", fmt.Errorf("obf_dir %q has no .obf files and obf_files is empty", cfg.ObfDir))
	}

	reg := registry.New()
	defer reg.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := reg.OpenAll(ctx, paths, cfg.UseLive, false, cfg.MapVersion, cfg.Workers, nil); err != nil {
		log.Warn("some OBF files failed to open", zap.Error(err))
	}

	var stopCount, routeCount int
	cancelled := func() bool { return false }
	for _, f := range reg.Snapshot() {
		for _, idx := range f.TransportIndexes {
			if !idx.Bounds.Intersects(bbox) {
				continue
			}
			stops, err := transport.SearchTransportIndex(f, idx, bbox, cancelled)
			if err != nil {
				log.Warn("transport stop search failed", zap.String("path", f.Path), zap.Error(err))
				continue
			}
			stopCount += len(stops)

			var offsets []int64
			for _, s := range stops {
				offsets = append(offsets, s.ReferencesToRoutes...)
			}
			if len(offsets) == 0 {
				continue
			}
			routes, err := transport.LoadTransportRoutes(f, idx, offsets)
			if err != nil {
				log.Warn("transport route load failed", zap.String("path", f.Path), zap.Error(err))
				continue
			}
			routeCount += len(routes)
		}
	}

	log.Info("transit query complete",
		zap.Int("stops_found", stopCount),
		zap.Int("routes_loaded", routeCount),
	)
	fmt.Printf("found %d stop(s), loaded %d route(s)\n", stopCount, routeCount)
}

// parseLonLatBox parses "minlon,minlat,maxlon,maxlat" and projects it to the
// 31-bit tile coordinate space every index is stored in.
func parseLonLatBox(s string) (coord.Box, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return coord.Box{}, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return coord.Box{}, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		v[i] = f
	}
	minLon, minLat, maxLon, maxLat := v[0], v[1], v[2], v[3]
	return coord.Box{
		Left:   int32(coord.Get31TileX(minLon)),
		Right:  int32(coord.Get31TileX(maxLon)),
		Top:    int32(coord.Get31TileY(maxLat)), // Y grows southward, so the max latitude is the top edge
		Bottom: int32(coord.Get31TileY(minLat)),
	}, nil
}

// countingPublisher tallies accepted map objects rather than rendering them:
// this command demonstrates the read path, it doesn't implement a renderer.
type countingPublisher struct {
	seen  map[int64]bool
	count int
}

func newCountingPublisher() *countingPublisher {
	return &countingPublisher{seen: make(map[int64]bool)}
}

func (p *countingPublisher) Publish(obj *mapindex.DataObject) bool {
	if p.seen[obj.ID] {
		return false
	}
	p.seen[obj.ID] = true
	p.count++
	return true
}

func runQuery(bbox coord.Box, zoom int) {
	log := logger.Get()

	paths := collectObfPaths(cfg)
	if len(paths) == 0 {
		exitWithError("no OBF files found", fmt.Errorf("obf_dir %q has no .obf files and obf_files is empty", cfg.ObfDir))
	}

	cachePath := filepath.Join(cfg.CacheDir, cfg.CacheFile)
	manifest := loadOrCreateManifest(cachePath)

	reg := registry.New()
	defer reg.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := reg.OpenAll(ctx, paths, cfg.UseLive, cfg.RoutingOnly, cfg.MapVersion, cfg.Workers, manifest); err != nil {
		log.Warn("some OBF files failed to open", zap.Error(err))
	}

	q := query.New(bbox, zoom, newCountingPublisher())
	if cfg.MetricsInterval > 0 {
		reporter := querystats.NewReporter(q, cfg.MetricsInterval, log)
		repCtx, repCancel := context.WithCancel(context.Background())
		defer repCancel()
		go reporter.Start(repCtx)
	}

	files := reg.Snapshot()
	for _, f := range files {
		for _, idx := range f.MapIndexes {
			for _, root := range idx.Roots {
				if root.MinZoom > zoom || root.MaxZoom < zoom {
					continue
				}
				for _, node := range root.Trees {
					walkMapTree(f, idx, node, q)
				}
			}
		}
		// Built from what was actually read/expanded above, not just the
		// file's stat info, so a reopen against an unchanged file can skip
		// re-reading routing subregion bodies entirely (see obffile.Open).
		manifest.Put(f.CacheEntry(filepath.Base(f.Path)))
	}

	pub := q.Publisher.(*countingPublisher)
	log.Info("query complete",
		zap.Int("files_searched", len(files)),
		zap.Int("objects_accepted", pub.count),
		zap.Int64("subtrees_read", q.Counters.Snapshot().ReadSubtrees),
	)
	fmt.Printf("searched %d file(s), %d object(s) accepted\n", len(files), pub.count)

	if manifest.HasChanged() {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			log.Warn("failed to create cache dir", zap.Error(err))
			return
		}
		if err := os.WriteFile(cachePath, cache.Encode(manifest, cfg.CacheVersion), 0o644); err != nil {
			log.Warn("failed to write cache manifest", zap.Error(err))
			return
		}
		manifest.ClearDirty()
	}
}

func walkMapTree(f *obffile.File, idx *mapindex.MapIndex, node *rtree.Node, q *query.Query) {
	err := node.Collect(f, mapindex.ExpandMapTree, q.Bbox, q.IsCancelled, func(n *rtree.Node) error {
		q.NoteReadSubtree()
		if !n.IsLeaf() {
			return nil
		}
		q.NoteAcceptedSubtree()
		return mapindex.ReadBlock(f, idx.Rules, n.DataOffset, q.Bbox, q.Publisher, q.IsCancelled)
	})
	if err != nil {
		logger.Get().Warn("map tree walk failed", zap.Error(err))
	}
}

func collectObfPaths(cfg *config.Config) []string {
	paths := append([]string{}, cfg.ObfFiles...)
	if cfg.ObfDir == "" {
		return paths
	}
	entries, err := os.ReadDir(cfg.ObfDir)
	if err != nil {
		return paths
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".obf") {
			continue
		}
		paths = append(paths, filepath.Join(cfg.ObfDir, e.Name()))
	}
	return paths
}

func loadOrCreateManifest(path string) *cache.Manifest {
	data, err := os.ReadFile(path)
	if err != nil {
		return cache.NewManifest()
	}
	m, err := cache.Decode(data, cfg.CacheVersion)
	if err != nil {
		logger.Get().Debug("cache manifest unreadable, rebuilding", zap.Error(err))
		return cache.NewManifest()
	}
	return m
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	os.Exit(1)
}
