// Package osmpipe turns OSM extracts (.osm.pbf or .osm XML) into way records
// ready for the store, geometry included.
//
// Extracts list ways by node reference only, so assembly takes two passes
// over the file: one collecting ways and the node ids they reference, one
// collecting coordinates for exactly those nodes.
package osmpipe

import (
	"context"
	"fmt"
	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"io"
	"os"
	"osmways-ingest/repos"
	"path/filepath"
)

type Stats struct {
	Ways         int
	MissingNodes int // node refs with no coordinates in the extract
	NoGeometry   int // ways with fewer than two resolvable points
}

type osmScanner interface {
	Scan() bool
	Close() error
	Err() error
	Object() osm.Object
}

// Stream reads the extract at filename and hands assembled ways to emit in
// batches of at most batchSize, preserving file order. The batch slice is
// reused between calls; emit must not retain it. The first emit error stops
// the stream.
func Stream(ctx context.Context, filename string, batchSize int, emit func(batch []repos.Way) error) (Stats, error) {
	if batchSize < 1 {
		return Stats{}, fmt.Errorf("osmpipe: batch size must be at least 1, got %d", batchSize)
	}

	file, err := os.Open(filename)
	if err != nil {
		return Stats{}, err
	}
	defer file.Close()

	ways, seen, err := scanWays(ctx, filename, file)
	if err != nil {
		return Stats{}, err
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return Stats{}, fmt.Errorf("rewind between passes: %w", err)
	}

	coords, err := scanNodes(ctx, filename, file, seen)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Ways: len(ways), MissingNodes: len(seen) - len(coords)}
	batch := make([]repos.Way, 0, batchSize)
	for _, way := range ways {
		way.Geometry = buildGeometry(way.Nodes, way.Tags, coords)
		if way.Geometry == nil {
			stats.NoGeometry++
		}
		batch = append(batch, way)
		if len(batch) == batchSize {
			if err := emit(batch); err != nil {
				return stats, err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := emit(batch); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func newScanner(ctx context.Context, filename string, file *os.File) (osmScanner, error) {
	switch ext := filepath.Ext(filename); ext {
	case ".osm", ".xml":
		return osmxml.New(ctx, file), nil
	case ".pbf":
		return osmpbf.New(ctx, file, 4), nil
	default:
		return nil, fmt.Errorf("unhandled extract extension %q (want .osm, .xml or .pbf)", ext)
	}
}

func scanWays(ctx context.Context, filename string, file *os.File) ([]repos.Way, map[osm.NodeID]struct{}, error) {
	sc, err := newScanner(ctx, filename, file)
	if err != nil {
		return nil, nil, err
	}
	defer sc.Close()

	var ways []repos.Way
	seen := make(map[osm.NodeID]struct{})
	for sc.Scan() {
		way, ok := sc.Object().(*osm.Way)
		if !ok {
			continue
		}
		nodes := make([]int64, 0, len(way.Nodes))
		for _, n := range way.Nodes {
			seen[n.ID] = struct{}{}
			nodes = append(nodes, int64(n.ID))
		}
		ways = append(ways, repos.Way{
			Id:        int64(way.ID),
			Version:   int32(way.Version),
			Uid:       int32(way.UserID),
			Timestamp: way.Timestamp.UTC(),
			Changeset: int64(way.ChangesetID),
			Tags:      way.Tags.Map(),
			Nodes:     nodes,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan ways: %w", err)
	}
	return ways, seen, nil
}

func scanNodes(ctx context.Context, filename string, file *os.File, seen map[osm.NodeID]struct{}) (map[osm.NodeID]orb.Point, error) {
	sc, err := newScanner(ctx, filename, file)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	coords := make(map[osm.NodeID]orb.Point, len(seen))
	for sc.Scan() {
		node, ok := sc.Object().(*osm.Node)
		if !ok {
			continue
		}
		if _, ok := seen[node.ID]; ok {
			coords[node.ID] = orb.Point{node.Lon, node.Lat}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan nodes: %w", err)
	}
	return coords, nil
}

// buildGeometry strings the resolvable node coordinates together in ref
// order. Unresolvable refs are skipped; fewer than two points means no
// geometry. A closed ring on an area-tagged way becomes a polygon.
func buildGeometry(nodes []int64, tags map[string]string, coords map[osm.NodeID]orb.Point) orb.Geometry {
	line := make(orb.LineString, 0, len(nodes))
	for _, id := range nodes {
		if pt, ok := coords[osm.NodeID(id)]; ok {
			line = append(line, pt)
		}
	}
	if len(line) < 2 {
		return nil
	}
	if len(line) >= 4 && line[0] == line[len(line)-1] && isArea(tags) {
		return orb.Polygon{orb.Ring(line)}
	}
	return line
}

// isArea decides whether a closed way is a surface or just a loop-shaped
// line (a roundabout, say). area=yes/no is explicit; otherwise a few
// strongly area-ish tag keys tip the balance.
func isArea(tags map[string]string) bool {
	switch tags["area"] {
	case "yes":
		return true
	case "no":
		return false
	}
	for _, key := range []string{"building", "landuse", "leisure", "amenity"} {
		if _, ok := tags[key]; ok {
			return true
		}
	}
	if v, ok := tags["natural"]; ok && v != "coastline" {
		return true
	}
	return false
}
