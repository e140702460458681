package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"github.com/joho/godotenv"
	geojson "github.com/paulmach/go.geojson"
	"github.com/paulmach/orb"
	"log"
	"log/slog"
	"os"
	"osmways-ingest/repos"
	"strconv"
	"time"
)

func main() {
	ctx := context.Background()

	err := godotenv.Load(".env", ".env.local")
	if err != nil {
		slog.Info("no dotenv", "err", err)
	}

	flag.Usage = func() {
		w := flag.CommandLine.Output()
		fmt.Fprintln(w, "ow-ways: Inspects and edits ways in the store")
		fmt.Fprintln(w, "usage: ow-ways get <id>...")
		fmt.Fprintln(w, "       ow-ways delete <id>...")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}
	ids, err := parseIds(flag.Args()[1:])
	if err != nil {
		log.Fatal(err)
	}

	databaseURL := mustGetEnv("DATABASE_URL")
	repo, err := repos.Connect(databaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer repo.Close()

	switch command := flag.Arg(0); command {
	case "get":
		err = printWays(ctx, repo, ids)
	case "delete":
		err = repo.DeleteWays(ctx, ids)
		if err == nil {
			fmt.Printf("delete done (%d ids)\n", len(ids))
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// printWays writes the requested ways to stdout as a GeoJSON feature
// collection, way metadata in the feature properties. Absent ids are
// reported on stderr and skipped.
func printWays(ctx context.Context, repo *repos.Repo, ids []int64) error {
	ways, err := repo.GetWays(ctx, ids)
	if err != nil {
		return err
	}

	fc := geojson.NewFeatureCollection()
	for i, way := range ways {
		if way == nil {
			slog.Warn("way not found", "id", ids[i])
			continue
		}
		fc.AddFeature(wayFeature(way))
	}

	out, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func wayFeature(way *repos.Way) *geojson.Feature {
	f := geojson.NewFeature(toGeoJSONGeometry(way.Geometry))
	f.ID = way.Id
	f.SetProperty("version", way.Version)
	f.SetProperty("uid", way.Uid)
	f.SetProperty("timestamp", way.Timestamp.Format(time.RFC3339))
	f.SetProperty("changeset", way.Changeset)
	f.SetProperty("nodes", way.Nodes)
	f.SetProperty("tags", way.Tags)
	return f
}

func toGeoJSONGeometry(g orb.Geometry) *geojson.Geometry {
	switch g := g.(type) {
	case nil:
		return nil
	case orb.Point:
		return geojson.NewPointGeometry(pointCoords(g))
	case orb.MultiPoint:
		pts := make([][]float64, len(g))
		for i, p := range g {
			pts[i] = pointCoords(p)
		}
		return geojson.NewMultiPointGeometry(pts...)
	case orb.LineString:
		return geojson.NewLineStringGeometry(lineCoords(g))
	case orb.MultiLineString:
		lines := make([][][]float64, len(g))
		for i, l := range g {
			lines[i] = lineCoords(l)
		}
		return geojson.NewMultiLineStringGeometry(lines...)
	case orb.Polygon:
		return geojson.NewPolygonGeometry(polygonCoords(g))
	case orb.MultiPolygon:
		polys := make([][][][]float64, len(g))
		for i, p := range g {
			polys[i] = polygonCoords(p)
		}
		return geojson.NewMultiPolygonGeometry(polys...)
	default:
		// The store only holds the kinds above, but a row written by other
		// tooling may not play along.
		slog.Warn("unhandled geometry kind", "type", g.GeoJSONType())
		return nil
	}
}

func pointCoords(p orb.Point) []float64 { return []float64{p[0], p[1]} }

func lineCoords(l orb.LineString) [][]float64 {
	coords := make([][]float64, len(l))
	for i, p := range l {
		coords[i] = pointCoords(p)
	}
	return coords
}

func polygonCoords(p orb.Polygon) [][][]float64 {
	rings := make([][][]float64, len(p))
	for i, r := range p {
		rings[i] = lineCoords(orb.LineString(r))
	}
	return rings
}

func parseIds(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad way id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("%s not set", key)
	}
	return value
}
