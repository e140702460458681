package main

import (
	"context"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	miniocredentials "github.com/minio/minio-go/v7/pkg/credentials"
	flag "github.com/spf13/pflag"
	"log"
	"log/slog"
	"os"
	"osmways-ingest/osmpipe"
	"osmways-ingest/repos"
	"path/filepath"
	"strings"
	"time"
)

var batchSize = flag.IntP("batch-size", "b", 5000, "Ways per COPY session")
var initSchema = flag.Bool("init-schema", false, "Create the extensions and table if missing before loading")

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS hstore`,
	`CREATE EXTENSION IF NOT EXISTS postgis`,
	`CREATE TABLE IF NOT EXISTS osm_ways (
		id int8 PRIMARY KEY,
		version int4,
		uid int4,
		timestamp timestamp without time zone,
		changeset int8,
		tags hstore,
		nodes int8[],
		geom geometry
	)`,
}

func init() {
	err := godotenv.Load(".env", ".env.local")
	if err != nil {
		log.Println(err)
	}

	flag.Usage = func() {
		w := flag.CommandLine.Output()
		fmt.Fprintln(w, "ow-load-pbf: Bulk-loads the ways of an OSM extract into Postgres")
		fmt.Fprintln(w, "usage: ow-load-pbf [flags] <extract.osm.pbf | minio://bucket/key>")
		flag.PrintDefaults()
	}
	flag.Parse()
}

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if os.Getenv("APP_ENV") == "development" {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	source := flag.Arg(0)

	databaseURL := mustGetEnv("DATABASE_URL")

	path := source
	if strings.HasPrefix(source, "minio://") {
		var cleanup func()
		var err error
		path, cleanup, err = fetchExtract(ctx, source)
		if err != nil {
			log.Fatal(err)
		}
		defer cleanup()
	}

	if *initSchema {
		if err := ensureSchema(ctx, databaseURL); err != nil {
			log.Fatal(err)
		}
	}

	repo, err := repos.Connect(databaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer repo.Close()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err = backoff.Retry(func() error {
		err := repo.Pool().Ping(ctx)
		if err != nil {
			slog.Warn("database not ready", "err", err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		log.Fatal("failed to connect to database: ", err)
	}

	start := time.Now()
	var total int64
	stats, err := osmpipe.Stream(ctx, path, *batchSize, func(batch []repos.Way) error {
		n, err := repo.ImportWays(ctx, batch)
		if err != nil {
			return err
		}
		total += n
		slog.Info("loaded batch", "rows", n, "total", total)
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	elapsed := time.Since(start)
	slog.Info("import complete",
		"ways", stats.Ways,
		"rows", total,
		"missing_nodes", stats.MissingNodes,
		"no_geometry", stats.NoGeometry,
		"elapsed", elapsed.Round(time.Millisecond).String(),
		"rows_per_sec", int(float64(total)/elapsed.Seconds()),
	)
}

// ensureSchema runs the bootstrap DDL over a plain connection. The pool
// registers the hstore codec on connect, which needs the extension to
// already exist, so this cannot go through repos.Connect.
func ensureSchema(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	for _, stmt := range schemaStatements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// fetchExtract downloads a minio://bucket/key source to a temp file, keeping
// the key's extension so the loader can tell the format.
func fetchExtract(ctx context.Context, source string) (string, func(), error) {
	bucket, key, ok := strings.Cut(strings.TrimPrefix(source, "minio://"), "/")
	if !ok || bucket == "" || key == "" {
		return "", nil, fmt.Errorf("malformed minio source %q (want minio://bucket/key)", source)
	}

	mc, err := minio.New(mustGetEnv("MINIO_ENDPOINT"), &minio.Options{
		Creds:  miniocredentials.NewStaticV4(mustGetEnv("MINIO_ACCESS_KEY"), mustGetEnv("MINIO_SECRET_KEY"), ""),
		Secure: true,
	})
	if err != nil {
		return "", nil, err
	}

	dir, err := os.MkdirTemp("", "ow-load-pbf")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	path := filepath.Join(dir, filepath.Base(key))
	slog.Info("fetching extract", "bucket", bucket, "key", key)
	if err := mc.FGetObject(ctx, bucket, key, path, minio.GetObjectOptions{}); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("%s not set", key)
	}
	return value
}
