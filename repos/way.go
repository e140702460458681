package repos

import (
	"context"
	"errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
	"osmways-ingest/geom"
	"time"
)

// Way is one OSM way at a specific version. The store treats it as an
// immutable value: an update replaces the whole row, fields are never patched
// in place.
type Way struct {
	Id        int64
	Version   int32
	Uid       int32
	Timestamp time.Time // UTC
	Changeset int64
	Tags      map[string]string
	Nodes     []int64      // ordered node refs, duplicates legal
	Geometry  orb.Geometry // nil when no geometry could be derived
}

func (r *Repo) GetWay(ctx context.Context, id int64) (*Way, error) {
	way := Way{Id: id}
	var tags pgtype.Hstore
	gs := ewkb.Scanner(nil)
	err := r.db.QueryRow(ctx, `
		SELECT version, uid, timestamp, changeset, tags, nodes, ST_AsEWKB(geom)
		FROM osm_ways
		WHERE id = $1
	`, id).Scan(&way.Version, &way.Uid, &way.Timestamp, &way.Changeset, &tags, &way.Nodes, gs)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get way", err)
	}
	way.Tags = tagsFromHstore(tags)
	if gs.Valid {
		way.Geometry = gs.Geometry
	}
	return &way, nil
}

// GetWays fetches a batch in one query. The result is aligned with ids:
// position i holds the way for ids[i], or nil when that id is absent. An
// absent way is a gap, not an error.
func (r *Repo) GetWays(ctx context.Context, ids []int64) ([]*Way, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, version, uid, timestamp, changeset, tags, nodes, ST_AsEWKB(geom)
		FROM osm_ways
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, storeErr("get ways", err)
	}
	defer rows.Close()

	found := make(map[int64]*Way, len(ids))
	for rows.Next() {
		var way Way
		var tags pgtype.Hstore
		gs := ewkb.Scanner(nil)
		err := rows.Scan(&way.Id, &way.Version, &way.Uid, &way.Timestamp, &way.Changeset, &tags, &way.Nodes, gs)
		if err != nil {
			return nil, storeErr("get ways", err)
		}
		way.Tags = tagsFromHstore(tags)
		if gs.Valid {
			way.Geometry = gs.Geometry
		}
		found[way.Id] = &way
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get ways", err)
	}

	return projectOrder(ids, found), nil
}

// projectOrder arranges keyed lookup results back into request order.
func projectOrder(ids []int64, found map[int64]*Way) []*Way {
	ways := make([]*Way, len(ids))
	for i, id := range ids {
		ways[i] = found[id]
	}
	return ways
}

func (r *Repo) PutWay(ctx context.Context, way Way) error {
	args, err := putArgs(way)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO osm_ways (id, version, uid, timestamp, changeset, tags, nodes, geom)
		VALUES ($1, $2, $3, $4, $5, $6, $7, ST_GeomFromEWKB($8))
		ON CONFLICT (id) DO UPDATE
		SET version = EXCLUDED.version,
		    uid = EXCLUDED.uid,
		    timestamp = EXCLUDED.timestamp,
		    changeset = EXCLUDED.changeset,
		    tags = EXCLUDED.tags,
		    nodes = EXCLUDED.nodes,
		    geom = EXCLUDED.geom
	`, args...)
	if err != nil {
		return storeErr("put way", err)
	}
	return nil
}

// PutWays upserts a batch in one round trip. The first failing statement
// aborts the rest of the batch.
func (r *Repo) PutWays(ctx context.Context, ways []Way) error {
	batch := &pgx.Batch{}
	for _, way := range ways {
		args, err := putArgs(way)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO osm_ways (id, version, uid, timestamp, changeset, tags, nodes, geom)
			VALUES ($1, $2, $3, $4, $5, $6, $7, ST_GeomFromEWKB($8))
			ON CONFLICT (id) DO UPDATE
			SET version = EXCLUDED.version,
			    uid = EXCLUDED.uid,
			    timestamp = EXCLUDED.timestamp,
			    changeset = EXCLUDED.changeset,
			    tags = EXCLUDED.tags,
			    nodes = EXCLUDED.nodes,
			    geom = EXCLUDED.geom
		`, args...)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < len(ways); i++ {
		if _, err := results.Exec(); err != nil {
			return storeErr("put ways", err)
		}
	}
	if err := results.Close(); err != nil {
		return storeErr("put ways", err)
	}
	return nil
}

// DeleteWay removes a way if present. Deleting an absent id is not an error.
func (r *Repo) DeleteWay(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM osm_ways
		WHERE id = $1
	`, id)
	if err != nil {
		return storeErr("delete way", err)
	}
	return nil
}

func (r *Repo) DeleteWays(ctx context.Context, ids []int64) error {
	batch := &pgx.Batch{}
	for _, id := range ids {
		batch.Queue(`
			DELETE FROM osm_ways
			WHERE id = $1
		`, id)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < len(ids); i++ {
		if _, err := results.Exec(); err != nil {
			return storeErr("delete ways", err)
		}
	}
	if err := results.Close(); err != nil {
		return storeErr("delete ways", err)
	}
	return nil
}

// putArgs builds the positional arguments for the way upsert, shaped exactly
// as the bulk loader writes the row: nil tags and nodes become an empty
// hstore/array, the timestamp is normalized to UTC before the timestamp codec
// drops its zone, and the geometry travels as EWKB, or NULL when absent.
func putArgs(way Way) ([]any, error) {
	nodes := way.Nodes
	if nodes == nil {
		nodes = []int64{}
	}
	var geomArg any
	if way.Geometry != nil {
		data, err := geom.Marshal(way.Geometry)
		if err != nil {
			return nil, err
		}
		geomArg = data
	}
	return []any{way.Id, way.Version, way.Uid, way.Timestamp.UTC(), way.Changeset, tagsToHstore(way.Tags), nodes, geomArg}, nil
}

// tagsToHstore converts tags into the codec's shape. Nil tags become an empty
// hstore, not NULL, matching what the bulk loader writes.
func tagsToHstore(tags map[string]string) pgtype.Hstore {
	hs := make(pgtype.Hstore, len(tags))
	for k, v := range tags {
		hs[k] = &v
	}
	return hs
}

// tagsFromHstore flattens a scanned hstore. OSM tag values are never NULL; a
// NULL that shows up anyway is dropped rather than kept as an empty string.
func tagsFromHstore(hs pgtype.Hstore) map[string]string {
	tags := make(map[string]string, len(hs))
	for k, v := range hs {
		if v != nil {
			tags[k] = *v
		}
	}
	return tags
}
