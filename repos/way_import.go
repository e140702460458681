package repos

import (
	"context"
	"errors"
	"github.com/jackc/pgx/v5/pgconn"
	"io"
	"osmways-ingest/pgcopy"
)

const copyWaysSQL = `COPY osm_ways (id, version, uid, timestamp, changeset, tags, nodes, geom) FROM STDIN BINARY`

// ImportWays bulk-loads ways over the COPY binary protocol, holding one
// pooled connection for the duration. Rows land in input order. Exactly one
// import session runs at a time; concurrent callers queue on a mutex.
//
// Any failure, encoder or server side, aborts the whole load: the server
// discards every row of the session, so the table never ends up holding a
// silently truncated batch. Returns the number of rows loaded.
func (r *Repo) ImportWays(ctx context.Context, ways []Way) (int64, error) {
	r.importMu.Lock()
	defer r.importMu.Unlock()

	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return 0, storeErr("import ways", err)
	}
	defer conn.Release()

	return runCopy(ctx, conn.Conn().PgConn().CopyFrom, func(w io.Writer) error {
		return writeWays(w, ways)
	})
}

type copyFromFunc func(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error)

// runCopy streams one encoded COPY session into copyFrom through a pipe, so
// the stream is never materialized. When encoding fails the pipe hands the
// error to the driver, which sends CopyFail; a server-side failure closes the
// read end, which unblocks the encoder. When both fail the encoder's error
// wins: it is the root cause, the driver error just echoes it.
func runCopy(ctx context.Context, copyFrom copyFromFunc, write func(w io.Writer) error) (int64, error) {
	pr, pw := io.Pipe()
	encodeDone := make(chan error, 1)
	go func() {
		err := write(pw)
		encodeDone <- err
		pw.CloseWithError(err)
	}()

	tag, copyErr := copyFrom(ctx, pr, copyWaysSQL)
	pr.Close()
	encodeErr := <-encodeDone

	switch {
	case encodeErr != nil && !errors.Is(encodeErr, io.ErrClosedPipe):
		return 0, storeErr("import ways", encodeErr)
	case copyErr != nil:
		return 0, storeErr("import ways", copyErr)
	case encodeErr != nil:
		return 0, storeErr("import ways", encodeErr)
	}
	return tag.RowsAffected(), nil
}

// writeWays encodes a complete COPY session, header through trailer, in
// input order.
func writeWays(w io.Writer, ways []Way) error {
	enc := pgcopy.NewWriter(w)
	if err := enc.WriteHeader(); err != nil {
		return err
	}
	for _, way := range ways {
		if err := writeWay(enc, way); err != nil {
			return err
		}
	}
	return enc.Close()
}

// writeWay emits one row in the copyWaysSQL column order.
func writeWay(enc *pgcopy.Writer, way Way) error {
	if err := enc.StartRow(8); err != nil {
		return err
	}
	if err := enc.WriteInt8(way.Id); err != nil {
		return err
	}
	if err := enc.WriteInt4(way.Version); err != nil {
		return err
	}
	if err := enc.WriteInt4(way.Uid); err != nil {
		return err
	}
	if err := enc.WriteTimestamp(way.Timestamp); err != nil {
		return err
	}
	if err := enc.WriteInt8(way.Changeset); err != nil {
		return err
	}
	if err := enc.WriteHstore(way.Tags); err != nil {
		return err
	}
	if err := enc.WriteInt8Array(way.Nodes); err != nil {
		return err
	}
	return enc.WriteGeometry(way.Geometry)
}
