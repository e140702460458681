// Package pgcopy encodes rows in the binary format of the PostgreSQL
// COPY ... FROM STDIN BINARY protocol.
//
// A session is one header, any number of rows, and one trailer. Each row is
// an int16 field count followed by the declared number of fields; each field
// is an int32 byte length followed by the payload, with length -1 and no
// payload for NULL. All integers are big-endian.
package pgcopy

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/jackc/pgio"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/paulmach/orb"
	"io"
	"math"
	"osmways-ingest/geom"
	"sort"
	"time"
)

// signature opens every binary COPY stream, per the PostgreSQL docs.
var signature = []byte{'P', 'G', 'C', 'O', 'P', 'Y', '\n', 0xff, '\r', '\n', 0x00}

const (
	nullLength = -1

	// Microseconds from the Unix epoch to 2000-01-01T00:00:00Z, the epoch
	// of the timestamp wire format.
	microsecsToY2K = 946684800 * 1000000
)

// ErrUsage reports a violation of the protocol calling sequence, such as
// writing the header twice or fewer fields than a row declared. It is a
// programming error: the session cannot continue and must not be retried.
var ErrUsage = errors.New("pgcopy: protocol misuse")

// Writer streams one COPY BINARY session to an io.Writer.
//
// The calling sequence is WriteHeader once, then per row StartRow followed by
// exactly the declared number of field writes, then Close. Any write error or
// protocol misuse poisons the session: every later call returns the first
// error, and the caller must abort the whole load.
type Writer struct {
	dst     *bufio.Writer
	scratch []byte

	headerWritten bool
	remaining     int // fields still owed to the open row
	closed        bool
	err           error
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{dst: bufio.NewWriterSize(w, 64*1024)}
}

// WriteHeader emits the fixed signature and flag preamble. It must be called
// exactly once, before any row.
func (w *Writer) WriteHeader() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return w.fail(fmt.Errorf("%w: write after close", ErrUsage))
	}
	if w.headerWritten {
		return w.fail(fmt.Errorf("%w: header already written", ErrUsage))
	}
	w.headerWritten = true
	w.scratch = append(w.scratch[:0], signature...)
	w.scratch = pgio.AppendInt32(w.scratch, 0) // flags
	w.scratch = pgio.AppendInt32(w.scratch, 0) // header extension length
	return w.write()
}

// StartRow begins a row that will carry exactly fields fields.
func (w *Writer) StartRow(fields int) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return w.fail(fmt.Errorf("%w: write after close", ErrUsage))
	}
	if !w.headerWritten {
		return w.fail(fmt.Errorf("%w: header not written", ErrUsage))
	}
	if w.remaining > 0 {
		return w.fail(fmt.Errorf("%w: previous row is missing %d of its declared fields", ErrUsage, w.remaining))
	}
	if fields < 1 || fields > math.MaxInt16 {
		return w.fail(fmt.Errorf("%w: field count %d out of range", ErrUsage, fields))
	}
	w.remaining = fields
	w.scratch = pgio.AppendInt16(w.scratch[:0], int16(fields))
	return w.write()
}

// WriteInt4 writes a 32-bit integer field (version, uid).
func (w *Writer) WriteInt4(v int32) error {
	if err := w.beginField(); err != nil {
		return err
	}
	w.scratch = pgio.AppendInt32(w.scratch[:0], 4)
	w.scratch = pgio.AppendInt32(w.scratch, v)
	return w.write()
}

// WriteInt8 writes a 64-bit integer field (id, changeset).
func (w *Writer) WriteInt8(v int64) error {
	if err := w.beginField(); err != nil {
		return err
	}
	w.scratch = pgio.AppendInt32(w.scratch[:0], 8)
	w.scratch = pgio.AppendInt64(w.scratch, v)
	return w.write()
}

// WriteTimestamp writes a timestamp-without-time-zone field as microseconds
// since 2000-01-01T00:00:00Z. The wall clock is taken in UTC, which is how
// OSM records edit times.
func (w *Writer) WriteTimestamp(t time.Time) error {
	if err := w.beginField(); err != nil {
		return err
	}
	t = t.UTC()
	micros := t.Unix()*1_000_000 + int64(t.Nanosecond())/1_000 - microsecsToY2K
	w.scratch = pgio.AppendInt32(w.scratch[:0], 8)
	w.scratch = pgio.AppendInt64(w.scratch, micros)
	return w.write()
}

// WriteHstore writes a string map field: an int32 entry count, then a
// length-prefixed key and value per entry. Keys are written in sorted order
// so identical input always produces an identical stream. An empty (or nil)
// map is a present field with zero entries, not NULL.
func (w *Writer) WriteHstore(m map[string]string) error {
	if err := w.beginField(); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.scratch = pgio.AppendInt32(w.scratch[:0], 0) // field length, patched below
	w.scratch = pgio.AppendInt32(w.scratch, int32(len(keys)))
	for _, k := range keys {
		w.scratch = pgio.AppendInt32(w.scratch, int32(len(k)))
		w.scratch = append(w.scratch, k...)
		v := m[k]
		w.scratch = pgio.AppendInt32(w.scratch, int32(len(v)))
		w.scratch = append(w.scratch, v...)
	}
	pgio.SetInt32(w.scratch, int32(len(w.scratch)-4))
	return w.write()
}

// WriteInt8Array writes a bigint[] field as a one-dimensional array with
// lower bound 1 and no nulls. An empty (or nil) slice is a present field
// with zero elements, not NULL.
func (w *Writer) WriteInt8Array(vs []int64) error {
	if err := w.beginField(); err != nil {
		return err
	}
	w.scratch = pgio.AppendInt32(w.scratch[:0], 0) // field length, patched below
	w.scratch = pgio.AppendInt32(w.scratch, 1)     // dimensions
	w.scratch = pgio.AppendInt32(w.scratch, 0)     // contains no nulls
	w.scratch = pgio.AppendUint32(w.scratch, pgtype.Int8OID)
	w.scratch = pgio.AppendInt32(w.scratch, int32(len(vs)))
	w.scratch = pgio.AppendInt32(w.scratch, 1) // lower bound
	for _, v := range vs {
		w.scratch = pgio.AppendInt32(w.scratch, 8)
		w.scratch = pgio.AppendInt64(w.scratch, v)
	}
	pgio.SetInt32(w.scratch, int32(len(w.scratch)-4))
	return w.write()
}

// WriteBytea writes an opaque byte field.
func (w *Writer) WriteBytea(b []byte) error {
	if err := w.beginField(); err != nil {
		return err
	}
	w.scratch = pgio.AppendInt32(w.scratch[:0], int32(len(b)))
	w.scratch = append(w.scratch, b...)
	return w.write()
}

// WriteGeometry writes g as EWKB, the binary receive format of the PostGIS
// geometry type. A nil geometry becomes NULL.
func (w *Writer) WriteGeometry(g orb.Geometry) error {
	if g == nil {
		return w.WriteNull()
	}
	data, err := geom.Marshal(g)
	if err != nil {
		return err
	}
	return w.WriteBytea(data)
}

// WriteNull writes the NULL sentinel: length -1, no payload. Distinguishable
// on the wire from a present-but-empty map, array, or blob, which carry
// their own non-negative length.
func (w *Writer) WriteNull() error {
	if err := w.beginField(); err != nil {
		return err
	}
	w.scratch = pgio.AppendInt32(w.scratch[:0], nullLength)
	return w.write()
}

// Close writes the stream trailer and flushes. It does not close the
// underlying writer. Closing with an incomplete row is a usage error; a
// caller abandoning a failed session should not call Close at all.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return w.fail(fmt.Errorf("%w: already closed", ErrUsage))
	}
	if !w.headerWritten {
		return w.fail(fmt.Errorf("%w: header not written", ErrUsage))
	}
	if w.remaining > 0 {
		return w.fail(fmt.Errorf("%w: row is missing %d of its declared fields", ErrUsage, w.remaining))
	}
	w.closed = true
	w.scratch = pgio.AppendInt16(w.scratch[:0], -1)
	if err := w.write(); err != nil {
		return err
	}
	if err := w.dst.Flush(); err != nil {
		return w.fail(err)
	}
	return nil
}

func (w *Writer) beginField() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return w.fail(fmt.Errorf("%w: write after close", ErrUsage))
	}
	if w.remaining == 0 {
		return w.fail(fmt.Errorf("%w: no row in progress", ErrUsage))
	}
	w.remaining--
	return nil
}

// fail poisons the session: w.err sticks, so every later call returns err.
func (w *Writer) fail(err error) error {
	w.err = err
	return err
}

func (w *Writer) write() error {
	if _, err := w.dst.Write(w.scratch); err != nil {
		return w.fail(err)
	}
	return nil
}
