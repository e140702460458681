package pgcopy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"osmways-ingest/geom"
	"testing"
	"time"
)

func appendInt16(b []byte, v int16) []byte { return binary.BigEndian.AppendUint16(b, uint16(v)) }
func appendInt32(b []byte, v int32) []byte { return binary.BigEndian.AppendUint32(b, uint32(v)) }
func appendInt64(b []byte, v int64) []byte { return binary.BigEndian.AppendUint64(b, uint64(v)) }

func expectHeader() []byte {
	b := []byte("PGCOPY\n\xff\r\n\x00")
	b = appendInt32(b, 0)
	b = appendInt32(b, 0)
	return b
}

// encodeField runs a single-field row through a fresh writer and returns the
// raw stream.
func encodeField(t *testing.T, fn func(w *Writer) error) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.StartRow(1))
	require.NoError(t, fn(w))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// fieldPayload strips the header, field count, and field length from a
// single-field stream, returning length and payload.
func fieldPayload(t *testing.T, stream []byte) (int32, []byte) {
	t.Helper()
	require.GreaterOrEqual(t, len(stream), 19+2+4+2)
	body := stream[19+2 : len(stream)-2]
	length := int32(binary.BigEndian.Uint32(body[:4]))
	return length, body[4:]
}

func TestHeaderAndTrailerOnly(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.Close())

	exp := expectHeader()
	exp = appendInt16(exp, -1)
	assert.Equal(t, exp, buf.Bytes())
}

func TestEncodesFullRow(t *testing.T) {
	ts := time.Date(2021, 3, 4, 5, 6, 7, 123456000, time.UTC)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.StartRow(8))
	require.NoError(t, w.WriteInt8(240145930))
	require.NoError(t, w.WriteInt4(3))
	require.NoError(t, w.WriteInt4(881429))
	require.NoError(t, w.WriteTimestamp(ts))
	require.NoError(t, w.WriteInt8(99708038))
	require.NoError(t, w.WriteHstore(map[string]string{"highway": "residential", "name": "Hill Road"}))
	require.NoError(t, w.WriteInt8Array([]int64{1001, 1002, 1003}))
	require.NoError(t, w.WriteNull())
	require.NoError(t, w.Close())

	exp := expectHeader()
	exp = appendInt16(exp, 8)
	exp = appendInt32(exp, 8)
	exp = appendInt64(exp, 240145930)
	exp = appendInt32(exp, 4)
	exp = appendInt32(exp, 3)
	exp = appendInt32(exp, 4)
	exp = appendInt32(exp, 881429)
	exp = appendInt32(exp, 8)
	pgEpoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	exp = appendInt64(exp, ts.Sub(pgEpoch).Microseconds())
	exp = appendInt32(exp, 8)
	exp = appendInt64(exp, 99708038)

	var hs []byte
	hs = appendInt32(hs, 2)
	hs = appendInt32(hs, int32(len("highway")))
	hs = append(hs, "highway"...)
	hs = appendInt32(hs, int32(len("residential")))
	hs = append(hs, "residential"...)
	hs = appendInt32(hs, int32(len("name")))
	hs = append(hs, "name"...)
	hs = appendInt32(hs, int32(len("Hill Road")))
	hs = append(hs, "Hill Road"...)
	exp = appendInt32(exp, int32(len(hs)))
	exp = append(exp, hs...)

	var arr []byte
	arr = appendInt32(arr, 1)  // dimensions
	arr = appendInt32(arr, 0)  // no nulls
	arr = appendInt32(arr, 20) // int8 oid
	arr = appendInt32(arr, 3)  // element count
	arr = appendInt32(arr, 1)  // lower bound
	for _, id := range []int64{1001, 1002, 1003} {
		arr = appendInt32(arr, 8)
		arr = appendInt64(arr, id)
	}
	exp = appendInt32(exp, int32(len(arr)))
	exp = append(exp, arr...)

	exp = appendInt32(exp, -1) // null geom
	exp = appendInt16(exp, -1)

	assert.Equal(t, exp, buf.Bytes())
}

func TestTimestampEpochs(t *testing.T) {
	pgEpoch := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		name string
		t    time.Time
	}{
		{"postgres epoch", pgEpoch},
		{"one microsecond after", pgEpoch.Add(time.Microsecond)},
		{"one microsecond before", pgEpoch.Add(-time.Microsecond)},
		{"unix epoch", time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"osm era", time.Date(2014, 9, 21, 17, 34, 55, 0, time.UTC)},
		{"non-utc zone", time.Date(2014, 9, 21, 19, 34, 55, 0, time.FixedZone("CEST", 2*60*60))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			stream := encodeField(t, func(w *Writer) error { return w.WriteTimestamp(tc.t) })
			length, payload := fieldPayload(t, stream)
			require.Equal(t, int32(8), length)
			got := int64(binary.BigEndian.Uint64(payload))
			assert.Equal(t, tc.t.Sub(pgEpoch).Microseconds(), got)
		})
	}
}

func TestHstoreDeterministicOrder(t *testing.T) {
	tags := map[string]string{"natural": "water", "boat": "yes", "area": "yes", "name": "Llyn Du"}

	first := encodeField(t, func(w *Writer) error { return w.WriteHstore(tags) })
	second := encodeField(t, func(w *Writer) error { return w.WriteHstore(tags) })
	require.Equal(t, first, second)

	_, payload := fieldPayload(t, first)
	require.Equal(t, int32(4), int32(binary.BigEndian.Uint32(payload[:4])))
	// First key in sorted order.
	keyLen := binary.BigEndian.Uint32(payload[4:8])
	assert.Equal(t, "area", string(payload[8:8+keyLen]))
}

func TestEmptyIsNotNull(t *testing.T) {
	t.Run("hstore", func(t *testing.T) {
		length, payload := fieldPayload(t, encodeField(t, func(w *Writer) error {
			return w.WriteHstore(nil)
		}))
		assert.Equal(t, int32(4), length)
		assert.Equal(t, int32(0), int32(binary.BigEndian.Uint32(payload)))
	})

	t.Run("int8 array", func(t *testing.T) {
		length, payload := fieldPayload(t, encodeField(t, func(w *Writer) error {
			return w.WriteInt8Array(nil)
		}))
		require.Equal(t, int32(20), length)
		var exp []byte
		exp = appendInt32(exp, 1)
		exp = appendInt32(exp, 0)
		exp = appendInt32(exp, 20)
		exp = appendInt32(exp, 0)
		exp = appendInt32(exp, 1)
		assert.Equal(t, exp, payload)
	})

	t.Run("bytea", func(t *testing.T) {
		length, payload := fieldPayload(t, encodeField(t, func(w *Writer) error {
			return w.WriteBytea([]byte{})
		}))
		assert.Equal(t, int32(0), length)
		assert.Empty(t, payload)
	})

	t.Run("null", func(t *testing.T) {
		stream := encodeField(t, func(w *Writer) error { return w.WriteNull() })
		body := stream[19+2 : len(stream)-2]
		require.Len(t, body, 4)
		assert.Equal(t, int32(-1), int32(binary.BigEndian.Uint32(body)))
	})
}

func TestGeometryField(t *testing.T) {
	line := orb.LineString{{-3.0063, 53.4031}, {-3.0059, 53.4044}}

	stream := encodeField(t, func(w *Writer) error { return w.WriteGeometry(line) })
	length, payload := fieldPayload(t, stream)

	exp, err := geom.Marshal(line)
	require.NoError(t, err)
	require.Equal(t, int32(len(exp)), length)
	assert.Equal(t, exp, payload)

	got, err := geom.Unmarshal(payload)
	require.NoError(t, err)
	assert.Equal(t, orb.Geometry(line), got)
}

func TestNilGeometryIsNull(t *testing.T) {
	stream := encodeField(t, func(w *Writer) error { return w.WriteGeometry(nil) })
	body := stream[19+2 : len(stream)-2]
	require.Len(t, body, 4)
	assert.Equal(t, int32(-1), int32(binary.BigEndian.Uint32(body)))
}

func TestUsageErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func(w *Writer) error
	}{
		{"header twice", func(w *Writer) error {
			if err := w.WriteHeader(); err != nil {
				return err
			}
			return w.WriteHeader()
		}},
		{"row before header", func(w *Writer) error {
			return w.StartRow(8)
		}},
		{"field before row", func(w *Writer) error {
			if err := w.WriteHeader(); err != nil {
				return err
			}
			return w.WriteInt8(1)
		}},
		{"row while previous row open", func(w *Writer) error {
			if err := w.WriteHeader(); err != nil {
				return err
			}
			if err := w.StartRow(2); err != nil {
				return err
			}
			if err := w.WriteInt8(1); err != nil {
				return err
			}
			return w.StartRow(2)
		}},
		{"more fields than declared", func(w *Writer) error {
			if err := w.WriteHeader(); err != nil {
				return err
			}
			if err := w.StartRow(1); err != nil {
				return err
			}
			if err := w.WriteInt8(1); err != nil {
				return err
			}
			return w.WriteInt8(2)
		}},
		{"close mid-row", func(w *Writer) error {
			if err := w.WriteHeader(); err != nil {
				return err
			}
			if err := w.StartRow(3); err != nil {
				return err
			}
			if err := w.WriteInt8(1); err != nil {
				return err
			}
			return w.Close()
		}},
		{"close before header", func(w *Writer) error {
			return w.Close()
		}},
		{"zero field count", func(w *Writer) error {
			if err := w.WriteHeader(); err != nil {
				return err
			}
			return w.StartRow(0)
		}},
		{"field count over int16", func(w *Writer) error {
			if err := w.WriteHeader(); err != nil {
				return err
			}
			return w.StartRow(40000)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWriter(new(bytes.Buffer))
			assert.ErrorIs(t, tc.fn(w), ErrUsage)
		})
	}
}

func TestWriteAfterClose(t *testing.T) {
	w := NewWriter(new(bytes.Buffer))
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.WriteHeader(), ErrUsage)
	assert.ErrorIs(t, w.StartRow(1), ErrUsage)
	assert.ErrorIs(t, w.WriteInt8(1), ErrUsage)
	assert.ErrorIs(t, w.Close(), ErrUsage)
}

func TestUsageErrorPoisonsSession(t *testing.T) {
	w := NewWriter(new(bytes.Buffer))
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.StartRow(1))
	require.NoError(t, w.WriteInt8(1))

	// One field more than the row declared. The session must stay dead:
	// fresh rows after a misuse would hide the bug from the caller.
	overrun := w.WriteInt8(2)
	require.ErrorIs(t, overrun, ErrUsage)

	assert.Equal(t, overrun, w.StartRow(1))
	assert.Equal(t, overrun, w.WriteInt8(3))
	assert.Equal(t, overrun, w.Close())
}

type failingWriter struct{ err error }

func (f failingWriter) Write(p []byte) (int, error) { return 0, f.err }

func TestWriteErrorPoisonsSession(t *testing.T) {
	sinkErr := errors.New("sink exploded")
	w := NewWriter(failingWriter{err: sinkErr})

	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.StartRow(1))
	// Overflow the internal buffer so the sink failure surfaces mid-stream.
	err := w.WriteBytea(make([]byte, 1<<17))
	require.ErrorIs(t, err, sinkErr)

	assert.ErrorIs(t, w.StartRow(1), sinkErr)
	assert.ErrorIs(t, w.WriteInt8(1), sinkErr)
	assert.ErrorIs(t, w.Close(), sinkErr)
}
