// Package geom converts way geometries to and from the EWKB bytes stored in
// the geom column. All geometries are WGS84.
package geom

import (
	"errors"
	"fmt"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
)

// SRID tags every encoded geometry. OSM coordinates are WGS84.
const SRID = 4326

// ErrMalformed is returned when bytes cannot be decoded into a geometry, or a
// geometry cannot be encoded. Unmarshal never returns a partial geometry.
var ErrMalformed = errors.New("geom: malformed geometry")

// Marshal encodes g as EWKB with SRID 4326.
func Marshal(g orb.Geometry) ([]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: nil geometry", ErrMalformed)
	}
	data, err := ewkb.Marshal(g, SRID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}

// Unmarshal decodes EWKB or plain WKB bytes. The SRID, if present, is
// discarded: everything in the table is 4326.
func Unmarshal(data []byte) (orb.Geometry, error) {
	g, _, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return g, nil
}
