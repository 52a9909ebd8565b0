// Package geofence holds the monitored region and its membership test.
package geofence

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// ErrUnsupportedGeometry is returned for geometries that are not areal.
var ErrUnsupportedGeometry = errors.New("unsupported region geometry")

// edgeTolerance is the distance in degrees under which a point counts as on
// an edge. About 1 mm at the equator.
const edgeTolerance = 1e-8

// Region is an immutable polygon or multipolygon.
type Region struct {
	id    string
	geom  orb.MultiPolygon
	bound orb.Bound
}

// NewRegion wraps a Polygon or MultiPolygon.
func NewRegion(id string, g orb.Geometry) (*Region, error) {
	var mp orb.MultiPolygon
	switch geom := g.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{geom}
	case orb.MultiPolygon:
		mp = geom
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedGeometry)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGeometry, g.GeoJSONType())
	}
	if len(mp) == 0 || len(mp[0]) == 0 || len(mp[0][0]) < 3 {
		return nil, fmt.Errorf("%w: empty", ErrUnsupportedGeometry)
	}
	return &Region{id: id, geom: mp, bound: mp.Bound()}, nil
}

// ID returns the registry id the region was fetched for.
func (r *Region) ID() string { return r.id }

// Bound returns the bounding box of the region.
func (r *Region) Bound() orb.Bound { return r.bound }

// Contains reports whether the point lies inside the region. Points on any
// ring, holes included, count as inside.
func (r *Region) Contains(lat, lon float64) bool {
	p := orb.Point{lon, lat}
	if !r.bound.Pad(edgeTolerance).Contains(p) {
		return false
	}
	if r.onBoundary(p) {
		return true
	}
	return planar.MultiPolygonContains(r.geom, p)
}

func (r *Region) onBoundary(p orb.Point) bool {
	for _, poly := range r.geom {
		for _, ring := range poly {
			if onRing(ring, p) {
				return true
			}
		}
	}
	return false
}

func onRing(ring orb.Ring, p orb.Point) bool {
	n := len(ring)
	for i := 0; i < n; i++ {
		a := ring[i]
		b := ring[(i+1)%n]
		if segmentDistance(a, b, p) <= edgeTolerance {
			return true
		}
	}
	return false
}

// segmentDistance is the planar distance from p to segment ab.
func segmentDistance(a, b, p orb.Point) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	if dx == 0 && dy == 0 {
		return math.Hypot(p[0]-a[0], p[1]-a[1])
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p[0]-(a[0]+t*dx), p[1]-(a[1]+t*dy))
}
