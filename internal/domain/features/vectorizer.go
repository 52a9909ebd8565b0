package features

import (
	"fmt"
	"math"

	"github.com/okian/iuuwatch/internal/domain/model"
)

const (
	// FarDistance stands in for a missing shore or port distance.
	FarDistance = 1e6

	defaultResolution = 0.25
	hoursPerDay       = 24
)

// Vector is one classifier input. Values follow the order of the schema
// named by Schema.
type Vector struct {
	Schema string
	Values []float64
}

// Get returns the value of a named v1 feature.
func (v Vector) Get(name string) (float64, bool) {
	i := V1().Index(name)
	if v.Schema != SchemaV1 || i < 0 || i >= len(v.Values) {
		return 0, false
	}
	return v.Values[i], true
}

// Vectorizer maps raw events to v1 vectors.
type Vectorizer struct {
	resolution float64
}

// Option configures a Vectorizer.
type Option func(*Vectorizer)

// WithResolution sets the spatial grid size in degrees.
func WithResolution(deg float64) Option {
	return func(v *Vectorizer) {
		if deg > 0 {
			v.resolution = deg
		}
	}
}

// NewVectorizer creates a Vectorizer with a 0.25 degree grid by default.
func NewVectorizer(opts ...Option) *Vectorizer {
	v := &Vectorizer{resolution: defaultResolution}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Schema returns the schema every produced vector follows.
func (z *Vectorizer) Schema() Schema { return V1() }

// Vectorize builds the feature vector for e. It fails with
// *model.MalformedEventError when vessel, position or timestamp is absent.
func (z *Vectorizer) Vectorize(e model.RawEvent) (Vector, error) {
	if err := e.Validate(); err != nil {
		return Vector{}, err
	}
	lat, lon := e.Position()
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return Vector{}, &model.MalformedEventError{EventID: e.EventID, Field: "position"}
	}

	hour := float64(e.Timestamp.UTC().Hour())
	angle := 2 * math.Pi * hour / hoursPerDay

	return Vector{
		Schema: SchemaV1,
		Values: []float64{
			orDefault(e.Speed, 0),
			orDefault(e.Course, 0),
			orDefault(e.DistanceFromShore, FarDistance),
			orDefault(e.DistanceFromPort, FarDistance),
			math.Sin(angle),
			math.Cos(angle),
			bin(lat, z.resolution),
			bin(lon, z.resolution),
			float64(ParseGearType(e.GearType)),
		},
	}, nil
}

// bin floors x to the grid.
func bin(x, res float64) float64 {
	return math.Floor(x/res) * res
}

func orDefault(p *float64, def float64) float64 {
	if p == nil || math.IsNaN(*p) {
		return def
	}
	return *p
}

// String is used in debug logs.
func (v Vector) String() string {
	return fmt.Sprintf("%s%v", v.Schema, v.Values)
}
