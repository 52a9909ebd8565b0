// Package features turns raw events into classifier input vectors.
package features

import "slices"

// SchemaV1 is the current feature schema.
const SchemaV1 = "v1"

// Feature names in vector order for SchemaV1.
const (
	Speed             = "speed"
	Course            = "course"
	DistanceFromShore = "distance_from_shore"
	DistanceFromPort  = "distance_from_port"
	HourSin           = "hour_sin"
	HourCos           = "hour_cos"
	LatBin            = "lat_bin"
	LonBin            = "lon_bin"
	Gear              = "gear_type"
)

// Schema fixes the length and order of a feature vector.
type Schema struct {
	Version string
	Names   []string
	// Categorical lists the names whose slot holds an enum code.
	Categorical []string
}

// V1 returns the v1 schema.
func V1() Schema {
	return Schema{
		Version: SchemaV1,
		Names: []string{
			Speed, Course, DistanceFromShore, DistanceFromPort,
			HourSin, HourCos, LatBin, LonBin, Gear,
		},
		Categorical: []string{Gear},
	}
}

// Len is the vector length.
func (s Schema) Len() int { return len(s.Names) }

// Index returns the slot of a feature, or -1.
func (s Schema) Index(name string) int { return slices.Index(s.Names, name) }

// IsCategorical reports whether name holds an enum code.
func (s Schema) IsCategorical(name string) bool { return slices.Contains(s.Categorical, name) }

// Equal reports whether two schemas share version and order.
func (s Schema) Equal(o Schema) bool {
	return s.Version == o.Version && slices.Equal(s.Names, o.Names)
}
