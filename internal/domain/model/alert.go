package model

import "time"

// Alert is a persisted detection. ID is assigned by the store and increases
// monotonically; it is the stream cursor.
type Alert struct {
	ID          int64
	VesselID    string
	Timestamp   time.Time
	Lat         float64
	Lon         float64
	Probability float64
}

// NewAlert builds an unsaved alert from a validated event and its score.
func NewAlert(e RawEvent, probability float64) Alert {
	lat, lon := e.Position()
	return Alert{
		VesselID:    e.VesselID,
		Timestamp:   e.Timestamp.UTC(),
		Lat:         lat,
		Lon:         lon,
		Probability: probability,
	}
}
