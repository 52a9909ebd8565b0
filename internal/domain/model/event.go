// Package model contains domain models passed between layers.
package model

import (
	"strconv"
	"time"
)

// RawEvent is one vessel observation returned by the event source.
// Optional numeric fields are nil when the source omits them.
type RawEvent struct {
	EventID   string    // source identifier, may be empty
	VesselID  string    // vessel identifier used for exemption and alerts
	Timestamp time.Time // activity time, UTC
	Lat       *float64
	Lon       *float64

	Speed             *float64
	Course            *float64
	DistanceFromShore *float64
	DistanceFromPort  *float64

	// GearType is the raw gear label, if the source supplied one.
	GearType string
}

// Validate reports a MalformedEventError when a required field is absent.
func (e RawEvent) Validate() error {
	switch {
	case e.VesselID == "":
		return &MalformedEventError{EventID: e.EventID, Field: "vessel_id"}
	case e.Lat == nil || e.Lon == nil:
		return &MalformedEventError{EventID: e.EventID, Field: "position"}
	case e.Timestamp.IsZero():
		return &MalformedEventError{EventID: e.EventID, Field: "timestamp"}
	}
	return nil
}

// Key identifies the event for de-duplication. It falls back to
// vessel and timestamp when the source did not assign an id.
func (e RawEvent) Key() string {
	if e.EventID != "" {
		return e.EventID
	}
	return e.VesselID + "@" + strconv.FormatInt(e.Timestamp.Unix(), 10)
}

// Position returns latitude and longitude. Call Validate first.
func (e RawEvent) Position() (lat, lon float64) {
	return *e.Lat, *e.Lon
}

// Float returns a pointer to v, for optional fields.
func Float(v float64) *float64 { return &v }
