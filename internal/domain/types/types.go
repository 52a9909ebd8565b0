// Package types contains the JSON views served over HTTP and the alert stream.
package types

import (
	"time"

	"github.com/okian/iuuwatch/internal/domain/model"
)

// Alert is the wire form of a persisted alert.
type Alert struct {
	ID          int64     `json:"id"`
	VesselID    string    `json:"vessel_id"`
	Timestamp   time.Time `json:"timestamp"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Probability float64   `json:"probability"`
}

// FromAlert converts a domain alert to its wire form.
func FromAlert(a model.Alert) Alert {
	return Alert{
		ID:          a.ID,
		VesselID:    a.VesselID,
		Timestamp:   a.Timestamp.UTC(),
		Lat:         a.Lat,
		Lon:         a.Lon,
		Probability: a.Probability,
	}
}

// AlertPage is a cursor page of alerts.
type AlertPage struct {
	Alerts     []Alert `json:"alerts"`
	NextCursor int64   `json:"next_cursor"`
}

// NewAlertPage builds a page; NextCursor stays at after when the page is empty.
func NewAlertPage(after int64, alerts []model.Alert) AlertPage {
	page := AlertPage{Alerts: make([]Alert, 0, len(alerts)), NextCursor: after}
	for _, a := range alerts {
		page.Alerts = append(page.Alerts, FromAlert(a))
		if a.ID > page.NextCursor {
			page.NextCursor = a.ID
		}
	}
	return page
}
