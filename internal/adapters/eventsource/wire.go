package eventsource

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/okian/iuuwatch/internal/domain/model"
)

// page is one response of the events endpoint. Records arrive under
// "entries" (v3) or "data" (older gateways).
type page struct {
	Entries    []wireEvent `json:"entries"`
	Data       []wireEvent `json:"data"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	NextOffset *int        `json:"nextOffset"`
	Total      *int        `json:"total"`
}

func (p *page) records() []wireEvent {
	if len(p.Entries) > 0 {
		return p.Entries
	}
	return p.Data
}

// next returns the offset of the following page and whether there is one.
func (p *page) next(offset, pageSize int) (int, bool) {
	n := len(p.records())
	switch {
	case n == 0:
		return 0, false
	case p.NextOffset != nil:
		return *p.NextOffset, *p.NextOffset > offset
	case p.Total != nil:
		return offset + n, offset+n < *p.Total
	default:
		return offset + n, n >= pageSize
	}
}

type wireEvent struct {
	ID        flexString  `json:"id"`
	Timestamp flexTime    `json:"timestamp"`
	Start     flexTime    `json:"start"`
	End       flexTime    `json:"end"`
	Lat       *float64    `json:"lat"`
	Lon       *float64    `json:"lon"`
	Position  *wirePoint  `json:"position"`
	Vessel    *wireVessel `json:"vessel"`

	Speed             *float64 `json:"speed"`
	Course            *float64 `json:"course"`
	DistanceFromShore *float64 `json:"distance_from_shore"`
	DistanceFromPort  *float64 `json:"distance_from_port"`
}

type wirePoint struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

type wireVessel struct {
	ID       flexString `json:"id"`
	SSVID    flexString `json:"ssvid"`
	MMSI     flexString `json:"mmsi"`
	GearType string     `json:"gear_type"`
}

// activeUntil is the end of the record's activity: its end time, or its
// point timestamp when it has none.
func (w wireEvent) activeUntil() time.Time {
	switch {
	case !w.End.IsZero():
		return w.End.Time
	case !w.Timestamp.IsZero():
		return w.Timestamp.Time
	default:
		return w.Start.Time
	}
}

func (w wireEvent) toRaw() model.RawEvent {
	ev := model.RawEvent{
		EventID:           string(w.ID),
		Timestamp:         w.Timestamp.Time,
		Lat:               w.Lat,
		Lon:               w.Lon,
		Speed:             w.Speed,
		Course:            w.Course,
		DistanceFromShore: w.DistanceFromShore,
		DistanceFromPort:  w.DistanceFromPort,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.Start.Time
	}
	if w.Position != nil {
		if w.Position.Lat != nil {
			ev.Lat = w.Position.Lat
		}
		if w.Position.Lon != nil {
			ev.Lon = w.Position.Lon
		}
	}
	if v := w.Vessel; v != nil {
		ev.GearType = v.GearType
		for _, id := range []flexString{v.ID, v.SSVID, v.MMSI} {
			if id != "" {
				ev.VesselID = string(id)
				break
			}
		}
	}
	return ev
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	*s = flexString(b)
	return nil
}

// flexTime accepts epoch seconds or an ISO date/time. Values it cannot read
// are left zero so the event is reported as malformed instead of failing the
// whole page.
type flexTime struct{ time.Time }

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", time.DateOnly}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] != '"' {
		sec, err := strconv.ParseFloat(string(b), 64)
		if err != nil || math.IsNaN(sec) || math.IsInf(sec, 0) {
			return nil
		}
		whole, frac := math.Modf(sec)
		t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			t.Time = ts.UTC()
			return nil
		}
	}
	return nil
}
