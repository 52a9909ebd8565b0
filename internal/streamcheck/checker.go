package streamcheck

import (
	"errors"
	"fmt"
)

// ErrOrderViolation is returned when the stream delivers an id that is not
// greater than the previous one.
var ErrOrderViolation = errors.New("alert ids not strictly increasing")

// ErrMissingAlerts is returned when streamed alerts are absent from the REST
// listing.
var ErrMissingAlerts = errors.New("streamed alerts missing from listing")

// Violation records one out-of-order delivery.
type Violation struct {
	Previous int64
	Got      int64
}

func (v Violation) String() string {
	return fmt.Sprintf("id %d after %d", v.Got, v.Previous)
}

// Checker tracks ids seen on one stream connection.
type Checker struct {
	last       int64
	seen       []int64
	violations []Violation
}

// Observe records id and reports an ordering violation.
func (c *Checker) Observe(id int64) error {
	if len(c.seen) > 0 && id <= c.last {
		v := Violation{Previous: c.last, Got: id}
		c.violations = append(c.violations, v)
		return fmt.Errorf("%w: %s", ErrOrderViolation, v)
	}
	c.last = id
	c.seen = append(c.seen, id)
	return nil
}

// Seen returns accepted ids in delivery order.
func (c *Checker) Seen() []int64 { return c.seen }

// Violations returns all recorded violations.
func (c *Checker) Violations() []Violation { return c.violations }

// Missing returns ids in seen that are absent from listed.
func Missing(seen, listed []int64) []int64 {
	set := make(map[int64]struct{}, len(listed))
	for _, id := range listed {
		set[id] = struct{}{}
	}
	var out []int64
	for _, id := range seen {
		if _, ok := set[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
