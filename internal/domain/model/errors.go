package model

import (
	"errors"
	"fmt"
)

// ErrNoRegion is wrapped by FetchError when the feature service has no
// geometry for the requested region.
var ErrNoRegion = errors.New("no matching region")

// UpstreamError is a non-success response or transport failure from the
// event source or the geospatial feature service. Status is 0 for
// transport errors and timeouts.
type UpstreamError struct {
	Source string
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	msg := "upstream " + e.Source
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// MalformedEventError marks a record missing a required field. The event is
// skipped.
type MalformedEventError struct {
	EventID string
	Field   string
}

func (e *MalformedEventError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("malformed event: missing %s", e.Field)
	}
	return fmt.Sprintf("malformed event %s: missing %s", e.EventID, e.Field)
}

// SchemaMismatchError means the vectorizer and the classifier disagree on
// the feature schema.
type SchemaMismatchError struct {
	Expected string
	Got      string
	Detail   string
}

func (e *SchemaMismatchError) Error() string {
	msg := fmt.Sprintf("feature schema mismatch: expected %s, got %s", e.Expected, e.Got)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// SinkError is a failed alert store read or write.
type SinkError struct {
	Op  string
	Err error
}

func (e *SinkError) Error() string { return fmt.Sprintf("alert store %s: %v", e.Op, e.Err) }

func (e *SinkError) Unwrap() error { return e.Err }

// FetchError means the geofence polygon could not be obtained.
type FetchError struct {
	RegionID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("geofence region %s unavailable: %v", e.RegionID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
