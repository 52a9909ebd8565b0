// Package streamcheck is a client-side checker for a running service. It
// watches the alert stream and fails when ids are not strictly increasing or
// when streamed alerts are missing from the REST listing.
package streamcheck

import "time"

// Config holds configuration for a check run.
type Config struct {
	BaseURL    string        // Base URL of the service
	Duration   time.Duration // How long to watch the stream
	MaxAlerts  int           // Stop after this many alerts; 0 means no limit
	Timeout    time.Duration // HTTP and dial timeout
	PageLimit  int           // Page size used for the REST cross-check
	CrossCheck bool          // Compare streamed ids with GET /alerts
	Trigger    bool          // POST /cycles before watching
	Verbose    bool          // Log every received alert
}

// Stats holds check statistics.
type Stats struct {
	Received   int
	FirstID    int64
	LastID     int64
	Listed     int
	Missing    int
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	CycleID    string
	Violations []Violation
}
