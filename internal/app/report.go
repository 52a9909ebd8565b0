package app

import (
	"time"

	"github.com/okian/iuuwatch/pkg/metrics"
)

// State is the pipeline's cycle-level state.
type State int32

// Pipeline states.
const (
	StateIdle State = iota
	StateRunning
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateSleeping:
		return "SLEEPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Cycle outcomes used as metric labels.
const (
	outcomeOK      = "ok"
	outcomeAborted = "aborted"
)

// CycleReport summarises one ingestion cycle.
type CycleReport struct {
	ID          string    `json:"id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`

	Fetched        int `json:"fetched"`
	Outside        int `json:"outside"`
	Exempt         int `json:"exempt"`
	Malformed      int `json:"malformed"`
	LookupFailures int `json:"lookup_failures"`
	Scored         int `json:"scored"`
	Alerted        int `json:"alerted"`
	Duplicates     int `json:"duplicates"`
	SinkErrors     int `json:"sink_errors"`
	ScoreErrors    int `json:"score_errors"`

	// Error is set when the cycle aborted.
	Error string `json:"error,omitempty"`
}

// Aborted reports whether the cycle stopped early.
func (r CycleReport) Aborted() bool { return r.Error != "" }

func (r CycleReport) outcome() string {
	if r.Aborted() {
		return outcomeAborted
	}
	return outcomeOK
}

func (r CycleReport) record(d time.Duration) {
	metrics.RecordCycle(r.outcome(), d)
	metrics.RecordEvents(metrics.StageFetched, r.Fetched)
	metrics.RecordEvents(metrics.StageOutside, r.Outside)
	metrics.RecordEvents(metrics.StageExempt, r.Exempt)
	metrics.RecordEvents(metrics.StageMalformed, r.Malformed)
	metrics.RecordEvents(metrics.StageScored, r.Scored)
	metrics.RecordEvents(metrics.StageAlerted, r.Alerted)
	metrics.RecordEvents(metrics.StageDuplicate, r.Duplicates)
	metrics.RecordEvents(metrics.StageSinkError, r.SinkErrors)
	metrics.RecordEvents(metrics.StageScoreError, r.ScoreErrors)
}
