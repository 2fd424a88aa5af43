// Package types defines the core domain model shared by every beaver-batch component.
package types

import (
	"time"
)

// WorkID is an opaque token naming one unit of input work
type WorkID string

// Batch is an ordered, non-empty group of WorkIDs submitted as one work unit
type Batch []WorkID

// Strings converts the batch to plain strings (for request variables and logging)
func (b Batch) Strings() []string {
	out := make([]string, len(b))
	for i, id := range b {
		out[i] = string(id)
	}
	return out
}

// JobState is a Dispatcher state machine position
type JobState string

// Dispatcher states
const (
	StateInit        JobState = "INIT"        // components not yet built
	StateLoading     JobState = "LOADING"     // producer open, expected count being read
	StateDispatching JobState = "DISPATCHING" // identifiers being batched and submitted
	StateMonitoring  JobState = "MONITORING"  // all units submitted, waiting for completion
	StateDraining    JobState = "DRAINING"    // post-batch finalization running
	StateDone        JobState = "DONE"        // finished cleanly
	StateFailed      JobState = "FAILED"      // absorbing failure state
)

// IsTerminal reports whether no further transition is possible
func (s JobState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Outcome is how a job run ended, as seen by the process exit contract
type Outcome string

// Job outcomes
const (
	OutcomeSuccess Outcome = "success" // all identifiers processed (unit failures allowed when not fail-fast)
	OutcomeNoWork  Outcome = "no_work" // producer reported zero or negative expected count
	OutcomeFailed  Outcome = "failed"  // fatal error
	OutcomeStopped Outcome = "stopped" // explicit stop command
)

// CompletionRecord is the result of one finished work unit
type CompletionRecord struct {
	IDs       Batch         `json:"ids"`                 // identifiers the unit covered
	Processed []WorkID      `json:"processed,omitempty"` // identifiers the unit reported back on success
	Duration  time.Duration `json:"duration"`            // wall-clock run time
	Err       error         `json:"-"`                   // unit failure, nil on success
	Fatal     bool          `json:"fatal"`               // failure must halt the job (fail-fast)
}

// Succeeded reports whether the unit finished without error
func (r CompletionRecord) Succeeded() bool {
	return r.Err == nil
}

// SlowUnit is one entry of the slowest-units list
type SlowUnit struct {
	IDs      string        `json:"ids"`
	Duration time.Duration `json:"duration_ns"`
}

// JobStats is a point-in-time snapshot of job progress
type JobStats struct {
	JobID       string    `json:"job_id" yaml:"job_id"`
	State       JobState  `json:"state" yaml:"state"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	ThreadCount int       `json:"thread_count" yaml:"thread_count"`
	Paused      bool      `json:"paused" yaml:"paused"`

	// totals in identifiers
	ExpectedCount  int64 `json:"expected_count" yaml:"expected_count"`
	CompletedCount int64 `json:"completed_count" yaml:"completed_count"`

	// totals in work units
	TaskCount   int64   `json:"task_count" yaml:"task_count"`
	FailedCount int64   `json:"failed_count" yaml:"failed_count"`
	ActiveCount int     `json:"active_count" yaml:"active_count"`
	QueuedCount int     `json:"queued_count" yaml:"queued_count"`
	AvgTPS      float64 `json:"avg_tps" yaml:"avg_tps"`
	CurrentTPS  float64 `json:"current_tps" yaml:"current_tps"`
	ETC         string  `json:"etc" yaml:"etc"`

	SlowUnits []SlowUnit `json:"slow_units,omitempty" yaml:"slow_units,omitempty"`
	FailedIDs []string   `json:"failed_ids,omitempty" yaml:"failed_ids,omitempty"`
}
