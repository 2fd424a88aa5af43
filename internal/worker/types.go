package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

var (
	// ErrPoolClosed means the pool no longer admits units
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted means Submit was called before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted means Start was called twice
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrDiscarded completes the ticket of a unit dropped by ShutdownNow
	ErrDiscarded = errors.New("work unit discarded before it started")
	// ErrUnitPanic wraps a recovered panic
	ErrUnitPanic = errors.New("work unit panicked")
)

// RunFunc executes one work unit and returns the identifiers it processed
type RunFunc func(ctx context.Context) ([]types.WorkID, error)

// Unit is one work unit: the identifiers it covers and how to run them
type Unit struct {
	IDs types.Batch
	Run RunFunc
}

// UnitError reports a failed work unit
type UnitError struct {
	IDs types.Batch
	Err error
}

func (e *UnitError) Error() string {
	if len(e.IDs) == 1 {
		return fmt.Sprintf("work unit %s failed: %v", e.IDs[0], e.Err)
	}
	if len(e.IDs) > 1 {
		return fmt.Sprintf("work unit %s (+%d more) failed: %v", e.IDs[0], len(e.IDs)-1, e.Err)
	}
	return fmt.Sprintf("work unit failed: %v", e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// Ticket tracks one admitted unit
type Ticket struct {
	done chan struct{}
	rec  types.CompletionRecord
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (t *Ticket) complete(rec types.CompletionRecord) {
	t.rec = rec
	close(t.done)
}

// Done is closed once the unit has finished or was discarded
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the unit finishes or ctx ends
func (t *Ticket) Wait(ctx context.Context) (types.CompletionRecord, error) {
	select {
	case <-t.done:
		return t.rec, nil
	case <-ctx.Done():
		return types.CompletionRecord{}, ctx.Err()
	}
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Size    int   `json:"size"`
	Active  int   `json:"active"`
	Queued  int   `json:"queued"`
	Paused  bool  `json:"paused"`
	Dropped int64 `json:"dropped"`
}
