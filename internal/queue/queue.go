// ============================================================================
// Beaver-Batch Queue - identifier buffering between producer and dispatcher
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Function: the Queue contract shared by the in-memory Flat queue and the
//           disk-backed SpillQueue
//
// Selection:
//   The dispatcher drains the producer into a Queue before batching. When the
//   producer declares an expected count that fits in memory a Flat queue is
//   used inside an Overflow queue, which moves to a SpillQueue if the producer
//   under-declared and memory would exceed its limit; otherwise the
//   SpillQueue bounds memory by appending overflow identifiers to a
//   temporary file.
//
// ============================================================================

package queue

import (
	"errors"
	"log/slog"

	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// ErrClosed is returned by operations on a closed queue
var ErrClosed = errors.New("queue is closed")

// Queue is a FIFO of work identifiers
type Queue interface {
	// Offer appends id; false means the id was not stored
	Offer(id types.WorkID) bool
	// Poll removes and returns the head
	Poll() (types.WorkID, bool)
	// Peek returns the head without removing it
	Peek() (types.WorkID, bool)
	// Size is the number of identifiers still held
	Size() int
	// Clear drops every held identifier
	Clear()
	// Close releases resources; the queue is unusable afterwards
	Close() error
}

// Flat is a pre-sized, memory-only Queue
type Flat struct {
	items  []types.WorkID
	head   int
	closed bool
}

// NewFlat returns a Flat queue with room for capacity identifiers.
// It grows past capacity if needed.
func NewFlat(capacity int) *Flat {
	if capacity < 0 {
		capacity = 0
	}
	return &Flat{items: make([]types.WorkID, 0, capacity)}
}

func (f *Flat) Offer(id types.WorkID) bool {
	if f.closed {
		return false
	}
	f.items = append(f.items, id)
	return true
}

func (f *Flat) Poll() (types.WorkID, bool) {
	if f.head >= len(f.items) {
		return "", false
	}
	id := f.items[f.head]
	f.items[f.head] = ""
	f.head++
	if f.head == len(f.items) {
		f.items = f.items[:0]
		f.head = 0
	}
	return id, true
}

func (f *Flat) Peek() (types.WorkID, bool) {
	if f.head >= len(f.items) {
		return "", false
	}
	return f.items[f.head], true
}

func (f *Flat) Size() int {
	return len(f.items) - f.head
}

func (f *Flat) Clear() {
	f.items = f.items[:0]
	f.head = 0
}

func (f *Flat) Close() error {
	f.Clear()
	f.items = nil
	f.closed = true
	return nil
}

// Overflow holds identifiers in a Flat queue until it would exceed limit,
// then moves them, in order, to the Queue returned by spill and delegates
// to it from then on. Like Flat it is used from a single goroutine.
type Overflow struct {
	limit int
	spill func() Queue
	log   *slog.Logger

	flat    *Flat
	q       Queue
	spilled bool
}

// NewOverflow returns an Overflow pre-sized for initial identifiers
func NewOverflow(initial, limit int, spill func() Queue, logger *slog.Logger) *Overflow {
	if initial > limit {
		initial = limit
	}
	f := NewFlat(initial)
	return &Overflow{limit: limit, spill: spill, log: logging.OrDefault(logger), flat: f, q: f}
}

func (o *Overflow) Offer(id types.WorkID) bool {
	if !o.spilled && !o.flat.closed && o.flat.Size() >= o.limit {
		o.moveToSpill()
	}
	return o.q.Offer(id)
}

func (o *Overflow) moveToSpill() {
	s := o.spill()
	moved, lost := 0, 0
	for {
		id, ok := o.flat.Poll()
		if !ok {
			break
		}
		if s.Offer(id) {
			moved++
		} else {
			lost++
		}
	}
	o.flat.Close()
	o.q = s
	o.spilled = true
	o.log.Warn("In-memory queue limit reached, switching to spill queue",
		"limit", o.limit, "moved", moved, "dropped", lost)
}

// Spilled reports whether the queue has moved to its spill queue
func (o *Overflow) Spilled() bool {
	return o.spilled
}

func (o *Overflow) Poll() (types.WorkID, bool) { return o.q.Poll() }
func (o *Overflow) Peek() (types.WorkID, bool) { return o.q.Peek() }
func (o *Overflow) Size() int                  { return o.q.Size() }
func (o *Overflow) Clear()                     { o.q.Clear() }
func (o *Overflow) Close() error               { return o.q.Close() }
