// ============================================================================
// Beaver-Batch Spill Queue - bounded-memory FIFO with disk overflow
// ============================================================================
//
// Package: internal/queue
// File: spill_queue.go
//
// Layout:
//   ┌──────────────┐   refill    ┌─────────┐   overflow   ┌──────────────┐
//   │ ring buffer  │ ←────────── │ pending │ ←─────────── │  spill file  │
//   │ (MaxInMemory)│             │ (0 or 1)│              │ (1 id/line)  │
//   └──────────────┘             └─────────┘              └──────────────┘
//        Poll/Peek                                              Offer
//
// Ordering:
//   Once anything is on disk (file open or pending cached), every Offer goes
//   to the file even if the ring has room. Entries therefore leave in the
//   order they arrived: ring, then pending, then file.
//
// Size identity:
//   Size() == ring count + unread file records + (pending ? 1 : 0)
//
// Refill:
//   Before Poll/Peek, if the ring is empty or its fill ratio is below
//   RefillThreshold, move pending then file records into the ring until it
//   is full. A record that does not fit is cached as pending. A drained
//   file is closed and removed; the next overflow opens a fresh one.
//
// ============================================================================

package queue

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// DefaultRefillThreshold is used when SpillConfig.RefillThreshold is zero
const DefaultRefillThreshold = 0.75

// SpillConfig configures a SpillQueue
type SpillConfig struct {
	MaxInMemory     int          // ring capacity, coerced to at least 1
	TempDir         string       // spill file directory, "" means os.TempDir()
	RefillThreshold float64      // refill when fill ratio drops below this
	Logger          *slog.Logger // nil means slog.Default()
	OnSpill         func()       // called once per identifier written to disk
}

// SpillQueue is a goroutine-safe Queue that keeps at most MaxInMemory
// identifiers in memory
type SpillQueue struct {
	mu sync.Mutex

	ring  []types.WorkID
	head  int
	count int

	pending    types.WorkID
	hasPending bool

	file *spillFile

	cfg    SpillConfig
	log    *slog.Logger
	closed bool
}

// NewSpillQueue creates an empty spill queue. No file is created until the
// ring overflows.
func NewSpillQueue(cfg SpillConfig) *SpillQueue {
	if cfg.MaxInMemory < 1 {
		cfg.MaxInMemory = 1
	}
	if cfg.RefillThreshold <= 0 {
		cfg.RefillThreshold = DefaultRefillThreshold
	}
	return &SpillQueue{
		ring: make([]types.WorkID, cfg.MaxInMemory),
		cfg:  cfg,
		log:  logging.OrDefault(cfg.Logger),
	}
}

// Offer appends id. It returns false when the queue is closed, the id
// contains a newline, or the spill write failed (the id is dropped).
func (q *SpillQueue) Offer(id types.WorkID) bool {
	if strings.ContainsRune(string(id), '\n') {
		q.log.Warn("Rejected identifier containing a newline", "id", id)
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.file == nil && !q.hasPending && q.count < len(q.ring) {
		q.ring[(q.head+q.count)%len(q.ring)] = id
		q.count++
		return true
	}

	if q.file == nil {
		f, err := openSpillFile(q.cfg.TempDir)
		if err != nil {
			q.log.Error("Failed to open spill file, identifier dropped", "id", id, "error", err)
			return false
		}
		q.file = f
		q.log.Debug("Spilling identifiers to disk", "path", f.path, "in_memory", q.count)
	}

	if err := q.file.append(id); err != nil {
		q.log.Error("Spill write failed, identifier dropped", "id", id, "error", err)
		return false
	}
	if q.cfg.OnSpill != nil {
		q.cfg.OnSpill()
	}
	return true
}

// Poll removes and returns the oldest identifier
func (q *SpillQueue) Poll() (types.WorkID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.refillLocked()
	if q.count == 0 {
		return "", false
	}
	id := q.ring[q.head]
	q.ring[q.head] = ""
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return id, true
}

// Peek returns the oldest identifier without removing it
func (q *SpillQueue) Peek() (types.WorkID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.refillLocked()
	if q.count == 0 {
		return "", false
	}
	return q.ring[q.head], true
}

// Size returns the number of identifiers held in memory and on disk
func (q *SpillQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *SpillQueue) sizeLocked() int {
	n := q.count
	if q.hasPending {
		n++
	}
	if q.file != nil {
		n += q.file.unread
	}
	return n
}

// InMemory returns the number of identifiers currently in the ring
func (q *SpillQueue) InMemory() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// SpillPath returns the current spill file path, or "" when nothing is on disk
func (q *SpillQueue) SpillPath() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.file == nil {
		return ""
	}
	return q.file.path
}

// Clear drops everything and removes the spill file. The queue stays usable.
func (q *SpillQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearLocked()
}

func (q *SpillQueue) clearLocked() error {
	for i := range q.ring {
		q.ring[i] = ""
	}
	q.head, q.count = 0, 0
	q.pending, q.hasPending = "", false

	if q.file == nil {
		return nil
	}
	err := q.file.remove()
	if err != nil {
		q.log.Warn("Failed to remove spill file", "path", q.file.path, "error", err)
	}
	q.file = nil
	return err
}

// Close clears the queue and rejects further offers
func (q *SpillQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	return q.clearLocked()
}

// refillLocked moves pending and on-disk identifiers into the ring
func (q *SpillQueue) refillLocked() {
	capacity := len(q.ring)
	if q.count > 0 && float64(q.count)/float64(capacity) >= q.cfg.RefillThreshold {
		return
	}

	if q.hasPending {
		if q.count == capacity {
			return
		}
		q.pushLocked(q.pending)
		q.pending, q.hasPending = "", false
	}

	if q.file == nil {
		return
	}

	for !q.file.drained() {
		id, err := q.file.next()
		if err != nil {
			// records behind a read failure cannot be recovered; drop them once
			q.log.Error("Refill from spill file stopped, identifiers dropped",
				"path", q.file.path, "dropped", q.file.unread, "error", err)
			if rerr := q.file.remove(); rerr != nil {
				q.log.Warn("Failed to remove spill file", "path", q.file.path, "error", rerr)
			}
			q.file = nil
			return
		}
		if q.count == capacity {
			q.pending, q.hasPending = id, true
			break
		}
		q.pushLocked(id)
	}

	if q.file.drained() {
		if err := q.file.remove(); err != nil {
			q.log.Warn("Failed to remove drained spill file", "path", q.file.path, "error", err)
		}
		q.file = nil
	}
}

func (q *SpillQueue) pushLocked(id types.WorkID) {
	q.ring[(q.head+q.count)%len(q.ring)] = id
	q.count++
}
