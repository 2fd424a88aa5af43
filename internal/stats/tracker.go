// ============================================================================
// Beaver-Batch Stats Tracker - per-unit outcome accounting
// ============================================================================
//
// Package: internal/stats
// File: tracker.go
//
// Tracks:
//   - task count     finished work units, success or failure
//   - failed count   failed work units
//   - identifiers    identifiers covered by finished units
//   - slow units     the K slowest units seen so far (min-heap, K = SlowLimit)
//   - failed ids     the first K identifiers of failed units (K = FailedLimit)
//
// The worker pool records every CompletionRecord here; the monitor and the
// admin server read snapshots.
//
// ============================================================================

package stats

import (
	"container/heap"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Default list bounds
const (
	DefaultSlowLimit   = 5
	DefaultFailedLimit = 1000
)

// Tracker accumulates unit outcomes. Safe for concurrent use.
type Tracker struct {
	mu sync.RWMutex

	tasks     int64
	failed    int64
	completed int64

	slow      slowHeap
	slowLimit int

	failedIDs   []string
	failedLimit int
}

// NewTracker creates a tracker. Non-positive limits take the defaults.
func NewTracker(slowLimit, failedLimit int) *Tracker {
	if slowLimit <= 0 {
		slowLimit = DefaultSlowLimit
	}
	if failedLimit <= 0 {
		failedLimit = DefaultFailedLimit
	}
	return &Tracker{
		slow:        make(slowHeap, 0, slowLimit),
		slowLimit:   slowLimit,
		failedIDs:   make([]string, 0),
		failedLimit: failedLimit,
	}
}

// Record accounts for one finished unit
func (t *Tracker) Record(rec types.CompletionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tasks++
	t.completed += int64(len(rec.IDs))

	if !rec.Succeeded() {
		t.failed++
		for _, id := range rec.IDs {
			if len(t.failedIDs) >= t.failedLimit {
				break
			}
			t.failedIDs = append(t.failedIDs, string(id))
		}
	}

	t.recordSlowLocked(rec.IDs, rec.Duration)
}

func (t *Tracker) recordSlowLocked(ids types.Batch, d time.Duration) {
	if len(t.slow) < t.slowLimit {
		heap.Push(&t.slow, types.SlowUnit{IDs: joinIDs(ids), Duration: d})
		return
	}
	if d <= t.slow[0].Duration {
		return
	}
	t.slow[0] = types.SlowUnit{IDs: joinIDs(ids), Duration: d}
	heap.Fix(&t.slow, 0)
}

// TaskCount returns the number of finished units
func (t *Tracker) TaskCount() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tasks
}

// FailedCount returns the number of failed units
func (t *Tracker) FailedCount() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failed
}

// CompletedIDs returns the number of identifiers covered by finished units
func (t *Tracker) CompletedIDs() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.completed
}

// SlowUnits returns the slowest units, slowest first
func (t *Tracker) SlowUnits() []types.SlowUnit {
	t.mu.RLock()
	out := make([]types.SlowUnit, len(t.slow))
	copy(out, t.slow)
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })
	return out
}

// FailedIDs returns the recorded identifiers of failed units, in failure order
func (t *Tracker) FailedIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.failedIDs...)
}

// Fill copies the tracker counters and lists into s
func (t *Tracker) Fill(s *types.JobStats) {
	s.TaskCount = t.TaskCount()
	s.FailedCount = t.FailedCount()
	s.SlowUnits = t.SlowUnits()
	s.FailedIDs = t.FailedIDs()
}

// Reset clears everything
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks, t.failed, t.completed = 0, 0, 0
	t.slow = t.slow[:0]
	t.failedIDs = t.failedIDs[:0]
}

func joinIDs(ids types.Batch) string {
	return strings.Join(ids.Strings(), ";")
}

// slowHeap is a min-heap on Duration; the root is the fastest kept unit
type slowHeap []types.SlowUnit

func (h slowHeap) Len() int           { return len(h) }
func (h slowHeap) Less(i, j int) bool { return h[i].Duration < h[j].Duration }
func (h slowHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *slowHeap) Push(x any) {
	*h = append(*h, x.(types.SlowUnit))
}

func (h *slowHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
