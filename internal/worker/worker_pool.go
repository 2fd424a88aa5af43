// ============================================================================
// Beaver-Batch Worker Pool - bounded concurrent unit executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: runs work units on a resizable set of worker goroutines
//
// Architecture:
//   ┌─────────────┐
//   │ Dispatcher  │ --Submit()--> admitCh (capacity QueueCapacity)
//   └─────────────┘                  │
//         ↑                          ▼
//   Completions()            ┌──────────────┐
//         ↑                  │ Worker 1..N  │ ── pause gate ── Run(ctx)
//   ┌─────────────┐          └──────────────┘
//   │   Monitor   │ ←── completions ──┘
//   └─────────────┘
//
// Backpressure:
//   At most Size units run and at most QueueCapacity wait in admitCh, so
//   admitted-but-unfinished units never exceed Size + QueueCapacity. Beyond
//   that Submit blocks the caller until a slot frees up, ctx ends, or the
//   pool shuts down.
//
// Shutdown:
//   Shutdown()     stop admission, let queued units finish, wait for workers
//   ShutdownNow()  stop admission, cancel running units through their ctx,
//                  discard queued units, return how many were dropped
//
//   Fatal unit: the pool halts before the record is published. Units not yet
//   started are discarded, running units continue, admission stays open
//   until the owner calls ShutdownNow.
//
//   admitCh is never closed. Shutdown first closes stopCh, waits for every
//   Submit in progress to return, then closes drainCh so workers empty
//   admitCh and exit.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/stats"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// Config configures a Pool
type Config struct {
	Size             int                  // worker goroutines
	QueueCapacity    int                  // admitted units waiting for a worker, 0 means Size
	CompletionBuffer int                  // Completions() buffer, 0 means Size + QueueCapacity
	Stats            *stats.Tracker       // optional
	Metrics          *metrics.Collector   // optional
	IsFatal          func(err error) bool // marks failures that must halt the job
	Logger           *slog.Logger
}

// Pool runs work units on a fixed but resizable set of workers
type Pool struct {
	cfg Config
	log *slog.Logger

	admitCh     chan *job
	completions chan types.CompletionRecord
	quitCh      chan struct{}
	stopCh      chan struct{} // closed when admission stops
	drainCh     chan struct{} // closed once no Submit can still send
	gate        *gate

	ctx    context.Context
	cancel context.CancelFunc

	// haltCtx guards unit start only; running units and completion delivery use ctx
	haltCtx  context.Context
	halt     context.CancelFunc
	haltOnce sync.Once

	mu         sync.Mutex
	size       int
	nextID     int
	started    bool
	stopped    bool
	submitters sync.WaitGroup
	workers    sync.WaitGroup
	finishOnce sync.Once

	live    atomic.Int64 // worker goroutines still running
	active  atomic.Int64
	waiting atomic.Int64 // taken from admitCh, held at the pause gate
	dropped atomic.Int64
}

// NewPool creates a pool; workers start with Start
func NewPool(cfg Config) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.Size
	}
	if cfg.CompletionBuffer <= 0 {
		cfg.CompletionBuffer = cfg.Size + cfg.QueueCapacity
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewTracker(0, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	haltCtx, halt := context.WithCancel(ctx)
	return &Pool{
		cfg:         cfg,
		log:         logging.OrDefault(cfg.Logger),
		admitCh:     make(chan *job, cfg.QueueCapacity),
		completions: make(chan types.CompletionRecord, cfg.CompletionBuffer),
		quitCh:      make(chan struct{}),
		stopCh:      make(chan struct{}),
		drainCh:     make(chan struct{}),
		gate:        newGate(),
		ctx:         ctx,
		cancel:      cancel,
		haltCtx:     haltCtx,
		halt:        halt,
		size:        cfg.Size,
	}
}

// Start launches Size workers
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	p.spawnLocked(p.size)
	p.started = true
	p.cfg.Metrics.SetThreads(p.size)
	p.log.Info("Worker pool started", "workers", p.size, "queue_capacity", p.cfg.QueueCapacity)
	return nil
}

func (p *Pool) spawnLocked(n int) {
	for i := 0; i < n; i++ {
		w := &worker{id: p.nextID, pool: p}
		p.nextID++
		p.workers.Add(1)
		p.live.Add(1)
		go func() {
			defer p.workers.Done()
			defer p.live.Add(-1)
			w.loop()
		}()
	}
}

// Submit admits u, blocking while the pool is at capacity
func (p *Pool) Submit(ctx context.Context, u Unit) (*Ticket, error) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil, ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.submitters.Add(1)
	p.mu.Unlock()
	defer p.submitters.Done()

	j := &job{unit: u, ticket: newTicket()}

	select {
	case p.admitCh <- j:
		p.cfg.Metrics.RecordSubmitted()
		return j.ticket, nil
	case <-p.stopCh:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Completions delivers one record per finished unit. It is closed after
// shutdown completes.
func (p *Pool) Completions() <-chan types.CompletionRecord {
	return p.completions
}

// finish records a completed unit and publishes it
func (p *Pool) finish(j *job, rec types.CompletionRecord) {
	p.cfg.Stats.Record(rec)
	p.cfg.Metrics.RecordCompletion(rec)
	p.cfg.Metrics.UpdatePoolStats(p.ActiveCount(), p.QueuedCount())
	j.ticket.complete(rec)

	select {
	case p.completions <- rec:
	case <-p.ctx.Done():
		// ShutdownNow: nobody is guaranteed to read anymore
	}
}

func (p *Pool) discard(j *job) {
	p.dropped.Add(1)
	j.ticket.complete(types.CompletionRecord{IDs: j.unit.IDs, Err: ErrDiscarded})
}

// haltOnFatal stops every worker from starting another unit
func (p *Pool) haltOnFatal(rec types.CompletionRecord) {
	p.haltOnce.Do(func() {
		p.halt()
		p.log.Warn("Fatal work unit, halting worker pool", "ids", len(rec.IDs), "error", rec.Err)
	})
}

// Halted reports whether a fatal unit has halted the pool
func (p *Pool) Halted() bool {
	return p.haltCtx.Err() != nil && p.ctx.Err() == nil
}

func (p *Pool) isFatal(err error) bool {
	if p.cfg.IsFatal == nil {
		return false
	}
	return p.cfg.IsFatal(err)
}

// Pause stops workers from starting new units. Running units continue.
func (p *Pool) Pause() {
	p.gate.pause()
	p.log.Info("Worker pool paused")
}

// Resume releases every paused worker
func (p *Pool) Resume() {
	p.gate.resume()
	p.log.Info("Worker pool resumed")
}

// IsPaused reports whether the pool is paused
func (p *Pool) IsPaused() bool {
	return p.gate.isPaused()
}

// SetSize grows or shrinks the worker set. Surplus workers exit after
// their current unit.
func (p *Pool) SetSize(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid worker pool size %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}

	old := p.size
	p.size = n
	if p.started {
		switch {
		case n > old:
			p.spawnLocked(n - old)
		case n < old:
			surplus := old - n
			go func() {
				for i := 0; i < surplus; i++ {
					select {
					case p.quitCh <- struct{}{}:
					case <-p.drainCh:
						return
					}
				}
			}()
		}
	}
	p.cfg.Metrics.SetThreads(n)
	p.log.Info("Worker pool resized", "from", old, "to", n)
	return nil
}

// Size returns the configured number of workers
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// WorkerCount returns the number of worker goroutines still running. It
// trails Size briefly after a shrink.
func (p *Pool) WorkerCount() int {
	return int(p.live.Load())
}

// ActiveCount returns the number of running units
func (p *Pool) ActiveCount() int {
	return int(p.active.Load())
}

// QueuedCount returns the number of admitted units not yet started
func (p *Pool) QueuedCount() int {
	return len(p.admitCh) + int(p.waiting.Load())
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() Stats {
	return Stats{
		Size:    p.Size(),
		Active:  p.ActiveCount(),
		Queued:  p.QueuedCount(),
		Paused:  p.IsPaused(),
		Dropped: p.dropped.Load(),
	}
}

// Shutdown stops admission and waits for every admitted unit to finish.
// A paused pool stays blocked until Resume or ShutdownNow.
func (p *Pool) Shutdown() {
	p.stopAdmission()
	p.finishShutdown()
}

// ShutdownNow stops admission, cancels running units and discards queued
// ones. It returns the number of discarded units.
func (p *Pool) ShutdownNow() int {
	before := p.dropped.Load()
	p.stopAdmission()
	p.cancel()
	p.finishShutdown()
	return int(p.dropped.Load() - before)
}

func (p *Pool) stopAdmission() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}
	p.mu.Unlock()
	p.submitters.Wait()
}

func (p *Pool) finishShutdown() {
	p.finishOnce.Do(func() {
		close(p.drainCh)

		p.mu.Lock()
		started := p.started
		p.mu.Unlock()
		if started {
			p.workers.Wait()
		}

		// never-started pool: nothing will read admitCh
		for drained := false; !drained; {
			select {
			case j := <-p.admitCh:
				p.discard(j)
			default:
				drained = true
			}
		}

		p.cancel()
		close(p.completions)
		p.log.Info("Worker pool stopped", "dropped", p.dropped.Load())
	})
}
