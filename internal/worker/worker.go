// ============================================================================
// Beaver-Batch Worker - work unit execution loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: one goroutine that takes admitted units and runs them
//
// Loop:
//   ┌──────────────────────────────────────────────┐
//   │  Worker Goroutine                            │
//   │  ┌────────────────────────────────────────┐  │
//   │  │ select admitCh / quitCh / drainCh      │  │
//   │  │   ├─ wait on pause gate                │  │
//   │  │   ├─ execute(unit) inside a span       │  │
//   │  │   ├─ record stats and metrics          │  │
//   │  │   └─ complete ticket, emit completion  │  │
//   │  └────────────────────────────────────────┘  │
//   └──────────────────────────────────────────────┘
//
// Exit paths:
//   - quitCh:  pool shrank, exit after the current unit
//   - drainCh: shutdown, run what is left in admitCh then exit
//   - a cancelled pool context discards units instead of running them
//   - a fatal unit halts the pool before its record is published, so no
//     unit still waiting in admitCh or at the gate starts afterwards
//
// ============================================================================

package worker

import (
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

const tracerName = "github.com/ChuLiYu/beaver-batch/internal/worker"

type job struct {
	unit   Unit
	ticket *Ticket
}

type worker struct {
	id   int
	pool *Pool
}

func (w *worker) loop() {
	p := w.pool
	for {
		select {
		case j := <-p.admitCh:
			w.handle(j)
		case <-p.quitCh:
			p.log.Debug("Worker exiting after pool resize", "worker", w.id)
			return
		case <-p.drainCh:
			for {
				select {
				case j := <-p.admitCh:
					w.handle(j)
				default:
					return
				}
			}
		}
	}
}

// handle waits on the pause gate and runs j, or discards it once the pool
// is halted or its context is cancelled
func (w *worker) handle(j *job) {
	p := w.pool

	p.waiting.Add(1)
	err := p.gate.wait(p.haltCtx)
	if err != nil || p.haltCtx.Err() != nil {
		p.waiting.Add(-1)
		p.discard(j)
		return
	}

	p.active.Add(1)
	p.waiting.Add(-1)
	rec := w.execute(j.unit)
	p.active.Add(-1)

	if rec.Fatal {
		p.haltOnFatal(rec)
	}
	p.finish(j, rec)
}

// execute runs one unit, timing it and converting panics into failures
func (w *worker) execute(u Unit) (rec types.CompletionRecord) {
	p := w.pool
	ctx, span := otel.Tracer(tracerName).Start(p.ctx, "worker.run_unit")
	defer span.End()
	span.SetAttributes(
		attribute.Int("worker.id", w.id),
		attribute.Int("unit.size", len(u.IDs)),
	)
	if len(u.IDs) > 0 {
		span.SetAttributes(attribute.String("unit.first_id", string(u.IDs[0])))
	}

	start := time.Now()
	rec.IDs = u.IDs

	defer func() {
		rec.Duration = time.Since(start)
		if r := recover(); r != nil {
			p.log.Error("Work unit panicked", "worker", w.id, "ids", len(u.IDs), "panic", r, "stack", string(debug.Stack()))
			rec.Err = &UnitError{IDs: u.IDs, Err: fmt.Errorf("%w: %v", ErrUnitPanic, r)}
		}
		if rec.Err != nil {
			rec.Fatal = p.isFatal(rec.Err)
			span.RecordError(rec.Err)
			span.SetStatus(codes.Error, "work unit failed")
		}
	}()

	processed, err := u.Run(ctx)
	if err != nil {
		rec.Err = &UnitError{IDs: u.IDs, Err: err}
		return rec
	}
	rec.Processed = processed
	return rec
}
