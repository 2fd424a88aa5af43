package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/beaver-batch/internal/loader"
	"github.com/ChuLiYu/beaver-batch/internal/monitor"
	"github.com/ChuLiYu/beaver-batch/internal/queue"
	"github.com/ChuLiYu/beaver-batch/internal/worker"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

// dispatcher feeds the worker pool from the loader
type dispatcher struct {
	log       *slog.Logger
	loader    loader.Loader
	queue     queue.Queue
	pool      *worker.Pool
	mon       *monitor.Monitor
	batchSize int
	expected  int

	unit        func(ids types.Batch) worker.Unit
	onSubmitted func()
}

// run submits every identifier exactly once. The first identifier goes out
// alone so a broken process module fails fast before the bulk is queued.
func (d *dispatcher) run(ctx context.Context) error {
	read, err := d.probeAndDrain(ctx)
	if err != nil {
		return err
	}

	if err := d.loader.Close(); err != nil {
		d.log.Warn("Failed to close loader", "error", err)
	}

	if read != d.expected {
		d.log.Warn("Loader count mismatch, using actual count",
			"declared", d.expected, "actual", read)
		d.mon.SetExpectedCount(int64(read))
	}

	submitted := 0
	if read > 0 {
		submitted = 1
	}
	n, err := d.submitQueued(ctx)
	submitted += n
	if err != nil {
		return err
	}

	// spill I/O losses are logged by the queue; reconcile so the monitor can finish
	if submitted != read {
		d.log.Warn("Identifiers lost while queued",
			"read", read, "submitted", submitted)
		d.mon.SetExpectedCount(int64(submitted))
	}
	d.mon.Seal()
	if d.onSubmitted != nil {
		d.onSubmitted()
	}
	d.log.Info("All work units submitted", "identifiers", submitted)
	return nil
}

// probeAndDrain submits the first identifier and queues the rest. It returns
// the number of identifiers that will be submitted.
func (d *dispatcher) probeAndDrain(ctx context.Context) (int, error) {
	read := 0
	for {
		if err := ctx.Err(); err != nil {
			return read, err
		}
		ok, err := d.loader.HasNext()
		if err != nil {
			return read, fmt.Errorf("failed to read identifiers: %w", err)
		}
		if !ok {
			return read, nil
		}
		id, err := d.loader.Next()
		if err != nil {
			return read, fmt.Errorf("failed to read identifiers: %w", err)
		}

		if read == 0 {
			if err := d.submit(ctx, types.Batch{id}); err != nil {
				return read, err
			}
			read++
			continue
		}
		if d.queue.Offer(id) {
			read++
		}
	}
}

func (d *dispatcher) submitQueued(ctx context.Context) (int, error) {
	size := d.batchSize
	if size < 1 {
		size = 1
	}

	submitted := 0
	batch := make(types.Batch, 0, size)
	for {
		id, ok := d.queue.Poll()
		if !ok {
			break
		}
		batch = append(batch, id)
		if len(batch) < size {
			continue
		}
		if err := d.submit(ctx, batch); err != nil {
			return submitted, err
		}
		submitted += len(batch)
		batch = make(types.Batch, 0, size)
	}
	if len(batch) > 0 {
		if err := d.submit(ctx, batch); err != nil {
			return submitted, err
		}
		submitted += len(batch)
	}
	return submitted, nil
}

func (d *dispatcher) submit(ctx context.Context, ids types.Batch) error {
	if _, err := d.pool.Submit(ctx, d.unit(ids)); err != nil {
		return fmt.Errorf("failed to submit work unit: %w", err)
	}
	return nil
}
