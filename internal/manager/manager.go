// ============================================================================
// Beaver-Batch Manager - job dispatcher and lifecycle coordinator
// ============================================================================
//
// Package: internal/manager
// File: manager.go
// Function: drives one job from configuration to outcome, coordinating the
//           connection pool, the loader, the queue, the worker pool and the
//           monitor
//
// State machine:
//   INIT → LOADING → DISPATCHING → MONITORING → DRAINING → DONE
//                 ╲        ╲            ╲           ╲
//                  └────────┴────────────┴───────────┴──▶ FAILED
//
// Run:
//   1. INIT         dial upstreams, build the connection pool and the units
//   2. LOADING      open the loader, record the batch ref, read the expected
//                   count (<= 0 means no work: nothing else is started)
//   3. pre-batch    optional unit, once, synchronously
//   4. DISPATCHING  two goroutines in one errgroup:
//                     dispatch  probe unit with the first id, drain the loader
//                               into the queue, reconcile the count, submit
//                               batches of BatchSize, seal the monitor
//                     monitor   consume completions until every expected id
//                               is accounted for or a fatal unit arrives
//   5. DRAINING     optional post-batch unit, once, synchronously
//   6. DONE
//
// Shutdown ordering on every exit path:
//   worker pool (ShutdownNow unless it drained cleanly) → monitor →
//   queue → loader → connection pool
//
// ============================================================================

package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-batch/internal/config"
	"github.com/ChuLiYu/beaver-batch/internal/connpool"
	"github.com/ChuLiYu/beaver-batch/internal/loader"
	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/monitor"
	"github.com/ChuLiYu/beaver-batch/internal/queue"
	"github.com/ChuLiYu/beaver-batch/internal/snapshot"
	"github.com/ChuLiYu/beaver-batch/internal/stats"
	"github.com/ChuLiYu/beaver-batch/internal/task"
	"github.com/ChuLiYu/beaver-batch/internal/upstream"
	"github.com/ChuLiYu/beaver-batch/internal/worker"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

var (
	// ErrNotRunning is returned by control commands outside DISPATCHING and MONITORING
	ErrNotRunning = errors.New("job is not running")
	// ErrAlreadyStarted is returned when Run is called twice on one Manager
	ErrAlreadyStarted = errors.New("job already started")
)

// ============================================================================
// Data structures
// ============================================================================

// Options carries the dependencies a Manager does not build from config
type Options struct {
	Conns   []connpool.Conn    // pre-built upstream connections, nil dials cfg.Upstream.URIs
	Loaders *loader.Registry   // nil means loader.DefaultRegistry()
	Tasks   *task.Registry     // nil means task.DefaultRegistry()
	Metrics *metrics.Collector // optional
	Logger  *slog.Logger
}

// Manager runs one job. It is single-use.
type Manager struct {
	cfg  *config.Config
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	state     types.JobState
	jobID     string
	startedAt time.Time
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	pool      *worker.Pool
	mon       *monitor.Monitor
}

// New creates a manager for cfg. The job id is assigned here.
func New(cfg *config.Config, opts Options) *Manager {
	if opts.Loaders == nil {
		opts.Loaders = loader.DefaultRegistry()
	}
	if opts.Tasks == nil {
		opts.Tasks = task.DefaultRegistry()
	}
	jobID := uuid.NewString()
	return &Manager{
		cfg:   cfg,
		opts:  opts,
		log:   logging.OrDefault(opts.Logger).With("job_id", jobID),
		jobID: jobID,
		state: types.StateInit,
	}
}

// ============================================================================
// Run
// ============================================================================

// Run executes the job and blocks until it ends. The returned error is nil
// for OutcomeSuccess, OutcomeNoWork and OutcomeStopped.
func (m *Manager) Run(ctx context.Context) (types.Outcome, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return types.OutcomeFailed, ErrAlreadyStarted
	}
	m.started = true
	m.startedAt = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	stopped := m.stopped
	m.mu.Unlock()
	defer cancel()

	if stopped {
		return m.finish(types.OutcomeStopped, nil)
	}

	m.log.Info("Starting job",
		"loader", m.cfg.Loader.Type,
		"task", m.cfg.Task.Process,
		"threads", m.cfg.Job.ThreadCount,
		"batch_size", m.cfg.Job.BatchSize)

	outcome, err := m.run(ctx)
	if err != nil && m.isStopped() {
		outcome, err = types.OutcomeStopped, nil
	}
	return m.finish(outcome, err)
}

func (m *Manager) run(ctx context.Context) (types.Outcome, error) {
	var cleanup closers
	defer func() {
		if err := cleanup.close(); err != nil {
			m.log.Warn("Job cleanup finished with errors", "error", err)
		}
	}()

	// ---- INIT ----
	conns, err := m.dial()
	if err != nil {
		return types.OutcomeFailed, err
	}
	policy, err := connpool.ParsePolicy(m.cfg.Upstream.Policy)
	if err != nil {
		return types.OutcomeFailed, err
	}
	poolCfg := connpool.Config{
		Policy:        policy,
		RetryLimit:    m.cfg.Upstream.RetryLimit,
		RetryInterval: m.cfg.Upstream.RetryInterval,
		Logger:        m.log,
	}
	if m.opts.Metrics != nil {
		poolCfg.Observer = m.opts.Metrics
	}
	cp := connpool.New(conns, poolCfg)
	cleanup.push("connection pool", cp.Close)

	process, pre, post, err := m.buildTasks()
	if err != nil {
		return types.OutcomeFailed, err
	}
	props := task.NewProperties(m.cfg.Properties)

	// ---- LOADING ----
	m.setState(types.StateLoading)
	ld, err := m.opts.Loaders.New(loader.Spec{
		Type:           m.cfg.Loader.Type,
		File:           m.cfg.Loader.File,
		Module:         m.cfg.Loader.Module,
		ReplacePattern: m.cfg.Loader.ReplacePattern,
		DSN:            m.cfg.Loader.DSN,
		CountQuery:     m.cfg.Loader.CountQuery,
		IDQuery:        m.cfg.Loader.IDQuery,
		IDs:            m.cfg.Loader.IDs,
		Props:          props,
		Conns:          cp,
		Logger:         m.log,
	})
	if err != nil {
		return types.OutcomeFailed, err
	}
	cleanup.push("loader", ld.Close)

	if err := ld.Open(ctx); err != nil {
		return types.OutcomeFailed, fmt.Errorf("failed to open loader: %w", err)
	}
	if ref := ld.BatchRef(); ref != "" {
		props = props.With(task.BatchRefKey, ref)
	}
	expected := ld.ExpectedCount()
	if expected <= 0 {
		m.log.Info("Loader reported no work", "expected", expected)
		return types.OutcomeNoWork, nil
	}
	m.log.Info("Loader opened", "expected", expected, "batch_ref", ld.BatchRef())

	if pre != nil {
		if err := runOnce(ctx, pre, cp, props); err != nil {
			return types.OutcomeFailed, fmt.Errorf("pre-batch task failed: %w", err)
		}
	}

	// ---- DISPATCHING ----
	tracker := stats.NewTracker(m.cfg.Job.SlowLimit, m.cfg.Job.FailedLimit)
	pool := worker.NewPool(worker.Config{
		Size:          m.cfg.Job.ThreadCount,
		QueueCapacity: m.cfg.EffectiveQueueCapacity(),
		Stats:         tracker,
		Metrics:       m.opts.Metrics,
		IsFatal:       m.isFatal,
		Logger:        m.log,
	})
	if err := pool.Start(); err != nil {
		return types.OutcomeFailed, err
	}
	mon := monitor.New(pool.Completions(), monitor.Config{
		PollInterval:     m.cfg.Monitor.PollInterval,
		ProgressInterval: m.cfg.Monitor.ProgressInterval,
		TPSWindow:        m.cfg.Monitor.TPSWindow,
		Pool:             pool,
		Stats:            tracker,
		Metrics:          m.opts.Metrics,
		Logger:           m.log,
	})
	mon.SetExpectedCount(int64(expected))

	drained := false
	defer func() {
		if drained {
			return
		}
		if dropped := pool.ShutdownNow(); dropped > 0 {
			m.log.Warn("Discarded queued work units", "units", dropped)
		}
		mon.Shutdown()
	}()

	q := m.newQueue(expected)
	cleanup.push("queue", q.Close)

	m.mu.Lock()
	m.pool, m.mon = pool, mon
	m.state = types.StateDispatching
	m.mu.Unlock()

	d := &dispatcher{
		log:       m.log,
		loader:    ld,
		queue:     q,
		pool:      pool,
		mon:       mon,
		batchSize: m.cfg.Job.BatchSize,
		expected:  expected,
		unit: func(ids types.Batch) worker.Unit {
			return worker.Unit{IDs: ids, Run: processRun(cp, process, ids, props)}
		},
		onSubmitted: func() { m.setState(types.StateMonitoring) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return d.run(gctx) })
	if err := g.Wait(); err != nil {
		return types.OutcomeFailed, err
	}

	pool.Shutdown()
	drained = true

	// ---- DRAINING ----
	m.setState(types.StateDraining)
	if post != nil {
		if err := runOnce(ctx, post, cp, props); err != nil {
			return types.OutcomeFailed, fmt.Errorf("post-batch task failed: %w", err)
		}
	}
	return types.OutcomeSuccess, nil
}

// finish records the terminal state, logs the summary and writes the stats file
func (m *Manager) finish(outcome types.Outcome, err error) (types.Outcome, error) {
	if outcome == types.OutcomeFailed || outcome == types.OutcomeStopped {
		m.setState(types.StateFailed)
	} else {
		m.setState(types.StateDone)
	}

	s := m.Stats()
	attrs := []any{
		"outcome", outcome,
		"completed", s.CompletedCount,
		"expected", s.ExpectedCount,
		"failed_units", s.FailedCount,
		"elapsed", time.Since(s.StartedAt).Round(time.Millisecond),
	}
	if err != nil {
		m.log.Error("Job failed", append(attrs, "error", err)...)
	} else {
		m.log.Info("Job finished", attrs...)
	}

	if path := m.cfg.Job.StatsFile; path != "" {
		if werr := snapshot.NewManager(path).WriteStats(s, outcome, err); werr != nil {
			m.log.Warn("Failed to write stats file", "path", path, "error", werr)
		}
	}
	return outcome, err
}

// ============================================================================
// INIT helpers
// ============================================================================

func (m *Manager) dial() ([]connpool.Conn, error) {
	if m.opts.Conns != nil {
		return m.opts.Conns, nil
	}
	conns, err := upstream.DialAll(m.cfg.Upstream.URIs, upstream.Options{
		Timeout: m.cfg.Upstream.Timeout,
		Logger:  m.log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect upstreams: %w", err)
	}
	return conns, nil
}

// buildTasks resolves the process unit and the optional pre/post-batch units.
// A pre/post module without a unit name runs through invoke.
func (m *Manager) buildTasks() (process, pre, post task.Task, err error) {
	tc := m.cfg.Task
	process, err = m.opts.Tasks.New(task.Spec{
		Name:       tc.Process,
		Module:     tc.ProcessModule,
		ModuleType: task.ModuleProcess,
		ExportDir:  tc.ExportDir,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	pre, err = m.optionalTask(tc.PreBatch, tc.PreBatchModule, task.ModulePreBatch)
	if err != nil {
		return nil, nil, nil, err
	}
	post, err = m.optionalTask(tc.PostBatch, tc.PostBatchModule, task.ModulePostBatch)
	if err != nil {
		return nil, nil, nil, err
	}
	return process, pre, post, nil
}

func (m *Manager) optionalTask(name, module, moduleType string) (task.Task, error) {
	if name == "" && module == "" {
		return nil, nil
	}
	if name == "" {
		name = task.NameInvoke
	}
	return m.opts.Tasks.New(task.Spec{
		Name:       name,
		Module:     module,
		ModuleType: moduleType,
		ExportDir:  m.cfg.Task.ExportDir,
	})
}

// newQueue sizes the queue from the declared count. A declared count that
// fits in memory still cannot hold more than MaxInMemory identifiers there.
func (m *Manager) newQueue(expected int) queue.Queue {
	spill := func() queue.Queue {
		return queue.NewSpillQueue(queue.SpillConfig{
			MaxInMemory:     m.cfg.Queue.MaxInMemory,
			TempDir:         m.cfg.Queue.TempDir,
			RefillThreshold: m.cfg.Queue.RefillThreshold,
			Logger:          m.log,
			OnSpill:         m.opts.Metrics.RecordSpill,
		})
	}
	if expected <= m.cfg.Queue.MaxInMemory {
		return queue.NewOverflow(expected, m.cfg.Queue.MaxInMemory, spill, m.log)
	}
	return spill()
}

// isFatal marks unit failures that halt the job
func (m *Manager) isFatal(err error) bool {
	return m.cfg.Job.FailOnError || errors.Is(err, connpool.ErrNoConnections)
}

func processRun(cp *connpool.Pool, t task.Task, ids types.Batch, props task.Properties) worker.RunFunc {
	return func(ctx context.Context) ([]types.WorkID, error) {
		conn, err := cp.Get(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		return t.Run(ctx, ids, props, conn)
	}
}

// runOnce runs a pre/post-batch unit outside the worker pool
func runOnce(ctx context.Context, t task.Task, cp *connpool.Pool, props task.Properties) error {
	conn, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = t.Run(ctx, nil, props, conn)
	return err
}

// ============================================================================
// Control commands
// ============================================================================

// Stop halts the job. Run returns OutcomeStopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel, mon := m.cancel, m.mon
	m.mu.Unlock()

	m.log.Info("Stop requested")
	if mon != nil {
		mon.Shutdown()
	}
	if cancel != nil {
		cancel()
	}
}

// Pause holds units that have not started yet
func (m *Manager) Pause() error {
	pool, err := m.runningPool()
	if err != nil {
		return err
	}
	pool.Pause()
	m.log.Info("Job paused")
	return nil
}

// Resume releases paused units
func (m *Manager) Resume() error {
	pool, err := m.runningPool()
	if err != nil {
		return err
	}
	pool.Resume()
	m.log.Info("Job resumed")
	return nil
}

// SetThreadCount resizes the worker pool
func (m *Manager) SetThreadCount(n int) error {
	pool, err := m.runningPool()
	if err != nil {
		return err
	}
	if err := pool.SetSize(n); err != nil {
		return err
	}
	m.log.Info("Thread count changed", "threads", n)
	return nil
}

func (m *Manager) runningPool() (*worker.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case types.StateDispatching, types.StateMonitoring:
		return m.pool, nil
	default:
		return nil, fmt.Errorf("%w (state %s)", ErrNotRunning, m.state)
	}
}

// ============================================================================
// Status
// ============================================================================

// Stats returns a snapshot of the job
func (m *Manager) Stats() types.JobStats {
	m.mu.Lock()
	mon, pool := m.mon, m.pool
	state, jobID, startedAt := m.state, m.jobID, m.startedAt
	m.mu.Unlock()

	var s types.JobStats
	if mon != nil {
		s = mon.Stats()
	}
	s.JobID = jobID
	s.State = state
	s.StartedAt = startedAt
	s.ThreadCount = m.cfg.Job.ThreadCount
	if pool != nil {
		s.ThreadCount = pool.Size()
	}
	return s
}

// State returns the current state machine position
func (m *Manager) State() types.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s types.JobState) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.Debug("Job state changed", "from", prev, "to", s)
	}
}

func (m *Manager) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// ============================================================================
// Cleanup
// ============================================================================

type closer struct {
	name string
	fn   func() error
}

// closers runs close functions in reverse registration order
type closers []closer

func (c *closers) push(name string, fn func() error) {
	*c = append(*c, closer{name: name, fn: fn})
}

func (c closers) close() error {
	var result *multierror.Error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", c[i].name, err))
		}
	}
	return result.ErrorOrNil()
}
