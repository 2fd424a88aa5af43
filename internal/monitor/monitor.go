// ============================================================================
// Beaver-Batch Monitor - completion accounting and throughput
// ============================================================================
//
// Package: internal/monitor
// File: monitor.go
// Function: consumes worker pool completions, computes TPS and ETC, logs
//           progress and decides when the job is finished
//
// Loop:
//   for {
//     sealed && completed >= expected  → consistency check, return nil
//     select {
//       completion    → count identifiers, fatal → return error
//       poll timer    → nothing, bounded wait
//       Shutdown()    → return ErrShutdown
//       ctx.Done()    → return ctx.Err()
//     }
//     every ProgressInterval → sample current TPS, log progress
//   }
//
// Throughput:
//   average = completed / elapsed since Run started
//   current = completed since last sample / time since last sample
//   ETC     = remaining / mean(last TPSWindow current samples)
//
//   While the pool is paused new samples are not pushed into the window,
//   and the window is cleared once current TPS drops to zero.
//
// ============================================================================

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/stats"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

const (
	DefaultPollInterval     = time.Second
	DefaultProgressInterval = 60 * time.Second
	DefaultTPSWindow        = 10
)

var (
	// ErrShutdown is returned by Run after Shutdown
	ErrShutdown = errors.New("monitor shut down")
	// ErrCompletionsClosed means the pool stopped before every identifier completed
	ErrCompletionsClosed = errors.New("completion channel closed before job finished")
)

// PoolView is the part of the worker pool the monitor reads
type PoolView interface {
	ActiveCount() int
	QueuedCount() int
	IsPaused() bool
}

// Config configures a Monitor
type Config struct {
	PollInterval     time.Duration
	ProgressInterval time.Duration
	TPSWindow        int
	Pool             PoolView           // optional
	Stats            *stats.Tracker     // optional
	Metrics          *metrics.Collector // optional
	Logger           *slog.Logger
	Now              func() time.Time
}

// Monitor tracks job progress from a completion channel
type Monitor struct {
	cfg         Config
	log         *slog.Logger
	completions <-chan types.CompletionRecord

	stopOnce sync.Once
	stopCh   chan struct{}

	mu            sync.Mutex
	expected      int64
	sealed        bool
	completed     int64
	start         time.Time
	lastSample    time.Time
	lastCompleted int64
	lastProgress  time.Time
	avgTPS        float64
	currentTPS    float64
	window        []float64
}

// New creates a monitor reading from completions
func New(completions <-chan types.CompletionRecord, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.TPSWindow <= 0 {
		cfg.TPSWindow = DefaultTPSWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewTracker(0, 0)
	}
	now := cfg.Now()
	return &Monitor{
		cfg:          cfg,
		log:          logging.OrDefault(cfg.Logger),
		completions:  completions,
		stopCh:       make(chan struct{}),
		start:        now,
		lastSample:   now,
		lastProgress: now,
	}
}

// SetExpectedCount sets the number of identifiers the job will complete
func (m *Monitor) SetExpectedCount(n int64) {
	m.mu.Lock()
	m.expected = n
	m.mu.Unlock()
	m.cfg.Metrics.SetExpected(n)
}

// Seal marks the expected count as final. Run only finishes once sealed.
func (m *Monitor) Seal() {
	m.mu.Lock()
	m.sealed = true
	m.mu.Unlock()
}

// Shutdown makes Run return ErrShutdown
func (m *Monitor) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Run consumes completions until every expected identifier is accounted
// for, a fatal completion arrives, Shutdown is called or ctx ends
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	now := m.cfg.Now()
	m.start, m.lastSample, m.lastProgress = now, now, now
	m.mu.Unlock()

	m.log.Info("Monitoring job", "expected", m.Expected())

	timer := time.NewTimer(m.cfg.PollInterval)
	defer timer.Stop()

	for {
		if m.finished() {
			m.sample()
			m.checkConsistency()
			m.logProgress("Job completed")
			return nil
		}

		select {
		case rec, ok := <-m.completions:
			if !ok {
				m.sample()
				return ErrCompletionsClosed
			}
			if err := m.observe(rec); err != nil {
				m.sample()
				return err
			}
		case <-timer.C:
			timer.Reset(m.cfg.PollInterval)
		case <-m.stopCh:
			m.sample()
			return ErrShutdown
		case <-ctx.Done():
			m.sample()
			return ctx.Err()
		}

		if m.progressDue() {
			m.sample()
			m.logProgress("Job progress")
		}
	}
}

func (m *Monitor) observe(rec types.CompletionRecord) error {
	m.mu.Lock()
	m.completed += int64(len(rec.IDs))
	m.mu.Unlock()

	if rec.Err != nil {
		if rec.Fatal {
			m.log.Error("Fatal work unit failure, halting job", "ids", len(rec.IDs), "error", rec.Err)
			return rec.Err
		}
		m.log.Warn("Work unit failed", "ids", len(rec.IDs), "error", rec.Err)
	}
	return nil
}

func (m *Monitor) finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sealed && m.completed >= m.expected
}

func (m *Monitor) progressDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Now().Sub(m.lastProgress) >= m.cfg.ProgressInterval
}

// sample recomputes average and current TPS and feeds the ETC window
func (m *Monitor) sample() {
	paused := m.cfg.Pool != nil && m.cfg.Pool.IsPaused()

	m.mu.Lock()
	now := m.cfg.Now()
	if elapsed := now.Sub(m.start).Seconds(); elapsed > 0 {
		m.avgTPS = float64(m.completed) / elapsed
	}
	if interval := now.Sub(m.lastSample).Seconds(); interval > 0 {
		m.currentTPS = float64(m.completed-m.lastCompleted) / interval
	}
	m.lastSample = now
	m.lastCompleted = m.completed

	switch {
	case !paused:
		m.window = append(m.window, m.currentTPS)
		if len(m.window) > m.cfg.TPSWindow {
			m.window = m.window[len(m.window)-m.cfg.TPSWindow:]
		}
	case m.currentTPS == 0:
		m.window = m.window[:0]
	}
	avg, cur := m.avgTPS, m.currentTPS
	m.mu.Unlock()

	m.cfg.Metrics.SetThroughput(avg, cur)
	if m.cfg.Pool != nil {
		m.cfg.Metrics.UpdatePoolStats(m.cfg.Pool.ActiveCount(), m.cfg.Pool.QueuedCount())
	}
}

func (m *Monitor) logProgress(msg string) {
	m.mu.Lock()
	m.lastProgress = m.cfg.Now()
	completed, expected := m.completed, m.expected
	avg, cur := m.avgTPS, m.currentTPS
	etc := m.etcLocked()
	m.mu.Unlock()

	active := 0
	if m.cfg.Pool != nil {
		active = m.cfg.Pool.ActiveCount()
	}
	m.log.Info(msg,
		"status", fmt.Sprintf("%d/%d, %.0f tps, %d active threads", completed, expected, avg, active),
		"current_tps", fmt.Sprintf("%.2f", cur),
		"etc", etc,
	)
}

func (m *Monitor) checkConsistency() {
	if m.cfg.Pool == nil {
		return
	}
	active, queued := m.cfg.Pool.ActiveCount(), m.cfg.Pool.QueuedCount()
	if active+queued != 0 {
		m.log.Warn("Expected count reached with work still in the pool", "active", active, "queued", queued)
	}
}

// etcLocked estimates time to completion from the mean of the sample window
func (m *Monitor) etcLocked() string {
	remaining := m.expected - m.completed
	if remaining <= 0 {
		return "0s"
	}
	if len(m.window) == 0 {
		return "unknown"
	}
	var sum float64
	for _, v := range m.window {
		sum += v
	}
	mean := sum / float64(len(m.window))
	if mean <= 0 {
		return "unknown"
	}
	d := time.Duration(float64(remaining) / mean * float64(time.Second))
	return d.Round(time.Second).String()
}

// Expected returns the expected identifier count
func (m *Monitor) Expected() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expected
}

// Completed returns the number of identifiers whose unit has finished
func (m *Monitor) Completed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed
}

// Stats returns the progress part of the job snapshot
func (m *Monitor) Stats() types.JobStats {
	var s types.JobStats
	m.cfg.Stats.Fill(&s)

	m.mu.Lock()
	s.ExpectedCount = m.expected
	s.CompletedCount = m.completed
	s.AvgTPS = m.avgTPS
	s.CurrentTPS = m.currentTPS
	s.ETC = m.etcLocked()
	m.mu.Unlock()

	if m.cfg.Pool != nil {
		s.ActiveCount = m.cfg.Pool.ActiveCount()
		s.QueuedCount = m.cfg.Pool.QueuedCount()
		s.Paused = m.cfg.Pool.IsPaused()
	}
	return s
}
