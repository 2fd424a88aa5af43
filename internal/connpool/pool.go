// ============================================================================
// Beaver-Batch Connection Pool - upstream connection selection and health
// ============================================================================
//
// Package: internal/connpool
// File: pool.go
//
// Connection states:
//   available ──connectivity error──▶ excluded (now - lastError < RetryInterval)
//       ▲                                 │
//       └────────success / window over────┘
//   any state ──errors > RetryLimit──▶ removed (closed, never returned again)
//
// Selection:
//   Get filters out excluded connections and asks the Policy to choose.
//   When every live connection is excluded the filter is waived, and Get
//   waits out the chosen connection's remaining retry window (bounded by
//   RetryInterval, cancellable through ctx) before handing it back.
//
// Concurrency:
//   One mutex guards every entry. The retry-interval wait happens outside it.
//
// ============================================================================

package connpool

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ChuLiYu/beaver-batch/internal/logging"
)

// Defaults for the connection retry budget
const (
	DefaultRetryLimit    = 3
	DefaultRetryInterval = 60 * time.Second
)

// Observer receives connection health events (metrics)
type Observer interface {
	ConnectionError(uri string)
	ConnectionRemoved(uri string)
}

// Config configures a Pool
type Config struct {
	Policy        Policy
	RetryLimit    int           // attempts per operation; a connection is removed once its error count exceeds it
	RetryInterval time.Duration // exclusion window after a connectivity error
	Logger        *slog.Logger
	Observer      Observer
	Now           func() time.Time // clock, nil means time.Now
	Rand          *rand.Rand       // random source for PolicyRandom, nil means time-seeded
}

// ConnStats is a point-in-time view of one live connection
type ConnStats struct {
	URI        string    `json:"uri"`
	ErrorCount int       `json:"error_count"`
	LastError  time.Time `json:"last_error,omitempty"`
	InFlight   int       `json:"in_flight"`
	Excluded   bool      `json:"excluded"`
}

type entry struct {
	conn      Conn
	errCount  int
	lastError time.Time
	inFlight  int
	removed   bool
}

// Pool hands out upstream connections according to a Policy
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	cursor  int
	closed  bool

	cfg Config
	log *slog.Logger
	rnd *rand.Rand
}

// New creates a pool over conns. The pool owns them and closes them on
// removal or Close.
func New(conns []Conn, cfg Config) *Pool {
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	entries := make([]*entry, 0, len(conns))
	for _, c := range conns {
		entries = append(entries, &entry{conn: c})
	}

	return &Pool{
		entries: entries,
		cfg:     cfg,
		log:     logging.OrDefault(cfg.Logger),
		rnd:     cfg.Rand,
	}
}

// Get returns a connection chosen by the pool policy. The returned Conn
// transparently retries connectivity failures on other connections.
func (p *Pool) Get(ctx context.Context) (Conn, error) {
	e, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pooledConn{pool: p, current: e}, nil
}

// acquire selects a live entry and leases it, waiting out its retry window
// when every connection is currently excluded. The lease is counted in
// inFlight under the same lock as the pick; release ends it.
func (p *Pool) acquire(ctx context.Context) (*entry, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.entries) == 0 {
		p.mu.Unlock()
		return nil, ErrNoConnections
	}

	now := p.cfg.Now()
	i := p.cfg.Policy.pick(p.entries, func(e *entry) bool { return !p.excludedLocked(e, now) }, &p.cursor, p.rnd)
	if i >= 0 {
		e := p.entries[i]
		e.inFlight++
		p.mu.Unlock()
		return e, nil
	}

	// every connection is excluded: waive the filter
	i = p.cfg.Policy.pick(p.entries, func(*entry) bool { return true }, &p.cursor, p.rnd)
	e := p.entries[i]
	e.inFlight++
	wait := p.cfg.RetryInterval - now.Sub(e.lastError)
	p.mu.Unlock()

	if wait > p.cfg.RetryInterval {
		wait = p.cfg.RetryInterval
	}
	if wait <= 0 {
		return e, nil
	}

	p.log.Debug("All connections excluded, waiting for retry window", "uri", e.conn.URI(), "wait", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		p.release(e)
		return nil, ctx.Err()
	case <-timer.C:
		return e, nil
	}
}

func (p *Pool) excludedLocked(e *entry, now time.Time) bool {
	if e.errCount == 0 || e.lastError.IsZero() {
		return false
	}
	return now.Sub(e.lastError) < p.cfg.RetryInterval
}

func (p *Pool) live(e *entry) bool {
	if e == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !e.removed
}

func (p *Pool) release(e *entry) {
	if e == nil {
		return
	}
	p.mu.Lock()
	if e.inFlight > 0 {
		e.inFlight--
	}
	p.mu.Unlock()
}

// finish records the outcome of one operation on e
func (p *Pool) finish(e *entry, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		e.errCount = 0
		e.lastError = time.Time{}
		return
	}
	if !IsConnectivity(err) || e.removed {
		return
	}

	e.errCount++
	e.lastError = p.cfg.Now()
	uri := e.conn.URI()
	if p.cfg.Observer != nil {
		p.cfg.Observer.ConnectionError(uri)
	}
	p.log.Warn("Upstream connection error", "uri", uri, "errors", e.errCount, "error", err)

	if e.errCount > p.cfg.RetryLimit {
		p.log.Error("Removing upstream connection after repeated failures", "uri", uri, "errors", e.errCount)
		p.removeLocked(e)
	}
}

// Remove takes conn out of the pool permanently and closes it. conn may be
// a Conn returned by Get or one passed to New.
func (p *Pool) Remove(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := conn.(*pooledConn); ok {
		if pc.current != nil {
			p.removeLocked(pc.current)
		}
		return
	}
	for _, e := range p.entries {
		if e.conn == conn {
			p.removeLocked(e)
			return
		}
	}
}

func (p *Pool) removeLocked(e *entry) {
	if e.removed {
		return
	}
	e.removed = true
	for i, cur := range p.entries {
		if cur == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			break
		}
	}
	if len(p.entries) > 0 {
		p.cursor %= len(p.entries)
	} else {
		p.cursor = 0
	}

	if p.cfg.Observer != nil {
		p.cfg.Observer.ConnectionRemoved(e.conn.URI())
	}
	if err := e.conn.Close(); err != nil {
		p.log.Warn("Failed to close removed connection", "uri", e.conn.URI(), "error", err)
	}
}

// Available reports whether any connection is left
func (p *Pool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.entries) > 0
}

// GetAll returns every live connection (unwrapped)
func (p *Pool) GetAll() []Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Conn, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.conn)
	}
	return out
}

// Stats returns a snapshot of every live connection
func (p *Pool) Stats() []ConnStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Now()
	out := make([]ConnStats, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, ConnStats{
			URI:        e.conn.URI(),
			ErrorCount: e.errCount,
			LastError:  e.lastError,
			InFlight:   e.inFlight,
			Excluded:   p.excludedLocked(e, now),
		})
	}
	return out
}

// Close closes every live connection
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var result *multierror.Error
	for _, e := range p.entries {
		e.removed = true
		if err := e.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.entries = nil
	return result.ErrorOrNil()
}
