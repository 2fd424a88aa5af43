// ============================================================================
// Simulated upstream
// ============================================================================
//
// SimConn stands in for a real upstream in the demo and in tests:
//   - Random latency (Latency + rand[0, Jitter))
//   - Injected connectivity failures (DownRate, FailFirst)
//   - Injected application errors (ErrorRate)
//
// Invoke with a URI variable echoes the batch back, one item per
// identifier. Invoke without one acts as a URI query and answers
// [batch_ref] count id... with Items generated identifiers.
//
// ============================================================================

package upstream

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-batch/internal/connpool"
)

// URIVar is the request variable carrying the identifiers of a work unit
const URIVar = "URI"

// BatchDelimiter separates identifiers inside URIVar
const BatchDelimiter = ";"

// SimConfig configures a SimConn
type SimConfig struct {
	Latency   time.Duration
	Jitter    time.Duration
	DownRate  float64 // probability of a connectivity failure per call
	ErrorRate float64 // probability of an application error per call
	FailFirst int     // the first N calls fail with a connectivity error
	Items     int     // identifiers generated for a URI query
	BatchRef  string  // batch reference returned ahead of the count
	Seed      int64   // 0 means time-seeded
}

// ParseSimConfig reads a SimConfig from sim:// query parameters, e.g.
// sim://local?latency=5ms&jitter=10ms&down=0.01&error=0.05&items=1000
func ParseSimConfig(u *url.URL) (SimConfig, error) {
	var cfg SimConfig
	q := u.Query()

	var err error
	parseDur := func(key string, dst *time.Duration) {
		if v := q.Get(key); v != "" && err == nil {
			*dst, err = time.ParseDuration(v)
		}
	}
	parseFloat := func(key string, dst *float64) {
		if v := q.Get(key); v != "" && err == nil {
			*dst, err = strconv.ParseFloat(v, 64)
		}
	}
	parseInt := func(key string, dst *int) {
		if v := q.Get(key); v != "" && err == nil {
			*dst, err = strconv.Atoi(v)
		}
	}

	parseDur("latency", &cfg.Latency)
	parseDur("jitter", &cfg.Jitter)
	parseFloat("down", &cfg.DownRate)
	parseFloat("error", &cfg.ErrorRate)
	parseInt("fail_first", &cfg.FailFirst)
	parseInt("items", &cfg.Items)
	if v := q.Get("seed"); v != "" && err == nil {
		cfg.Seed, err = strconv.ParseInt(v, 10, 64)
	}
	cfg.BatchRef = q.Get("batch_ref")

	if err != nil {
		return SimConfig{}, fmt.Errorf("invalid sim upstream %q: %w", u.String(), err)
	}
	return cfg, nil
}

// SimConn is an in-process upstream
type SimConn struct {
	uri string
	cfg SimConfig

	mu     sync.Mutex
	rnd    *rand.Rand
	calls  int
	docs   []connpool.Document
	closed bool
}

// NewSimConn returns a simulated connection identified by uri
func NewSimConn(uri string, cfg SimConfig) *SimConn {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimConn{uri: uri, cfg: cfg, rnd: rand.New(rand.NewSource(seed))}
}

func (s *SimConn) URI() string { return s.uri }

func (s *SimConn) Invoke(ctx context.Context, req connpool.Request) (connpool.Response, error) {
	if err := s.simulate(ctx); err != nil {
		return connpool.Response{}, err
	}

	if ids, ok := req.Vars[URIVar]; ok {
		if ids == "" {
			return connpool.Response{}, nil
		}
		return connpool.Response{Items: strings.Split(ids, BatchDelimiter)}, nil
	}

	items := make([]string, 0, s.cfg.Items+2)
	if s.cfg.BatchRef != "" {
		items = append(items, s.cfg.BatchRef)
	}
	items = append(items, strconv.Itoa(s.cfg.Items))
	for i := 0; i < s.cfg.Items; i++ {
		items = append(items, fmt.Sprintf("/sim/%06d.xml", i))
	}
	return connpool.Response{Items: items}, nil
}

func (s *SimConn) Insert(ctx context.Context, doc connpool.Document) error {
	if err := s.simulate(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.docs = append(s.docs, doc)
	s.mu.Unlock()
	return nil
}

func (s *SimConn) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Calls returns how many operations were attempted
func (s *SimConn) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Documents returns the documents stored by Insert
func (s *SimConn) Documents() []connpool.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]connpool.Document(nil), s.docs...)
}

// simulate applies latency and failure injection to one call
func (s *SimConn) simulate(ctx context.Context) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	delay := s.cfg.Latency
	if s.cfg.Jitter > 0 {
		delay += time.Duration(s.rnd.Int63n(int64(s.cfg.Jitter)))
	}
	down := s.cfg.DownRate > 0 && s.rnd.Float64() < s.cfg.DownRate
	appErr := s.cfg.ErrorRate > 0 && s.rnd.Float64() < s.cfg.ErrorRate
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return fmt.Errorf("%w: %s is closed", connpool.ErrConnectivity, s.uri)
	}
	if call <= s.cfg.FailFirst || down {
		return fmt.Errorf("%w: %s refused the connection", connpool.ErrConnectivity, s.uri)
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if appErr {
		return fmt.Errorf("%w: simulated processing failure on %s", connpool.ErrApplication, s.uri)
	}
	return nil
}
