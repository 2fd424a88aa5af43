package connpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/beaver-batch/internal/logging"
)

// fakeConn fails the next `failures` operations with err (ErrConnectivity by default)
type fakeConn struct {
	uri string

	mu       sync.Mutex
	failures int
	always   bool
	err      error
	calls    int
	closed   bool
}

func newFake(uri string) *fakeConn {
	return &fakeConn{uri: uri}
}

func (f *fakeConn) URI() string { return f.uri }

func (f *fakeConn) result() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.always || f.failures > 0 {
		if f.failures > 0 {
			f.failures--
		}
		if f.err != nil {
			return f.err
		}
		return fmt.Errorf("dial %s: %w", f.uri, ErrConnectivity)
	}
	return nil
}

func (f *fakeConn) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := f.result(); err != nil {
		return Response{}, err
	}
	return Response{Items: []string{f.uri}}, nil
}

func (f *fakeConn) Insert(ctx context.Context, doc Document) error {
	return f.result()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestPool(cfg Config, conns ...*fakeConn) *Pool {
	cc := make([]Conn, len(conns))
	for i, c := range conns {
		cc[i] = c
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return New(cc, cfg)
}

func TestPool_RoundRobinVisitsEachOncePerCycle(t *testing.T) {
	a, b, c := newFake("a"), newFake("b"), newFake("c")
	p := newTestPool(Config{RetryInterval: time.Hour}, a, b, c)

	var got []string
	for i := 0; i < 6; i++ {
		conn, err := p.Get(context.Background())
		require.NoError(t, err)
		got = append(got, conn.URI())
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestPool_RemovedConnectionNeverReturned(t *testing.T) {
	a, b, c := newFake("a"), newFake("b"), newFake("c")
	p := newTestPool(Config{RetryInterval: time.Hour}, a, b, c)

	p.Remove(b)
	assert.True(t, b.isClosed())
	assert.Len(t, p.GetAll(), 2)

	for i := 0; i < 10; i++ {
		conn, err := p.Get(context.Background())
		require.NoError(t, err)
		assert.NotEqual(t, "b", conn.URI())
	}

	// removing through the handed-out Conn works too
	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	p.Remove(conn)
	assert.Len(t, p.GetAll(), 1)
}

func TestPool_AllExcludedStillReturnsConnection(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	a, b := newFake("a"), newFake("b")
	p := newTestPool(Config{RetryInterval: time.Hour, RetryLimit: 5, Now: clock}, a, b)

	for _, e := range p.entries {
		p.finish(e, ErrConnectivity)
	}
	for _, s := range p.Stats() {
		require.True(t, s.Excluded)
	}

	// 10ms left in the retry window
	mu.Lock()
	now = now.Add(time.Hour - 10*time.Millisecond)
	mu.Unlock()

	start := time.Now()
	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, conn.URI())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPool_AllExcludedWaitHonoursContext(t *testing.T) {
	a := newFake("a")
	p := newTestPool(Config{RetryInterval: time.Hour}, a)

	p.finish(p.entries[0], ErrConnectivity)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Stats()[0].InFlight, "abandoned wait must not hold the connection")
}

func TestPool_RetriesOnAnotherConnection(t *testing.T) {
	a, b := newFake("a"), newFake("b")
	a.failures = 1
	p := newTestPool(Config{RetryInterval: time.Hour}, a, b)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", conn.URI())

	resp, err := conn.Invoke(context.Background(), Request{Module: "/m.xqy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, resp.Items)
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 1, b.callCount())

	stats := p.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[0].ErrorCount)
	assert.True(t, stats[0].Excluded)
	assert.Equal(t, 0, stats[1].ErrorCount)
}

func TestPool_SuccessClearsErrorCount(t *testing.T) {
	a := newFake("a")
	a.failures = 2
	p := newTestPool(Config{RetryInterval: time.Millisecond, RetryLimit: 3}, a)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Insert(context.Background(), Document{URI: "/x"}))
	assert.Equal(t, 3, a.callCount())
	assert.Equal(t, 0, p.Stats()[0].ErrorCount)
}

func TestPool_ApplicationErrorNotRetried(t *testing.T) {
	appErr := errors.New("XDMP-UNDFUNC: undefined function")
	a, b := newFake("a"), newFake("b")
	a.always, a.err = true, appErr
	p := newTestPool(Config{RetryInterval: time.Hour}, a, b)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	_, err = conn.Invoke(context.Background(), Request{})
	assert.ErrorIs(t, err, appErr)
	assert.False(t, errors.Is(err, ErrRetriesExhausted))
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 0, b.callCount())
	assert.Equal(t, 0, p.Stats()[0].ErrorCount)
}

func TestPool_RetriesExhausted(t *testing.T) {
	a := newFake("a")
	a.always = true
	p := newTestPool(Config{RetryInterval: time.Millisecond, RetryLimit: 3}, a)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	_, err = conn.Invoke(context.Background(), Request{})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrConnectivity)
	var connErr *ConnError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, connErr.Attempts)
	assert.Equal(t, 3, a.callCount())
	assert.True(t, p.Available(), "error count 3 does not exceed limit 3")
}

func TestPool_RemovesConnectionAfterRetryLimit(t *testing.T) {
	a := newFake("a")
	a.always = true
	obs := &recordingObserver{}
	p := newTestPool(Config{RetryInterval: time.Millisecond, RetryLimit: 2, Observer: obs}, a)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)

	_, err = conn.Invoke(context.Background(), Request{})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.True(t, p.Available())

	// the third consecutive failure exceeds the limit
	_, err = conn.Invoke(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoConnections)
	assert.False(t, p.Available())
	assert.True(t, a.isClosed())

	assert.Equal(t, 3, obs.errors)
	assert.Equal(t, []string{"a"}, obs.removed)

	_, err = p.Get(context.Background())
	assert.ErrorIs(t, err, ErrNoConnections)
}

func TestPool_EmptyPool(t *testing.T) {
	p := newTestPool(Config{})
	assert.False(t, p.Available())
	_, err := p.Get(context.Background())
	assert.ErrorIs(t, err, ErrNoConnections)
}

func TestPool_LoadPolicyPicksLeastBusy(t *testing.T) {
	a, b, c := newFake("a"), newFake("b"), newFake("c")
	p := newTestPool(Config{Policy: PolicyLoad, RetryInterval: time.Hour}, a, b, c)

	p.entries[0].inFlight = 2
	p.entries[2].inFlight = 1

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", conn.URI())
}

func TestPool_LoadPolicySpreadsConcurrentGets(t *testing.T) {
	a, b, c := newFake("a"), newFake("b"), newFake("c")
	p := newTestPool(Config{Policy: PolicyLoad, RetryInterval: time.Hour}, a, b, c)

	const callers = 30
	conns := make([]Conn, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			conn, err := p.Get(context.Background())
			assert.NoError(t, err)
			conns[i] = conn
		}(i)
	}
	close(start)
	wg.Wait()

	perURI := map[string]int{}
	for _, conn := range conns {
		require.NotNil(t, conn)
		perURI[conn.URI()]++
	}
	assert.Equal(t, map[string]int{"a": 10, "b": 10, "c": 10}, perURI)
	for _, s := range p.Stats() {
		assert.Equal(t, 10, s.InFlight, s.URI)
	}

	for _, conn := range conns {
		require.NoError(t, conn.Close())
	}
	for _, s := range p.Stats() {
		assert.Equal(t, 0, s.InFlight, s.URI)
	}
}

func TestPool_FailoverMovesInFlightCount(t *testing.T) {
	a, b := newFake("a"), newFake("b")
	a.failures = 1
	p := newTestPool(Config{Policy: PolicyLoad, RetryInterval: time.Hour}, a, b)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", conn.URI())
	assert.Equal(t, 1, p.Stats()[0].InFlight)

	_, err = conn.Invoke(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "b", conn.URI())
	assert.Equal(t, 0, p.Stats()[0].InFlight)
	assert.Equal(t, 1, p.Stats()[1].InFlight)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, 0, p.Stats()[1].InFlight)

	_, err = conn.Invoke(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestPool_NoRetryLogAfterLastAttempt(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	a := newFake("a")
	a.always = true
	p := newTestPool(Config{RetryInterval: time.Millisecond, RetryLimit: 3, Logger: logger}, a)

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	_, err = conn.Invoke(context.Background(), Request{})
	require.ErrorIs(t, err, ErrRetriesExhausted)

	assert.Equal(t, 3, a.callCount())
	assert.Equal(t, 2, strings.Count(buf.String(), "Retrying upstream operation"))
}

func TestPool_RandomPolicyOnlyPicksEligible(t *testing.T) {
	a, b := newFake("a"), newFake("b")
	p := newTestPool(Config{Policy: PolicyRandom, RetryInterval: time.Hour, Rand: rand.New(rand.NewSource(1))}, a, b)

	p.finish(p.entries[0], ErrConnectivity)

	for i := 0; i < 20; i++ {
		conn, err := p.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "b", conn.URI())
	}
}

func TestPool_Close(t *testing.T) {
	a, b := newFake("a"), newFake("b")
	p := newTestPool(Config{}, a, b)

	require.NoError(t, p.Close())
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.False(t, p.Available())

	_, err := p.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, p.Close())
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":            PolicyRoundRobin,
		"round-robin": PolicyRoundRobin,
		"random":      PolicyRandom,
		"load":        PolicyLoad,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if in != "" {
			assert.Equal(t, in, got.String())
		}
	}
	_, err := ParsePolicy("sticky")
	assert.Error(t, err)
}

func TestIsConnectivity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", fmt.Errorf("call: %w", ErrConnectivity), true},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), false},
		{"no connections", ErrNoConnections, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectivity(tt.err))
		})
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	errors  int
	removed []string
}

func (o *recordingObserver) ConnectionError(uri string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors++
}

func (o *recordingObserver) ConnectionRemoved(uri string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, uri)
}
