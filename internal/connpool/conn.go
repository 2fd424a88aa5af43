package connpool

import (
	"context"

	retry "github.com/avast/retry-go"
)

// Request is one module invocation against the upstream
type Request struct {
	Module string            // module or endpoint to run
	Vars   map[string]string // external variables passed with the call
}

// Response is the ordered result sequence of an invocation
type Response struct {
	Items []string
}

// Document is one content item for Insert
type Document struct {
	URI         string
	Content     []byte
	Collections []string
}

// Conn is one upstream connection. Implementations must be safe for
// concurrent use.
type Conn interface {
	// URI identifies the connection in logs and stats
	URI() string
	Invoke(ctx context.Context, req Request) (Response, error)
	Insert(ctx context.Context, doc Document) error
	Close() error
}

// pooledConn is the Conn handed out by Pool.Get. It holds a lease on its
// current connection until Close. A connectivity failure is recorded against
// the current connection and the same request is re-issued on another
// connection from the pool, up to RetryLimit attempts.
type pooledConn struct {
	pool    *Pool
	current *entry
	closed  bool
}

func (c *pooledConn) URI() string {
	if c.current == nil {
		return ""
	}
	return c.current.conn.URI()
}

func (c *pooledConn) Invoke(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := c.do(ctx, func(conn Conn) error {
		r, err := conn.Invoke(ctx, req)
		if err == nil {
			resp = r
		}
		return err
	})
	return resp, err
}

func (c *pooledConn) Insert(ctx context.Context, doc Document) error {
	return c.do(ctx, func(conn Conn) error {
		return conn.Insert(ctx, doc)
	})
}

// Close releases the lease. The pool owns and keeps the underlying connection.
func (c *pooledConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.pool.release(c.current)
	return nil
}

func (c *pooledConn) do(ctx context.Context, op func(Conn) error) error {
	attempts := c.pool.cfg.RetryLimit
	if attempts < 1 {
		attempts = 1
	}

	if c.closed {
		return ErrConnClosed
	}

	tries := 0
	var lastURI string
	err := retry.Do(
		func() error {
			if tries > 0 || !c.pool.live(c.current) {
				e, err := c.pool.acquire(ctx)
				if err != nil {
					return err
				}
				c.pool.release(c.current)
				c.current = e
			}
			tries++
			e := c.current
			lastURI = e.conn.URI()

			err := op(e.conn)
			c.pool.finish(e, err)
			return err
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(IsConnectivity),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			if int(n)+1 >= attempts {
				return
			}
			c.pool.log.Warn("Retrying upstream operation on another connection",
				"uri", lastURI, "attempt", n+1, "error", err)
		}),
	)

	if err != nil && IsConnectivity(err) && tries >= attempts {
		return &ConnError{URI: lastURI, Attempts: tries, Err: err}
	}
	return err
}
