package connpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrNoConnections means every connection has been removed. Raised while
	// obtaining a connection it is job-fatal.
	ErrNoConnections = errors.New("no upstream connections available")

	// ErrRetriesExhausted means the retry budget ran out on connectivity failures
	ErrRetriesExhausted = errors.New("upstream retries exhausted")

	// ErrConnectivity marks a failure to reach the upstream. Adapters wrap
	// transport failures with it.
	ErrConnectivity = errors.New("upstream connectivity failure")

	// ErrPoolClosed is returned by Get after Close
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrConnClosed is returned by operations on a Conn from Get after its Close
	ErrConnClosed = errors.New("pooled connection is closed")

	// ErrApplication marks an error raised by the upstream while processing
	// a request. It is never retried.
	ErrApplication = errors.New("upstream application error")
)

// ConnError reports the last connectivity failure after the retry budget ran out
type ConnError struct {
	URI      string
	Attempts int
	Err      error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("upstream %s: retries exhausted after %d attempts: %v", e.URI, e.Attempts, e.Err)
}

func (e *ConnError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// IsConnectivity reports whether err is a connection-class failure that the
// pool may retry on another connection. Context cancellation is never one.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNoConnections) || errors.Is(err, ErrPoolClosed) {
		return false
	}
	if errors.Is(err, ErrConnectivity) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var grpcErr interface{ GRPCStatus() *status.Status }
	if errors.As(err, &grpcErr) {
		return grpcErr.GRPCStatus().Code() == codes.Unavailable
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
