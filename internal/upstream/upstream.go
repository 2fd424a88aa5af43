// ============================================================================
// Beaver-Batch Upstream Adapters
// ============================================================================
//
// Package: internal/upstream
// File: upstream.go
// Purpose: builds connpool.Conn implementations from connection URIs.
//
// Schemes:
//   http://, https://   JSON over HTTP (POST /v1/invoke, PUT /v1/documents)
//   grpc://             generic gRPC unary calls carrying structpb.Struct
//   sim://              in-process simulated upstream (demo and tests)
//
// Error mapping:
//   Transport failures wrap connpool.ErrConnectivity so the pool retries
//   them; errors reported by the upstream wrap connpool.ErrApplication.
//
// ============================================================================

package upstream

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ChuLiYu/beaver-batch/internal/connpool"
	"github.com/ChuLiYu/beaver-batch/internal/logging"
)

// Options configures every adapter built by Dial
type Options struct {
	Timeout time.Duration // per-request timeout, 0 means none
	Logger  *slog.Logger
}

// Dial builds a connection for uri based on its scheme
func Dial(uri string, opts Options) (connpool.Conn, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream uri %q: %w", uri, err)
	}
	log := logging.OrDefault(opts.Logger)

	switch u.Scheme {
	case "http", "https":
		return NewHTTPConn(uri, opts.Timeout), nil
	case "grpc":
		return NewGRPCConn(u.Host, opts.Timeout)
	case "sim":
		cfg, err := ParseSimConfig(u)
		if err != nil {
			return nil, err
		}
		log.Debug("Using simulated upstream", "uri", uri)
		return NewSimConn(uri, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported upstream scheme %q in %q", u.Scheme, uri)
	}
}

// DialAll dials every uri. On failure the connections already built are closed.
func DialAll(uris []string, opts Options) ([]connpool.Conn, error) {
	conns := make([]connpool.Conn, 0, len(uris))
	for _, uri := range uris {
		c, err := Dial(uri, opts)
		if err != nil {
			var result *multierror.Error
			result = multierror.Append(result, err)
			for _, opened := range conns {
				if cerr := opened.Close(); cerr != nil {
					result = multierror.Append(result, cerr)
				}
			}
			return nil, result.ErrorOrNil()
		}
		conns = append(conns, c)
	}
	return conns, nil
}
