package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-batch/internal/connpool"
)

// gRPC method names of the upstream service
const (
	grpcServiceName  = "beaver.batch.v1.Upstream"
	grpcInvokeMethod = "/" + grpcServiceName + "/Invoke"
	grpcInsertMethod = "/" + grpcServiceName + "/Insert"
)

// GRPCConn calls an upstream through generic unary RPCs carrying structpb.Struct
type GRPCConn struct {
	target  string
	cc      *grpc.ClientConn
	timeout time.Duration
}

// NewGRPCConn creates a client for target (host:port). No I/O happens
// until the first call.
func NewGRPCConn(target string, timeout time.Duration) (*GRPCConn, error) {
	cc, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return &GRPCConn{target: target, cc: cc, timeout: timeout}, nil
}

func (c *GRPCConn) URI() string { return "grpc://" + c.target }

// Invoke runs a module through the Invoke RPC
func (c *GRPCConn) Invoke(ctx context.Context, req connpool.Request) (connpool.Response, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return connpool.Response{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, grpcInvokeMethod, in, out); err != nil {
		return connpool.Response{}, c.mapError(ctx, err)
	}
	return decodeResponse(out), nil
}

// Insert stores a document through the Insert RPC
func (c *GRPCConn) Insert(ctx context.Context, doc connpool.Document) error {
	in, err := encodeDocument(doc)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.cc.Invoke(ctx, grpcInsertMethod, in, new(structpb.Struct)); err != nil {
		return c.mapError(ctx, err)
	}
	return nil
}

func (c *GRPCConn) Close() error {
	return c.cc.Close()
}

func (c *GRPCConn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// mapError keeps Unavailable recognisable to connpool.IsConnectivity and
// marks every other status as an application error
func (c *GRPCConn) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && status.Code(err) != codes.DeadlineExceeded {
		return ctxErr
	}
	switch status.Code(err) {
	case codes.Unavailable:
		return fmt.Errorf("rpc to %s failed: %w", c.target, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: rpc to %s timed out: %v", connpool.ErrConnectivity, c.target, err)
	default:
		return fmt.Errorf("%w: rpc to %s failed: %v", connpool.ErrApplication, c.target, status.Convert(err).Message())
	}
}

// ============================================================================
// structpb mapping
// ============================================================================

func encodeRequest(req connpool.Request) (*structpb.Struct, error) {
	vars := make(map[string]any, len(req.Vars))
	for k, v := range req.Vars {
		vars[k] = v
	}
	s, err := structpb.NewStruct(map[string]any{
		"module": req.Module,
		"vars":   vars,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return s, nil
}

func decodeRequest(s *structpb.Struct) connpool.Request {
	req := connpool.Request{
		Module: s.GetFields()["module"].GetStringValue(),
		Vars:   map[string]string{},
	}
	for k, v := range s.GetFields()["vars"].GetStructValue().GetFields() {
		req.Vars[k] = v.GetStringValue()
	}
	return req
}

func encodeResponse(resp connpool.Response) (*structpb.Struct, error) {
	items := make([]any, len(resp.Items))
	for i, it := range resp.Items {
		items[i] = it
	}
	return structpb.NewStruct(map[string]any{"items": items})
}

func decodeResponse(s *structpb.Struct) connpool.Response {
	values := s.GetFields()["items"].GetListValue().GetValues()
	items := make([]string, 0, len(values))
	for _, v := range values {
		items = append(items, v.GetStringValue())
	}
	return connpool.Response{Items: items}
}

func encodeDocument(doc connpool.Document) (*structpb.Struct, error) {
	colls := make([]any, len(doc.Collections))
	for i, c := range doc.Collections {
		colls[i] = c
	}
	s, err := structpb.NewStruct(map[string]any{
		"uri":         doc.URI,
		"content":     base64.StdEncoding.EncodeToString(doc.Content),
		"collections": colls,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return s, nil
}

func decodeDocument(s *structpb.Struct) (connpool.Document, error) {
	f := s.GetFields()
	content, err := base64.StdEncoding.DecodeString(f["content"].GetStringValue())
	if err != nil {
		return connpool.Document{}, fmt.Errorf("invalid document content: %w", err)
	}
	doc := connpool.Document{URI: f["uri"].GetStringValue(), Content: content}
	for _, v := range f["collections"].GetListValue().GetValues() {
		doc.Collections = append(doc.Collections, v.GetStringValue())
	}
	return doc, nil
}
