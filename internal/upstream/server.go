// ============================================================================
// Upstream serving side
// ============================================================================
//
// Exposes any Handler (typically a SimConn) over gRPC and HTTP so the
// demo binary and the adapter tests have a real server to talk to.
//
// ============================================================================

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-batch/internal/connpool"
)

// Handler processes upstream requests
type Handler interface {
	Invoke(ctx context.Context, req connpool.Request) (connpool.Response, error)
	Insert(ctx context.Context, doc connpool.Document) error
}

// ============================================================================
// gRPC
// ============================================================================

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: grpcInvokeHandler},
		{MethodName: "Insert", Handler: grpcInsertHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/batch/v1/upstream",
}

// RegisterGRPC registers h as the upstream service on s
func RegisterGRPC(s *grpc.Server, h Handler) {
	s.RegisterService(&grpcServiceDesc, h)
}

func grpcInvokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(Handler).Invoke(ctx, decodeRequest(req.(*structpb.Struct)))
		if err != nil {
			return nil, toStatus(err)
		}
		return encodeResponse(resp)
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcInvokeMethod}
	return interceptor(ctx, in, info, handle)
}

func grpcInsertHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		doc, err := decodeDocument(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if err := srv.(Handler).Insert(ctx, doc); err != nil {
			return nil, toStatus(err)
		}
		return &structpb.Struct{}, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcInsertMethod}
	return interceptor(ctx, in, info, handle)
}

func toStatus(err error) error {
	if errors.Is(err, connpool.ErrConnectivity) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.FailedPrecondition, err.Error())
}

// ============================================================================
// HTTP
// ============================================================================

// NewHTTPHandler serves h on the paths HTTPConn calls
func NewHTTPHandler(h Handler) http.Handler {
	r := chi.NewRouter()

	r.Post(InvokePath, func(w http.ResponseWriter, req *http.Request) {
		var in invokeRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, invokeResponse{Error: "invalid request: " + err.Error()})
			return
		}
		resp, err := h.Invoke(req.Context(), connpool.Request{Module: in.Module, Vars: in.Vars})
		if err != nil {
			writeJSON(w, httpStatus(err), invokeResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, invokeResponse{Items: resp.Items})
	})

	r.Put(DocumentPath, func(w http.ResponseWriter, req *http.Request) {
		content, err := io.ReadAll(req.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, invokeResponse{Error: err.Error()})
			return
		}
		doc := connpool.Document{
			URI:         req.URL.Query().Get("uri"),
			Content:     content,
			Collections: req.URL.Query()["collection"],
		}
		if err := h.Insert(req.Context(), doc); err != nil {
			writeJSON(w, httpStatus(err), invokeResponse{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

func httpStatus(err error) int {
	if errors.Is(err, connpool.ErrConnectivity) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
