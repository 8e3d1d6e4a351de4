// ============================================================================
// Edge-Relay Orchestrator gRPC Service
// ============================================================================
//
// Package: internal/rpc
// File: orchestrator.go
//
// Service edgerelay.v1.Orchestrator, for operators and agents that prefer
// gRPC over the HTTP surface. Messages are google.protobuf.Struct, so no
// generated code is needed; the JSON shapes match the HTTP responses.
//
//   Enqueue     {edge_id, action, args?, request_id?, reply_url?}
//               -> {status:"queued", edge_id, request_id, command}
//   ListEdges   {}                    -> {edges:[...]}
//   ListResults {edge_id?, limit?}    -> {results:[...]}
//
// Error mapping:
//   missing edge_id / action -> InvalidArgument
//   duplicate request_id     -> AlreadyExists
//   queue full               -> ResourceExhausted
//   bad or missing token     -> Unauthenticated (interceptor)
//
// ============================================================================

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/edge-relay/internal/commandqueue"
	"github.com/ChuLiYu/edge-relay/internal/controller"
)

var log = slog.Default()

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "edgerelay.v1.Orchestrator"

const defaultLimit = 20

// OrchestratorServer is the server API for the Orchestrator service.
type OrchestratorServer interface {
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEdges(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListResults(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterOrchestratorServer registers srv on s.
func RegisterOrchestratorServer(s grpc.ServiceRegistrar, srv OrchestratorServer) {
	s.RegisterService(&orchestratorServiceDesc, srv)
}

func unaryHandler(method string, call func(OrchestratorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OrchestratorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OrchestratorServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var orchestratorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrchestratorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Enqueue", OrchestratorServer.Enqueue),
		unaryHandler("ListEdges", OrchestratorServer.ListEdges),
		unaryHandler("ListResults", OrchestratorServer.ListResults),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "edgerelay/v1/orchestrator.proto",
}

// ============================================================================
// Service implementation
// ============================================================================

// Service implements OrchestratorServer on top of the controller.
type Service struct {
	ctrl *controller.Controller
}

// NewService creates the Orchestrator service.
func NewService(ctrl *controller.Controller) *Service {
	return &Service{ctrl: ctrl}
}

// Enqueue queues a command for an edge.
func (s *Service) Enqueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		EdgeID    string         `json:"edge_id"`
		Action    string         `json:"action"`
		Args      map[string]any `json:"args"`
		RequestID string         `json:"request_id"`
		ReplyURL  string         `json:"reply_url"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	cmd, err := s.ctrl.Enqueue(ctx, commandqueue.EnqueueRequest{
		EdgeID:    req.EdgeID,
		Action:    req.Action,
		Args:      req.Args,
		RequestID: req.RequestID,
		ReplyURL:  req.ReplyURL,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{
		"status":     "queued",
		"edge_id":    cmd.EdgeID,
		"request_id": cmd.RequestID,
		"command":    cmd,
	})
}

// ListEdges returns the edge registry.
func (s *Service) ListEdges(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"edges": s.ctrl.ListEdges()})
}

// ListResults returns recent correlated results.
func (s *Service) ListResults(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		EdgeID string `json:"edge_id"`
		Limit  int    `json:"limit"`
	}
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Limit < 1 {
		req.Limit = defaultLimit
	}
	return toStruct(map[string]any{"results": s.ctrl.ListRecentResults(req.EdgeID, req.Limit)})
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, commandqueue.ErrMissingEdgeID), errors.Is(err, commandqueue.ErrMissingAction):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, commandqueue.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, commandqueue.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		log.Error("Orchestrator call failed", "error", err)
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// Struct <-> Go values, through JSON
// ============================================================================

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, out any) error {
	if in == nil {
		in = new(structpb.Struct)
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
