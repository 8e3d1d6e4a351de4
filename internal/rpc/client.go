package rpc

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/edge-relay/internal/commandqueue"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// ============================================================================
// Bearer token auth
// ============================================================================

// AuthInterceptor rejects calls without "authorization: Bearer <token>".
// An empty token disables the check.
func AuthInterceptor(token string) grpc.UnaryServerInterceptor {
	token = strings.TrimSpace(token)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if token == "" {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		for _, v := range md.Get("authorization") {
			got := strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
			if strings.HasPrefix(v, "Bearer ") && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
				return handler(ctx, req)
			}
		}
		log.Warn("Rejected unauthenticated call", "method", info.FullMethod)
		return nil, status.Error(codes.Unauthenticated, "Unauthorized")
	}
}

type bearerCreds string

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(b)}, nil
}

func (bearerCreds) RequireTransportSecurity() bool { return false }

// ============================================================================
// Client
// ============================================================================

// Client calls the Orchestrator service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. Extra options are appended after the defaults
// (insecure transport, bearer token when set).
func Dial(addr, token string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if token = strings.TrimSpace(token); token != "" {
		base = append(base, grpc.WithPerRPCCredentials(bearerCreds(token)))
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in any, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

// Enqueue queues a command and returns it as stored by the relay.
func (c *Client) Enqueue(ctx context.Context, req commandqueue.EnqueueRequest) (types.Command, error) {
	var out struct {
		Command types.Command `json:"command"`
	}
	err := c.call(ctx, "Enqueue", map[string]any{
		"edge_id":    req.EdgeID,
		"action":     req.Action,
		"args":       req.Args,
		"request_id": req.RequestID,
		"reply_url":  req.ReplyURL,
	}, &out)
	return out.Command, err
}

// ListEdges returns the relay's edge registry.
func (c *Client) ListEdges(ctx context.Context) ([]types.EdgeInfo, error) {
	var out struct {
		Edges []types.EdgeInfo `json:"edges"`
	}
	err := c.call(ctx, "ListEdges", map[string]any{}, &out)
	return out.Edges, err
}

// ListResults returns recent results, optionally for one edge.
func (c *Client) ListResults(ctx context.Context, edgeID string, limit int) ([]types.CommandResult, error) {
	var out struct {
		Results []types.CommandResult `json:"results"`
	}
	err := c.call(ctx, "ListResults", map[string]any{"edge_id": edgeID, "limit": limit}, &out)
	return out.Results, err
}
