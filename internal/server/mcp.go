package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ChuLiYu/edge-relay/internal/commandqueue"
)

// ============================================================================
// JSON-RPC operator tools (MCP-compatible)
// ============================================================================
//
// Methods: initialize, tools/list, tools/call, resources/list.
// Tool failures are reported in-band with isError=true, never as JSON-RPC
// errors, so agents see the message.

const (
	rpcVersion         = "2.0"
	mcpProtocolVersion = "2024-11-05"
	mcpServerVersion   = "0.1"

	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
)

type rpcRequest struct {
	ID     any            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// Tool describes one operator tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func listSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"edge_id": map[string]any{"type": "string"},
			"limit":   map[string]any{"type": "integer"},
		},
	}
}

// Tools lists the operator tools served at /mcp.
func Tools() []Tool {
	return []Tool{
		{
			Name:        "list_edges",
			Description: "List edges seen by the relay and their pending command counts.",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        "enqueue_edge_command",
			Description: "Queue a command for an edge. The edge fetches it on its next poll.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"edge_id":    map[string]any{"type": "string"},
					"action":     map[string]any{"type": "string"},
					"args":       map[string]any{"type": "object"},
					"request_id": map[string]any{"type": "string"},
					"reply_url":  map[string]any{"type": "string"},
				},
				"required": []string{"edge_id", "action"},
			},
		},
		{
			Name:        "list_recent_triggers",
			Description: "List recent triggers accepted from edges.",
			InputSchema: listSchema(),
		},
		{
			Name:        "list_recent_results",
			Description: "List recent command results posted by edges.",
			InputSchema: listSchema(),
		},
		{
			Name:        "list_pending_edge_commands",
			Description: "Inspect queued commands not yet fetched by edges.",
			InputSchema: listSchema(),
		},
	}
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{JSONRPC: rpcVersion, Error: &rpcError{codeParseError, err.Error()}})
		return
	}
	var req rpcRequest
	if _, err := decodeObject(raw, "rpc", &req); err != nil {
		code := codeInvalidRequest
		if errors.Is(err, errNotObject) || strings.HasPrefix(err.Error(), "invalid JSON") {
			code = codeParseError
		}
		writeJSON(w, http.StatusBadRequest, rpcResponse{JSONRPC: rpcVersion, Error: &rpcError{code, err.Error()}})
		return
	}
	writeJSON(w, http.StatusOK, s.dispatchRPC(r, req))
}

func (s *Server) dispatchRPC(r *http.Request, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: rpcVersion, ID: req.ID}
	switch req.Method {
	case "initialize":
		version, _ := req.Params["protocolVersion"].(string)
		if version == "" {
			version = mcpProtocolVersion
		}
		resp.Result = map[string]any{
			"protocolVersion": version,
			"serverInfo":      map[string]any{"name": ServiceName, "version": mcpServerVersion},
			"capabilities":    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}},
		}
	case "tools/list":
		resp.Result = map[string]any{"tools": Tools()}
	case "tools/call":
		resp.Result = s.callTool(r, req.Params)
	case "resources/list":
		resp.Result = map[string]any{"resources": []any{}}
	default:
		resp.Error = &rpcError{codeMethodNotFound, "Method not found: " + req.Method}
	}
	return resp
}

func (s *Server) callTool(r *http.Request, params map[string]any) map[string]any {
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	content, err := s.runTool(r, name, args)
	isError := err != nil
	if isError {
		content = map[string]any{"error": err.Error()}
	}
	text, _ := json.MarshalIndent(content, "", "  ")
	return map[string]any{
		"content":           []any{map[string]any{"type": "text", "text": string(text)}},
		"structuredContent": content,
		"isError":           isError,
	}
}

func toolLimit(args map[string]any) int {
	if v, ok := args["limit"].(float64); ok && v >= 1 {
		return int(v)
	}
	return defaultListLimit
}

func (s *Server) runTool(r *http.Request, name string, args map[string]any) (map[string]any, error) {
	edgeID := stringField(args, "edge_id")
	switch name {
	case "list_edges":
		return map[string]any{"edges": s.ctrl.ListEdges()}, nil
	case "enqueue_edge_command":
		cmdArgs, _ := args["args"].(map[string]any)
		cmd, err := s.ctrl.Enqueue(r.Context(), commandqueue.EnqueueRequest{
			EdgeID:    edgeID,
			Action:    stringField(args, "action"),
			Args:      cmdArgs,
			RequestID: stringField(args, "request_id"),
			ReplyURL:  stringField(args, "reply_url"),
		})
		if errors.Is(err, commandqueue.ErrMissingEdgeID) || errors.Is(err, commandqueue.ErrMissingAction) {
			return nil, errors.New("edge_id and action are required")
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "queued", "edge_id": cmd.EdgeID, "command": cmd}, nil
	case "list_recent_triggers":
		return map[string]any{"triggers": s.ctrl.ListRecentTriggers(edgeID, toolLimit(args))}, nil
	case "list_recent_results":
		return map[string]any{"results": s.ctrl.ListRecentResults(edgeID, toolLimit(args))}, nil
	case "list_pending_edge_commands":
		return map[string]any{"pending": s.ctrl.ListPending(edgeID, toolLimit(args))}, nil
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}
