package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/edge-relay/internal/commandqueue"
	"github.com/ChuLiYu/edge-relay/internal/edge"
	"github.com/ChuLiYu/edge-relay/internal/identity"
	"github.com/ChuLiYu/edge-relay/internal/rpc"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

const operatorTimeout = 10 * time.Second

// ============================================================================
// Relay API client
// ============================================================================

// apiClient calls the relay's operator endpoints over HTTP.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (a *app) api() *apiClient {
	return &apiClient{
		base:  strings.TrimRight(a.cfg.Edge.CloudURL, "/"),
		token: a.cfg.Cloud.Token,
		http:  &http.Client{Timeout: operatorTimeout},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("relay answered HTTP %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("relay answered HTTP %d", resp.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// dialGRPC opens an Orchestrator client with the cloud token.
func (a *app) dialGRPC(addr string) (*rpc.Client, error) {
	return rpc.Dial(addr, a.cfg.Cloud.Token)
}

// ============================================================================
// trigger
// ============================================================================

func (a *app) buildTriggerCommand() *cobra.Command {
	var eventType, payload, edgeID string

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Send one trigger as an edge",
		Long:  "Send a single trigger through the edge emitter, e.g. a manual test_event",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := parseObject(payload)
			if err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			if edgeID == "" {
				edgeID = a.cfg.Edge.EdgeID
			}
			id, err := identity.NewProvider(a.cfg.Edge.IdentityPath, edgeID).Resolve()
			if err != nil {
				return err
			}

			client := edge.NewClient(a.cfg.Edge.CloudURL, a.cfg.Edge.Token, a.cfg.Edge.HTTPTimeout)
			em := edge.NewEmitter(id, client)
			ctx, cancel := context.WithTimeout(cmd.Context(), operatorTimeout)
			defer cancel()
			if err := em.Trigger(ctx, types.EventType(eventType), body); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprintf("Sent %s as %s (sequence %d)", eventType, id, em.Sequence()))
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "event-type", string(types.EventTest), "trigger event type")
	cmd.Flags().StringVar(&payload, "payload", "", "payload as a JSON object")
	cmd.Flags().StringVar(&edgeID, "edge-id", "", "edge id (default edge.edge_id or the identity file)")
	return cmd
}

// ============================================================================
// enqueue
// ============================================================================

func (a *app) buildEnqueueCommand() *cobra.Command {
	var req commandqueue.EnqueueRequest
	var argsJSON, grpcAddr string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a command for an edge",
		Long:  "Queue one command. Use --grpc to submit through the Orchestrator gRPC service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseObject(argsJSON)
			if err != nil {
				return fmt.Errorf("invalid --args: %w", err)
			}
			req.Args = parsed

			ctx, cancel := context.WithTimeout(cmd.Context(), operatorTimeout)
			defer cancel()

			var queued types.Command
			if grpcAddr != "" {
				c, err := a.dialGRPC(grpcAddr)
				if err != nil {
					return err
				}
				defer c.Close()
				if queued, err = c.Enqueue(ctx, req); err != nil {
					return fmt.Errorf("enqueue failed: %w", err)
				}
			} else {
				var resp struct {
					Command types.Command `json:"command"`
				}
				if err := a.api().do(ctx, http.MethodPost, "/commands", map[string]any{
					"edge_id":    req.EdgeID,
					"action":     req.Action,
					"args":       req.Args,
					"request_id": req.RequestID,
					"reply_url":  req.ReplyURL,
				}, &resp); err != nil {
					return fmt.Errorf("enqueue failed: %w", err)
				}
				queued = resp.Command
			}

			fmt.Fprintln(cmd.OutOrStdout(), pterm.Success.Sprintf("Queued %s for %s (request_id %s)",
				queued.Action, queued.EdgeID, queued.RequestID))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.EdgeID, "edge", "", "target edge id")
	cmd.Flags().StringVar(&req.Action, "action", "", "action name")
	cmd.Flags().StringVar(&argsJSON, "args", "", "action arguments as a JSON object")
	cmd.Flags().StringVar(&req.RequestID, "request-id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&req.ReplyURL, "reply-url", "", "URL the edge posts the result to")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "Orchestrator gRPC address, e.g. localhost:9797")
	_ = cmd.MarkFlagRequired("edge")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func parseObject(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("expected a JSON object")
	}
	return out, nil
}

// ============================================================================
// edges / results
// ============================================================================

func (a *app) buildEdgesCommand() *cobra.Command {
	var grpcAddr string

	cmd := &cobra.Command{
		Use:   "edges",
		Short: "List edges known to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), operatorTimeout)
			defer cancel()

			var edges []types.EdgeInfo
			if grpcAddr != "" {
				c, err := a.dialGRPC(grpcAddr)
				if err != nil {
					return err
				}
				defer c.Close()
				if edges, err = c.ListEdges(ctx); err != nil {
					return err
				}
			} else {
				var resp struct {
					Edges []types.EdgeInfo `json:"edges"`
				}
				if err := a.api().do(ctx, http.MethodGet, "/edges", nil, &resp); err != nil {
					return err
				}
				edges = resp.Edges
			}
			return renderEdges(cmd.OutOrStdout(), edges)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "Orchestrator gRPC address")
	return cmd
}

func renderEdges(w io.Writer, edges []types.EdgeInfo) error {
	if len(edges) == 0 {
		fmt.Fprintln(w, pterm.Info.Sprint("No edges seen yet"))
		return nil
	}
	data := pterm.TableData{{"EDGE", "LAST SEEN", "AGE", "PENDING"}}
	for _, e := range edges {
		data = append(data, []string{
			e.EdgeID,
			e.LastSeenAt.Local().Format(time.DateTime),
			fmt.Sprintf("%.1fs", e.LastSeenAgeSecs),
			strconv.Itoa(e.PendingCommands),
		})
	}
	return renderTable(w, data)
}

func (a *app) buildResultsCommand() *cobra.Command {
	var edgeID, grpcAddr string
	var limit int

	cmd := &cobra.Command{
		Use:   "results",
		Short: "List recent command results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), operatorTimeout)
			defer cancel()

			var results []types.CommandResult
			if grpcAddr != "" {
				c, err := a.dialGRPC(grpcAddr)
				if err != nil {
					return err
				}
				defer c.Close()
				if results, err = c.ListResults(ctx, edgeID, limit); err != nil {
					return err
				}
			} else {
				q := url.Values{"limit": {strconv.Itoa(limit)}}
				if edgeID != "" {
					q.Set("edge_id", edgeID)
				}
				var resp struct {
					Results []types.CommandResult `json:"results"`
				}
				if err := a.api().do(ctx, http.MethodGet, "/results?"+q.Encode(), nil, &resp); err != nil {
					return err
				}
				results = resp.Results
			}
			return renderResults(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVar(&edgeID, "edge", "", "only results from this edge")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "Orchestrator gRPC address")
	return cmd
}

func renderResults(w io.Writer, results []types.CommandResult) error {
	if len(results) == 0 {
		fmt.Fprintln(w, pterm.Info.Sprint("No results yet"))
		return nil
	}
	data := pterm.TableData{{"REQUEST", "EDGE", "STATUS", "RECEIVED", "DETAIL"}}
	for _, r := range results {
		detail := r.Error
		if detail == "" && r.Result != nil {
			raw, _ := json.Marshal(r.Result)
			detail = string(raw)
		}
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		data = append(data, []string{
			r.RequestID,
			r.EdgeID,
			string(r.Status),
			r.ReceivedAt.Local().Format(time.DateTime),
			detail,
		})
	}
	return renderTable(w, data)
}

func renderTable(w io.Writer, data pterm.TableData) error {
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, out)
	return nil
}

// ============================================================================
// status
// ============================================================================

func (a *app) buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and relay status",
		Long:  "Print the effective configuration and, when reachable, the relay health",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			cfg := a.cfg

			fmt.Fprintln(w, pterm.DefaultSection.Sprint("Configuration"))
			auth := "disabled"
			if cfg.Cloud.Token != "" {
				auth = "bearer token"
			}
			grpcAddr := cfg.Cloud.GRPCListen
			if grpcAddr == "" {
				grpcAddr = "disabled"
			}
			if err := renderTable(w, pterm.TableData{
				{"SETTING", "VALUE"},
				{"config file", a.configFile},
				{"listen", cfg.Cloud.Listen},
				{"grpc", grpcAddr},
				{"auth", auth},
				{"dedupe ttl / min interval", fmt.Sprintf("%s / %s", cfg.Cloud.DedupeTTL, cfg.Cloud.MinInterval)},
				{"result timeout", cfg.Cloud.ResultTimeout.String()},
				{"forward targets", strconv.Itoa(len(cfg.Cloud.ForwardTargets))},
				{"edge cloud url", cfg.Edge.CloudURL},
				{"edge poll / heartbeat", fmt.Sprintf("%s / %s", cfg.Edge.PollInterval, cfg.Edge.HeartbeatInterval)},
				{"metrics", strconv.FormatBool(cfg.Metrics.Enabled)},
			}); err != nil {
				return err
			}

			fmt.Fprintln(w, pterm.DefaultSection.Sprint("Relay"))
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			var health map[string]any
			if err := a.api().do(ctx, http.MethodGet, "/api/health", nil, &health); err != nil {
				fmt.Fprintln(w, pterm.Warning.Sprintf("Relay not reachable at %s", cfg.Edge.CloudURL))
				return nil
			}
			edges, _ := health["edges"].([]any)
			fmt.Fprintln(w, pterm.Success.Sprintf("Relay %v at %s, %d edge(s) known",
				health["status"], cfg.Edge.CloudURL, len(edges)))
			return nil
		},
	}
	return cmd
}
