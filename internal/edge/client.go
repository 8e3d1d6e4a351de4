// ============================================================================
// Edge-Relay Edge Client - HTTP transport to the cloud relay
// ============================================================================
//
// Package: internal/edge
// File: client.go
//
// Every exchange is edge-initiated:
//
//   POST {cloud}/triggers          heartbeat, task_update, manual triggers
//   POST {cloud}/commands/pull     {edge_id, max_commands} -> 200 | 204
//   POST {cloud}/commands/result   one result per executed command
//                                  (or the command's reply_url)
//
// Client implements worker.CommandSource, so the poller does not know it is
// talking HTTP.
//
// Failure model:
//   transport errors and non-2xx answers wrap ErrTransport. Callers log and
//   count them; nothing is retried at this layer.
//
// ============================================================================

package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/edge-relay/pkg/types"
)

var log = slog.Default()

// ErrTransport wraps every failed exchange with the cloud.
var ErrTransport = errors.New("relay transport failure")

// DefaultHTTPTimeout bounds connect and response headers.
const DefaultHTTPTimeout = 5 * time.Second

const maxResponseBytes = 4 << 20

// Client talks to the cloud relay over HTTP.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for cloudURL. timeout bounds connect and
// response-header wait; the whole exchange is bounded by twice that.
func NewClient(cloudURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		base:  strings.TrimRight(strings.TrimSpace(cloudURL), "/"),
		token: strings.TrimSpace(token),
		http:  &http.Client{Transport: transport, Timeout: 2 * timeout},
	}
}

// URL joins path onto the cloud base URL.
func (c *Client) URL(path string) string {
	return c.base + "/" + strings.TrimLeft(path, "/")
}

// post sends body as JSON and returns the status and response body. A
// status of 400 or more is returned as an error wrapping ErrTransport.
func (c *Client) post(ctx context.Context, url string, body any) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, data, fmt.Errorf("%w: POST %s -> HTTP %d: %s",
			ErrTransport, url, resp.StatusCode, truncate(string(data), 300))
	}
	return resp.StatusCode, data, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// SendTrigger posts one trigger body.
func (c *Client) SendTrigger(ctx context.Context, body map[string]any) error {
	_, _, err := c.post(ctx, c.URL("/triggers"), body)
	return err
}

// Pull fetches up to max commands for edgeID. 204 yields an empty slice.
func (c *Client) Pull(ctx context.Context, edgeID string, max int) ([]types.Command, error) {
	status, data, err := c.post(ctx, c.URL("/commands/pull"), map[string]any{
		"edge_id":      edgeID,
		"max_commands": max,
	})
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(bytes.TrimSpace(data)) == 0 {
		return []types.Command{}, nil
	}
	return decodePull(data)
}

// decodePull accepts {"commands":[...]} or a single command object carrying
// request_id and action at the top level.
func decodePull(data []byte) ([]types.Command, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		// not an object: nothing to run
		return []types.Command{}, nil
	}

	if raw, ok := doc["commands"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return []types.Command{}, nil
		}
		out := make([]types.Command, 0, len(items))
		for _, item := range items {
			var cmd types.Command
			if err := json.Unmarshal(item, &cmd); err != nil {
				log.Warn("Skipping malformed command", "error", err)
				continue
			}
			out = append(out, cmd)
		}
		return out, nil
	}

	var single types.Command
	if err := json.Unmarshal(data, &single); err == nil && single.RequestID != "" && single.Action != "" {
		return []types.Command{single}, nil
	}
	return []types.Command{}, nil
}

// Report posts result to replyURL, or to the default result endpoint.
func (c *Client) Report(ctx context.Context, result types.CommandResult, replyURL string) error {
	url := strings.TrimSpace(replyURL)
	if url == "" {
		url = c.URL("/commands/result")
	}
	_, _, err := c.post(ctx, url, result)
	return err
}
