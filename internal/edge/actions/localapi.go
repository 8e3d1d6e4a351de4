package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoLocalAPI is returned by NewLocalAPI when no base URL is configured.
var ErrNoLocalAPI = errors.New("local api base url is not configured")

// LocalAPI forwards actions to an HTTP API running next to the edge client.
type LocalAPI struct {
	BaseURL string
	Client  *http.Client
}

// NewLocalAPI builds a LocalAPI with its own client timeout.
func NewLocalAPI(baseURL string, timeout time.Duration) (*LocalAPI, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrNoLocalAPI
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LocalAPI{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}, nil
}

type route struct {
	method string
	path   string
	body   map[string]any
	query  url.Values
}

type mapper func(args Args) (route, error)

func (l *LocalAPI) routes() map[string]mapper {
	taskPath := func(suffix string, method string, body func(Args) map[string]any) mapper {
		return func(args Args) (route, error) {
			v, err := args.Require("task_id")
			if err != nil {
				return route{}, err
			}
			r := route{method: method, path: "/api/task/" + url.PathEscape(v[0]) + suffix}
			if body != nil {
				r.body = body(args)
			}
			return r, nil
		}
	}
	caption := func(args Args) (route, error) {
		v, err := args.Require("io_id", "prompt")
		if err != nil {
			return route{}, err
		}
		return route{method: http.MethodPost, path: "/api/caption_frame", body: map[string]any{"io_id": v[0], "prompt": v[1]}}, nil
	}
	edit := func(args Args) (route, error) {
		v, err := args.Require("task_id", "new_description")
		if err != nil {
			return route{}, err
		}
		return route{
			method: http.MethodPut,
			path:   "/api/task/" + url.PathEscape(v[0]),
			body:   map[string]any{"new_description": v[1]},
		}, nil
	}

	return map[string]mapper{
		"health":       fixed(http.MethodGet, "/api/health"),
		"list_devices": fixed(http.MethodGet, "/api/devices"),
		"list_tasks": func(args Args) (route, error) {
			r := route{method: http.MethodGet, path: "/api/tasks"}
			if ioID := args.String("io_id"); ioID != "" {
				r.query = url.Values{"io_id": {ioID}}
			}
			return r, nil
		},
		"get_task": taskPath("", http.MethodGet, nil),
		"create_task": func(args Args) (route, error) {
			v, err := args.Require("io_id", "task_description")
			if err != nil {
				return route{}, err
			}
			return route{method: http.MethodPost, path: "/api/tasks", body: map[string]any{"io_id": v[0], "task_description": v[1]}}, nil
		},
		"edit_task":     edit,
		"update_task":   edit,
		"stop_task":     taskPath("/stop", http.MethodPost, func(Args) map[string]any { return map[string]any{} }),
		"delete_task":   taskPath("", http.MethodDelete, nil),
		"caption_frame": caption,
		"analyze_feed":  caption,
	}
}

func fixed(method, path string) mapper {
	return func(Args) (route, error) { return route{method: method, path: path}, nil }
}

// Register adds every mapped action to r, replacing same-named handlers.
func (l *LocalAPI) Register(r *Registry) {
	for name, m := range l.routes() {
		m := m
		r.Register(name, func(ctx context.Context, args Args) (any, error) {
			rt, err := m(args)
			if err != nil {
				return nil, err
			}
			return l.do(ctx, rt)
		})
	}
}

func (l *LocalAPI) do(ctx context.Context, rt route) (map[string]any, error) {
	target := l.BaseURL + rt.path
	if len(rt.query) > 0 {
		target += "?" + rt.query.Encode()
	}

	var body io.Reader
	if rt.body != nil {
		raw, err := json.Marshal(rt.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode local api body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, rt.method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local api %s %s: %w", rt.method, rt.path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("local api %s %s: read body: %w", rt.method, rt.path, err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = map[string]any{"raw_text": string(raw)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("local api failed: %s %s -> HTTP %d: %v", rt.method, rt.path, resp.StatusCode, decoded)
	}
	if m, ok := decoded.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"data": decoded}, nil
}
