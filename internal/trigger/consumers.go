package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// ============================================================================
// RecentLog - bounded ring of accepted triggers
// ============================================================================

// DefaultRecent is the RecentLog capacity when none is given.
const DefaultRecent = 500

// RecentLog keeps the newest accepted triggers for inspection.
type RecentLog struct {
	mu    sync.Mutex
	ring  []types.Trigger
	head  int
	count int
}

// NewRecentLog creates a log holding capacity triggers.
func NewRecentLog(capacity int) *RecentLog {
	if capacity <= 0 {
		capacity = DefaultRecent
	}
	return &RecentLog{ring: make([]types.Trigger, capacity)}
}

// Consume records t.
func (l *RecentLog) Consume(_ context.Context, t types.Trigger, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.head] = t
	l.head = (l.head + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
	return nil
}

// List returns up to limit triggers newest first. limit <= 0 means all.
func (l *RecentLog) List(edgeID string, limit int) []types.Trigger {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []types.Trigger{}
	for i := 0; i < l.count; i++ {
		t := l.ring[(l.head-1-i+len(l.ring))%len(l.ring)]
		if edgeID != "" && t.EdgeID != edgeID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ============================================================================
// WebhookForwarder - POST to the first target that takes it
// ============================================================================

// ErrNotForwarded is returned when no target accepted a trigger.
var ErrNotForwarded = errors.New("no forward target accepted the trigger")

// Attempt describes one delivery try.
type Attempt struct {
	Target     string `json:"target"`
	StatusCode int    `json:"status_code,omitempty"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

// WebhookForwarder posts accepted triggers to an ordered list of targets.
// Targets are tried in order; the first one answering below 400 wins.
type WebhookForwarder struct {
	targets []string
	token   string
	client  *http.Client
}

// NewWebhookForwarder creates a forwarder. Blank targets are dropped.
func NewWebhookForwarder(targets []string, token string, timeout time.Duration) *WebhookForwarder {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	clean := make([]string, 0, len(targets))
	for _, t := range targets {
		if t = strings.TrimSpace(t); t != "" {
			clean = append(clean, t)
		}
	}
	return &WebhookForwarder{
		targets: clean,
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
	}
}

// Targets returns the configured targets.
func (w *WebhookForwarder) Targets() []string {
	return append([]string(nil), w.targets...)
}

// Body flattens a trigger into the JSON object sent downstream: the edge's
// payload fields plus the envelope.
func Body(t types.Trigger, dedupeKey string) map[string]any {
	body := make(map[string]any, len(t.Payload)+5)
	for k, v := range t.Payload {
		body[k] = v
	}
	if t.Source != "" {
		body["source"] = t.Source
	}
	body["event_type"] = string(t.EventType)
	body["edge_id"] = t.EdgeID
	body["received_at"] = t.ReceivedAt.UTC().Format(time.RFC3339Nano)
	body["dedupe_key"] = dedupeKey
	return body
}

// Consume forwards t. It returns ErrNotForwarded, wrapped with the attempts,
// when every target failed.
func (w *WebhookForwarder) Consume(ctx context.Context, t types.Trigger, dedupeKey string) error {
	if len(w.targets) == 0 {
		return nil
	}
	raw, err := json.Marshal(Body(t, dedupeKey))
	if err != nil {
		return fmt.Errorf("failed to encode trigger: %w", err)
	}

	attempts := make([]Attempt, 0, len(w.targets))
	for _, target := range w.targets {
		a := w.post(ctx, target, raw)
		attempts = append(attempts, a)
		if a.OK {
			log.Debug("Trigger forwarded", "edge_id", t.EdgeID, "target", target)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotForwarded, summarize(attempts))
}

func (w *WebhookForwarder) post(ctx context.Context, target string, raw []byte) Attempt {
	start := time.Now()
	a := Attempt{Target: target}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	a.ElapsedMS = time.Since(start).Milliseconds()
	if err != nil {
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	a.StatusCode = resp.StatusCode
	a.OK = resp.StatusCode < 400
	return a
}

func summarize(attempts []Attempt) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		if a.Error != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", a.Target, a.Error))
		} else {
			parts = append(parts, fmt.Sprintf("%s: HTTP %d", a.Target, a.StatusCode))
		}
	}
	return strings.Join(parts, "; ")
}

// ============================================================================
// Fanout
// ============================================================================

// Fanout delivers to every consumer and joins their errors.
type Fanout []Consumer

// Consume calls each consumer in order.
func (f Fanout) Consume(ctx context.Context, t types.Trigger, dedupeKey string) error {
	var errs []error
	for _, c := range f {
		if c == nil {
			continue
		}
		if err := c.Consume(ctx, t, dedupeKey); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
