package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/edge-relay/internal/commandqueue"
	"github.com/ChuLiYu/edge-relay/internal/controller"
	"github.com/ChuLiYu/edge-relay/internal/trigger"
	"github.com/ChuLiYu/edge-relay/pkg/types"
)

// envelope fields are lifted out of a trigger body; the rest is payload.
var envelope = map[string]bool{"edge_id": true, "event_type": true, "source": true, "payload": true}

// parseTrigger builds a Trigger from a flat edge body. A nested "payload"
// object is merged in without overriding top-level fields.
func parseTrigger(body map[string]any) types.Trigger {
	t := types.Trigger{
		EdgeID:    stringField(body, "edge_id"),
		EventType: types.EventType(stringField(body, "event_type")),
		Source:    stringField(body, "source"),
		Payload:   make(map[string]any, len(body)),
	}
	for k, v := range body {
		if !envelope[k] {
			t.Payload[k] = v
		}
	}
	if nested, ok := body["payload"].(map[string]any); ok {
		for k, v := range nested {
			if _, taken := t.Payload[k]; !taken {
				t.Payload[k] = v
			}
		}
	}
	return t
}

func stringField(body map[string]any, key string) string {
	s, _ := body[key].(string)
	return strings.TrimSpace(s)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body, err := decodeObject(raw, "trigger", nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.ctrl.SubmitTrigger(r.Context(), parseTrigger(body))
	if err != nil {
		if errors.Is(err, trigger.ErrMissingEdgeID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := "ok"
	if !out.Accepted {
		status = "suppressed"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"accepted":   out.Accepted,
		"reason":     out.Reason,
		"dedupe_key": out.DedupeKey,
		"received":   out.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
}

type enqueueBody struct {
	EdgeID    string         `json:"edge_id"`
	Action    string         `json:"action"`
	Args      map[string]any `json:"args"`
	RequestID string         `json:"request_id"`
	ReplyURL  string         `json:"reply_url"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body enqueueBody
	if _, err := decodeObject(raw, "enqueue", &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cmd, err := s.ctrl.Enqueue(r.Context(), commandqueue.EnqueueRequest{
		EdgeID:    body.EdgeID,
		Action:    body.Action,
		Args:      body.Args,
		RequestID: body.RequestID,
		ReplyURL:  body.ReplyURL,
	})
	switch {
	case errors.Is(err, commandqueue.ErrMissingEdgeID), errors.Is(err, commandqueue.ErrMissingAction):
		writeError(w, http.StatusBadRequest, "edge_id and action are required")
		return
	case errors.Is(err, commandqueue.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, commandqueue.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"status":     "queued",
		"edge_id":    cmd.EdgeID,
		"request_id": cmd.RequestID,
		"command":    cmd,
	})
}

type pullBody struct {
	EdgeID      string `json:"edge_id"`
	MaxCommands *int   `json:"max_commands"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body pullBody
	if _, err := decodeObject(raw, "pull", &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 1
	if body.MaxCommands != nil {
		limit = *body.MaxCommands
	}

	cmds, err := s.ctrl.Pull(r.Context(), body.EdgeID, limit)
	switch {
	case errors.Is(err, commandqueue.ErrMissingEdgeID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, controller.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(cmds) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"edge_id":  strings.TrimSpace(body.EdgeID),
		"commands": cmds,
	})
}

type resultBody struct {
	RequestID string `json:"request_id"`
	EdgeID    string `json:"edge_id"`
	Status    string `json:"status"`
	Result    any    `json:"result"`
	Error     string `json:"error"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body resultBody
	if _, err := decodeObject(raw, "result", &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := types.CommandResult{
		RequestID: body.RequestID,
		EdgeID:    body.EdgeID,
		Status:    types.ResultStatus(body.Status),
		Result:    body.Result,
		Error:     body.Error,
	}
	if body.Status == "ok" {
		res.Status = types.StatusSuccess
	}

	correlated, err := s.ctrl.PostResult(r.Context(), res)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"correlated": correlated,
		"received":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// ============================================================================
// Inspection
// ============================================================================

func listQuery(r *http.Request) (edgeID string, limit int, err error) {
	q := r.URL.Query()
	edgeID = strings.TrimSpace(q.Get("edge_id"))
	limit = defaultListLimit
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			return "", 0, errors.New("limit must be an integer")
		}
		if limit < 1 {
			limit = 1
		}
	}
	return edgeID, limit, nil
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"edges": s.ctrl.ListEdges()})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	edgeID, limit, err := listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggers": s.ctrl.ListRecentTriggers(edgeID, limit)})
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	edgeID, limit, err := listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": s.ctrl.ListRecentResults(edgeID, limit)})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	edgeID, limit, err := listQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.ctrl.ListPending(edgeID, limit)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": ServiceName})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": ServiceName,
		"mode":    "event-control",
		"edges":   s.ctrl.ListEdges(),
		"relay":   s.ctrl.GetStatus(),
	})
}
