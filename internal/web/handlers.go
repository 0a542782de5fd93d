package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge/mcpfleet/internal/invoke"
	"github.com/voicebridge/mcpfleet/internal/registry"
	"github.com/voicebridge/mcpfleet/internal/tracker"
)

// writeJSON serializes a 2xx (or explicit) JSON response.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, details string) {
	body := map[string]any{"error": msg}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

// handleCatalog serves GET /api/mcp/catalog from the cached aggregation.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	payload, err := s.catalog.GetCatalog(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to collect catalog", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleInvoke serves POST /api/mcp/invoke: the tool call streams its
// events over SSE and always ends with a terminal final event.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invoke.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	if req.ToolID == "" {
		writeError(w, http.StatusBadRequest, "toolId is required", "")
		return
	}
	if req.InvocationID != "" {
		if _, err := uuid.Parse(req.InvocationID); err != nil {
			writeError(w, http.StatusBadRequest, "invocationId must be a uuid", "")
			return
		}
	} else {
		req.InvocationID = uuid.NewString()
	}

	sw := newSSEWriter(w)
	if sw == nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	s.metrics.SSEClientConnected("invoke", 1)
	defer s.metrics.SSEClientConnected("invoke", -1)

	// One side loop per stream: a client abort cancels the in-flight
	// invocation, and heartbeat comments keep long calls alive through
	// proxies. The handler waits for the loop before returning so nothing
	// writes to a dead ResponseWriter.
	ctx := r.Context()
	heartbeat := time.NewTicker(s.sse.Heartbeat)
	defer heartbeat.Stop()

	loopDone := make(chan struct{})
	stop := make(chan struct{})
	defer func() { <-loopDone }()
	defer close(stop)
	go func() {
		defer close(loopDone)
		for {
			select {
			case <-ctx.Done():
				s.invoker.Cancel(req.InvocationID)
				return
			case <-heartbeat.C:
				sw.comment("ping")
			case <-stop:
				return
			}
		}
	}()

	outcome := s.invoker.Invoke(ctx, req, func(ev invoke.Event) {
		if err := sw.event(ev.Type, ev); err != nil {
			s.logger.Debug("invoke stream write failed", "error", err)
		}
	})

	_ = sw.event("final", outcome)
}

// handleCancel serves DELETE /api/mcp/invoke?invocationId=…
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("invocationId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invocationId is required", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": s.invoker.Cancel(id)})
}

type adminRequest struct {
	Action string   `json:"action"`
	Tools  []string `json:"tools,omitempty"`
	Reason string   `json:"reason,omitempty"`
	Actor  string   `json:"actor,omitempty"`
}

// adminAuthorized checks the bearer token against MCP_ADMIN_TOKEN. With no
// token configured, admin is open only under NODE_ENV=test.
func adminAuthorized(r *http.Request) bool {
	token := os.Getenv("MCP_ADMIN_TOKEN")
	if token == "" {
		return os.Getenv("NODE_ENV") == "test"
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if presented == r.Header.Get("Authorization") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

// handleAdmin serves POST /api/mcp/admin: revoke, restore, reload-config.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if !adminAuthorized(r) {
		writeError(w, http.StatusForbidden, "forbidden", "")
		return
	}

	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}

	switch req.Action {
	case "revoke":
		s.policy.Revoke(req.Tools, req.Reason, req.Actor)
		s.catalog.InvalidateCache()
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"tools":  s.policy.Snapshot(),
		})
	case "restore":
		s.policy.Restore(req.Tools, req.Reason, req.Actor)
		s.catalog.InvalidateCache()
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"tools":  s.policy.Snapshot(),
		})
	case "reload-config":
		result, err := s.supervisor.Reload(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "reload failed", err.Error())
			return
		}
		s.catalog.InvalidateCache()
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "reloaded",
			"result": result,
		})
	default:
		writeError(w, http.StatusBadRequest, "unknown action", req.Action)
	}
}

// handleResourceEvents serves GET /api/mcp/resource-events: a long-lived
// SSE stream of tracker events with heartbeats.
func (s *Server) handleResourceEvents(w http.ResponseWriter, r *http.Request) {
	sw := newSSEWriter(w)
	if sw == nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	events, cancelSub := s.trk.Subscribe()
	defer cancelSub()

	s.metrics.SSEClientConnected("resource_events", 1)
	defer s.metrics.SSEClientConnected("resource_events", -1)

	sw.retry(s.sse.RetryHintMs)
	_ = sw.event("handshake", map[string]any{
		"type":      "handshake",
		"status":    "ready",
		"timestamp": time.Now().UnixMilli(),
	})

	heartbeat := time.NewTicker(s.sse.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = sw.event("stream_closed", map[string]any{
				"type":      "stream_closed",
				"reason":    "client_aborted",
				"timestamp": time.Now().UnixMilli(),
			})
			return
		case <-heartbeat.C:
			sw.comment("ping")
		case ev, ok := <-events:
			if !ok {
				// Tracker stopped; the tracker_stopped event preceded the
				// close.
				return
			}
			if err := sw.event(ev.Type, ev); err != nil {
				s.logger.Debug("resource stream write failed", "error", err)
				return
			}
			if ev.Type == tracker.EventTrackerStopped {
				return
			}
		}
	}
}

type serverStatus struct {
	ID        string             `json:"id"`
	Status    registry.Status    `json:"status"`
	Restarts  int                `json:"restarts"`
	PID       int                `json:"pid,omitempty"`
	StartedAt int64              `json:"startedAt,omitempty"`
	LastExit  *registry.ExitInfo `json:"lastExit,omitempty"`
}

// handleStatus serves GET /api/mcp/status: fleet overview for operators.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	records := s.registry.List()
	servers := make([]serverStatus, 0, len(records))
	for _, rec := range records {
		status := serverStatus{
			ID:       rec.Def.ID,
			Status:   rec.Status,
			Restarts: rec.Restarts,
			PID:      rec.PID,
			LastExit: rec.LastExit,
		}
		if !rec.StartedAt.IsZero() {
			status.StartedAt = rec.StartedAt.UnixMilli()
		}
		servers = append(servers, status)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"servers":           servers,
		"activeInvocations": s.invoker.ActiveCount(),
		"revokedTools":      s.policy.Snapshot(),
	})
}

// handleInstructions serves the realtime assistant instructions file.
func (s *Server) handleInstructions(w http.ResponseWriter, r *http.Request) {
	if s.instructions == nil {
		writeError(w, http.StatusNotFound, "instructions not configured", "")
		return
	}
	text, err := s.instructions.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load instructions", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instructions": text})
}
