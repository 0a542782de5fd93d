// Package invoke executes tool calls: validation, permission checks,
// dispatch over the client pool, and race-free cancellation from request,
// timeout, or policy revocation.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/voicebridge/mcpfleet/internal/catalog"
	"github.com/voicebridge/mcpfleet/internal/config"
	"github.com/voicebridge/mcpfleet/internal/mcp"
	"github.com/voicebridge/mcpfleet/internal/observability"
	"github.com/voicebridge/mcpfleet/internal/policy"
	"github.com/voicebridge/mcpfleet/internal/registry"
)

// Cancellation reasons, in the order their causes usually fire.
const (
	ReasonRequest = "request"
	ReasonRevoked = "revoked"
	ReasonTimeout = "timeout"
)

// Terminal statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Request describes one tool invocation.
type Request struct {
	ToolID             string          `json:"toolId"`
	Input              json.RawMessage `json:"input,omitempty"`
	InvocationID       string          `json:"invocationId,omitempty"`
	SessionID          string          `json:"sessionId,omitempty"`
	GrantedPermissions []string        `json:"grantedPermissions,omitempty"`
	TimeoutMs          int             `json:"timeoutMs,omitempty"`
}

// Event is one entry of an invocation's stream.
type Event struct {
	Type         string          `json:"type"`
	InvocationID string          `json:"invocationId"`
	ToolID       string          `json:"toolId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	ServerID     string          `json:"serverId,omitempty"`
	StartedAt    int64           `json:"startedAt,omitempty"`
	Progress     float64         `json:"progress,omitempty"`
	Total        float64         `json:"total,omitempty"`
	Message      string          `json:"message,omitempty"`
	Content      any             `json:"content,omitempty"`
	Structured   json.RawMessage `json:"structuredContent,omitempty"`
	IsError      bool            `json:"isError,omitempty"`
	Error        string          `json:"error,omitempty"`
	Code         int             `json:"code,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	DurationMs   int64           `json:"durationMs,omitempty"`
}

// Outcome summarizes how an invocation ended.
type Outcome struct {
	InvocationID string          `json:"invocationId"`
	Status       string          `json:"status"`
	DurationMs   int64           `json:"durationMs"`
	Content      any             `json:"content,omitempty"`
	Structured   json.RawMessage `json:"structuredContent,omitempty"`
	Error        string          `json:"error,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

// OnEvent receives stream events in order. Callbacks run on the invoking
// goroutine except progress, which arrives from the transport dispatcher.
type OnEvent func(Event)

// invocation is the cancel handle for one live call.
type invocation struct {
	id     string
	toolID string
	cancel context.CancelFunc
	timer  *time.Timer

	mu     sync.Mutex
	reason string
}

// abort assigns the reason once and cancels. Later causes are no-ops.
func (inv *invocation) abort(reason string) {
	inv.mu.Lock()
	if inv.reason == "" {
		inv.reason = reason
	}
	inv.mu.Unlock()
	inv.cancel()
}

func (inv *invocation) abortReason() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.reason == "" {
		return ReasonRequest
	}
	return inv.reason
}

// Service dispatches tool invocations.
type Service struct {
	cfg       config.InvokeSettings
	logger    *slog.Logger
	catalog   *catalog.Service
	registry  *registry.Registry
	pool      *mcp.Pool
	policy    *policy.Registry
	metrics   *observability.Metrics
	telemetry *observability.Telemetry
	tracer    trace.Tracer

	mu     sync.Mutex
	active map[string]*invocation
}

// NewService creates an invocation service.
func NewService(cfg config.InvokeSettings, cat *catalog.Service, reg *registry.Registry, pool *mcp.Pool, pol *policy.Registry, metrics *observability.Metrics, telemetry *observability.Telemetry, tracer trace.Tracer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		logger:    logger.With("component", "invoke"),
		catalog:   cat,
		registry:  reg,
		pool:      pool,
		policy:    pol,
		metrics:   metrics,
		telemetry: telemetry,
		tracer:    tracer,
		active:    make(map[string]*invocation),
	}
}

// Invoke runs one tool call to a terminal outcome, emitting stream events
// along the way. Exactly one terminal event (completed, failed, cancelled)
// is emitted per call.
func (s *Service) Invoke(ctx context.Context, req Request, onEvent OnEvent) *Outcome {
	id := req.InvocationID
	if id == "" {
		id = uuid.NewString()
	}

	if s.policy.IsRevoked(req.ToolID) {
		onEvent(Event{Type: "cancelled", InvocationID: id, ToolID: req.ToolID, Reason: ReasonRevoked})
		return &Outcome{InvocationID: id, Status: StatusCancelled, Reason: ReasonRevoked}
	}

	serverID, toolName, ok := splitToolID(req.ToolID)
	if !ok {
		return s.failEarly(id, req.ToolID, onEvent, fmt.Sprintf("Invalid tool id %q", req.ToolID))
	}

	tool, err := s.catalog.Lookup(ctx, req.ToolID)
	if err != nil {
		return s.failEarly(id, req.ToolID, onEvent, fmt.Sprintf("Catalog unavailable: %v", err))
	}
	if tool == nil {
		return s.failEarly(id, req.ToolID, onEvent, "Tool not found in catalog")
	}

	if missing := missingPermissions(tool.Permissions, req.GrantedPermissions); len(missing) > 0 {
		return s.failEarly(id, req.ToolID, onEvent,
			"Missing permissions: "+strings.Join(missing, ", "))
	}

	if msg := validateInput(tool.InputSchema, req.Input); msg != "" {
		return s.failEarly(id, req.ToolID, onEvent, "Input validation failed: "+msg)
	}

	rec, found := s.registry.Get(serverID)
	if !found || rec.Status != registry.StatusRunning || !rec.Proc.Alive() {
		return s.failEarly(id, req.ToolID, onEvent, "server not available")
	}

	timeout := s.cfg.Timeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	ictx, cancel := context.WithCancel(ctx)
	inv := &invocation{id: id, toolID: req.ToolID, cancel: cancel}
	inv.timer = time.AfterFunc(timeout, func() { inv.abort(ReasonTimeout) })

	s.mu.Lock()
	if _, exists := s.active[id]; exists {
		s.mu.Unlock()
		inv.timer.Stop()
		cancel()
		return s.failEarly(id, req.ToolID, onEvent, "Invocation id already active")
	}
	s.active[id] = inv
	s.mu.Unlock()

	startedAt := time.Now()
	defer func() {
		inv.timer.Stop()
		cancel()
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}()

	sctx := ictx
	var span trace.Span
	if s.tracer != nil {
		sctx, span = s.tracer.Start(ictx, "tools/call",
			trace.WithAttributes(observability.SpanAttrs(req.ToolID, serverID, id)...))
		defer span.End()
	}

	onEvent(Event{
		Type:         "started",
		InvocationID: id,
		ToolID:       req.ToolID,
		ToolName:     toolName,
		ServerID:     serverID,
		StartedAt:    startedAt.UnixMilli(),
	})

	outcome := s.dispatch(sctx, inv, rec, toolName, req, onEvent, startedAt)

	s.metrics.RecordInvocation(req.ToolID, outcome.Status, float64(outcome.DurationMs)/1000)
	s.telemetry.Emit("invocation", map[string]any{
		"invocationId": id,
		"toolId":       req.ToolID,
		"sessionId":    req.SessionID,
		"status":       outcome.Status,
		"durationMs":   outcome.DurationMs,
		"reason":       outcome.Reason,
	})
	return outcome
}

// dispatch issues tools/call and maps its result or failure to the terminal
// event.
func (s *Service) dispatch(ctx context.Context, inv *invocation, rec registry.Record, toolName string, req Request, onEvent OnEvent, startedAt time.Time) *Outcome {
	id := inv.id
	elapsed := func() int64 { return time.Since(startedAt).Milliseconds() }

	client, err := s.pool.Get(ctx, rec.Def, rec.Proc)
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(inv, onEvent, elapsed())
		}
		msg := fmt.Sprintf("Failed to reach server: %v", err)
		onEvent(Event{Type: "failed", InvocationID: id, Error: msg, DurationMs: elapsed()})
		return &Outcome{InvocationID: id, Status: StatusFailed, Error: msg, DurationMs: elapsed()}
	}

	result, err := client.CallTool(ctx, toolName, req.Input, id, func(p mcp.ProgressParams) {
		onEvent(Event{
			Type:         "progress",
			InvocationID: id,
			Progress:     p.Progress,
			Total:        p.Total,
			Message:      p.Message,
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(inv, onEvent, elapsed())
		}
		msg := err.Error()
		var rpcErr *mcp.RPCError
		code := 0
		if errors.As(err, &rpcErr) {
			code = rpcErr.Code
		}
		onEvent(Event{Type: "failed", InvocationID: id, Error: msg, Code: code, DurationMs: elapsed()})
		return &Outcome{InvocationID: id, Status: StatusFailed, Error: msg, DurationMs: elapsed()}
	}

	if result.IsError {
		msg := flattenContent(result.Content)
		if msg == "" {
			msg = "tool reported an error"
		}
		onEvent(Event{Type: "failed", InvocationID: id, Error: msg, DurationMs: elapsed()})
		return &Outcome{InvocationID: id, Status: StatusFailed, Error: msg, DurationMs: elapsed()}
	}

	content := preferredContent(result)
	onEvent(Event{Type: "output", InvocationID: id, Content: content, IsError: false})
	onEvent(Event{
		Type:         "completed",
		InvocationID: id,
		Content:      content,
		Structured:   result.StructuredContent,
		DurationMs:   elapsed(),
	})
	return &Outcome{
		InvocationID: id,
		Status:       StatusCompleted,
		Content:      content,
		Structured:   result.StructuredContent,
		DurationMs:   elapsed(),
	}
}

func (s *Service) cancelled(inv *invocation, onEvent OnEvent, durationMs int64) *Outcome {
	reason := inv.abortReason()
	onEvent(Event{Type: "cancelled", InvocationID: inv.id, Reason: reason, DurationMs: durationMs})
	return &Outcome{InvocationID: inv.id, Status: StatusCancelled, Reason: reason, DurationMs: durationMs}
}

func (s *Service) failEarly(id, toolID string, onEvent OnEvent, msg string) *Outcome {
	s.logger.Warn("invocation rejected", "invocation_id", id, "tool", toolID, "error", msg)
	onEvent(Event{Type: "failed", InvocationID: id, ToolID: toolID, Error: msg})
	return &Outcome{InvocationID: id, Status: StatusFailed, Error: msg}
}

// Cancel aborts an active invocation on behalf of the caller. Returns true
// iff the id was active.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	inv := s.active[id]
	s.mu.Unlock()

	if inv == nil {
		return false
	}
	inv.abort(ReasonRequest)
	return true
}

// CancelByTool aborts every active invocation whose tool id is in ids,
// marking them revoked. Safe to call from the policy subscriber.
func (s *Service) CancelByTool(ids []string) {
	revoked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		revoked[id] = struct{}{}
	}

	s.mu.Lock()
	var matched []*invocation
	for _, inv := range s.active {
		if _, hit := revoked[inv.toolID]; hit {
			matched = append(matched, inv)
		}
	}
	s.mu.Unlock()

	for _, inv := range matched {
		inv.abort(ReasonRevoked)
	}
}

// CancelAll aborts every active invocation. Called during shutdown, before
// children are terminated, so in-flight calls finish as cancelled rather
// than failing on a dead transport.
func (s *Service) CancelAll() {
	s.mu.Lock()
	live := make([]*invocation, 0, len(s.active))
	for _, inv := range s.active {
		live = append(live, inv)
	}
	s.mu.Unlock()

	for _, inv := range live {
		inv.abort(ReasonTimeout)
	}
}

// ActiveCount reports the number of live invocations.
func (s *Service) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func splitToolID(toolID string) (serverID, toolName string, ok bool) {
	serverID, toolName, found := strings.Cut(toolID, ":")
	if !found || serverID == "" || toolName == "" {
		return "", "", false
	}
	return serverID, toolName, true
}

func missingPermissions(required, granted []string) []string {
	have := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		have[p] = struct{}{}
	}
	var missing []string
	for _, p := range required {
		if _, ok := have[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// validateInput checks input against the tool's JSON schema. An empty
// schema means no constraints. Returns the concatenated validation
// messages, or "" when valid.
func validateInput(schema, input json.RawMessage) string {
	if len(schema) == 0 || string(schema) == "null" {
		return ""
	}

	compiled, err := jsonschema.CompileString("tool-input.json", string(schema))
	if err != nil {
		// A broken schema must not block the tool.
		return ""
	}

	var value any
	if len(input) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(input, &value); err != nil {
		return "input is not valid JSON: " + err.Error()
	}

	err = compiled.Validate(value)
	if err == nil {
		return ""
	}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		var msgs []string
		for _, cause := range verr.BasicOutput().Errors {
			if cause.Error == "" || strings.HasPrefix(cause.Error, "doesn't validate with") {
				continue
			}
			if cause.InstanceLocation != "" {
				msgs = append(msgs, cause.InstanceLocation+": "+cause.Error)
			} else {
				msgs = append(msgs, cause.Error)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	return err.Error()
}

// preferredContent picks the single content value surfaced to clients:
// output, then formatted, then structuredContent, then the flattened text
// of the content list, then nothing. This is the only place that ordering
// lives.
func preferredContent(result *mcp.ToolCallResult) any {
	if len(result.Output) > 0 && string(result.Output) != "null" {
		return result.Output
	}
	if len(result.Formatted) > 0 && string(result.Formatted) != "null" {
		return result.Formatted
	}
	if len(result.StructuredContent) > 0 && string(result.StructuredContent) != "null" {
		return result.StructuredContent
	}
	if text := flattenContent(result.Content); text != "" {
		return text
	}
	return nil
}

// flattenContent joins the text items of a content list.
func flattenContent(content []mcp.ToolResultContent) string {
	var parts []string
	for _, item := range content {
		if item.Type == "text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}
