package observability

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// TelemetryEvent is a named record describing a runtime occurrence, such as
// a catalog handshake or a finished invocation.
type TelemetryEvent struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields,omitempty"`
	At     time.Time      `json:"at"`
}

// TelemetryHandler receives emitted events.
type TelemetryHandler func(TelemetryEvent)

// Telemetry dispatches runtime events to a pluggable handler. The default
// handler logs events at info level when telemetry is enabled via the
// MCP_ENABLE_TELEMETRY or PUBLIC_ENABLE_TELEMETRY environment variables.
type Telemetry struct {
	mu      sync.RWMutex
	handler TelemetryHandler
}

// NewTelemetry creates a telemetry dispatcher with the default log handler.
func NewTelemetry(logger *slog.Logger) *Telemetry {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Telemetry{}
	if telemetryEnabledFromEnv() {
		t.handler = func(ev TelemetryEvent) {
			args := make([]any, 0, 2*len(ev.Fields)+2)
			args = append(args, "event", ev.Name)
			for k, v := range ev.Fields {
				args = append(args, k, v)
			}
			logger.Info("telemetry", args...)
		}
	}
	return t
}

// SetHandler replaces the event handler. A nil handler discards events.
// This is the test seam for asserting emitted events.
func (t *Telemetry) SetHandler(handler TelemetryHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Emit dispatches an event to the current handler.
func (t *Telemetry) Emit(name string, fields map[string]any) {
	if t == nil {
		return
	}
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil {
		return
	}
	handler(TelemetryEvent{Name: name, Fields: fields, At: time.Now()})
}

func telemetryEnabledFromEnv() bool {
	return os.Getenv("MCP_ENABLE_TELEMETRY") == "1" || os.Getenv("PUBLIC_ENABLE_TELEMETRY") == "1"
}
