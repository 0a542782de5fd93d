package web_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge/mcpfleet/internal/catalog"
	"github.com/voicebridge/mcpfleet/internal/config"
	"github.com/voicebridge/mcpfleet/internal/invoke"
	"github.com/voicebridge/mcpfleet/internal/mcp"
	"github.com/voicebridge/mcpfleet/internal/mcp/mcptest"
	"github.com/voicebridge/mcpfleet/internal/policy"
	"github.com/voicebridge/mcpfleet/internal/registry"
	"github.com/voicebridge/mcpfleet/internal/supervisor"
	"github.com/voicebridge/mcpfleet/internal/tracker"
	"github.com/voicebridge/mcpfleet/internal/web"
)

type fixture struct {
	reg *registry.Registry
	pol *policy.Registry
	trk *tracker.Tracker
	srv *web.Server

	mu     sync.Mutex
	setups map[string]func(*mcptest.FakeTransport)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:    registry.New(),
		pol:    policy.NewRegistry(nil),
		setups: make(map[string]func(*mcptest.FakeTransport)),
	}

	pool := mcp.NewPool(time.Second, nil)
	pool.SetTransportFactory(func(serverID string, _ *registry.Process) mcp.Transport {
		f.mu.Lock()
		setup := f.setups[serverID]
		f.mu.Unlock()
		tr := mcptest.NewFakeTransport()
		if setup != nil {
			setup(tr)
		}
		return tr
	})

	cat := catalog.NewService(config.CatalogSettings{
		RequestTimeout: time.Second,
		TTL:            time.Minute,
		StartupTimeout: 200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	}, f.reg, pool, f.pol, nil, nil, nil, nil)

	inv := invoke.NewService(config.InvokeSettings{Timeout: time.Second}, cat, f.reg, pool, f.pol, nil, nil, nil, nil)

	f.trk = tracker.New(config.TrackerSettings{
		SyncInterval:     time.Hour,
		DedupeWindow:     time.Second,
		ReadRetryInitial: 5 * time.Millisecond,
		ReadRetryMax:     20 * time.Millisecond,
		LedgerSize:       64,
	}, f.reg, pool, nil, nil)
	t.Cleanup(f.trk.Stop)

	sup := supervisor.New(config.SupervisorSettings{
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
		ResetAfter:     time.Hour,
	}, filepath.Join(t.TempDir(), "absent.json"), f.reg, nil, nil)
	t.Cleanup(sup.Stop)

	f.srv = web.NewServer(web.Options{
		SSE:        config.SSESettings{Heartbeat: 50 * time.Millisecond, RetryHintMs: 5000},
		Catalog:    cat,
		Invoker:    inv,
		Tracker:    f.trk,
		Supervisor: sup,
		Policy:     f.pol,
		Registry:   f.reg,
	})
	return f
}

func (f *fixture) addServer(id string, pid int, setup func(*mcptest.FakeTransport)) {
	f.mu.Lock()
	f.setups[id] = setup
	f.mu.Unlock()

	def := config.ServerDef{ID: id, Command: id, Enabled: true, TrackResources: true}
	f.reg.Ensure(def)
	f.reg.Update(id, func(rec *registry.Record) {
		rec.Status = registry.StatusRunning
		rec.PID = pid
		rec.Proc = registry.NewProcess(nil, pid, nil, nil)
	})
}

func serveEcho() func(*mcptest.FakeTransport) {
	return func(tr *mcptest.FakeTransport) {
		tr.Handle("tools/list", func(context.Context, json.RawMessage) (any, error) {
			return mcp.ToolsPage{Tools: []mcp.ToolEntry{{Name: "echo"}}}, nil
		})
		tr.Handle("tools/call", func(context.Context, json.RawMessage) (any, error) {
			return mcp.ToolCallResult{
				Content: []mcp.ToolResultContent{{Type: "text", Text: "hello"}},
			}, nil
		})
	}
}

func TestCatalogEndpoint(t *testing.T) {
	f := newFixture(t)
	f.addServer("srv", 11, serveEcho())

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/mcp/catalog", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var payload struct {
		Tools       []catalog.Tool `json:"tools"`
		CollectedAt int64          `json:"collectedAt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Tools) != 1 || payload.Tools[0].ID != "srv:echo" {
		t.Errorf("tools = %+v", payload.Tools)
	}
	if payload.CollectedAt == 0 {
		t.Error("collectedAt missing")
	}
}

func TestInvokeEndpointStreams(t *testing.T) {
	f := newFixture(t)
	f.addServer("srv", 11, serveEcho())

	body := strings.NewReader(`{"toolId":"srv:echo","input":{"msg":"hi"}}`)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mcp/invoke", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content-type = %q", got)
	}
	stream := rec.Body.String()
	for _, want := range []string{"event: started", "event: output", "event: completed", "event: final"} {
		if !strings.Contains(stream, want) {
			t.Errorf("stream missing %q:\n%s", want, stream)
		}
	}
	if !strings.Contains(stream, `"status":"completed"`) {
		t.Errorf("final event missing outcome:\n%s", stream)
	}
}

func TestInvokeEndpointRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"missing toolId", `{}`},
		{"bad invocation id", `{"toolId":"a:b","invocationId":"not-a-uuid"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mcp/invoke", strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCancelEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/mcp/invoke", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/mcp/invoke?invocationId=nope", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"cancelled":false`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestAdminRequiresBearerToken(t *testing.T) {
	t.Setenv("MCP_ADMIN_TOKEN", "sekrit")
	t.Setenv("NODE_ENV", "")
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mcp/admin",
		strings.NewReader(`{"action":"reload-config"}`)))
	if rec.Code != http.StatusForbidden {
		t.Errorf("unauthenticated status = %d, want 403", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/mcp/admin", strings.NewReader(`{"action":"reload-config"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong token status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/mcp/admin", strings.NewReader(`{"action":"reload-config"}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"status":"reloaded"`) {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestAdminRevokeListsTools(t *testing.T) {
	t.Setenv("MCP_ADMIN_TOKEN", "")
	t.Setenv("NODE_ENV", "test")
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mcp/admin",
		strings.NewReader(`{"action":"revoke","tools":["srv:echo"],"reason":"abuse","actor":"ops"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"srv:echo"`) {
		t.Errorf("response does not list revoked tool: %s", rec.Body)
	}
	if !f.pol.IsRevoked("srv:echo") {
		t.Error("tool not revoked")
	}

	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mcp/admin",
		strings.NewReader(`{"action":"bogus"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d, want 400", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.addServer("srv", 11, serveEcho())

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/mcp/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Servers []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"servers"`
		ActiveInvocations int      `json:"activeInvocations"`
		RevokedTools      []string `json:"revokedTools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Servers) != 1 || body.Servers[0].ID != "srv" || body.Servers[0].Status != "running" {
		t.Errorf("servers = %+v", body.Servers)
	}
}

func TestResourceEventsStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/mcp/resource-events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content-type = %q", got)
	}

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	expect := func(want string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream ended before %q", want)
				}
				if strings.Contains(line, want) {
					return
				}
			case <-deadline:
				t.Fatalf("never saw %q", want)
			}
		}
	}

	expect("retry: 5000")
	expect("event: handshake")

	// Tracker shutdown reaches connected streams.
	f.trk.Stop()
	expect("event: tracker_stopped")
}

func TestResourceEventsPayloadShapes(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/mcp/resource-events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	type ssePayload struct {
		name string
		data map[string]any
	}
	events := make(chan ssePayload, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var name string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var data map[string]any
				if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data) == nil {
					events <- ssePayload{name: name, data: data}
				}
			}
		}
	}()

	next := func(want string) map[string]any {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					t.Fatalf("stream ended before %q event", want)
				}
				if ev.name == want {
					return ev.data
				}
			case <-deadline:
				t.Fatalf("never saw %q event", want)
			}
		}
	}

	hs := next("handshake")
	if hs["type"] != "handshake" {
		t.Errorf("handshake type = %v", hs["type"])
	}
	if hs["status"] != "ready" {
		t.Errorf("handshake status = %v, want ready", hs["status"])
	}
	if _, ok := hs["timestamp"].(float64); !ok {
		t.Errorf("handshake timestamp missing: %v", hs)
	}

	f.trk.Stop()
	stopped := next("tracker_stopped")
	if stopped["type"] != "tracker_stopped" {
		t.Errorf("tracker_stopped type = %v", stopped["type"])
	}
	if _, ok := stopped["timestamp"].(float64); !ok {
		t.Errorf("tracker_stopped timestamp missing: %v", stopped)
	}
}

func TestInvokeStreamHeartbeats(t *testing.T) {
	f := newFixture(t)
	f.addServer("srv", 11, func(tr *mcptest.FakeTransport) {
		tr.Handle("tools/list", func(context.Context, json.RawMessage) (any, error) {
			return mcp.ToolsPage{Tools: []mcp.ToolEntry{{Name: "slow"}}}, nil
		})
		tr.Handle("tools/call", func(ctx context.Context, _ json.RawMessage) (any, error) {
			select {
			case <-time.After(150 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return mcp.ToolCallResult{
				Content: []mcp.ToolResultContent{{Type: "text", Text: "done"}},
			}, nil
		})
	})

	body := strings.NewReader(`{"toolId":"srv:slow"}`)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mcp/invoke", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	stream := rec.Body.String()
	// The 50 ms heartbeat fires while the 150 ms call is in flight.
	if !strings.Contains(stream, ": ping") {
		t.Errorf("stream has no heartbeat comments:\n%s", stream)
	}
	if !strings.Contains(stream, "event: completed") {
		t.Errorf("stream missing completion:\n%s", stream)
	}
}
