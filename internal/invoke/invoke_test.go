package invoke_test

import (
	"context"
	"encoding/json"
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
)

type fixture struct {
	reg *registry.Registry
	pol *policy.Registry
	svc *invoke.Service

	mu     sync.Mutex
	setups map[string]func(*mcptest.FakeTransport)
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
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
	f.svc = invoke.NewService(config.InvokeSettings{Timeout: timeout}, cat, f.reg, pool, f.pol, nil, nil, nil, nil)
	return f
}

func (f *fixture) addServer(id string, pid int, tools []mcp.ToolEntry, callHandler mcptest.Handler) {
	f.mu.Lock()
	f.setups[id] = func(tr *mcptest.FakeTransport) {
		tr.Handle("tools/list", func(context.Context, json.RawMessage) (any, error) {
			return mcp.ToolsPage{Tools: tools}, nil
		})
		if callHandler != nil {
			tr.Handle("tools/call", callHandler)
		}
	}
	f.mu.Unlock()

	def := config.ServerDef{ID: id, Command: id, Enabled: true}
	f.reg.Ensure(def)
	f.reg.Update(id, func(rec *registry.Record) {
		rec.Status = registry.StatusRunning
		rec.PID = pid
		rec.Proc = registry.NewProcess(nil, pid, nil, nil)
	})
}

type eventLog struct {
	mu     sync.Mutex
	events []invoke.Event
}

func (l *eventLog) record(ev invoke.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func (l *eventLog) last() invoke.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func echoResult(text string) mcptest.Handler {
	return func(context.Context, json.RawMessage) (any, error) {
		return mcp.ToolCallResult{
			Content: []mcp.ToolResultContent{{Type: "text", Text: text}},
		}, nil
	}
}

func blockUntilCancelled(ctx context.Context, _ json.RawMessage) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInvokeCompletes(t *testing.T) {
	f := newFixture(t, time.Second)
	f.addServer("srv", 11, []mcp.ToolEntry{{Name: "echo"}}, echoResult("hello"))

	var log eventLog
	outcome := f.svc.Invoke(context.Background(), invoke.Request{
		ToolID:       "srv:echo",
		InvocationID: "inv-1",
		Input:        json.RawMessage(`{"msg":"hi"}`),
	}, log.record)

	if outcome.Status != invoke.StatusCompleted {
		t.Fatalf("status = %s, error = %s", outcome.Status, outcome.Error)
	}
	want := []string{"started", "output", "completed"}
	if got := log.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if outcome.Content != "hello" {
		t.Errorf("content = %v", outcome.Content)
	}
	if outcome.DurationMs < 0 {
		t.Errorf("durationMs = %d", outcome.DurationMs)
	}
	if f.svc.ActiveCount() != 0 {
		t.Error("invocation still active after terminal outcome")
	}
}

func TestContentPreferenceOrder(t *testing.T) {
	f := newFixture(t, time.Second)
	f.addServer("srv", 11, []mcp.ToolEntry{{Name: "pick"}}, func(context.Context, json.RawMessage) (any, error) {
		return mcp.ToolCallResult{
			Output:            json.RawMessage(`{"winner":true}`),
			Formatted:         json.RawMessage(`"loser"`),
			StructuredContent: json.RawMessage(`{"also":"loser"}`),
			Content:           []mcp.ToolResultContent{{Type: "text", Text: "loser"}},
		}, nil
	})

	var log eventLog
	outcome := f.svc.Invoke(context.Background(), invoke.Request{ToolID: "srv:pick"}, log.record)
	if outcome.Status != invoke.StatusCompleted {
		t.Fatalf("status = %s", outcome.Status)
	}
	raw, ok := outcome.Content.(json.RawMessage)
	if !ok || string(raw) != `{"winner":true}` {
		t.Errorf("content = %#v, want output field", outcome.Content)
	}
}

func TestInvokeToolNotFound(t *testing.T) {
	f := newFixture(t, time.Second)
	f.addServer("srv", 11, []mcp.ToolEntry{{Name: "echo"}}, nil)

	var log eventLog
	outcome := f.svc.Invoke(context.Background(), invoke.Request{ToolID: "srv:missing"}, log.record)
	if outcome.Status != invoke.StatusFailed || outcome.Error != "Tool not found in catalog" {
		t.Errorf("outcome = %+v", outcome)
	}
	if got := log.types(); len(got) != 1 || got[0] != "failed" {
		t.Errorf("events = %v", got)
	}
}

func TestInvokeMissingPermissions(t *testing.T) {
	f := newFixture(t, time.Second)
	f.addServer("srv", 11, []mcp.ToolEntry{
		{Name: "secure", Permissions: []string{"read", "write"}},
	}, nil)

	var log eventLog
	outcome := f.svc.Invoke(context.Background(), invoke.Request{
		ToolID:             "srv:secure",
		GrantedPermissions: []string{"read"},
	}, log.record)

	if outcome.Status != invoke.StatusFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if !strings.Contains(outcome.Error, "write") {
		t.Errorf("error %q does not list the missing permission", outcome.Error)
	}
}

func TestInvokeSchemaValidation(t *testing.T) {
	f := newFixture(t, time.Second)
	schema := json.RawMessage(`{
		"type": "object",
		"required": ["msg"],
		"properties": {"msg": {"type": "string"}}
	}`)
	f.addServer("srv", 11, []mcp.ToolEntry{{Name: "strict", InputSchema: schema}}, echoResult("ok"))

	var log eventLog
	outcome := f.svc.Invoke(context.Background(), invoke.Request{
		ToolID: "srv:strict",
		Input:  json.RawMessage(`{}`),
	}, log.record)
	if outcome.Status != invoke.StatusFailed {
		t.Fatalf("status = %s", outcome.Status)
	}
	if !strings.Contains(outcome.Error, "Input validation failed") {
		t.Errorf("error = %q", outcome.Error)
	}

	// Valid input passes the same schema.
	outcome = f.svc.Invoke(context.Background(), invoke.Request{
		ToolID: "srv:strict",
		Input:  json.RawMessage(`{"msg":"hi"}`),
	}, log.record)
	if outcome.Status != invoke.StatusCompleted {
		t.Errorf("valid input status = %s, error = %s", outcome.Status, outcome.Error)
	}
}

func TestInvokeRevokedAtEntry(t *testing.T) {
	f := newFixture(t, time.Second)
	f.addServer("srv", 11, []mcp.ToolEntry{{Name: "echo"}}, echoResult("ok"))
	f.pol.Revoke([]string{"srv:echo"}, "", "ops")

	var log eventLog
	outcome := f.svc.Invoke(context.Background(), invoke.Request{ToolID: "srv:echo"}, log.record)
	if outcome.Status != invoke.StatusCancelled || outcome.Reason != invoke.ReasonRevoked {
		t.Errorf("outcome = %+v", outcome)
	}
	if got := log.types(); len(got) != 1 || got[0] != "cancelled" {
		t.Errorf("events = %v", got)
	}
}

func TestCancelMarksRequestReason(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.addServer("srv", 11, []mcp.ToolEntry{{Name: "slow"}}, blockUntilCancelled)

	var log eventLog
	done := make(chan *invoke.Outcome, 1)
	go func() {
		done <- f.svc.Invoke(context.Background(), invoke.Request{
			ToolID:       "srv:slow",
			InvocationID: "inv-cancel",
		}, log.record)
	}()

	waitActive(t, f.svc, 1)
	if !f.svc.Cancel("inv-cancel") {
		t.Fatal("Cancel returned false for an active invocation")
	}

	outcome := <-done
	if outcome.Status != invoke.StatusCancelled || outcome.Reason != invoke.ReasonRequest {
		t.Errorf("outcome = %+v", outcome)
	}
	if last := log.last(); last.Type != "cancelled" || last.Reason != invoke.ReasonRequest {
		t.Errorf("terminal event = %+v", last)
	}

	if f.svc.Cancel("inv-cancel") {
		t.Error("Cancel returned true after the invocation finished")
	}
}

func TestTimeoutMarksTimeoutReason(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.addServer("srv", 11, []mcp.ToolEntry{{Name: "slow"}}, blockUntilCancelled)

	var log eventLog
	outcome := f.svc.Invoke(context.Background(), invoke.Request{
		ToolID:    "srv:slow",
		TimeoutMs: 30,
	}, log.record)

	if outcome.Status != invoke.StatusCancelled || outcome.Reason != invoke.ReasonTimeout {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestRevocationCancelsInFlight(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.addServer("server-a", 11, []mcp.ToolEntry{{Name: "tool-x"}}, blockUntilCancelled)

	// Wire the policy to the invoker the way the runtime does.
	f.pol.Subscribe(func(c policy.Change) {
		if c.Action == policy.ActionRevoked {
			f.svc.CancelByTool(c.Changed)
		}
	})

	var log eventLog
	done := make(chan *invoke.Outcome, 1)
	go func() {
		done <- f.svc.Invoke(context.Background(), invoke.Request{ToolID: "server-a:tool-x"}, log.record)
	}()

	waitActive(t, f.svc, 1)
	f.pol.Revoke([]string{"server-a:tool-x"}, "abuse", "ops")

	outcome := <-done
	if outcome.Status != invoke.StatusCancelled || outcome.Reason != invoke.ReasonRevoked {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestFirstCancelCauseWins(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.addServer("srv", 11, []mcp.ToolEntry{{Name: "slow"}}, blockUntilCancelled)

	var log eventLog
	done := make(chan *invoke.Outcome, 1)
	go func() {
		done <- f.svc.Invoke(context.Background(), invoke.Request{
			ToolID:       "srv:slow",
			InvocationID: "inv-race",
		}, log.record)
	}()

	waitActive(t, f.svc, 1)
	f.svc.CancelByTool([]string{"srv:slow"})
	f.svc.Cancel("inv-race") // second cause must not overwrite the reason

	outcome := <-done
	if outcome.Reason != invoke.ReasonRevoked {
		t.Errorf("reason = %s, want first cause (revoked)", outcome.Reason)
	}
}

func TestProgressForwarded(t *testing.T) {
	f := newFixture(t, time.Second)

	f.mu.Lock()
	f.setups["srv"] = func(fake *mcptest.FakeTransport) {
		fake.Handle("tools/list", func(context.Context, json.RawMessage) (any, error) {
			return mcp.ToolsPage{Tools: []mcp.ToolEntry{{Name: "long"}}}, nil
		})
		fake.Handle("tools/call", func(ctx context.Context, params json.RawMessage) (any, error) {
			var call struct {
				Meta struct {
					ProgressToken string `json:"progressToken"`
				} `json:"_meta"`
			}
			if err := json.Unmarshal(params, &call); err != nil {
				return nil, err
			}
			fake.Push("notifications/progress", mcp.ProgressParams{
				ProgressToken: call.Meta.ProgressToken,
				Progress:      0.4,
				Message:       "working",
			})
			time.Sleep(50 * time.Millisecond) // let the notification arrive
			return mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: "done"}}}, nil
		})
	}
	f.mu.Unlock()

	def := config.ServerDef{ID: "srv", Command: "srv", Enabled: true}
	f.reg.Ensure(def)
	f.reg.Update("srv", func(rec *registry.Record) {
		rec.Status = registry.StatusRunning
		rec.PID = 11
		rec.Proc = registry.NewProcess(nil, 11, nil, nil)
	})

	var log eventLog
	outcome := f.svc.Invoke(context.Background(), invoke.Request{ToolID: "srv:long"}, log.record)
	if outcome.Status != invoke.StatusCompleted {
		t.Fatalf("status = %s, error = %s", outcome.Status, outcome.Error)
	}

	var sawProgress bool
	log.mu.Lock()
	for _, ev := range log.events {
		if ev.Type == "progress" && ev.Message == "working" {
			sawProgress = true
		}
	}
	log.mu.Unlock()
	if !sawProgress {
		t.Error("progress event never forwarded")
	}
}

func waitActive(t *testing.T, svc *invoke.Service, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.ActiveCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("active invocations never reached %d", want)
}
