// Package tracker mirrors each server's resource list, subscribes to update
// notifications, and fans deduplicated events out to SSE subscribers.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voicebridge/mcpfleet/internal/backoff"
	"github.com/voicebridge/mcpfleet/internal/cache"
	"github.com/voicebridge/mcpfleet/internal/config"
	"github.com/voicebridge/mcpfleet/internal/mcp"
	"github.com/voicebridge/mcpfleet/internal/observability"
	"github.com/voicebridge/mcpfleet/internal/registry"
)

// Event types published to subscribers.
const (
	EventResourceUpdate = "resource_update"
	EventResourceError  = "resource_error"
	EventTrackerStopped = "tracker_stopped"
)

// maxReadAttempts bounds resources/read retries per update notification.
const maxReadAttempts = 5

// Event is one tracker occurrence fanned out to subscribers. Timestamp is
// set on every event; ReceivedAt additionally marks when a resource_update's
// contents were read.
type Event struct {
	Type        string                `json:"type"`
	ServerID    string                `json:"serverId,omitempty"`
	ResourceURI string                `json:"resourceUri,omitempty"`
	Resource    *mcp.Resource         `json:"resource,omitempty"`
	Contents    []mcp.ResourceContent `json:"contents,omitempty"`
	Timestamp   int64                 `json:"timestamp"`
	ReceivedAt  int64                 `json:"receivedAt,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// serverState is the tracker's view of one tracked server.
type serverState struct {
	def    config.ServerDef
	client *mcp.Client
	pid    int

	subscribed   map[string]struct{}
	resources    map[string]mcp.Resource
	pendingReads map[string]struct{}
	retryAttempt int
	retryTimer   *time.Timer
	refreshing   bool
	disposed     bool
	unsupported  bool
}

// Tracker reconciles tracked servers on a poll interval and publishes
// resource events.
type Tracker struct {
	cfg       config.TrackerSettings
	logger    *slog.Logger
	registry  *registry.Registry
	pool      *mcp.Pool
	metrics   *observability.Metrics
	ledger    *cache.Ledger
	readRetry backoff.Policy

	mu          sync.Mutex
	states      map[string]*serverState
	subscribers map[int]chan Event
	nextSub     int
	started     bool
	stopped     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a resource tracker.
func New(cfg config.TrackerSettings, reg *registry.Registry, pool *mcp.Pool, metrics *observability.Metrics, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:      cfg,
		logger:   logger.With("component", "tracker"),
		registry: reg,
		pool:     pool,
		metrics:  metrics,
		ledger: cache.NewLedger(cache.LedgerOptions{
			Window:  cfg.DedupeWindow,
			MaxSize: cfg.LedgerSize,
		}),
		readRetry:   backoff.RetryPolicy(cfg.ReadRetryInitial, cfg.ReadRetryMax),
		states:      make(map[string]*serverState),
		subscribers: make(map[int]chan Event),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the reconciliation loop. Idempotent.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(ctx)
}

func (t *Tracker) run(ctx context.Context) {
	defer t.wg.Done()

	t.syncOnce(ctx)
	ticker := time.NewTicker(t.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.syncOnce(ctx)
		}
	}
}

// SyncNow runs one reconciliation pass immediately. Exposed for tests and
// for callers that must not wait for the next tick.
func (t *Tracker) SyncNow(ctx context.Context) {
	t.syncOnce(ctx)
}

// syncOnce reconciles tracked states with the servers that are running,
// alive, and flagged for tracking.
func (t *Tracker) syncOnce(ctx context.Context) {
	desired := make(map[string]registry.Record)
	for _, rec := range t.registry.List() {
		if rec.Status != registry.StatusRunning || !rec.Proc.Alive() || !rec.Def.TrackResources {
			continue
		}
		desired[rec.Def.ID] = rec
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	var toDispose []*serverState
	for id, st := range t.states {
		if _, keep := desired[id]; !keep {
			delete(t.states, id)
			toDispose = append(toDispose, st)
		}
	}
	var toSync []registry.Record
	for _, rec := range desired {
		toSync = append(toSync, rec)
	}
	t.mu.Unlock()

	for _, st := range toDispose {
		t.dispose(ctx, st)
	}
	for _, rec := range toSync {
		t.syncServer(ctx, rec)
	}
}

// syncServer makes sure the state for rec has a live client bound to the
// current pid, then refreshes when the binding changed.
func (t *Tracker) syncServer(ctx context.Context, rec registry.Record) {
	id := rec.Def.ID

	t.mu.Lock()
	st, exists := t.states[id]
	if !exists {
		st = &serverState{
			def:          rec.Def,
			subscribed:   make(map[string]struct{}),
			resources:    make(map[string]mcp.Resource),
			pendingReads: make(map[string]struct{}),
		}
		t.states[id] = st
	}
	if st.unsupported {
		t.mu.Unlock()
		return
	}
	needsClient := st.client == nil || st.pid != rec.PID || !st.client.Connected()
	t.mu.Unlock()

	if !needsClient {
		return
	}

	client, err := t.pool.Get(ctx, rec.Def, rec.Proc)
	if err != nil {
		t.logger.Warn("tracker could not reach server", "mcp_server", id, "error", err)
		return
	}

	t.mu.Lock()
	st.client = client
	st.pid = rec.PID
	// The old subscription set belongs to the previous session.
	st.subscribed = make(map[string]struct{})
	t.mu.Unlock()

	t.wg.Add(1)
	go t.consume(ctx, st, client)

	t.refresh(ctx, st)
}

// consume drains one client's notification stream until the session ends.
func (t *Tracker) consume(ctx context.Context, st *serverState, client *mcp.Client) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case notif, ok := <-client.Events():
			if !ok {
				return
			}
			switch notif.Method {
			case mcp.MethodResourcesListChanged:
				t.refresh(ctx, st)
			case mcp.MethodResourcesUpdated:
				var params struct {
					URI string `json:"uri"`
				}
				if err := json.Unmarshal(notif.Params, &params); err != nil || params.URI == "" {
					continue
				}
				t.handleUpdate(ctx, st, params.URI)
			}
		}
	}
}

// refresh re-lists the server's resources and reconciles subscriptions.
// Overlapping refreshes for the same server join the one in flight.
func (t *Tracker) refresh(ctx context.Context, st *serverState) {
	t.mu.Lock()
	if st.disposed || st.unsupported || st.refreshing || st.client == nil {
		t.mu.Unlock()
		return
	}
	st.refreshing = true
	client := st.client
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		st.refreshing = false
		t.mu.Unlock()
	}()

	resources, err := client.ListAllResources(ctx)
	if err != nil {
		t.handleRefreshError(ctx, st, err)
		return
	}

	next := make(map[string]mcp.Resource, len(resources))
	for _, res := range resources {
		if res.URI == "" {
			continue
		}
		next[res.URI] = res
	}

	t.mu.Lock()
	var adds, removes []string
	for uri := range next {
		if _, ok := st.subscribed[uri]; !ok {
			adds = append(adds, uri)
		}
	}
	for uri := range st.subscribed {
		if _, ok := next[uri]; !ok {
			removes = append(removes, uri)
		}
	}
	t.mu.Unlock()

	for _, uri := range adds {
		if err := client.SubscribeResource(ctx, uri); err != nil && !tolerableSubscribeError(err) {
			t.logger.Warn("subscribe failed", "mcp_server", st.def.ID, "uri", uri, "error", err)
			continue
		}
		t.mu.Lock()
		st.subscribed[uri] = struct{}{}
		t.mu.Unlock()
	}
	for _, uri := range removes {
		if err := client.UnsubscribeResource(ctx, uri); err != nil && !tolerableSubscribeError(err) {
			t.logger.Warn("unsubscribe failed", "mcp_server", st.def.ID, "uri", uri, "error", err)
		}
		t.mu.Lock()
		delete(st.subscribed, uri)
		t.mu.Unlock()
	}

	t.mu.Lock()
	st.resources = next
	st.retryAttempt = 0
	t.mu.Unlock()

	t.logger.Debug("resources refreshed",
		"mcp_server", st.def.ID,
		"count", len(next))
}

// handleRefreshError schedules a backoff retry, or disposes the server when
// it does not speak the resources API at all.
func (t *Tracker) handleRefreshError(ctx context.Context, st *serverState, err error) {
	if isUnsupported(err) {
		t.logger.Info("server does not support resources, disposing",
			"mcp_server", st.def.ID)
		// The state stays in the map flagged unsupported so the next sync
		// pass does not resurrect it.
		t.mu.Lock()
		st.unsupported = true
		t.mu.Unlock()
		t.dispose(ctx, st)
		return
	}

	t.mu.Lock()
	st.retryAttempt++
	attempt := st.retryAttempt
	delay := t.readRetry.Delay(attempt)
	if st.retryTimer != nil {
		st.retryTimer.Stop()
	}
	st.retryTimer = time.AfterFunc(delay, func() {
		select {
		case <-t.stopCh:
			return
		default:
		}
		t.refresh(ctx, st)
	})
	t.mu.Unlock()

	t.logger.Warn("resource refresh failed, retrying",
		"mcp_server", st.def.ID,
		"attempt", attempt,
		"delay", delay,
		"error", err)
}

// handleUpdate processes one resources/updated notification: dedupe against
// the delivered ledger and any pending read, then read and publish.
func (t *Tracker) handleUpdate(ctx context.Context, st *serverState, uri string) {
	key := cache.Key(st.def.ID, uri)

	t.mu.Lock()
	if st.disposed || st.unsupported {
		t.mu.Unlock()
		return
	}
	if t.ledger.Recent(key) {
		t.mu.Unlock()
		t.logger.Debug("duplicate resource update dropped", "mcp_server", st.def.ID, "uri", uri)
		return
	}
	if _, inFlight := st.pendingReads[uri]; inFlight {
		t.mu.Unlock()
		return
	}
	st.pendingReads[uri] = struct{}{}
	client := st.client
	t.mu.Unlock()

	if client == nil {
		t.mu.Lock()
		delete(st.pendingReads, uri)
		t.mu.Unlock()
		return
	}

	t.wg.Add(1)
	go t.readAndPublish(ctx, st, client, uri, key)
}

// readAndPublish reads the resource with retries and emits the result.
func (t *Tracker) readAndPublish(ctx context.Context, st *serverState, client *mcp.Client, uri, key string) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(st.pendingReads, uri)
		t.mu.Unlock()
	}()

	var result *mcp.ReadResourceResult
	var err error
	for attempt := 1; attempt <= maxReadAttempts; attempt++ {
		result, err = client.ReadResource(ctx, uri)
		if err == nil {
			break
		}
		if attempt == maxReadAttempts {
			break
		}
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(t.readRetry.Delay(attempt)):
		}
	}

	if err != nil {
		t.publish(Event{
			Type:        EventResourceError,
			ServerID:    st.def.ID,
			ResourceURI: uri,
			Reason:      "read_failed",
			Error:       err.Error(),
		})
		return
	}

	t.mu.Lock()
	var resource *mcp.Resource
	if res, ok := st.resources[uri]; ok {
		cp := res
		resource = &cp
	}
	t.mu.Unlock()

	t.ledger.Record(key)
	t.metrics.RecordResourceUpdate(st.def.ID)
	t.publish(Event{
		Type:        EventResourceUpdate,
		ServerID:    st.def.ID,
		ResourceURI: uri,
		Resource:    resource,
		Contents:    result.Contents,
		ReceivedAt:  time.Now().UnixMilli(),
	})
}

// dispose unsubscribes best-effort and clears the server's state.
func (t *Tracker) dispose(ctx context.Context, st *serverState) {
	t.mu.Lock()
	if st.disposed {
		t.mu.Unlock()
		return
	}
	st.disposed = true
	if st.retryTimer != nil {
		st.retryTimer.Stop()
	}
	client := st.client
	uris := make([]string, 0, len(st.subscribed))
	for uri := range st.subscribed {
		uris = append(uris, uri)
	}
	st.subscribed = make(map[string]struct{})
	st.resources = make(map[string]mcp.Resource)
	t.mu.Unlock()

	if client == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	for _, uri := range uris {
		_ = client.UnsubscribeResource(dctx, uri)
	}
}

// Subscribe returns a channel of tracker events and a cancel func. The
// channel closes when the tracker stops.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subscribers[id] = ch
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		if _, ok := t.subscribers[id]; ok {
			delete(t.subscribers, id)
			close(ch)
		}
		t.mu.Unlock()
	}
}

// publish fans an event out without blocking on slow subscribers.
func (t *Tracker) publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for _, ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
			t.logger.Warn("subscriber channel full, dropping event", "type", ev.Type)
		}
	}
}

// Stop halts reconciliation, disposes all servers, and closes subscriber
// channels after a final tracker_stopped event. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopCh)
	states := make([]*serverState, 0, len(t.states))
	for id, st := range t.states {
		delete(t.states, id)
		states = append(states, st)
	}
	subs := make([]chan Event, 0, len(t.subscribers))
	for id, ch := range t.subscribers {
		delete(t.subscribers, id)
		subs = append(subs, ch)
	}
	t.mu.Unlock()

	for _, st := range states {
		t.dispose(context.Background(), st)
	}
	for _, ch := range subs {
		select {
		case ch <- Event{Type: EventTrackerStopped, Timestamp: time.Now().UnixMilli()}:
		default:
		}
		close(ch)
	}

	t.wg.Wait()
	t.logger.Info("tracker stopped")
}

// tolerableSubscribeError accepts responses whose only defect is an
// unexpected shape that still names the uri. Some servers echo the request
// back instead of an empty result.
func tolerableSubscribeError(err error) bool {
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	return strings.Contains(err.Error(), `"uri"`)
}

// isUnsupported matches servers that do not implement the resources API.
func isUnsupported(err error) bool {
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == mcp.ErrCodeMethodNotFound {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not support resources")
}
