package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Client is an initialized MCP session with one server process. A client is
// bound to exactly one pid for its lifetime; a pid change means the pool
// closes it and creates a fresh one.
type Client struct {
	serverID  string
	transport Transport
	logger    *slog.Logger

	// events carries non-progress notifications to the single consumer
	// (the resource tracker). Closed when the session terminates.
	events chan *Notification

	progressMu sync.Mutex
	progress   map[string]func(ProgressParams)

	mu   sync.RWMutex
	info ServerInfo
}

// NewClient wraps a transport and starts the notification dispatcher.
func NewClient(serverID string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		serverID:  serverID,
		transport: transport,
		logger:    logger.With("mcp_server", serverID),
		events:    make(chan *Notification, 128),
		progress:  make(map[string]func(ProgressParams)),
	}
	go c.dispatch()
	return c
}

// Connect performs the protocol handshake: initialize with the fixed client
// identity and capabilities, then the initialized notification.
func (c *Client) Connect(ctx context.Context) error {
	result, err := c.transport.Call(ctx, methodInitialize, map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
			"resources": map[string]any{
				"subscribe":   true,
				"listChanged": true,
			},
		},
		"clientInfo": map[string]any{
			"name":    ClientName,
			"version": ClientVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.info = initResult.ServerInfo
	c.mu.Unlock()

	c.logger.Debug("mcp session established",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, methodInitialized, nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}
	return nil
}

// ServerID returns the owning server id.
func (c *Client) ServerID() string {
	return c.serverID
}

// ServerInfo returns the identity advertised by the server.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// Connected reports whether the underlying session is usable.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Close tears down the underlying session.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Done is closed when the underlying session has terminated.
func (c *Client) Done() <-chan struct{} {
	return c.transport.Done()
}

// Events returns non-progress server notifications. The channel closes when
// the session terminates.
func (c *Client) Events() <-chan *Notification {
	return c.events
}

// OnClose registers a callback fired once when the session terminates.
func (c *Client) OnClose(fn func()) {
	c.transport.OnClose(fn)
}

// OnError registers a callback fired on transport or protocol errors.
func (c *Client) OnError(fn func(error)) {
	c.transport.OnError(fn)
}

// ListTools fetches one page of tools/list.
func (c *Client) ListTools(ctx context.Context, cursor string) (*ToolsPage, error) {
	var params any
	if cursor != "" {
		params = map[string]any{"cursor": cursor}
	}

	result, err := c.transport.Call(ctx, methodToolsList, params)
	if err != nil {
		return nil, err
	}

	var page ToolsPage
	if err := json.Unmarshal(result, &page); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return &page, nil
}

// ListAllTools pages through tools/list until the cursor is exhausted.
func (c *Client) ListAllTools(ctx context.Context) ([]ToolEntry, error) {
	var tools []ToolEntry
	cursor := ""
	for {
		page, err := c.ListTools(ctx, cursor)
		if err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool issues tools/call. When onProgress is non-nil, the invocation id
// rides along as the progress token and matching notifications/progress
// frames are routed to the callback until the call returns.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage, progressToken string, onProgress func(ProgressParams)) (*ToolCallResult, error) {
	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}
	if progressToken != "" && onProgress != nil {
		params["_meta"] = map[string]any{"progressToken": progressToken}
		c.registerProgress(progressToken, onProgress)
		defer c.unregisterProgress(progressToken)
	}

	result, err := c.transport.Call(ctx, methodToolsCall, params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &callResult, nil
}

// ListResources fetches one page of resources/list.
func (c *Client) ListResources(ctx context.Context, cursor string) (*ResourcesPage, error) {
	var params any
	if cursor != "" {
		params = map[string]any{"cursor": cursor}
	}

	result, err := c.transport.Call(ctx, methodResourcesList, params)
	if err != nil {
		return nil, err
	}

	var page ResourcesPage
	if err := json.Unmarshal(result, &page); err != nil {
		return nil, fmt.Errorf("parse resources/list result: %w", err)
	}
	return &page, nil
}

// ListAllResources pages through resources/list until the cursor is
// exhausted.
func (c *Client) ListAllResources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	cursor := ""
	for {
		page, err := c.ListResources(ctx, cursor)
		if err != nil {
			return nil, err
		}
		resources = append(resources, page.Resources...)
		if page.NextCursor == "" {
			return resources, nil
		}
		cursor = page.NextCursor
	}
}

// SubscribeResource registers for update notifications on a URI.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	_, err := c.transport.Call(ctx, methodResourcesSubscribe, map[string]any{"uri": uri})
	return err
}

// UnsubscribeResource removes the update subscription for a URI.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	_, err := c.transport.Call(ctx, methodResourcesUnsubscribe, map[string]any{"uri": uri})
	return err
}

// ReadResource fetches the contents of a URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	result, err := c.transport.Call(ctx, methodResourcesRead, map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}

	var readResult ReadResourceResult
	if err := json.Unmarshal(result, &readResult); err != nil {
		return nil, fmt.Errorf("parse resources/read result: %w", err)
	}
	return &readResult, nil
}

func (c *Client) registerProgress(token string, fn func(ProgressParams)) {
	c.progressMu.Lock()
	c.progress[token] = fn
	c.progressMu.Unlock()
}

func (c *Client) unregisterProgress(token string) {
	c.progressMu.Lock()
	delete(c.progress, token)
	c.progressMu.Unlock()
}

// dispatch routes inbound notifications: progress frames go to the
// registered per-token callback, everything else to the events channel.
func (c *Client) dispatch() {
	for {
		select {
		case <-c.transport.Done():
			close(c.events)
			return
		case notif := <-c.transport.Notifications():
			if notif == nil {
				continue
			}
			if notif.Method == methodProgress {
				c.routeProgress(notif)
				continue
			}
			select {
			case c.events <- notif:
			default:
				c.logger.Warn("event channel full, dropping", "method", notif.Method)
			}
		}
	}
}

func (c *Client) routeProgress(notif *Notification) {
	var params ProgressParams
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		c.logger.Warn("malformed progress notification", "error", err)
		return
	}

	c.progressMu.Lock()
	fn := c.progress[params.Token()]
	c.progressMu.Unlock()

	if fn != nil {
		fn(params)
	}
}
