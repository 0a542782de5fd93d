// Package mcptest provides an in-memory Transport for exercising MCP
// clients without child processes.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voicebridge/mcpfleet/internal/mcp"
)

// Handler serves one JSON-RPC method. Returning an error fails the call.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// FakeTransport is an in-memory mcp.Transport. Methods without a registered
// handler fail with "method not found"; initialize has a default handler so
// the client handshake succeeds out of the box.
type FakeTransport struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]int
	notified []string

	notifications chan *mcp.Notification
	done          chan struct{}
	closeOnce     sync.Once
	closed        bool

	onClose func()
	onError func(error)
}

// NewFakeTransport creates a fake with a working initialize handshake.
func NewFakeTransport() *FakeTransport {
	t := &FakeTransport{
		handlers:      make(map[string]Handler),
		calls:         make(map[string]int),
		notifications: make(chan *mcp.Notification, 64),
		done:          make(chan struct{}),
	}
	t.Handle("initialize", func(context.Context, json.RawMessage) (any, error) {
		return mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			ServerInfo:      mcp.ServerInfo{Name: "fake", Version: "0.0.1"},
		}, nil
	})
	return t
}

// Handle registers a handler for a method.
func (t *FakeTransport) Handle(method string, handler Handler) {
	t.mu.Lock()
	t.handlers[method] = handler
	t.mu.Unlock()
}

// Calls returns how many times a method was called.
func (t *FakeTransport) Calls(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[method]
}

// Notified returns the notification methods sent by the client, in order.
func (t *FakeTransport) Notified() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.notified...)
}

// Push injects a server-initiated notification.
func (t *FakeTransport) Push(method string, params any) {
	data, _ := json.Marshal(params)
	select {
	case t.notifications <- &mcp.Notification{JSONRPC: "2.0", Method: method, Params: data}:
	case <-t.done:
	}
}

// FireError invokes the registered error callback.
func (t *FakeTransport) FireError(err error) {
	t.mu.Lock()
	onError := t.onError
	t.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

// Call dispatches to the registered handler, honoring ctx and Close.
func (t *FakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, mcp.ErrTransportClosed
	}
	t.calls[method]++
	handler := t.handlers[method]
	t.mu.Unlock()

	if handler == nil {
		return nil, &mcp.RPCError{Code: mcp.ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	type callResult struct {
		result any
		err    error
	}
	ch := make(chan callResult, 1)
	go func() {
		result, err := handler(ctx, raw)
		ch <- callResult{result, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		data, err := json.Marshal(res.result)
		if err != nil {
			return nil, err
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, mcp.ErrTransportClosed
	}
}

// Notify records the notification method.
func (t *FakeTransport) Notify(_ context.Context, method string, _ any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return mcp.ErrTransportClosed
	}
	t.notified = append(t.notified, method)
	return nil
}

// Notifications returns the inbound notification channel.
func (t *FakeTransport) Notifications() <-chan *mcp.Notification {
	return t.notifications
}

// Close terminates the fake session. Idempotent.
func (t *FakeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		onClose := t.onClose
		t.mu.Unlock()

		close(t.done)
		if onClose != nil {
			onClose()
		}
	})
	return nil
}

// Connected reports whether the fake session is open.
func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Done is closed when the fake session terminates.
func (t *FakeTransport) Done() <-chan struct{} {
	return t.done
}

// OnClose registers the close callback.
func (t *FakeTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// OnError registers the error callback.
func (t *FakeTransport) OnError(fn func(error)) {
	t.mu.Lock()
	t.onError = fn
	t.mu.Unlock()
}

var _ mcp.Transport = (*FakeTransport)(nil)
