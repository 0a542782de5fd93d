package mcp

import (
	"context"
	"encoding/json"
)

// Transport is one framed JSON-RPC session with a child process.
type Transport interface {
	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Notifications returns the inbound notification channel.
	Notifications() <-chan *Notification

	// Close tears the session down. Idempotent.
	Close() error

	// Connected reports whether the session can still send.
	Connected() bool

	// Done is closed when the session has terminated.
	Done() <-chan struct{}

	// OnClose registers a callback fired once when the session terminates.
	OnClose(fn func())

	// OnError registers a callback fired on transport or protocol errors.
	OnError(fn func(error))
}
