package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrTransportClosed is returned for sends on a terminated session.
var ErrTransportClosed = errors.New("transport closed")

// framePreviewLimit bounds how much of a malformed frame is logged.
const framePreviewLimit = 200

// StdioTransport frames newline-delimited JSON-RPC messages over a child's
// standard streams. The supervisor owns the process; the transport only
// reads stdout and writes stdin.
type StdioTransport struct {
	serverID string
	logger   *slog.Logger

	stdin   io.Writer
	scanner *bufio.Scanner

	pending   map[int64]chan *Response
	pendingMu sync.Mutex

	notifications chan *Notification
	nextID        atomic.Int64

	connected atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	cbMu    sync.Mutex
	onClose func()
	onError func(error)
}

// NewStdioTransport attaches to a child's stdout/stdin and starts the read
// loop.
func NewStdioTransport(serverID string, stdout io.Reader, stdin io.Writer, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	t := &StdioTransport{
		serverID:      serverID,
		logger:        logger.With("mcp_server", serverID, "transport", "stdio"),
		stdin:         stdin,
		scanner:       scanner,
		pending:       make(map[int64]chan *Response),
		notifications: make(chan *Notification, 128),
		done:          make(chan struct{}),
	}
	t.connected.Store(true)

	go t.readLoop()
	return t
}

// Call sends a request and waits for the matching response, the context
// deadline, or session termination, whichever comes first.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	id := t.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method}

	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeFrame(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

// Notify sends a notification.
func (t *StdioTransport) Notify(_ context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}

	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	if err := t.writeFrame(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// writeFrame serializes one message per frame. Writes are serialized and
// synchronous: the pipe's flow control is the back-pressure.
func (t *StdioTransport) writeFrame(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if !t.connected.Load() {
		return ErrTransportClosed
	}
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

// Notifications returns the inbound notification channel.
func (t *StdioTransport) Notifications() <-chan *Notification {
	return t.notifications
}

// Connected reports whether the session can still send.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// Done is closed when the session has terminated.
func (t *StdioTransport) Done() <-chan struct{} {
	return t.done
}

// OnClose registers the close callback.
func (t *StdioTransport) OnClose(fn func()) {
	t.cbMu.Lock()
	t.onClose = fn
	t.cbMu.Unlock()
}

// OnError registers the error callback.
func (t *StdioTransport) OnError(fn func(error)) {
	t.cbMu.Lock()
	t.onError = fn
	t.cbMu.Unlock()
}

// Close terminates the session. Idempotent; safe from any goroutine.
func (t *StdioTransport) Close() error {
	t.terminate()
	return nil
}

func (t *StdioTransport) terminate() {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)

		if closer, ok := t.stdin.(io.Closer); ok {
			_ = closer.Close()
		}

		t.cbMu.Lock()
		onClose := t.onClose
		t.cbMu.Unlock()
		if onClose != nil {
			onClose()
		}
	})
}

func (t *StdioTransport) fireError(err error) {
	t.cbMu.Lock()
	onError := t.onError
	t.cbMu.Unlock()
	if onError != nil {
		onError(err)
	}
}

// readLoop drains stdout, one JSON object per newline-delimited frame.
// A parse failure is a protocol error: it is logged with a truncated
// preview, escalated via the error callback, and ends the session.
func (t *StdioTransport) readLoop() {
	defer t.terminate()

	for t.scanner.Scan() {
		select {
		case <-t.done:
			return
		default:
		}

		line := t.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if !t.processFrame(line) {
			return
		}
	}

	if err := t.scanner.Err(); err != nil {
		t.logger.Error("stdout read error", "error", err)
		t.fireError(err)
	}
}

// frame is the inbound JSON-RPC envelope; responses carry an id, while
// notifications carry a method.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	Params  json.RawMessage `json:"params"`
}

// processFrame handles a single frame, returning false when the session
// must terminate.
func (t *StdioTransport) processFrame(line []byte) bool {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		preview := string(line)
		if len(preview) > framePreviewLimit {
			preview = preview[:framePreviewLimit] + "..."
		}
		t.logger.Error("malformed frame", "error", err, "preview", preview)
		t.fireError(fmt.Errorf("malformed frame: %w", err))
		return false
	}

	if f.ID != nil {
		t.dispatchResponse(&f)
		return true
	}

	if f.Method != "" {
		notif := &Notification{JSONRPC: f.JSONRPC, Method: f.Method, Params: f.Params}
		select {
		case t.notifications <- notif:
		default:
			t.logger.Warn("notification channel full, dropping", "method", f.Method)
		}
	}
	return true
}

func (t *StdioTransport) dispatchResponse(f *frame) {
	var id int64
	switch v := f.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	default:
		t.logger.Warn("unexpected response id type", "id", f.ID)
		return
	}

	resp := &Response{JSONRPC: f.JSONRPC, ID: f.ID, Result: f.Result, Error: f.Error}

	t.pendingMu.Lock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- resp:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}
