package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/mcpfleet/internal/config"
	"github.com/voicebridge/mcpfleet/internal/registry"
)

// ErrProcessNotAlive is returned when a client is requested for a dead
// process handle.
var ErrProcessNotAlive = errors.New("server process not alive")

// TransportFactory builds a transport for a process. The default attaches a
// stdio transport to the process streams; tests substitute fakes.
type TransportFactory func(serverID string, proc *registry.Process) Transport

// Pool maintains at most one initialized RPC client per (server id, pid).
// Handshakes for the same id are serialized so concurrent consumers never
// create two clients.
type Pool struct {
	logger           *slog.Logger
	handshakeTimeout time.Duration
	newTransport     TransportFactory

	mu      sync.Mutex
	entries map[string]*poolEntry
	locks   map[string]*sync.Mutex
	closed  bool
}

type poolEntry struct {
	pid    int
	client *Client
}

// NewPool creates a client pool. handshakeTimeout bounds the initialize
// exchange for each new client.
func NewPool(handshakeTimeout time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger:           logger.With("component", "mcp_pool"),
		handshakeTimeout: handshakeTimeout,
		entries:          make(map[string]*poolEntry),
		locks:            make(map[string]*sync.Mutex),
	}
	p.newTransport = func(serverID string, proc *registry.Process) Transport {
		return NewStdioTransport(serverID, proc.Stdout, proc.Stdin, logger)
	}
	return p
}

// SetTransportFactory replaces the transport constructor. Test seam.
func (p *Pool) SetTransportFactory(factory TransportFactory) {
	p.newTransport = factory
}

func (p *Pool) lockFor(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// Get returns the live client for the definition's current process,
// creating and initializing one if needed. A stale entry (old pid or dead
// session) is closed and replaced.
func (p *Pool) Get(ctx context.Context, def config.ServerDef, proc *registry.Process) (*Client, error) {
	if proc == nil || !proc.Alive() {
		return nil, fmt.Errorf("%s: %w", def.ID, ErrProcessNotAlive)
	}

	l := p.lockFor(def.ID)
	l.Lock()
	defer l.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("pool closed")
	}
	entry := p.entries[def.ID]
	p.mu.Unlock()

	if entry != nil {
		if entry.pid == proc.PID && entry.client.Connected() {
			return entry.client, nil
		}
		stale := entry.client
		go func() { _ = stale.Close() }()
		p.removeEntry(def.ID, entry.pid)
	}

	transport := p.newTransport(def.ID, proc)
	client := NewClient(def.ID, transport, p.logger)

	hctx := ctx
	if p.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, p.handshakeTimeout)
		defer cancel()
	}

	if err := client.Connect(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("handshake with %s: %w", def.ID, err)
	}

	pid := proc.PID
	client.OnClose(func() { p.removeEntry(def.ID, pid) })
	client.OnError(func(err error) {
		p.logger.Warn("transport error, evicting pool entry", "mcp_server", def.ID, "error", err)
		p.removeEntry(def.ID, pid)
	})

	p.mu.Lock()
	p.entries[def.ID] = &poolEntry{pid: pid, client: client}
	p.mu.Unlock()

	return client, nil
}

// removeEntry drops the entry for id if it still belongs to pid.
func (p *Pool) removeEntry(id string, pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[id]; ok && entry.pid == pid {
		delete(p.entries, id)
	}
}

// Invalidate drops the entry for id and closes it asynchronously.
func (p *Pool) Invalidate(id string) {
	p.mu.Lock()
	entry := p.entries[id]
	delete(p.entries, id)
	p.mu.Unlock()

	if entry != nil {
		client := entry.client
		go func() { _ = client.Close() }()
	}
}

// CloseAll drains every entry in parallel and marks the pool closed.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	clients := make([]*Client, 0, len(p.entries))
	for id, entry := range p.entries {
		clients = append(clients, entry.client)
		delete(p.entries, id)
	}
	p.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, client := range clients {
		g.Go(client.Close)
	}
	return g.Wait()
}
