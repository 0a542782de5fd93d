// Package catalog aggregates tools/list across the fleet into a cached,
// policy-filtered payload.
package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/voicebridge/mcpfleet/internal/backoff"
	"github.com/voicebridge/mcpfleet/internal/config"
	"github.com/voicebridge/mcpfleet/internal/mcp"
	"github.com/voicebridge/mcpfleet/internal/observability"
	"github.com/voicebridge/mcpfleet/internal/policy"
	"github.com/voicebridge/mcpfleet/internal/registry"
)

// Tool is one catalog entry. ID is the qualified "<server-id>:<tool-name>".
type Tool struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Permissions []string        `json:"permissions"`
	Transport   string          `json:"transport"`
	ServerID    string          `json:"serverId"`
}

// Payload is an immutable catalog snapshot. CollectedAt is unix millis.
type Payload struct {
	Tools       []Tool `json:"tools"`
	CollectedAt int64  `json:"collectedAt"`
}

// Starter is the supervisor surface the catalog needs: make sure the fleet
// is up before aggregating.
type Starter interface {
	EnsureStarted(ctx context.Context) error
}

// Service serves the aggregated tool catalog with a TTL cache, warm-up
// retries for freshly started servers, and single-flight aggregation.
type Service struct {
	cfg       config.CatalogSettings
	logger    *slog.Logger
	registry  *registry.Registry
	pool      *mcp.Pool
	policy    *policy.Registry
	starter   Starter
	metrics   *observability.Metrics
	telemetry *observability.Telemetry

	mu        sync.Mutex
	cached    *Payload
	expiresAt time.Time

	group    singleflight.Group
	pollWait backoff.Policy

	// now is replaceable in tests.
	now func() time.Time
}

// NewService creates a catalog service.
func NewService(cfg config.CatalogSettings, reg *registry.Registry, pool *mcp.Pool, pol *policy.Registry, starter Starter, metrics *observability.Metrics, telemetry *observability.Telemetry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		logger:    logger.With("component", "catalog"),
		registry:  reg,
		pool:      pool,
		policy:    pol,
		starter:   starter,
		metrics:   metrics,
		telemetry: telemetry,
		pollWait:  backoff.RestartPolicy(cfg.PollInterval, cfg.StartupTimeout),
		now:       time.Now,
	}
}

// GetCatalog returns the cached payload when fresh, otherwise performs one
// aggregation shared by all concurrent callers.
func (s *Service) GetCatalog(ctx context.Context) (*Payload, error) {
	if s.starter != nil {
		if err := s.starter.EnsureStarted(ctx); err != nil {
			return nil, err
		}
	}

	if payload := s.cachedPayload(); payload != nil {
		s.metrics.RecordCatalogRequest("hit", len(payload.Tools))
		s.emitHandshake(len(payload.Tools), true, true)
		return payload, nil
	}

	result, err, _ := s.group.Do("catalog", func() (any, error) {
		// A concurrent caller may have stored a payload while this one
		// queued on the flight group.
		if payload := s.cachedPayload(); payload != nil {
			return payload, nil
		}
		return s.collect(ctx)
	})
	if err != nil {
		s.metrics.RecordCatalogRequest("error", 0)
		s.emitHandshake(0, false, false)
		return nil, err
	}
	return result.(*Payload), nil
}

// InvalidateCache drops the cached payload; the next read aggregates fresh.
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	s.cached = nil
	s.expiresAt = time.Time{}
	s.mu.Unlock()
	s.logger.Debug("catalog cache invalidated")
}

// Lookup resolves a qualified tool id against the current catalog.
func (s *Service) Lookup(ctx context.Context, toolID string) (*Tool, error) {
	payload, err := s.GetCatalog(ctx)
	if err != nil {
		return nil, err
	}
	for i := range payload.Tools {
		if payload.Tools[i].ID == toolID {
			return &payload.Tools[i], nil
		}
	}
	return nil, nil
}

func (s *Service) cachedPayload() *Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && s.now().Before(s.expiresAt) {
		return s.cached
	}
	return nil
}

// collect runs the warm-up loop: poll until some server answers with a
// non-empty tool list or the startup deadline lapses.
func (s *Service) collect(ctx context.Context) (*Payload, error) {
	deadline := s.now().Add(s.cfg.StartupTimeout)

	var tools []Tool
	attempt := 0
	for {
		candidates := s.queryableServers()
		if len(candidates) > 0 {
			tools = s.queryAll(ctx, candidates)
			if len(tools) > 0 {
				break
			}
		}

		wait := s.pollWait.Delay(attempt + 1)
		if remaining := deadline.Sub(s.now()); wait > remaining {
			wait = remaining
		}
		if wait <= 0 || s.now().After(deadline) {
			s.logger.Warn("catalog warm-up deadline elapsed with no tools")
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		attempt++
	}

	filtered := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if s.policy.IsRevoked(tool.ID) {
			continue
		}
		filtered = append(filtered, tool)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	collectedAt := s.now()
	payload := &Payload{
		Tools:       filtered,
		CollectedAt: collectedAt.UnixMilli(),
	}

	s.mu.Lock()
	s.cached = payload
	s.expiresAt = collectedAt.Add(s.cfg.TTL)
	s.mu.Unlock()

	s.metrics.RecordCatalogRequest("miss", len(payload.Tools))
	s.emitHandshake(len(payload.Tools), false, true)
	s.logger.Info("catalog collected", "tool_count", len(payload.Tools))
	return payload, nil
}

// queryableServers picks servers that can answer tools/list right now.
func (s *Service) queryableServers() []registry.Record {
	var out []registry.Record
	for _, rec := range s.registry.List() {
		switch rec.Status {
		case registry.StatusRunning, registry.StatusStarting:
		default:
			continue
		}
		if !rec.Proc.Alive() {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// queryAll fans tools/list out to every candidate in parallel. A failing
// server contributes nothing and gets its pool entry invalidated, but never
// fails the aggregate.
func (s *Service) queryAll(ctx context.Context, servers []registry.Record) []Tool {
	var mu sync.Mutex
	var tools []Tool

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range servers {
		g.Go(func() error {
			collected, err := s.queryServer(gctx, rec)
			if err != nil {
				s.logger.Warn("tools/list failed",
					"mcp_server", rec.Def.ID,
					"error", err)
				s.pool.Invalidate(rec.Def.ID)
				return nil
			}
			mu.Lock()
			tools = append(tools, collected...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return tools
}

func (s *Service) queryServer(ctx context.Context, rec registry.Record) ([]Tool, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	client, err := s.pool.Get(rctx, rec.Def, rec.Proc)
	if err != nil {
		return nil, err
	}

	entries, err := client.ListAllTools(rctx)
	if err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "" {
			continue
		}
		if entry.Annotations != nil && entry.Annotations.Authorized != nil && !*entry.Annotations.Authorized {
			continue
		}
		tools = append(tools, Tool{
			ID:          rec.Def.ID + ":" + entry.Name,
			Name:        entry.Name,
			Description: entry.Description,
			InputSchema: entry.InputSchema,
			Permissions: entry.PermissionList(),
			Transport:   "stdio",
			ServerID:    rec.Def.ID,
		})
	}
	return tools, nil
}

func (s *Service) emitHandshake(toolCount int, cacheHit, success bool) {
	s.telemetry.Emit("catalog_handshake", map[string]any{
		"toolCount": toolCount,
		"cacheHit":  cacheHit,
		"success":   success,
	})
}
