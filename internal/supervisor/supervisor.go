// Package supervisor owns the fleet's child processes: it spawns each
// configured server, watches for exit, and schedules restarts with
// exponential backoff.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/voicebridge/mcpfleet/internal/backoff"
	"github.com/voicebridge/mcpfleet/internal/config"
	"github.com/voicebridge/mcpfleet/internal/observability"
	"github.com/voicebridge/mcpfleet/internal/registry"
)

// Child is one spawned server process. Wait blocks until the child exits;
// Terminate asks it to stop.
type Child struct {
	Proc      *registry.Process
	Wait      func() registry.ExitInfo
	Terminate func()
}

// Launcher spawns a child for a server definition. The default uses
// exec.Command with piped stdio; tests substitute fakes.
type Launcher func(def config.ServerDef, logger *slog.Logger) (*Child, error)

// ReloadResult enumerates what a config reload changed.
type ReloadResult struct {
	Started   []string `json:"started"`
	Stopped   []string `json:"stopped"`
	Restarted []string `json:"restarted"`
}

// Supervisor spawns and restarts the configured MCP servers. It is the sole
// owner of process handles; other components observe them through the
// registry.
type Supervisor struct {
	logger      *slog.Logger
	registry    *registry.Registry
	metrics     *observability.Metrics
	restartWait backoff.Policy
	resetAfter  time.Duration
	serversPath string
	launch      Launcher

	mu           sync.Mutex
	started      bool
	shuttingDown bool
	stopping     map[string]bool
	timers       map[string]*time.Timer
	children     map[string]*Child
	onExit       func(id string)
}

// New creates a supervisor over the given registry.
func New(cfg config.SupervisorSettings, serversPath string, reg *registry.Registry, metrics *observability.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger:      logger.With("component", "supervisor"),
		registry:    reg,
		metrics:     metrics,
		restartWait: backoff.RestartPolicy(cfg.BackoffInitial, cfg.BackoffMax),
		resetAfter:  cfg.ResetAfter,
		serversPath: serversPath,
		launch:      execLauncher,
		stopping:    make(map[string]bool),
		timers:      make(map[string]*time.Timer),
		children:    make(map[string]*Child),
	}
}

// SetLauncher replaces the process launcher. Test seam.
func (s *Supervisor) SetLauncher(l Launcher) {
	s.launch = l
}

// OnExit registers a hook fired whenever a child exits, before any restart
// is scheduled. Used to invalidate the client pool entry.
func (s *Supervisor) OnExit(fn func(id string)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Start loads the server list and launches every enabled definition.
// Idempotent: subsequent calls are no-ops.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.shuttingDown = false
	s.mu.Unlock()

	defs, err := config.LoadServers(s.serversPath, s.logger)
	if err != nil {
		// Leave the supervisor unstarted so a later EnsureStarted retries
		// the load instead of silently running an empty fleet.
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("load server config: %w", err)
	}

	for _, def := range defs {
		if !def.Enabled {
			s.logger.Info("server disabled, skipping", "mcp_server", def.ID)
			continue
		}
		s.launchServer(def)
	}
	return nil
}

// EnsureStarted starts the fleet if it has not been started yet.
func (s *Supervisor) EnsureStarted(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		return nil
	}
	return s.Start(ctx)
}

// launchServer spawns one child and installs its exit watcher.
func (s *Supervisor) launchServer(def config.ServerDef) {
	s.registry.Ensure(def)

	s.mu.Lock()
	delete(s.stopping, def.ID)
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if shuttingDown {
		return
	}

	child, err := s.launch(def, s.logger)
	if err != nil {
		s.logger.Error("failed to spawn server", "mcp_server", def.ID, "error", err)
		s.registry.Update(def.ID, func(rec *registry.Record) {
			rec.Status = registry.StatusError
		})
		s.scheduleRestart(def)
		return
	}

	startedAt := time.Now()
	s.mu.Lock()
	s.children[def.ID] = child
	s.mu.Unlock()
	s.registry.Update(def.ID, func(rec *registry.Record) {
		rec.Status = registry.StatusRunning
		rec.StartedAt = startedAt
		rec.PID = child.Proc.PID
		rec.Proc = child.Proc
	})
	s.metrics.SetProcessUp(def.ID, true)
	s.logger.Info("server started", "mcp_server", def.ID, "pid", child.Proc.PID)

	go s.watch(def, child, startedAt)
}

// watch blocks on the child's exit and drives the restart decision.
func (s *Supervisor) watch(def config.ServerDef, child *Child, startedAt time.Time) {
	exit := child.Wait()
	child.Proc.MarkExited()
	ranFor := time.Since(startedAt)

	s.metrics.SetProcessUp(def.ID, false)
	s.logger.Warn("server exited",
		"mcp_server", def.ID,
		"code", exit.Code,
		"signal", exit.Signal,
		"ran_for", ranFor)

	s.mu.Lock()
	current := s.children[def.ID] == child
	if current {
		delete(s.children, def.ID)
	}
	onExit := s.onExit
	stopped := s.shuttingDown || s.stopping[def.ID]
	s.mu.Unlock()

	// A newer child already replaced this one (reload); its exit is history.
	if !current {
		return
	}

	s.registry.Update(def.ID, func(rec *registry.Record) {
		rec.LastExit = &exit
		rec.PID = 0
	})

	if onExit != nil {
		onExit(def.ID)
	}

	if stopped {
		s.registry.Update(def.ID, func(rec *registry.Record) {
			rec.Status = registry.StatusStopped
		})
		return
	}

	// A long stable run earns the crash counter a fresh start.
	if s.resetAfter > 0 && ranFor >= s.resetAfter {
		s.registry.ResetRestarts(def.ID)
	}
	s.scheduleRestart(def)
}

// scheduleRestart transitions to restarting and arms the backoff timer.
func (s *Supervisor) scheduleRestart(def config.ServerDef) {
	attempt := s.registry.IncrementRestarts(def.ID)
	delay := s.restartWait.Delay(attempt)

	s.registry.Update(def.ID, func(rec *registry.Record) {
		rec.Status = registry.StatusRestarting
	})
	s.metrics.RecordRestart(def.ID)
	s.logger.Info("scheduling restart",
		"mcp_server", def.ID,
		"attempt", attempt,
		"delay", delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown || s.stopping[def.ID] {
		return
	}
	if prev, ok := s.timers[def.ID]; ok {
		prev.Stop()
	}
	s.timers[def.ID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, def.ID)
		skip := s.shuttingDown || s.stopping[def.ID]
		s.mu.Unlock()
		if skip {
			return
		}

		// Pick up the freshest definition in case a reload changed it.
		current := def
		if rec, ok := s.registry.Get(def.ID); ok {
			current = rec.Def
		}
		s.launchServer(current)
	})
}

// Stop terminates every child, clears pending restarts, and marks the fleet
// shut down. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	children := make([]*Child, 0, len(s.children))
	for _, child := range s.children {
		children = append(children, child)
	}
	s.mu.Unlock()

	for _, child := range children {
		child.Terminate()
	}
	for _, rec := range s.registry.List() {
		s.registry.Update(rec.Def.ID, func(r *registry.Record) {
			r.Status = registry.StatusStopped
		})
		s.metrics.SetProcessUp(rec.Def.ID, false)
	}
	s.logger.Info("supervisor stopped")
}

// StopServer stops one server and suppresses its restarts until it is
// launched again.
func (s *Supervisor) StopServer(id string) {
	s.mu.Lock()
	s.stopping[id] = true
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	child := s.children[id]
	delete(s.children, id)
	s.mu.Unlock()

	if child != nil {
		child.Terminate()
	}
	s.registry.Update(id, func(r *registry.Record) {
		r.Status = registry.StatusStopped
	})
	s.metrics.SetProcessUp(id, false)
}

// Reload diffs a freshly loaded server list against the registry: removed
// servers stop, changed servers restart with a clean counter, new enabled
// servers start, unchanged servers keep running.
func (s *Supervisor) Reload(ctx context.Context) (*ReloadResult, error) {
	defs, err := config.LoadServers(s.serversPath, s.logger)
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}

	byID := make(map[string]config.ServerDef, len(defs))
	for _, def := range defs {
		byID[def.ID] = def
	}

	result := &ReloadResult{
		Started:   []string{},
		Stopped:   []string{},
		Restarted: []string{},
	}

	for _, rec := range s.registry.List() {
		next, present := byID[rec.Def.ID]
		switch {
		case !present || !next.Enabled:
			s.StopServer(rec.Def.ID)
			s.registry.Remove(rec.Def.ID)
			result.Stopped = append(result.Stopped, rec.Def.ID)
		case !rec.Def.Equal(next):
			s.StopServer(rec.Def.ID)
			s.registry.ResetRestarts(rec.Def.ID)
			s.registry.Ensure(next)
			s.launchServer(next)
			result.Restarted = append(result.Restarted, rec.Def.ID)
		}
		delete(byID, rec.Def.ID)
	}

	for _, def := range defs {
		if _, isNew := byID[def.ID]; !isNew || !def.Enabled {
			continue
		}
		s.launchServer(def)
		result.Started = append(result.Started, def.ID)
	}

	s.logger.Info("config reloaded",
		"started", result.Started,
		"stopped", result.Stopped,
		"restarted", result.Restarted)
	return result, nil
}

// execLauncher spawns a real child with piped stdio; stderr lines are
// forwarded to the debug log.
func execLauncher(def config.ServerDef, logger *slog.Logger) (*Child, error) {
	cmd := exec.Command(def.Command, def.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", def.Command, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("server stderr", "mcp_server", def.ID, "line", scanner.Text())
		}
	}()

	proc := registry.NewProcess(cmd, cmd.Process.Pid, stdin, stdout)
	return &Child{
		Proc: proc,
		Wait: func() registry.ExitInfo {
			err := cmd.Wait()
			info := registry.ExitInfo{At: time.Now()}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				info.Code = exitErr.ExitCode()
				if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
					info.Signal = ws.Signal().String()
				}
			}
			return info
		},
		Terminate: func() {
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
		},
	}, nil
}
