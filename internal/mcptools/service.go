// Package mcptools is the tool façade: it wires the stores into one
// MCP server, applies the permission guard and the owner wait-lock to
// every call, and converts internal errors into structured results
// with stable error codes.
package mcptools

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/config"
	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/dispatch"
	"github.com/terraphim/agentmux/internal/events"
	"github.com/terraphim/agentmux/internal/gitx"
	"github.com/terraphim/agentmux/internal/health"
	"github.com/terraphim/agentmux/internal/ipc"
	"github.com/terraphim/agentmux/internal/memory"
	"github.com/terraphim/agentmux/internal/notify"
	"github.com/terraphim/agentmux/internal/registry"
	"github.com/terraphim/agentmux/internal/state"
	"github.com/terraphim/agentmux/internal/tmux"
	"github.com/terraphim/agentmux/internal/workspace"
	"github.com/terraphim/agentmux/internal/worktree"
)

// Service owns the per-project wiring behind the tool façade.
type Service struct {
	ProjectRoot string
	Settings    *config.Settings
	Tmux        *tmux.Client
	Git         *gitx.Client
	Bus         *events.Bus
	Timeline    *state.Store // optional

	mu       sync.Mutex
	sessions map[string]*Session
}

// Session bundles every store for one session id.
type Session struct {
	ID         string
	Paths      workspace.Paths
	EnableGit  bool
	Registry   *registry.Registry
	Dashboard  *dashboard.Store
	IPC        *ipc.Service
	Dispatcher *dispatch.Dispatcher
	Worktrees  *worktree.Manager
	Checker    *health.Checker
	Recovery   *health.Engine
	Monitor    *health.Monitor
	Memory     *memory.Store // session scope
}

// NewService creates the façade service for one project root.
func NewService(projectRoot string, settings *config.Settings) *Service {
	return &Service{
		ProjectRoot: projectRoot,
		Settings:    settings,
		Tmux:        tmux.NewClient(nil),
		Git:         gitx.NewClient(projectRoot, nil),
		Bus:         events.NewBus(),
		sessions:    map[string]*Session{},
	}
}

// Provisioner returns a workspace provisioner bound to the service.
func (s *Service) Provisioner() *workspace.Provisioner {
	return workspace.NewProvisioner(s.Tmux, s.Settings)
}

// Session returns (building lazily) the store bundle for a session id.
func (s *Service) Session(sessionID string) (*Session, error) {
	if sessionID == "" {
		sc, err := config.LoadSessionConfig(workspace.NewPaths(s.ProjectRoot, s.Settings.MCPDir, "x").MCPRoot)
		if err != nil {
			return nil, err
		}
		if sc == nil || sc.SessionID == "" {
			return nil, fmt.Errorf("no session id given and no config.json present")
		}
		sessionID = sc.SessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}

	paths := workspace.NewPaths(s.ProjectRoot, s.Settings.MCPDir, sessionID)
	sc, err := config.LoadSessionConfig(paths.MCPRoot)
	if err != nil {
		return nil, err
	}
	enableGit := config.ResolveEnableGit(nil, sc, s.Settings)

	reg := registry.New(registry.Options{
		SessionDir:  paths.SessionDir,
		SessionID:   sessionID,
		ProjectRoot: s.ProjectRoot,
		GlobalDir:   registry.DefaultGlobalDir(s.Settings.MCPDir),
		MaxWorkers:  s.Settings.MaxWorkers,
	})
	dash := dashboard.NewStore(paths.SessionDir, sessionID, s.ProjectRoot)
	mailbox := ipc.NewMailbox(paths.SessionDir)
	ipcSvc := ipc.NewService(mailbox, reg, s.Tmux, notify.Desktop{})
	wt := worktree.NewManager(s.Git, paths.SessionDir, enableGit)
	checker := health.NewChecker(s.Tmux, time.Duration(s.Settings.HealthcheckStallTimeoutSeconds)*time.Second)
	engine := health.NewEngine(reg, dash, s.Tmux, wt, ipcSvc, checker, s.Settings.HealthcheckMaxRecoveryAttempts)
	monitor := health.NewMonitor(reg, dash, checker, engine,
		time.Duration(s.Settings.HealthcheckIntervalSeconds)*time.Second,
		s.Settings.HealthcheckIdleStopConsecutive)

	sess := &Session{
		ID:         sessionID,
		Paths:      paths,
		EnableGit:  enableGit,
		Registry:   reg,
		Dashboard:  dash,
		IPC:        ipcSvc,
		Dispatcher: dispatch.New(reg, s.Tmux, paths.SessionDir, sessionID),
		Worktrees:  wt,
		Checker:    checker,
		Recovery:   engine,
		Monitor:    monitor,
		Memory:     memory.NewStore(paths.MemoryDir),
	}
	s.sessions[sessionID] = sess
	return sess, nil
}

// ProjectMemory is the project-scope store used for completion
// summaries: {project_root}/<mcp_dir>/memory, never under the session
// directory.
func (s *Service) ProjectMemory() *memory.Store {
	paths := workspace.NewPaths(s.ProjectRoot, s.Settings.MCPDir, "x")
	return memory.NewStore(filepath.Join(paths.MCPRoot, "memory"))
}

// publish emits an orchestration event to the bus and timeline.
func (s *Service) publish(ev events.Event) {
	s.Bus.Publish(ev)
	if s.Timeline != nil {
		_ = s.Timeline.Append(ev)
	}
}

// caller resolves and validates the calling agent for a session.
func (sess *Session) caller(callerID string) (*agent.Agent, error) {
	if callerID == "" {
		return nil, fmt.Errorf("caller_agent_id required")
	}
	a, err := sess.Registry.Lookup(callerID)
	if err != nil {
		return nil, err
	}
	if !a.Live() {
		return nil, fmt.Errorf("caller %s is terminated", callerID)
	}
	return a, nil
}
