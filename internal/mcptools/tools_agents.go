package mcptools

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/config"
	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/events"
	"github.com/terraphim/agentmux/internal/fsutil"
)

func agentTools() []toolDef {
	return []toolDef{
		{
			name: "create_agent",
			desc: "Register a new agent and bind it to its pane. The owner bootstraps itself without a caller.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("role", mcp.Required(), mcp.Description("owner, admin, or worker")),
				mcp.WithString("ai_cli", mcp.Description("AI CLI backend override (claude, codex, gemini)")),
				mcp.WithString("worktree_path", mcp.Description("Worktree to bind (workers)")),
				mcp.WithString("branch", mcp.Description("Branch the worktree is on")),
			},
			handle: handleCreateAgent,
		},
		{
			name: "create_workers_batch",
			desc: "Create several workers in one call.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithNumber("count", mcp.Required(), mcp.Description("How many workers to create")),
			},
			handle: handleCreateWorkersBatch,
		},
		{
			name:   "list_agents",
			desc:   "List all agents, terminated included.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleListAgents,
		},
		{
			name: "get_agent_status",
			desc: "Return one agent's record and pane liveness.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to inspect")),
			},
			handle: handleGetAgentStatus,
		},
		{
			name: "terminate_agent",
			desc: "Mark an agent terminated. The record is kept; the pane may be reused.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to terminate")),
			},
			handle: handleTerminateAgent,
		},
		{
			name: "initialize_agent",
			desc: "Launch the resolved AI CLI inside an agent's pane.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to initialize")),
			},
			handle: handleInitializeAgent,
		},
		{
			name: "register_agent_to_ipc",
			desc: "Create an agent's mailbox directory.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to register")),
			},
			handle: handleRegisterAgentToIPC,
		},
	}
}

// paneForSlot maps a worker slot onto the deterministic grid position
// produced by the provisioner: window 0 holds the admin in pane 0 and
// workers in panes 1..perWindow; overflow windows hold perWindow
// workers starting at pane 0.
func paneForSlot(slot, columns int) (window, pane int) {
	perWindow := columns * 2
	if perWindow < 2 {
		perWindow = 2
	}
	if slot <= perWindow {
		return 0, slot
	}
	r := slot - perWindow - 1
	return 1 + r/perWindow, r % perWindow
}

func newAgentID(role agent.Role) string {
	return fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])
}

func createAgent(s *Service, sess *Session, role agent.Role, args Args) (*agent.Agent, error) {
	now := time.Now()
	a := &agent.Agent{
		ID:           newAgentID(role),
		Role:         role,
		Status:       agent.StatusIdle,
		WorkingDir:   s.ProjectRoot,
		AICli:        args.String("ai_cli"),
		WorktreePath: args.String("worktree_path"),
		Branch:       args.String("branch"),
		CreatedAt:    now,
		LastActivity: now,
	}
	if a.AICli != "" && !config.IsSupportedCli(a.AICli) {
		return nil, fail(CodeValidationError, "unsupported ai_cli %q", a.AICli)
	}

	switch role {
	case agent.RoleOwner:
		// The owner runs outside the grid; no pane.
	case agent.RoleAdmin:
		a.SessionName = s.Provisioner().SessionName(sess.ID)
		a.WindowIndex, a.PaneIndex = 0, 0
	case agent.RoleWorker:
		slot, err := sess.Registry.ResolveWorkerSlot()
		if err != nil {
			return nil, err
		}
		a.WorkerSlot = slot
		a.SessionName = s.Provisioner().SessionName(sess.ID)
		a.WindowIndex, a.PaneIndex = paneForSlot(slot, s.Settings.GridColumns)
	}

	if err := sess.Registry.Register(a); err != nil {
		return nil, err
	}
	_ = sess.Dashboard.UpsertAgent(dashboard.AgentSummary{
		AgentID:      a.ID,
		Role:         string(a.Role),
		Status:       string(a.Status),
		WorktreePath: a.WorktreePath,
		Branch:       a.Branch,
		LastActivity: &now,
	})
	s.publish(events.Event{Type: events.AgentCreated, SessionID: sess.ID, AgentID: a.ID})

	// Every creation (re)arms the health monitor.
	sess.Monitor.Start()
	return a, nil
}

func handleCreateAgent(s *Service, sess *Session, caller *agent.Agent, args Args) (any, error) {
	role, err := agent.ParseRole(args.String("role"))
	if err != nil {
		return nil, fail(CodeValidationError, "%v", err)
	}
	if role != agent.RoleOwner && caller == nil {
		return nil, fail(CodeValidationError, "create_agent(role=%s) requires caller_agent_id", role)
	}
	a, err := createAgent(s, sess, role, args)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent": a}, nil
}

func handleCreateWorkersBatch(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	count := args.Int("count", 0)
	if count < 1 {
		return nil, fail(CodeValidationError, "count must be >= 1")
	}
	var created []*agent.Agent
	for i := 0; i < count; i++ {
		a, err := createAgent(s, sess, agent.RoleWorker, Args{})
		if err != nil {
			// Partial creation is reported, not rolled back.
			return map[string]any{"agents": created, "created": len(created), "stopped_by": err.Error()}, nil
		}
		created = append(created, a)
	}
	return map[string]any{"agents": created, "created": len(created)}, nil
}

func handleListAgents(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	agents, err := sess.Registry.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"agents": agents, "count": len(agents)}, nil
}

func handleGetAgentStatus(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	a, err := sess.Registry.Lookup(args.String("agent_id"))
	if err != nil {
		return nil, err
	}
	paneAlive := false
	if a.SessionName != "" {
		paneAlive = s.Tmux.SessionExists(a.SessionName) && s.Tmux.PaneExists(a.Pane().Target())
	}
	return map[string]any{"agent": a, "pane_alive": paneAlive}, nil
}

func handleTerminateAgent(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	agentID := args.String("agent_id")
	a, err := sess.Registry.Lookup(agentID)
	if err != nil {
		return nil, err
	}
	if err := sess.Registry.Terminate(agentID); err != nil {
		return nil, err
	}
	sess.Checker.Forget(agentID)
	_ = sess.Dashboard.UpsertAgent(dashboard.AgentSummary{
		AgentID: agentID,
		Role:    string(a.Role),
		Status:  string(agent.StatusTerminated),
	})
	s.publish(events.Event{Type: events.AgentTerminated, SessionID: sess.ID, AgentID: agentID})
	return map[string]any{"agent_id": agentID, "status": agent.StatusTerminated}, nil
}

func handleInitializeAgent(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	a, err := sess.Registry.Lookup(args.String("agent_id"))
	if err != nil {
		return nil, err
	}
	if !a.Live() {
		return nil, fail(CodeValidationError, "agent %s is terminated", a.ID)
	}
	if a.SessionName == "" {
		return nil, fail(CodeValidationError, "agent %s has no pane", a.ID)
	}

	profile := s.Settings.ActiveModelProfile()
	cli := profile.Cli
	model := profile.AdminModel
	if a.Role == agent.RoleWorker {
		cli = s.Settings.ResolveWorkerCli(a.WorkerSlot)
		model = profile.WorkerModel
	}
	if cli == "" {
		cli = s.Settings.DefaultCli
	}
	command := config.DefaultCliCommands[cli]
	if model != "" && cli == config.CliClaude {
		command += " --model " + model
	}

	if err := s.Tmux.SendKeys(a.Pane().Target(), command, true); err != nil {
		return nil, fmt.Errorf("launch %s: %w", cli, err)
	}
	_ = sess.Registry.Update(a.ID, func(rec *agent.Agent) error {
		rec.AICli = cli
		rec.LastActivity = time.Now()
		return nil
	})
	return map[string]any{"agent_id": a.ID, "ai_cli": cli, "command": command}, nil
}

func handleRegisterAgentToIPC(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	agentID := args.String("agent_id")
	if _, err := sess.Registry.Lookup(agentID); err != nil {
		return nil, err
	}
	dir := filepath.Join(sess.Paths.IPCDir, fsutil.SanitizeName(agentID))
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": agentID, "mailbox": dir}, nil
}
