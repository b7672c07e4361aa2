package mcptools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/events"
	"github.com/terraphim/agentmux/internal/workspace"
)

func callerArg() mcp.ToolOption {
	return mcp.WithString("caller_agent_id", mcp.Description("Agent id of the caller"))
}

func sessionArg() mcp.ToolOption {
	return mcp.WithString("session_id", mcp.Description("Session id (defaults to the project's config.json)"))
}

func workspaceTools() []toolDef {
	return []toolDef{
		{
			name:      "init_tmux_workspace",
			desc:      "Provision a session: directory tree, config.json, and the tmux pane grid.",
			noSession: true,
			schema: []mcp.ToolOption{
				mcp.WithString("project", mcp.Description("Project root (defaults to the server's root)")),
				mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id to provision")),
				mcp.WithBoolean("enable_git", mcp.Description("Enable worktree/merge features")),
				mcp.WithNumber("workers", mcp.Description("Worker pane count (defaults to the active profile)")),
			},
			handle: handleInitWorkspace,
		},
		{
			name:   "cleanup_workspace",
			desc:   "Kill the session's tmux session and remove its directory tree.",
			schema: []mcp.ToolOption{callerArg(), sessionArg(), mcp.WithBoolean("remove_files", mcp.Description("Also remove the session directory (default true)"))},
			handle: handleCleanupWorkspace,
		},
		{
			name:   "check_all_tasks_completed",
			desc:   "Report whether every task has reached a terminal state.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleCheckAllTasksCompleted,
		},
		{
			name:   "cleanup_on_completion",
			desc:   "Tear the workspace down only when every task is terminal.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleCleanupOnCompletion,
		},
		{
			name:   "open_session",
			desc:   "Report how to attach to the session's tmux session.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleOpenSession,
		},
	}
}

func handleInitWorkspace(s *Service, _ *Session, _ *agent.Agent, args Args) (any, error) {
	project := args.String("project")
	if project == "" {
		project = s.ProjectRoot
	}
	sessionID := args.String("session_id")
	if sessionID == "" {
		return nil, fail(CodeValidationError, "session_id required")
	}

	ws, err := s.Provisioner().Init(workspace.InitOptions{
		ProjectRoot: project,
		SessionID:   sessionID,
		EnableGit:   args.BoolPtr("enable_git"),
		Workers:     args.Int("workers", 0),
	})
	if err != nil {
		return nil, err
	}
	s.publish(events.Event{Type: events.SessionStarted, SessionID: sessionID})
	return map[string]any{
		"session_id":   sessionID,
		"session_name": ws.SessionName,
		"session_dir":  ws.Paths.SessionDir,
		"enable_git":   ws.EnableGit,
		"grid":         ws.Grid,
	}, nil
}

func handleCleanupWorkspace(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	sess.Monitor.Stop()
	removeFiles := args.Bool("remove_files", true)
	if err := s.Provisioner().Cleanup(s.ProjectRoot, sess.ID, removeFiles); err != nil {
		return nil, err
	}
	s.publish(events.Event{Type: events.SessionFinished, SessionID: sess.ID})
	return map[string]any{"session_id": sess.ID, "removed_files": removeFiles}, nil
}

func handleCheckAllTasksCompleted(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	d, err := sess.Dashboard.Load()
	if err != nil {
		return nil, err
	}
	stats := d.ComputeStats()
	return map[string]any{
		"all_completed": d.AllTasksTerminal(),
		"total_tasks":   stats.TotalTasks,
		"completed":     stats.CompletedTasks,
		"failed":        stats.FailedTasks,
		"in_progress":   stats.InProgress,
	}, nil
}

func handleCleanupOnCompletion(s *Service, sess *Session, caller *agent.Agent, args Args) (any, error) {
	d, err := sess.Dashboard.Load()
	if err != nil {
		return nil, err
	}
	if !d.AllTasksTerminal() {
		return nil, fail(CodeValidationError, "tasks are still open; refusing cleanup")
	}
	return handleCleanupWorkspace(s, sess, caller, args)
}

func handleOpenSession(s *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	name := s.Provisioner().SessionName(sess.ID)
	return map[string]any{
		"session_name": name,
		"exists":       s.Tmux.SessionExists(name),
		"attach":       "tmux attach -t " + name,
	}, nil
}
