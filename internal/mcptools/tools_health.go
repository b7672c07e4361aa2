package mcptools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/events"
	"github.com/terraphim/agentmux/internal/health"
)

func healthTools() []toolDef {
	return []toolDef{
		{
			name: "healthcheck_agent",
			desc: "Check one agent's pane liveness and stall state.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to check")),
			},
			handle: handleHealthcheckAgent,
		},
		{
			name:   "healthcheck_all",
			desc:   "Check every agent.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleHealthcheckAll,
		},
		{
			name:   "get_unhealthy_agents",
			desc:   "List live agents that failed their last check.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleGetUnhealthy,
		},
		{
			name: "attempt_recovery",
			desc: "Soft recovery: recreate a dead session or interrupt a stalled pane.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to recover")),
			},
			handle: handleAttemptRecovery,
		},
		{
			name: "full_recovery",
			desc: "Hard recovery: replace the agent, rebuild its worktree, reassign its task.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to rebuild")),
			},
			handle: handleFullRecovery,
		},
		{
			name:   "monitor_and_recover_workers",
			desc:   "Run one monitor pass now and report the outcome; ensures the daemon is running.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleMonitorAndRecover,
		},
	}
}

func handleHealthcheckAgent(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	a, err := sess.Registry.Lookup(args.String("agent_id"))
	if err != nil {
		return nil, err
	}
	v := sess.Checker.Check(a)
	return map[string]any{"verdict": v}, nil
}

func handleHealthcheckAll(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	agents, err := sess.Registry.List()
	if err != nil {
		return nil, err
	}
	verdicts := sess.Checker.CheckAll(agents)
	return map[string]any{
		"verdicts":  verdicts,
		"unhealthy": len(health.Unhealthy(verdicts)),
	}, nil
}

func handleGetUnhealthy(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	agents, err := sess.Registry.List()
	if err != nil {
		return nil, err
	}
	unhealthy := health.Unhealthy(sess.Checker.CheckAll(agents))
	return map[string]any{"unhealthy": unhealthy, "count": len(unhealthy)}, nil
}

func handleAttemptRecovery(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	a, err := sess.Registry.Lookup(args.String("agent_id"))
	if err != nil {
		return nil, err
	}
	if !a.Live() {
		return nil, fail(CodeValidationError, "agent %s is terminated", a.ID)
	}
	v := sess.Checker.Check(a)
	if v.Healthy {
		return map[string]any{"agent_id": a.ID, "recovered": false, "healthy": true}, nil
	}
	if err := sess.Recovery.AttemptRecovery(a, v); err != nil {
		return nil, err
	}
	s.publish(events.Event{Type: events.RecoveryAttempt, SessionID: sess.ID, AgentID: a.ID, Message: "soft"})
	return map[string]any{"agent_id": a.ID, "recovered": true, "stage": health.StageAttempted}, nil
}

func handleFullRecovery(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	a, err := sess.Registry.Lookup(args.String("agent_id"))
	if err != nil {
		return nil, err
	}
	if !a.Live() {
		return nil, fail(CodeValidationError, "agent %s is terminated", a.ID)
	}
	newID, err := sess.Recovery.FullRecovery(a)
	if err != nil {
		return nil, err
	}
	s.publish(events.Event{Type: events.AgentRecovered, SessionID: sess.ID, AgentID: newID, Message: "full"})
	return map[string]any{"agent_id": a.ID, "new_agent_id": newID, "stage": health.StageFullAttempted}, nil
}

func handleMonitorAndRecover(s *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	sess.Monitor.Start()
	idle := sess.Monitor.Pass()
	agents, err := sess.Registry.List()
	if err != nil {
		return nil, err
	}
	unhealthy := health.Unhealthy(sess.Checker.CheckAll(agents))
	return map[string]any{
		"idle":            idle,
		"unhealthy":       len(unhealthy),
		"monitor_running": sess.Monitor.Running(),
	}, nil
}
