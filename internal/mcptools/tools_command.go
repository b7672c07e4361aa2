package mcptools

import (
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/events"
	"github.com/terraphim/agentmux/internal/registry"
)

func commandTools() []toolDef {
	return []toolDef{
		{
			name: "send_task",
			desc: "Write a task brief and launch the resolved AI CLI in the target agent's pane.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent receiving the task")),
				mcp.WithString("task_content", mcp.Required(), mcp.Description("Markdown task brief")),
			},
			handle: handleSendTask,
		},
		{
			name: "send_command",
			desc: "Send a raw command line to an agent's pane.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Target agent")),
				mcp.WithString("command", mcp.Required(), mcp.Description("Command line to send")),
			},
			handle: handleSendCommand,
		},
		{
			name: "broadcast_command",
			desc: "Send a command line to every live worker pane.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("command", mcp.Required(), mcp.Description("Command line to send")),
			},
			handle: handleBroadcastCommand,
		},
		{
			name: "get_output",
			desc: "Capture the tail of an agent's pane output.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent whose pane to read")),
				mcp.WithNumber("lines", mcp.Description("How many lines to capture (default 50)")),
			},
			handle: handleGetOutput,
		},
	}
}

func handleSendTask(s *Service, sess *Session, caller *agent.Agent, args Args) (any, error) {
	agentID := args.String("agent_id")
	res, err := sess.Dispatcher.SendTask(agentID, args.String("task_content"), args.String("session_id"))
	if err != nil {
		return nil, err
	}

	// An owner dispatching a plan to the admin enters the wait-lock:
	// from here on only mailbox reads are allowed until the admin
	// replies.
	if caller.Role == agent.RoleOwner {
		if target, terr := sess.Registry.Lookup(agentID); terr == nil && target.Role == agent.RoleAdmin {
			_ = sess.Registry.SetOwnerWait(registry.OwnerWaitState{Active: true, Since: time.Now()})
		}
	}

	s.publish(events.Event{Type: events.TaskAssigned, SessionID: sess.ID, AgentID: agentID})
	return res, nil
}

func handleSendCommand(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	agentID := args.String("agent_id")
	if err := sess.Dispatcher.SendCommand(agentID, args.String("command")); err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": agentID, "sent": true}, nil
}

func handleBroadcastCommand(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	sent, failed, err := sess.Dispatcher.BroadcastCommand(args.String("command"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"sent": sent, "failed": failed}, nil
}

func handleGetOutput(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	out, err := sess.Dispatcher.GetOutput(args.String("agent_id"), args.Int("lines", 50))
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": args.String("agent_id"), "output": out}, nil
}
