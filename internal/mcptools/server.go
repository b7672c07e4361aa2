package mcptools

import (
	"context"
	"errors"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/perm"
	"github.com/terraphim/agentmux/internal/registry"
)

// Version is set at build time via ldflags.
var Version = "dev"

// toolDef describes one tool: its schema, guard behavior, and handler.
type toolDef struct {
	name      string
	desc      string
	schema    []mcp.ToolOption
	noSession bool // runs before any session exists
	// target extracts the agent id the call acts on, for self_only.
	target func(Args) string
	handle func(s *Service, sess *Session, caller *agent.Agent, args Args) (any, error)
}

// registryOfTools collects every category's definitions.
func registryOfTools() []toolDef {
	var defs []toolDef
	defs = append(defs, workspaceTools()...)
	defs = append(defs, agentTools()...)
	defs = append(defs, commandTools()...)
	defs = append(defs, worktreeTools()...)
	defs = append(defs, ipcTools()...)
	defs = append(defs, dashboardTools()...)
	defs = append(defs, healthTools()...)
	defs = append(defs, memoryTools()...)
	sort.Slice(defs, func(i, j int) bool { return defs[i].name < defs[j].name })
	return defs
}

// NewServer creates the MCP server with every tool registered. This is
// the single place where all dependencies are resolved.
func NewServer(svc *Service) *server.MCPServer {
	s := server.NewMCPServer(
		"agentmux",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions()),
	)
	for _, def := range registryOfTools() {
		opts := append([]mcp.ToolOption{mcp.WithDescription(def.desc)}, def.schema...)
		s.AddTool(mcp.NewTool(def.name, opts...), makeHandler(svc, def))
	}
	return s
}

func serverInstructions() string {
	return "agentmux coordinates a hierarchy of AI CLI agents (owner -> admin -> workers) " +
		"running in tmux panes. Pass caller_agent_id on every tool except init_tmux_workspace " +
		"and the owner's own create_agent. Tasks move through a strict status graph; " +
		"terminal tasks can only be reopened."
}

// makeHandler wraps a tool definition with session resolution, the
// permission guard, and the owner wait-lock. Every failure becomes a
// structured result; errors never cross the tool boundary.
func makeHandler(svc *Service, def toolDef) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := Args(req.Params.Arguments)

		if def.noSession {
			payload, err := def.handle(svc, nil, nil, args)
			return resultJSON(payload, err), nil
		}

		sess, err := svc.Session(args.String("session_id"))
		if err != nil {
			return resultJSON(nil, fail(CodeValidationError, "resolve session: %v", err)), nil
		}

		caller, err := resolveCaller(sess, def, args)
		if err != nil {
			return resultJSON(nil, err), nil
		}

		if caller != nil {
			if err := checkOwnerWait(sess, def.name, caller); err != nil {
				return resultJSON(nil, err), nil
			}
			target := ""
			if def.target != nil {
				target = def.target(args)
			}
			if res := perm.Check(def.name, caller, target); !res.Allow {
				return resultJSON(nil, fail(CodePermissionDenied, "%s", res.Reason)), nil
			}
		}

		payload, err := def.handle(svc, sess, caller, args)
		return resultJSON(payload, err), nil
	}
}

// resolveCaller enforces the caller_agent_id contract. The owner's
// self-creation is the one session-scoped call allowed without a
// caller.
func resolveCaller(sess *Session, def toolDef, args Args) (*agent.Agent, error) {
	callerID := args.String("caller_agent_id")
	if def.name == "create_agent" && callerID == "" && args.String("role") == string(agent.RoleOwner) {
		return nil, nil
	}
	if callerID == "" {
		return nil, fail(CodeValidationError, "%s requires caller_agent_id", def.name)
	}
	a, err := sess.caller(callerID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fail(CodeNotFound, "caller %s not registered", callerID)
		}
		return nil, fail(CodeValidationError, "%v", err)
	}
	return a, nil
}

// checkOwnerWait refuses most tools while the owner wait-lock is
// active, reporting which tools remain allowed.
func checkOwnerWait(sess *Session, toolName string, caller *agent.Agent) error {
	if caller.Role != agent.RoleOwner {
		return nil
	}
	state, err := sess.Registry.OwnerWait()
	if err != nil {
		return nil
	}
	if !state.Active || perm.OwnerWaitAllowed[toolName] {
		return nil
	}
	allowed := make([]string, 0, len(perm.OwnerWaitAllowed))
	for name := range perm.OwnerWaitAllowed {
		allowed = append(allowed, name)
	}
	sort.Strings(allowed)
	return failWith(CodeOwnerWaitActive,
		"owner wait-lock is active: wait for the admin's reply",
		map[string]any{"allowed_tools": allowed})
}
