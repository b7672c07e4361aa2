package mcptools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/events"
	"github.com/terraphim/agentmux/internal/ipc"
)

func memoryTools() []toolDef {
	return []toolDef{
		{
			name: "save_to_memory",
			desc: "Save a session memory entry.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("key", mcp.Required(), mcp.Description("Entry key")),
				mcp.WithString("content", mcp.Required(), mcp.Description("Entry body (markdown)")),
			},
			handle: handleSaveMemory,
		},
		{
			name: "retrieve_from_memory",
			desc: "Fetch a session memory entry.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("key", mcp.Required(), mcp.Description("Entry key")),
			},
			handle: handleGetMemory,
		},
		{
			name:   "list_memory_entries",
			desc:   "List session memory entries.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleListMemory,
		},
		{
			name: "delete_memory_entry",
			desc: "Archive a session memory entry.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("key", mcp.Required(), mcp.Description("Entry key")),
			},
			handle: handleDeleteMemory,
		},
		{
			name: "record_api_call",
			desc: "Record one AI CLI invocation's cost numbers on the dashboard.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("ai_cli", mcp.Required(), mcp.Description("Backend used")),
				mcp.WithString("model", mcp.Description("Model name")),
				mcp.WithNumber("tokens", mcp.Description("Estimated tokens")),
				mcp.WithNumber("estimated_cost_usd", mcp.Description("Estimated cost")),
				mcp.WithNumber("actual_cost_usd", mcp.Description("Actual running cost from the status line")),
				mcp.WithString("task_id", mcp.Description("Related task")),
			},
			handle: handleRecordAPICall,
		},
		{
			name:   "get_cost_summary",
			desc:   "Return the dashboard's cost aggregates.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleGetCostSummary,
		},
		{
			name:   "reset_cost_counter",
			desc:   "Clear the cost aggregates.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleResetCost,
		},
		{
			name: "set_cost_warning_threshold",
			desc: "Set the cost threshold that triggers an owner warning.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithNumber("threshold_usd", mcp.Required(), mcp.Description("Threshold in USD")),
			},
			handle: handleSetCostThreshold,
		},
	}
}

func handleSaveMemory(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	entry, err := sess.Memory.Save(args.String("key"), args.String("content"), nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entry": entry}, nil
}

func handleGetMemory(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	entry, err := sess.Memory.Get(args.String("key"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"entry": entry}, nil
}

func handleListMemory(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	entries, err := sess.Memory.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}

func handleDeleteMemory(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	key := args.String("key")
	if err := sess.Memory.Delete(key); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "archived": true}, nil
}

func handleRecordAPICall(s *Service, sess *Session, caller *agent.Agent, args Args) (any, error) {
	rec := dashboard.APICallRecord{
		AICli:            args.String("ai_cli"),
		Model:            args.String("model"),
		Tokens:           args.Int("tokens", 0),
		EstimatedCostUSD: float64FromArgs(args, "estimated_cost_usd"),
		AgentID:          caller.ID,
		TaskID:           args.String("task_id"),
	}
	if args.Has("actual_cost_usd") {
		v := float64FromArgs(args, "actual_cost_usd")
		rec.ActualCostUSD = &v
	}

	crossed, err := sess.Dashboard.RecordAPICall(rec, s.Settings.CostWarningThresholdUSD)
	if err != nil {
		return nil, err
	}
	// Crossing the threshold emits one warning to the owner.
	if crossed {
		if owner, oerr := sess.Registry.FindByRole(agent.RoleOwner); oerr == nil {
			_ = sess.IPC.Send(&ipc.Message{
				SenderID:    caller.ID,
				ReceiverID:  owner.ID,
				MessageType: ipc.TypeSystem,
				Priority:    ipc.PriorityHigh,
				Subject:     "cost warning",
				Content:     "total session cost crossed the configured warning threshold",
			})
		}
		s.publish(events.Event{Type: events.CostWarning, SessionID: sess.ID})
	}
	return map[string]any{"recorded": true, "warning_triggered": crossed}, nil
}

func float64FromArgs(args Args, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func handleGetCostSummary(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	d, err := sess.Dashboard.Load()
	if err != nil {
		return nil, err
	}
	return map[string]any{"cost": d.Cost}, nil
}

func handleResetCost(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	if err := sess.Dashboard.ResetCost(); err != nil {
		return nil, err
	}
	return map[string]any{"reset": true}, nil
}

func handleSetCostThreshold(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	threshold := float64FromArgs(args, "threshold_usd")
	if threshold <= 0 {
		return nil, fail(CodeValidationError, "threshold_usd must be positive")
	}
	if err := sess.Dashboard.SetCostWarningThreshold(threshold); err != nil {
		return nil, err
	}
	return map[string]any{"threshold_usd": threshold}, nil
}
