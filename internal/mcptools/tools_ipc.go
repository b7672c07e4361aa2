package mcptools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/events"
	"github.com/terraphim/agentmux/internal/ipc"
	"github.com/terraphim/agentmux/internal/registry"
)

func ipcTools() []toolDef {
	return []toolDef{
		{
			name: "send_message",
			desc: "Send a message to another agent's mailbox, with a pane wake-up.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("receiver_id", mcp.Description("Receiving agent (omit for broadcast)")),
				mcp.WithString("message_type", mcp.Required(), mcp.Description("task_assign, task_progress, task_complete, task_failed, task_approved, status_update, request, response, broadcast, system, or error")),
				mcp.WithString("content", mcp.Required(), mcp.Description("Message body (markdown)")),
				mcp.WithString("subject", mcp.Description("Short subject line")),
				mcp.WithString("priority", mcp.Description("low, normal, or high")),
				mcp.WithString("message_id", mcp.Description("Explicit id for idempotent retries")),
				mcp.WithString("broadcast_role", mcp.Description("Restrict a broadcast to one role")),
				mcp.WithObject("metadata", mcp.Description("Free-form metadata; task_id and progress are recognized")),
			},
			handle: handleSendMessage,
		},
		{
			name: "read_messages",
			desc: "Read the caller's mailbox chronologically. Admin reads sync the dashboard.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("target_agent_id", mcp.Description("Mailbox to read (defaults to the caller's)")),
				mcp.WithBoolean("unread_only", mcp.Description("Only unread messages")),
				mcp.WithBoolean("mark_as_read", mcp.Description("Mark returned messages read (default true)")),
			},
			target: func(a Args) string { return a.String("target_agent_id") },
			handle: handleReadMessages,
		},
		{
			name: "get_unread_count",
			desc: "Count unread messages without modifying anything.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("target_agent_id", mcp.Description("Mailbox to count (defaults to the caller's)")),
			},
			target: func(a Args) string { return a.String("target_agent_id") },
			handle: handleGetUnreadCount,
		},
		{
			name:   "unlock_owner_wait",
			desc:   "Explicitly break the owner wait-lock.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleUnlockOwnerWait,
		},
	}
}

func handleSendMessage(s *Service, sess *Session, caller *agent.Agent, args Args) (any, error) {
	msgType, err := ipc.ParseMessageType(args.String("message_type"))
	if err != nil {
		return nil, fail(CodeValidationError, "%v", err)
	}
	priority, err := ipc.ParsePriority(args.String("priority"))
	if err != nil {
		return nil, fail(CodeValidationError, "%v", err)
	}

	msg := &ipc.Message{
		ID:          args.String("message_id"),
		SenderID:    caller.ID,
		ReceiverID:  args.String("receiver_id"),
		MessageType: msgType,
		Priority:    priority,
		Subject:     args.String("subject"),
		Content:     args.String("content"),
		Metadata:    args.Map("metadata"),
	}

	if msg.ReceiverID == "" || msgType == ipc.TypeBroadcast {
		filter := ipc.BroadcastFilter{}
		if role := args.String("broadcast_role"); role != "" {
			parsed, err := agent.ParseRole(role)
			if err != nil {
				return nil, fail(CodeValidationError, "%v", err)
			}
			filter.Role = parsed
		}
		delivered, failed, err := sess.IPC.Broadcast(msg, filter)
		if err != nil {
			return nil, err
		}
		s.publish(events.Event{Type: events.MessageSent, SessionID: sess.ID, AgentID: caller.ID, Message: string(msgType)})
		return map[string]any{"broadcast": true, "delivered": delivered, "failed": failed}, nil
	}

	if _, err := sess.Registry.Lookup(msg.ReceiverID); err != nil {
		return nil, err
	}
	if err := sess.IPC.Send(msg); err != nil {
		return nil, err
	}
	_ = sess.Dashboard.AppendLog(dashboard.LogEntry{
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Type:       string(msg.MessageType),
		Content:    msg.Subject,
	})
	s.publish(events.Event{Type: events.MessageSent, SessionID: sess.ID, AgentID: caller.ID, Message: string(msgType)})
	return map[string]any{"message_id": msg.ID, "receiver_id": msg.ReceiverID}, nil
}

func handleReadMessages(_ *Service, sess *Session, caller *agent.Agent, args Args) (any, error) {
	opts := ipc.ReadOptions{
		UnreadOnly: args.Bool("unread_only", false),
		MarkAsRead: args.Bool("mark_as_read", true),
	}
	res, err := sess.IPC.ReadFor(caller, opts)
	if err != nil {
		return nil, err
	}
	if res.PollingBlocked {
		return nil, fail(CodePollingBlocked, "polling blocked: wait for a pane notification from the admin")
	}

	out := map[string]any{
		"messages":     res.Messages,
		"count":        len(res.Messages),
		"wait_cleared": res.WaitCleared,
	}

	// Admin reads project progress/completion messages onto the
	// dashboard. Sync failures become counters, never errors.
	if caller.Role == agent.RoleAdmin {
		var syncMsgs []dashboard.SyncMessage
		for _, m := range res.Messages {
			syncMsgs = append(syncMsgs, dashboard.SyncMessage{
				SenderID: m.SenderID,
				Type:     string(m.MessageType),
				TaskID:   m.TaskID(),
				Content:  m.Content,
				Progress: m.ProgressValue(),
			})
		}
		sync, _ := sess.Dashboard.SyncFromMessages(syncMsgs)
		if sync != nil {
			out["dashboard_updates_applied"] = sync.Applied
			out["dashboard_updates_skipped"] = len(sync.Skipped)
			if len(sync.Skipped) > 0 {
				out["skipped"] = sync.Skipped
			}
		}
	}
	return out, nil
}

func handleGetUnreadCount(_ *Service, sess *Session, caller *agent.Agent, args Args) (any, error) {
	target := args.String("target_agent_id")
	if target == "" {
		target = caller.ID
	}
	n, err := sess.IPC.Mailbox.UnreadCount(target)
	if err != nil {
		return nil, err
	}
	return map[string]any{"agent_id": target, "unread": n}, nil
}

func handleUnlockOwnerWait(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	if err := sess.Registry.SetOwnerWait(registry.OwnerWaitState{}); err != nil {
		return nil, err
	}
	return map[string]any{"owner_wait_active": false}, nil
}
