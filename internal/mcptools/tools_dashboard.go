package mcptools

import (
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/events"
	"github.com/terraphim/agentmux/internal/ipc"
)

func dashboardTools() []toolDef {
	return []toolDef{
		{
			name: "create_task",
			desc: "Create a pending task on the dashboard.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
				mcp.WithString("description", mcp.Description("Task details")),
				mcp.WithString("task_id", mcp.Description("Explicit id for idempotent retries")),
				mcp.WithObject("metadata", mcp.Description("Free-form metadata; task_kind, requires_playwright, output_dir, requested_description are reserved")),
			},
			handle: handleCreateTask,
		},
		{
			name: "update_task_status",
			desc: "Move a task through the status graph.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to update")),
				mcp.WithString("status", mcp.Required(), mcp.Description("pending, in_progress, completed, failed, cancelled, or blocked")),
				mcp.WithNumber("progress", mcp.Description("Progress 0-100")),
				mcp.WithString("error_message", mcp.Description("Failure detail")),
			},
			handle: handleUpdateTaskStatus,
		},
		{
			name: "reopen_task",
			desc: "Reset a terminal task to pending, preserving history.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to reopen")),
			},
			handle: handleReopenTask,
		},
		{
			name: "assign_task_to_agent",
			desc: "Assign a task to an agent.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to assign")),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent taking the task")),
			},
			handle: handleAssignTask,
		},
		{
			name:   "list_tasks",
			desc:   "List all tasks in creation order.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleListTasks,
		},
		{
			name: "get_task",
			desc: "Fetch one task.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to fetch")),
			},
			handle: handleGetTask,
		},
		{
			name: "remove_task",
			desc: "Delete a task record.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to remove")),
			},
			handle: handleRemoveTask,
		},
		{
			name: "report_task_progress",
			desc: "Report progress on the caller's task.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task being worked")),
				mcp.WithNumber("progress", mcp.Required(), mcp.Description("Progress 0-100")),
				mcp.WithString("message", mcp.Description("Progress note")),
			},
			handle: handleReportProgress,
		},
		{
			name: "report_task_completion",
			desc: "Report a finished task: status update, persisted summary, and an IPC notification to the admin.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("task_id", mcp.Required(), mcp.Description("Task being reported")),
				mcp.WithString("status", mcp.Required(), mcp.Description("completed or failed")),
				mcp.WithString("message", mcp.Description("Completion note sent to the admin")),
				mcp.WithString("summary", mcp.Description("Summary persisted to project memory")),
			},
			handle: handleReportCompletion,
		},
		{
			name:   "get_dashboard",
			desc:   "Return the full dashboard state.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleGetDashboard,
		},
		{
			name:   "get_dashboard_summary",
			desc:   "Return aggregate dashboard counters.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleGetDashboardSummary,
		},
	}
}

func handleCreateTask(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	metadata := args.Map("metadata")
	if metadata == nil {
		metadata = map[string]any{}
	}
	if _, ok := metadata[dashboard.MetaOutputDir]; !ok {
		metadata[dashboard.MetaOutputDir] = sess.Paths.ReportsDir
	}
	task, err := sess.Dashboard.CreateTask(args.String("task_id"), args.String("title"), args.String("description"), metadata)
	if err != nil {
		return nil, err
	}
	s.publish(events.Event{Type: events.TaskCreated, SessionID: sess.ID, TaskID: task.ID})
	return map[string]any{"task": task}, nil
}

func handleUpdateTaskStatus(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	status, err := dashboard.ParseTaskStatus(args.String("status"))
	if err != nil {
		return nil, fail(CodeValidationError, "%v", err)
	}
	task, err := sess.Dashboard.UpdateTaskStatus(args.String("task_id"), status, args.Int("progress", -1), args.String("error_message"))
	if err != nil {
		return nil, err
	}
	s.publish(events.Event{Type: events.TaskTransitioned, SessionID: sess.ID, TaskID: task.ID, Message: string(status)})
	return map[string]any{"task": task}, nil
}

func handleReopenTask(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	task, err := sess.Dashboard.ReopenTask(args.String("task_id"))
	if err != nil {
		return nil, err
	}
	s.publish(events.Event{Type: events.TaskTransitioned, SessionID: sess.ID, TaskID: task.ID, Message: "reopened"})
	return map[string]any{"task": task}, nil
}

func handleAssignTask(s *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	taskID := args.String("task_id")
	agentID := args.String("agent_id")
	if _, err := sess.Registry.Lookup(agentID); err != nil {
		return nil, err
	}
	task, err := sess.Dashboard.AssignTask(taskID, agentID)
	if err != nil {
		return nil, err
	}

	// Mirror the assignment onto the registry: the prior holder loses
	// the task, the new agent gains it.
	if task.PreviousAgentID != "" && task.PreviousAgentID != agentID {
		_ = sess.Registry.Update(task.PreviousAgentID, func(a *agent.Agent) error {
			if a.CurrentTaskID == taskID {
				a.CurrentTaskID = ""
			}
			return nil
		})
	}
	_ = sess.Registry.Update(agentID, func(a *agent.Agent) error {
		a.CurrentTaskID = taskID
		a.Status = agent.StatusBusy
		return nil
	})

	s.publish(events.Event{Type: events.TaskAssigned, SessionID: sess.ID, TaskID: taskID, AgentID: agentID})
	return map[string]any{"task": task}, nil
}

func handleListTasks(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	tasks, err := sess.Dashboard.ListTasks()
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

func handleGetTask(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	task, err := sess.Dashboard.GetTask(args.String("task_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func handleRemoveTask(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	taskID := args.String("task_id")
	if err := sess.Dashboard.RemoveTask(taskID); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": taskID, "removed": true}, nil
}

func handleReportProgress(s *Service, sess *Session, caller *agent.Agent, args Args) (any, error) {
	task, err := sess.Dashboard.ReportProgress(args.String("task_id"), args.Int("progress", 0), args.String("message"), caller.ID)
	if err != nil {
		return nil, err
	}
	_ = sess.Registry.Touch(caller.ID)
	s.publish(events.Event{Type: events.TaskTransitioned, SessionID: sess.ID, TaskID: task.ID, AgentID: caller.ID, Message: "progress"})
	return map[string]any{"task": task}, nil
}

// handleReportCompletion bundles three side effects: the status
// transition, the persisted summary, and the admin notification. A
// failure after the status update still attempts the IPC send; a
// memory-write failure is logged but not fatal.
func handleReportCompletion(s *Service, sess *Session, caller *agent.Agent, args Args) (any, error) {
	taskID := args.String("task_id")
	status, err := dashboard.ParseTaskStatus(args.String("status"))
	if err != nil {
		return nil, fail(CodeValidationError, "%v", err)
	}
	if status != dashboard.StatusCompleted && status != dashboard.StatusFailed {
		return nil, fail(CodeValidationError, "completion status must be completed or failed, got %q", status)
	}

	task, err := sess.Dashboard.UpdateTaskStatus(taskID, status, -1, "")
	if err != nil {
		return nil, err
	}
	_ = sess.Registry.Update(caller.ID, func(a *agent.Agent) error {
		if a.CurrentTaskID == taskID {
			a.CurrentTaskID = ""
		}
		a.Status = agent.StatusIdle
		return nil
	})

	summarySaved := false
	if summary := args.String("summary"); summary != "" {
		key := fmt.Sprintf("task_%s_summary", taskID)
		if _, merr := s.ProjectMemory().Save(key, summary, []string{"task-summary"}); merr != nil {
			slog.Warn("completion summary write failed", "task", taskID, "err", merr)
		} else {
			summarySaved = true
		}
	}

	msgType := ipc.TypeTaskComplete
	if status == dashboard.StatusFailed {
		msgType = ipc.TypeTaskFailed
	}
	notified := false
	if admin, aerr := sess.Registry.FindByRole(agent.RoleAdmin); aerr == nil {
		msg := &ipc.Message{
			SenderID:    caller.ID,
			ReceiverID:  admin.ID,
			MessageType: msgType,
			Subject:     fmt.Sprintf("task %s %s", taskID, status),
			Content:     args.String("message"),
			Metadata:    map[string]any{"task_id": taskID},
		}
		if serr := sess.IPC.Send(msg); serr != nil {
			slog.Warn("completion notification failed", "task", taskID, "err", serr)
		} else {
			notified = true
		}
	}

	s.publish(events.Event{Type: events.TaskTransitioned, SessionID: sess.ID, TaskID: taskID, AgentID: caller.ID, Message: string(status)})
	return map[string]any{"task": task, "summary_saved": summarySaved, "admin_notified": notified}, nil
}

func handleGetDashboard(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	d, err := sess.Dashboard.Load()
	if err != nil {
		return nil, err
	}
	return map[string]any{"dashboard": d, "markdown": dashboard.Render(d)}, nil
}

func handleGetDashboardSummary(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	d, err := sess.Dashboard.Load()
	if err != nil {
		return nil, err
	}
	stats := d.ComputeStats()
	return map[string]any{
		"workspace_id":           d.WorkspaceID,
		"stats":                  stats,
		"session_started_at":     d.SessionStartedAt,
		"session_finished_at":    d.SessionFinishedAt,
		"process_crash_count":    d.ProcessCrashCount,
		"process_recovery_count": d.ProcessRecoveryCount,
		"total_cost_usd":         d.Cost.TotalCostUSD,
	}, nil
}
