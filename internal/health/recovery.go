package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/ipc"
	"github.com/terraphim/agentmux/internal/registry"
	"github.com/terraphim/agentmux/internal/tmux"
	"github.com/terraphim/agentmux/internal/worktree"
)

// RecoveryStage tracks the staged recovery of one (agent, task) pair.
type RecoveryStage string

const (
	StageStart         RecoveryStage = "start"
	StageAttempted     RecoveryStage = "attempted"
	StageFullAttempted RecoveryStage = "full_attempted"
	StageFailedTask    RecoveryStage = "failed_task"
)

// pairKey identifies one (agent, task) recovery track.
func pairKey(agentID, taskID string) string {
	return agentID + "\x00" + taskID
}

// Engine drives soft and hard recovery against the stores.
type Engine struct {
	Registry    *registry.Registry
	Dashboard   *dashboard.Store
	Tmux        *tmux.Client
	Worktrees   *worktree.Manager
	IPC         *ipc.Service
	Checker     *Checker
	MaxAttempts int

	mu       sync.Mutex
	attempts map[string]int
	stages   map[string]RecoveryStage
}

// NewEngine wires a recovery engine.
func NewEngine(reg *registry.Registry, dash *dashboard.Store, tc *tmux.Client, wt *worktree.Manager, ipcSvc *ipc.Service, checker *Checker, maxAttempts int) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Engine{
		Registry:    reg,
		Dashboard:   dash,
		Tmux:        tc,
		Worktrees:   wt,
		IPC:         ipcSvc,
		Checker:     checker,
		MaxAttempts: maxAttempts,
		attempts:    map[string]int{},
		stages:      map[string]RecoveryStage{},
	}
}

// Stage returns the recorded stage for an (agent, task) pair.
func (e *Engine) Stage(agentID, taskID string) RecoveryStage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stages[pairKey(agentID, taskID)]; ok {
		return s
	}
	return StageStart
}

// Attempts returns how many recoveries ran for an (agent, task) pair.
func (e *Engine) Attempts(agentID, taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[pairKey(agentID, taskID)]
}

func (e *Engine) bump(agentID, taskID string, stage RecoveryStage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := pairKey(agentID, taskID)
	e.attempts[key]++
	e.stages[key] = stage
	return e.attempts[key]
}

// Outcome reports one recovery action.
type Outcome struct {
	AgentID    string        `json:"agent_id"`
	NewAgentID string        `json:"new_agent_id,omitempty"`
	TaskID     string        `json:"task_id,omitempty"`
	Stage      RecoveryStage `json:"stage"`
	Recovered  bool          `json:"recovered"`
	TaskFailed bool          `json:"task_failed"`
	Reason     string        `json:"reason,omitempty"`
}

// Recover runs the staged recovery for one unhealthy verdict: soft
// first, then full, then task failure once the attempt limit is hit.
func (e *Engine) Recover(v Verdict) Outcome {
	a, err := e.Registry.Lookup(v.AgentID)
	if err != nil || !a.Live() {
		return Outcome{AgentID: v.AgentID, Stage: StageStart, Reason: "agent gone"}
	}
	taskID := a.CurrentTaskID

	if n := e.Attempts(a.ID, taskID); n >= e.MaxAttempts {
		return e.failTask(a, taskID)
	}

	reason := ReasonSessionDead
	if v.Stalled {
		reason = ReasonTaskStalled
	}

	if err := e.AttemptRecovery(a, v); err == nil {
		n := e.bump(a.ID, taskID, StageAttempted)
		e.recordRecovery(taskID, reason, n)
		return Outcome{AgentID: a.ID, TaskID: taskID, Stage: StageAttempted, Recovered: true, Reason: reason}
	} else {
		slog.Warn("soft recovery failed", "agent", a.ID, "err", err)
	}

	newID, err := e.FullRecovery(a)
	if err != nil {
		slog.Warn("full recovery failed", "agent", a.ID, "err", err)
		n := e.bump(a.ID, taskID, StageFullAttempted)
		if n >= e.MaxAttempts {
			return e.failTask(a, taskID)
		}
		return Outcome{AgentID: a.ID, TaskID: taskID, Stage: StageFullAttempted, Reason: err.Error()}
	}
	n := e.bump(a.ID, taskID, StageFullAttempted)
	// The replacement inherits the recovery track of the pair.
	e.mu.Lock()
	e.attempts[pairKey(newID, taskID)] = n
	e.stages[pairKey(newID, taskID)] = StageFullAttempted
	e.mu.Unlock()
	e.recordRecovery(taskID, reason, n)
	return Outcome{AgentID: a.ID, NewAgentID: newID, TaskID: taskID, Stage: StageFullAttempted, Recovered: true, Reason: reason}
}

// AttemptRecovery is the soft stage: a dead session is recreated and
// the agent reattached at the same coordinates; a stalled pane gets an
// interrupt plus input clear. Identity, worktree, and task assignment
// are preserved.
func (e *Engine) AttemptRecovery(a *agent.Agent, v Verdict) error {
	if v.SessionDead {
		if !e.Tmux.SessionExists(a.SessionName) {
			if err := e.Tmux.CreateSession(a.SessionName, a.WorkingDir); err != nil {
				return fmt.Errorf("recreate session: %w", err)
			}
		}
		if err := e.ensurePane(a); err != nil {
			return err
		}
		e.Checker.Forget(a.ID)
		return e.Registry.Touch(a.ID)
	}
	if v.Stalled {
		target := a.Pane().Target()
		if err := e.Tmux.SendInterrupt(target); err != nil {
			return fmt.Errorf("interrupt pane: %w", err)
		}
		_ = e.Tmux.SendClear(target)
		e.Checker.Forget(a.ID)
		return e.Registry.Touch(a.ID)
	}
	return fmt.Errorf("nothing to recover for %s", a.ID)
}

// ensurePane splits the first window until the agent's pane index
// exists again.
func (e *Engine) ensurePane(a *agent.Agent) error {
	for i := 0; i < a.PaneIndex; i++ {
		panes, err := e.Tmux.ListPanes(a.SessionName, a.WindowIndex)
		if err != nil {
			return fmt.Errorf("list panes: %w", err)
		}
		have := false
		last := 0
		for _, p := range panes {
			if p == a.PaneIndex {
				have = true
			}
			if p > last {
				last = p
			}
		}
		if have {
			return nil
		}
		if _, err := e.Tmux.SplitPane(tmux.Target(a.SessionName, a.WindowIndex, last), false, a.WorkingDir); err != nil {
			return fmt.Errorf("rebuild pane: %w", err)
		}
	}
	return nil
}

// FullRecovery is the hard stage: terminate the old agent, rebuild the
// worktree on the same branch when git is enabled, create a fresh
// agent in the same pane slot, and reassign the unfinished task
// through the dashboard so it stays consistent. Returns the new id.
func (e *Engine) FullRecovery(a *agent.Agent) (string, error) {
	taskID := a.CurrentTaskID

	if err := e.Registry.Terminate(a.ID); err != nil {
		return "", err
	}
	e.Checker.Forget(a.ID)

	if e.Worktrees != nil && e.Worktrees.Enabled() && a.WorktreePath != "" && a.Branch != "" {
		if err := e.Worktrees.Remove(a.WorktreePath); err != nil {
			slog.Warn("worktree remove during recovery failed", "path", a.WorktreePath, "err", err)
		}
		if _, err := e.Worktrees.Create(a.WorktreePath, a.Branch, ""); err != nil {
			return "", fmt.Errorf("recreate worktree: %w", err)
		}
	}

	if !e.Tmux.SessionExists(a.SessionName) {
		if err := e.Tmux.CreateSession(a.SessionName, a.WorkingDir); err != nil {
			return "", fmt.Errorf("recreate session: %w", err)
		}
	}
	if err := e.ensurePane(a); err != nil {
		return "", err
	}

	replacement := &agent.Agent{
		ID:           fmt.Sprintf("%s-r%s", a.ID, uuid.NewString()[:8]),
		Role:         a.Role,
		Status:       agent.StatusIdle,
		SessionName:  a.SessionName,
		WindowIndex:  a.WindowIndex,
		PaneIndex:    a.PaneIndex,
		WorkingDir:   a.WorkingDir,
		WorktreePath: a.WorktreePath,
		Branch:       a.Branch,
		AICli:        a.AICli,
		WorkerSlot:   a.WorkerSlot,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	if err := e.Registry.Register(replacement); err != nil {
		return "", fmt.Errorf("register replacement: %w", err)
	}

	if taskID != "" {
		if _, err := e.Dashboard.AssignTask(taskID, replacement.ID); err != nil {
			slog.Warn("task reassignment during recovery failed", "task", taskID, "err", err)
		}
		_ = e.Registry.Update(replacement.ID, func(rec *agent.Agent) error {
			rec.CurrentTaskID = taskID
			rec.Status = agent.StatusBusy
			return nil
		})
	}
	_ = e.Dashboard.UpsertAgent(dashboard.AgentSummary{
		AgentID:       replacement.ID,
		Role:          string(replacement.Role),
		Status:        string(replacement.Status),
		CurrentTaskID: taskID,
		WorktreePath:  replacement.WorktreePath,
		Branch:        replacement.Branch,
	})
	if err := e.Dashboard.IncrementRecoveryCount(replacement.ID); err != nil {
		slog.Warn("recovery counter update failed", "err", err)
	}
	return replacement.ID, nil
}

// recordRecovery attaches recovery metadata to the task.
func (e *Engine) recordRecovery(taskID, reason string, count int) {
	if taskID == "" {
		return
	}
	err := e.Dashboard.Mutate(func(d *dashboard.Dashboard) error {
		t := d.GetTask(taskID)
		if t == nil {
			return nil
		}
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata[dashboard.MetaRecoveryCount] = count
		t.Metadata[dashboard.MetaLastRecoveryReason] = reason
		t.Metadata[dashboard.MetaLastRecoveryAt] = time.Now().Format(time.RFC3339)
		return nil
	})
	if err != nil {
		slog.Warn("recovery metadata update failed", "task", taskID, "err", err)
	}
}

// failTask is the terminal stage: the task fails with "recovery
// exhausted", the worker returns to idle, the admin gets one error
// message, and the crash counter is bumped.
func (e *Engine) failTask(a *agent.Agent, taskID string) Outcome {
	out := Outcome{AgentID: a.ID, TaskID: taskID, Stage: StageFailedTask, TaskFailed: true, Reason: "recovery exhausted"}

	e.mu.Lock()
	already := e.stages[pairKey(a.ID, taskID)] == StageFailedTask
	e.stages[pairKey(a.ID, taskID)] = StageFailedTask
	e.mu.Unlock()
	if already {
		// RecoveryExhausted is emitted once per (worker, task) pair.
		out.TaskFailed = false
		return out
	}

	if taskID != "" {
		if _, err := e.Dashboard.UpdateTaskStatus(taskID, dashboard.StatusFailed, -1, "recovery exhausted"); err != nil {
			slog.Warn("failing task after exhausted recovery", "task", taskID, "err", err)
		}
	}
	_ = e.Registry.Update(a.ID, func(rec *agent.Agent) error {
		rec.CurrentTaskID = ""
		rec.Status = agent.StatusIdle
		return nil
	})
	_ = e.Dashboard.IncrementCrashCount()

	if admin, err := e.Registry.FindByRole(agent.RoleAdmin); err == nil {
		msg := &ipc.Message{
			SenderID:    a.ID,
			ReceiverID:  admin.ID,
			MessageType: ipc.TypeError,
			Priority:    ipc.PriorityHigh,
			Subject:     "recovery exhausted",
			Content:     fmt.Sprintf("worker %s exhausted recovery attempts for task %s", a.ID, taskID),
			Metadata:    map[string]any{"task_id": taskID},
		}
		if err := e.IPC.Send(msg); err != nil {
			slog.Warn("recovery failure notification failed", "err", err)
		}
	}
	return out
}
