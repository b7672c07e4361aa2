// Package dashboard implements the durable task state machine and
// session activity log. State lives in YAML front matter inside
// dashboard.md; the markdown body is re-rendered from the front matter
// on every mutation. Mutations are serialized by an advisory lock on a
// sibling dashboard.lock file.
package dashboard

import (
	"fmt"
	"time"
)

// TaskStatus is the state of one task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
	StatusBlocked    TaskStatus = "blocked"
)

// ParseTaskStatus validates a status name.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled, StatusBlocked:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Terminal reports whether a status can only be left via reopen.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the allowed task transition graph. Any transition not
// listed here is rejected; terminal states list no successors.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusInProgress, StatusCancelled, StatusBlocked},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled, StatusBlocked},
	StatusBlocked:    {StatusInProgress, StatusCancelled, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// AllowedTransitions returns the statuses reachable from s.
func AllowedTransitions(s TaskStatus) []TaskStatus {
	out := make([]TaskStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransition reports whether from -> to is in the graph.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reserved metadata keys carried verbatim on tasks.
const (
	MetaTaskKind             = "task_kind"
	MetaRequiresPlaywright   = "requires_playwright"
	MetaOutputDir            = "output_dir"
	MetaRequestedDescription = "requested_description"
	MetaRecoveryCount        = "process_recovery_count"
	MetaLastRecoveryReason   = "last_recovery_reason"
	MetaLastRecoveryAt       = "last_recovery_at"
)

// Task is one dashboard task record.
type Task struct {
	ID              string         `yaml:"id" json:"id"`
	Title           string         `yaml:"title" json:"title"`
	Description     string         `yaml:"description,omitempty" json:"description,omitempty"`
	Status          TaskStatus     `yaml:"status" json:"status"`
	Progress        int            `yaml:"progress" json:"progress"`
	AssignedAgentID string         `yaml:"assigned_agent_id,omitempty" json:"assigned_agent_id,omitempty"`
	PreviousAgentID string         `yaml:"previous_agent_id,omitempty" json:"previous_agent_id,omitempty"`
	Branch          string         `yaml:"branch,omitempty" json:"branch,omitempty"`
	TaskFilePath    string         `yaml:"task_file_path,omitempty" json:"task_file_path,omitempty"`
	CreatedAt       time.Time      `yaml:"created_at" json:"created_at"`
	StartedAt       *time.Time     `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt     *time.Time     `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	ErrorMessage    string         `yaml:"error_message,omitempty" json:"error_message,omitempty"`
	Metadata        map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// AgentSummary is the dashboard's view of one agent.
type AgentSummary struct {
	AgentID       string     `yaml:"agent_id" json:"agent_id"`
	Role          string     `yaml:"role" json:"role"`
	Status        string     `yaml:"status" json:"status"`
	CurrentTaskID string     `yaml:"current_task_id,omitempty" json:"current_task_id,omitempty"`
	WorktreePath  string     `yaml:"worktree_path,omitempty" json:"worktree_path,omitempty"`
	Branch        string     `yaml:"branch,omitempty" json:"branch,omitempty"`
	RecoveryCount int        `yaml:"recovery_count,omitempty" json:"recovery_count,omitempty"`
	LastActivity  *time.Time `yaml:"last_activity,omitempty" json:"last_activity,omitempty"`
}

// LogEntry is one append-only message-log record.
type LogEntry struct {
	SenderID   string    `yaml:"sender_id" json:"sender_id"`
	ReceiverID string    `yaml:"receiver_id,omitempty" json:"receiver_id,omitempty"`
	Type       string    `yaml:"type" json:"type"`
	Content    string    `yaml:"content" json:"content"`
	Timestamp  time.Time `yaml:"timestamp" json:"timestamp"`
}

// APICallRecord is one recorded AI CLI invocation.
type APICallRecord struct {
	AICli            string    `yaml:"ai_cli" json:"ai_cli"`
	Model            string    `yaml:"model,omitempty" json:"model,omitempty"`
	Tokens           int       `yaml:"tokens" json:"tokens"`
	EstimatedCostUSD float64   `yaml:"estimated_cost_usd" json:"estimated_cost_usd"`
	ActualCostUSD    *float64  `yaml:"actual_cost_usd,omitempty" json:"actual_cost_usd,omitempty"`
	AgentID          string    `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	TaskID           string    `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	Timestamp        time.Time `yaml:"timestamp" json:"timestamp"`
}

// CostInfo aggregates recorded API calls. The numbers are computed by
// an external estimator; the dashboard only carries them.
type CostInfo struct {
	TotalAPICalls       int                `yaml:"total_api_calls" json:"total_api_calls"`
	EstimatedTokens     int                `yaml:"estimated_tokens" json:"estimated_tokens"`
	EstimatedCostUSD    float64            `yaml:"estimated_cost_usd" json:"estimated_cost_usd"`
	ActualCostUSD       float64            `yaml:"actual_cost_usd" json:"actual_cost_usd"`
	TotalCostUSD        float64            `yaml:"total_cost_usd" json:"total_cost_usd"`
	WarningThresholdUSD float64            `yaml:"warning_threshold_usd" json:"warning_threshold_usd"`
	WarningIssued       bool               `yaml:"warning_issued,omitempty" json:"warning_issued,omitempty"`
	ActualCostByAgent   map[string]float64 `yaml:"actual_cost_by_agent,omitempty" json:"actual_cost_by_agent,omitempty"`
	Calls               []APICallRecord    `yaml:"calls,omitempty" json:"calls,omitempty"`
}

// Dashboard is the root front-matter record.
type Dashboard struct {
	WorkspaceID          string         `yaml:"workspace_id" json:"workspace_id"`
	WorkspacePath        string         `yaml:"workspace_path" json:"workspace_path"`
	UpdatedAt            time.Time      `yaml:"updated_at" json:"updated_at"`
	SessionStartedAt     *time.Time     `yaml:"session_started_at,omitempty" json:"session_started_at,omitempty"`
	SessionFinishedAt    *time.Time     `yaml:"session_finished_at,omitempty" json:"session_finished_at,omitempty"`
	ProcessCrashCount    int            `yaml:"process_crash_count" json:"process_crash_count"`
	ProcessRecoveryCount int            `yaml:"process_recovery_count" json:"process_recovery_count"`
	Agents               []AgentSummary `yaml:"agents,omitempty" json:"agents,omitempty"`
	Tasks                []*Task        `yaml:"tasks,omitempty" json:"tasks,omitempty"`
	Messages             []LogEntry     `yaml:"messages,omitempty" json:"messages,omitempty"`
	Cost                 CostInfo       `yaml:"cost" json:"cost"`
}

// GetTask returns the task with the given id, or nil.
func (d *Dashboard) GetTask(taskID string) *Task {
	for _, t := range d.Tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

// GetAgent returns the agent summary with the given id, or nil.
func (d *Dashboard) GetAgent(agentID string) *AgentSummary {
	for i := range d.Agents {
		if d.Agents[i].AgentID == agentID {
			return &d.Agents[i]
		}
	}
	return nil
}

// AllTasksTerminal reports whether every task reached a terminal state.
// An empty task list is not considered finished.
func (d *Dashboard) AllTasksTerminal() bool {
	if len(d.Tasks) == 0 {
		return false
	}
	for _, t := range d.Tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Stats are the aggregate counters shown in summaries.
type Stats struct {
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	InProgress     int `json:"in_progress_tasks"`
	TotalAgents    int `json:"total_agents"`
	ActiveAgents   int `json:"active_agents"`
}

// ComputeStats derives the aggregate counters.
func (d *Dashboard) ComputeStats() Stats {
	var s Stats
	s.TotalTasks = len(d.Tasks)
	for _, t := range d.Tasks {
		switch t.Status {
		case StatusCompleted:
			s.CompletedTasks++
		case StatusFailed:
			s.FailedTasks++
		case StatusInProgress:
			s.InProgress++
		}
	}
	s.TotalAgents = len(d.Agents)
	for _, a := range d.Agents {
		if a.Status == "idle" || a.Status == "busy" {
			s.ActiveAgents++
		}
	}
	return s
}
