// Package agent defines the agent model shared by the registry,
// dispatcher, and healthcheck engine.
package agent

import (
	"fmt"
	"time"
)

// Role is the position of an agent in the Owner → Admin → Workers hierarchy.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleWorker Role = "worker"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleOwner, RoleAdmin, RoleWorker:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusBlocked    Status = "blocked"
	StatusTerminated Status = "terminated"
)

// ParseStatus validates an agent status name.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusIdle, StatusBusy, StatusBlocked, StatusTerminated:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// PaneRef addresses one multiplexer pane.
type PaneRef struct {
	SessionName string `json:"session_name"`
	WindowIndex int    `json:"window_index"`
	PaneIndex   int    `json:"pane_index"`
}

// Target returns the tmux target string for the pane.
func (p PaneRef) Target() string {
	return fmt.Sprintf("%s:%d.%d", p.SessionName, p.WindowIndex, p.PaneIndex)
}

// Agent is a long-running AI CLI subprocess bound to a pane.
type Agent struct {
	ID            string    `json:"id"`
	Role          Role      `json:"role"`
	Status        Status    `json:"status"`
	SessionName   string    `json:"session_name"`
	WindowIndex   int       `json:"window_index"`
	PaneIndex     int       `json:"pane_index"`
	WorkingDir    string    `json:"working_dir"`
	WorktreePath  string    `json:"worktree_path,omitempty"`
	Branch        string    `json:"branch,omitempty"`
	AICli         string    `json:"ai_cli,omitempty"`
	WorkerSlot    int       `json:"worker_slot,omitempty"` // 1-based, workers only
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// Pane returns the agent's pane address.
func (a *Agent) Pane() PaneRef {
	return PaneRef{
		SessionName: a.SessionName,
		WindowIndex: a.WindowIndex,
		PaneIndex:   a.PaneIndex,
	}
}

// Live reports whether the agent has not been terminated.
func (a *Agent) Live() bool {
	return a.Status != StatusTerminated
}
