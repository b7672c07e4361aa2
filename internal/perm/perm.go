// Package perm is the single chokepoint between the tool façade and
// stateful operations. A static capability table maps (role, tool) to
// a decision; self_only additionally requires the operation's target
// agent to be the caller itself.
package perm

import (
	"fmt"

	"github.com/terraphim/agentmux/internal/agent"
)

// Decision is the outcome class stored in the capability table.
type Decision int

const (
	Denied Decision = iota
	Allowed
	SelfOnly
)

// rule is one row of the capability table.
type rule map[agent.Role]Decision

func all(d Decision) rule {
	return rule{agent.RoleOwner: d, agent.RoleAdmin: d, agent.RoleWorker: d}
}

func roles(rs ...agent.Role) rule {
	r := rule{}
	for _, role := range rs {
		r[role] = Allowed
	}
	return r
}

// table is the static capability table consumed by Check. Tools not
// listed here are denied for every role.
var table = map[string]rule{
	// Workspace
	"init_tmux_workspace":       roles(agent.RoleOwner),
	"cleanup_workspace":         roles(agent.RoleOwner),
	"cleanup_on_completion":     roles(agent.RoleOwner),
	"check_all_tasks_completed": roles(agent.RoleOwner, agent.RoleAdmin),

	// Agents
	"create_agent":          roles(agent.RoleOwner, agent.RoleAdmin),
	"create_workers_batch":  roles(agent.RoleOwner, agent.RoleAdmin),
	"list_agents":           all(Allowed),
	"get_agent_status":      all(Allowed),
	"terminate_agent":       roles(agent.RoleOwner, agent.RoleAdmin),
	"initialize_agent":      roles(agent.RoleOwner, agent.RoleAdmin),
	"register_agent_to_ipc": roles(agent.RoleOwner, agent.RoleAdmin),

	// Healthcheck
	"healthcheck_agent":           roles(agent.RoleOwner, agent.RoleAdmin),
	"healthcheck_all":             roles(agent.RoleOwner, agent.RoleAdmin),
	"get_unhealthy_agents":        roles(agent.RoleOwner, agent.RoleAdmin),
	"monitor_and_recover_workers": roles(agent.RoleOwner, agent.RoleAdmin),
	"attempt_recovery":            roles(agent.RoleOwner, agent.RoleAdmin),
	"full_recovery":               roles(agent.RoleAdmin),

	// Worktrees
	"create_worktree":       roles(agent.RoleOwner, agent.RoleAdmin),
	"list_worktrees":        all(Allowed),
	"remove_worktree":       roles(agent.RoleOwner, agent.RoleAdmin),
	"assign_worktree":       roles(agent.RoleOwner, agent.RoleAdmin),
	"get_worktree_status":   all(Allowed),
	"merge_completed_tasks": roles(agent.RoleOwner, agent.RoleAdmin),
	"open_session":          roles(agent.RoleOwner, agent.RoleAdmin),

	// Tasks
	"create_task":            roles(agent.RoleOwner, agent.RoleAdmin),
	"get_task":               all(Allowed),
	"list_tasks":             all(Allowed),
	"assign_task_to_agent":   roles(agent.RoleAdmin),
	"update_task_status":     roles(agent.RoleAdmin),
	"reopen_task":            roles(agent.RoleOwner, agent.RoleAdmin),
	"remove_task":            roles(agent.RoleOwner, agent.RoleAdmin),
	"report_task_progress":   roles(agent.RoleWorker),
	"report_task_completion": roles(agent.RoleWorker),

	// Command
	"send_task":         roles(agent.RoleOwner, agent.RoleAdmin),
	"send_command":      roles(agent.RoleOwner, agent.RoleAdmin),
	"broadcast_command": roles(agent.RoleAdmin),
	"get_output":        all(Allowed),

	// Messaging: every agent works its own mailbox.
	"send_message":      all(Allowed),
	"read_messages":     all(SelfOnly),
	"get_unread_count":  all(SelfOnly),
	"unlock_owner_wait": roles(agent.RoleOwner),

	// Dashboard
	"get_dashboard":         all(Allowed),
	"get_dashboard_summary": all(Allowed),

	// Memory
	"save_to_memory":       all(Allowed),
	"retrieve_from_memory": all(Allowed),
	"list_memory_entries":  all(Allowed),
	"delete_memory_entry":  roles(agent.RoleOwner, agent.RoleAdmin),

	// Cost
	"get_cost_summary":           all(Allowed),
	"record_api_call":            all(Allowed),
	"reset_cost_counter":         roles(agent.RoleOwner),
	"set_cost_warning_threshold": roles(agent.RoleOwner),
}

// NoCallerTools run before any agent exists and skip the guard.
var NoCallerTools = map[string]bool{
	"init_tmux_workspace": true,
}

// Result is the guard's verdict with the concrete rule that failed.
type Result struct {
	Allow  bool
	Reason string
}

// Check evaluates the capability table for one call. targetAgentID is
// the agent the operation acts on; empty means the operation has no
// per-agent target.
func Check(toolName string, caller *agent.Agent, targetAgentID string) Result {
	if caller == nil {
		return Result{Allow: false, Reason: fmt.Sprintf("%s requires caller_agent_id", toolName)}
	}
	r, ok := table[toolName]
	if !ok {
		return Result{Allow: false, Reason: fmt.Sprintf("unknown tool %s", toolName)}
	}
	switch r[caller.Role] {
	case Allowed:
		return Result{Allow: true}
	case SelfOnly:
		if targetAgentID == "" || targetAgentID == caller.ID {
			return Result{Allow: true}
		}
		return Result{
			Allow:  false,
			Reason: fmt.Sprintf("%s is self-only for role %s: target %s is not caller %s", toolName, caller.Role, targetAgentID, caller.ID),
		}
	default:
		return Result{
			Allow:  false,
			Reason: fmt.Sprintf("role %s may not call %s (allowed roles: %s)", caller.Role, toolName, allowedRoles(r)),
		}
	}
}

// allowedRoles lists roles with a non-denied decision, for error text.
func allowedRoles(r rule) string {
	out := ""
	for _, role := range []agent.Role{agent.RoleOwner, agent.RoleAdmin, agent.RoleWorker} {
		if d, ok := r[role]; ok && d != Denied {
			if out != "" {
				out += ", "
			}
			out += string(role)
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// KnownTool reports whether the table has a row for toolName.
func KnownTool(toolName string) bool {
	_, ok := table[toolName]
	return ok
}

// OwnerWaitAllowed are the only tools an owner may call while the
// wait-lock is active.
var OwnerWaitAllowed = map[string]bool{
	"read_messages":     true,
	"get_unread_count":  true,
	"unlock_owner_wait": true,
}
