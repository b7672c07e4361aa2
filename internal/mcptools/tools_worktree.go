package mcptools

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/worktree"
)

func worktreeTools() []toolDef {
	return []toolDef{
		{
			name: "create_worktree",
			desc: "Create an isolated working copy on a branch (git mode only).",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("worktree_path", mcp.Required(), mcp.Description("Where to create the working copy")),
				mcp.WithString("branch", mcp.Required(), mcp.Description("Branch for the worktree")),
				mcp.WithString("base_branch", mcp.Description("Branch to fork a new branch from")),
			},
			handle: handleCreateWorktree,
		},
		{
			name:   "list_worktrees",
			desc:   "List tracked worktree records.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleListWorktrees,
		},
		{
			name: "remove_worktree",
			desc: "Remove a worktree and its record.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("worktree_path", mcp.Required(), mcp.Description("Worktree to remove")),
			},
			handle: handleRemoveWorktree,
		},
		{
			name: "assign_worktree",
			desc: "Bind a worktree to an agent.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("worktree_path", mcp.Required(), mcp.Description("Worktree to assign")),
				mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent taking the worktree")),
			},
			handle: handleAssignWorktree,
		},
		{
			name:   "get_worktree_status",
			desc:   "Reconcile tracked worktrees against git.",
			schema: []mcp.ToolOption{callerArg(), sessionArg()},
			handle: handleWorktreeStatus,
		},
		{
			name: "merge_completed_tasks",
			desc: "Preview-merge completed task branches into a base branch, leaving the union unstaged.",
			schema: []mcp.ToolOption{
				callerArg(), sessionArg(),
				mcp.WithString("base_branch", mcp.Required(), mcp.Description("Branch to merge into")),
				mcp.WithString("strategy", mcp.Description("merge, squash, or rebase (rebase falls back to merge)")),
			},
			handle: handleMergeCompletedTasks,
		},
	}
}

func handleCreateWorktree(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	rec, err := sess.Worktrees.Create(args.String("worktree_path"), args.String("branch"), args.String("base_branch"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"worktree": rec}, nil
}

func handleListWorktrees(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	recs, err := sess.Worktrees.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"worktrees": recs, "count": len(recs)}, nil
}

func handleRemoveWorktree(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	path := args.String("worktree_path")
	if err := sess.Worktrees.Remove(path); err != nil {
		return nil, err
	}
	return map[string]any{"worktree_path": path, "removed": true}, nil
}

func handleAssignWorktree(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	path := args.String("worktree_path")
	agentID := args.String("agent_id")
	if _, err := sess.Registry.Lookup(agentID); err != nil {
		return nil, err
	}
	rec, err := sess.Worktrees.Assign(path, agentID)
	if err != nil {
		return nil, err
	}
	_ = sess.Registry.Update(agentID, func(a *agent.Agent) error {
		a.WorktreePath = rec.Path
		a.Branch = rec.Branch
		return nil
	})
	return map[string]any{"worktree": rec}, nil
}

func handleWorktreeStatus(_ *Service, sess *Session, _ *agent.Agent, _ Args) (any, error) {
	statuses, err := sess.Worktrees.StatusAll()
	if err != nil {
		return nil, err
	}
	return map[string]any{"worktrees": statuses, "count": len(statuses)}, nil
}

func handleMergeCompletedTasks(_ *Service, sess *Session, _ *agent.Agent, args Args) (any, error) {
	strategy := worktree.MergeStrategy(args.String("strategy"))
	if strategy == "" {
		strategy = worktree.StrategyMerge
	}
	switch strategy {
	case worktree.StrategyMerge, worktree.StrategySquash, worktree.StrategyRebase:
	default:
		return nil, fail(CodeValidationError, "unknown merge strategy %q", strategy)
	}

	tasks, err := sess.Dashboard.ListTasks()
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, t := range tasks {
		if t.Status == dashboard.StatusCompleted && t.Branch != "" {
			branches = append(branches, t.Branch)
		}
	}

	res, err := sess.Worktrees.MergePreview(args.String("base_branch"), branches, strategy)
	if err != nil {
		return nil, err
	}
	if len(res.Conflicts) > 0 {
		return nil, failWith(CodeMergeConflict, "one or more branches conflicted", map[string]any{
			"merged":               res.Merged,
			"already_merged":       res.AlreadyMerged,
			"failed":               res.Failed,
			"conflicts":            res.Conflicts,
			"warnings":             res.Warnings,
			"working_tree_updated": res.WorkingTreeUpdated,
			"base_head":            res.BaseHead,
		})
	}
	return res, nil
}
