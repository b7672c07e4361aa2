package worktree

import (
	"fmt"
)

// MergeStrategy selects how completed branches are applied.
type MergeStrategy string

const (
	StrategyMerge  MergeStrategy = "merge"
	StrategySquash MergeStrategy = "squash"
	StrategyRebase MergeStrategy = "rebase" // falls back to merge with a warning
)

// MergeResult reports every branch outcome of one preview run.
type MergeResult struct {
	Merged             []string `json:"merged"`
	AlreadyMerged      []string `json:"already_merged"`
	Failed             []string `json:"failed"`
	Conflicts          []string `json:"conflicts"`
	Warnings           []string `json:"warnings,omitempty"`
	WorkingTreeUpdated bool     `json:"working_tree_updated"`
	BaseHead           string   `json:"base_head"`
	Success            bool     `json:"success"`
}

// MergePreview applies the given branches onto baseBranch without
// committing, then resets --mixed back to the recorded HEAD so the
// union of changes remains as unstaged working-tree diff. Conflicting
// branches are aborted individually and collected; they do not stop
// the run.
func (m *Manager) MergePreview(baseBranch string, branches []string, strategy MergeStrategy) (*MergeResult, error) {
	if !m.enabled {
		return nil, ErrGitDisabled
	}
	if baseBranch == "" {
		return nil, fmt.Errorf("base branch required")
	}

	res := &MergeResult{}

	if strategy == StrategyRebase {
		res.Warnings = append(res.Warnings, "rebase strategy is not supported for preview; falling back to merge")
		strategy = StrategyMerge
	}

	if err := m.git.Checkout(baseBranch); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", baseBranch, err)
	}
	head, err := m.git.Head()
	if err != nil {
		return nil, fmt.Errorf("read base head: %w", err)
	}
	res.BaseHead = head

	seen := map[string]bool{}
	for _, branch := range branches {
		if branch == "" || seen[branch] {
			continue
		}
		seen[branch] = true

		if !m.git.BranchExists(branch) {
			res.Failed = append(res.Failed, branch)
			continue
		}

		contained, err := m.git.IsAncestor(branch, baseBranch)
		if err != nil {
			res.Failed = append(res.Failed, branch)
			continue
		}
		if contained {
			res.AlreadyMerged = append(res.AlreadyMerged, branch)
			continue
		}

		if err := m.git.MergeNoCommit(branch, strategy == StrategySquash); err != nil {
			// Abort just this application and keep going.
			_ = m.git.AbortMerge()
			res.Conflicts = append(res.Conflicts, branch)
			continue
		}
		res.Merged = append(res.Merged, branch)
	}

	// Move HEAD back; the union of merged changes stays unstaged.
	if err := m.git.ResetMixed(head); err != nil {
		return nil, fmt.Errorf("reset to base head: %w", err)
	}
	res.WorkingTreeUpdated = len(res.Merged) > 0
	res.Success = len(res.Failed) == 0 && len(res.Conflicts) == 0
	return res, nil
}
