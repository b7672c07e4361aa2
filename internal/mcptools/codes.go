package mcptools

import (
	"errors"

	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/dispatch"
	"github.com/terraphim/agentmux/internal/fsutil"
	"github.com/terraphim/agentmux/internal/memory"
	"github.com/terraphim/agentmux/internal/registry"
	"github.com/terraphim/agentmux/internal/worktree"
)

// Stable error codes returned across the tool boundary.
const (
	CodePermissionDenied       = "PermissionDenied"
	CodeNotFound               = "NotFound"
	CodeInvalidTransition      = "InvalidTransition"
	CodeTerminalStateImmutable = "TerminalStateImmutable"
	CodeOwnerWaitActive        = "OwnerWaitActive"
	CodePollingBlocked         = "PollingBlocked"
	CodeConcurrencyTimeout     = "ConcurrencyTimeout"
	CodeWorkerLimitReached     = "WorkerLimitReached"
	CodeGitDisabled            = "GitDisabled"
	CodeMergeConflict          = "MergeConflict"
	CodeBranchNotFound         = "BranchNotFound"
	CodeRecoveryExhausted      = "RecoveryExhausted"
	CodeValidationError        = "ValidationError"
	CodeInternalError          = "InternalError"
)

// codeFor maps internal errors onto the stable code set.
func codeFor(err error) string {
	var te *dashboard.TransitionError
	switch {
	case errors.As(err, &te):
		if te.Terminal() && te.From == te.To {
			return CodeTerminalStateImmutable
		}
		return CodeInvalidTransition
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, dashboard.ErrTaskNotFound),
		errors.Is(err, worktree.ErrRecordNotFound),
		errors.Is(err, memory.ErrEntryNotFound):
		return CodeNotFound
	case errors.Is(err, registry.ErrWorkerLimit):
		return CodeWorkerLimitReached
	case errors.Is(err, registry.ErrAgentExists),
		errors.Is(err, registry.ErrPaneOccupied),
		errors.Is(err, registry.ErrOwnerExists),
		errors.Is(err, registry.ErrAdminExists),
		errors.Is(err, dispatch.ErrSessionMismatch):
		return CodeValidationError
	case errors.Is(err, dashboard.ErrConcurrencyTimeout),
		errors.Is(err, fsutil.ErrLockTimeout):
		return CodeConcurrencyTimeout
	case errors.Is(err, worktree.ErrGitDisabled):
		return CodeGitDisabled
	case errors.Is(err, worktree.ErrBranchInUse),
		errors.Is(err, worktree.ErrPathInUse):
		return CodeValidationError
	}
	return CodeInternalError
}
