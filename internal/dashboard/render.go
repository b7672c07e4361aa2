package dashboard

import (
	"fmt"
	"strings"
	"time"
)

// Render produces the human-readable markdown body from the front
// matter. It is pure: the same dashboard always renders the same
// bytes, so the body can be regenerated from persisted state.
func Render(d *Dashboard) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Dashboard: %s\n\n", d.WorkspaceID)
	fmt.Fprintf(&b, "Workspace: `%s`\n\n", d.WorkspacePath)

	b.WriteString("## Agents\n\n")
	if len(d.Agents) == 0 {
		b.WriteString("_No agents._\n\n")
	} else {
		b.WriteString("| ID | Role | Status | Current Task | Worktree | Recoveries |\n")
		b.WriteString("|----|------|--------|--------------|----------|------------|\n")
		for _, a := range d.Agents {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %d |\n",
				a.AgentID, a.Role, a.Status,
				orDash(a.CurrentTaskID), orDash(a.WorktreePath), a.RecoveryCount)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Tasks\n\n")
	if len(d.Tasks) == 0 {
		b.WriteString("_No tasks._\n\n")
	} else {
		b.WriteString("| ID | Title | Status | Progress | Assignee | Branch |\n")
		b.WriteString("|----|-------|--------|----------|----------|--------|\n")
		for _, t := range d.Tasks {
			fmt.Fprintf(&b, "| %s | %s | %s | %d%% | %s | %s |\n",
				t.ID, escapeCell(t.Title), t.Status, t.Progress,
				orDash(t.AssignedAgentID), orDash(t.Branch))
		}
		b.WriteString("\n")
	}

	stats := d.ComputeStats()
	b.WriteString("## Session\n\n")
	fmt.Fprintf(&b, "- Started: %s\n", timeOrDash(d.SessionStartedAt))
	fmt.Fprintf(&b, "- Finished: %s\n", timeOrDash(d.SessionFinishedAt))
	fmt.Fprintf(&b, "- Tasks: %d total, %d completed, %d failed, %d in progress\n",
		stats.TotalTasks, stats.CompletedTasks, stats.FailedTasks, stats.InProgress)
	fmt.Fprintf(&b, "- Crashes: %d, Recoveries: %d\n", d.ProcessCrashCount, d.ProcessRecoveryCount)
	b.WriteString("\n")

	if d.Cost.TotalAPICalls > 0 {
		b.WriteString("## Cost\n\n")
		fmt.Fprintf(&b, "- API calls: %d\n", d.Cost.TotalAPICalls)
		fmt.Fprintf(&b, "- Estimated tokens: %d\n", d.Cost.EstimatedTokens)
		fmt.Fprintf(&b, "- Total cost: $%.2f (threshold $%.2f)\n", d.Cost.TotalCostUSD, d.Cost.WarningThresholdUSD)
		b.WriteString("\n")
	}

	b.WriteString("## Recent Messages\n\n")
	if len(d.Messages) == 0 {
		b.WriteString("_No messages._\n")
	} else {
		start := 0
		if len(d.Messages) > maxLogEntries {
			start = len(d.Messages) - maxLogEntries
		}
		for _, m := range d.Messages[start:] {
			receiver := m.ReceiverID
			if receiver == "" {
				receiver = "all"
			}
			fmt.Fprintf(&b, "- `%s` %s → %s [%s] %s\n",
				m.Timestamp.Format(time.RFC3339), m.SenderID, receiver, m.Type, escapeCell(m.Content))
		}
	}

	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

// escapeCell keeps user text from breaking table rows.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
