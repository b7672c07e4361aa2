package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/output"
)

func newStatusCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectRoot, err := os.Getwd()
			if err != nil {
				return err
			}
			paths, resolved, err := sessionPathsForStatus(projectRoot, sessionID)
			if err != nil {
				return err
			}

			store := dashboard.NewStore(paths.SessionDir, resolved, projectRoot)
			d, err := store.Load()
			if err != nil {
				return err
			}

			f := formatter()
			if f.JSONMode() {
				f.JSON(d)
				return nil
			}

			f.Header(fmt.Sprintf("Session %s", resolved))
			stats := d.ComputeStats()
			f.Textln("Tasks: %d total, %d completed, %d failed, %d in progress",
				stats.TotalTasks, stats.CompletedTasks, stats.FailedTasks, stats.InProgress)
			f.Dim("Crashes: %d  Recoveries: %d", d.ProcessCrashCount, d.ProcessRecoveryCount)

			if len(d.Agents) > 0 {
				f.Header("Agents")
				table := output.NewTable(os.Stdout, "ID", "ROLE", "STATUS", "TASK", "WORKTREE")
				for _, a := range d.Agents {
					table.AddRow(a.AgentID, a.Role, a.Status, a.CurrentTaskID, a.WorktreePath)
				}
				table.Render()
			}

			if len(d.Tasks) > 0 {
				f.Header("Tasks")
				table := output.NewTable(os.Stdout, "ID", "TITLE", "STATUS", "PROGRESS", "ASSIGNEE")
				for _, t := range d.Tasks {
					table.AddRow(t.ID, t.Title, string(t.Status), fmt.Sprintf("%d%%", t.Progress), t.AssignedAgentID)
				}
				table.Render()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (defaults to config.json)")
	return cmd
}
