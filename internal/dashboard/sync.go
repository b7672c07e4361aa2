package dashboard

import (
	"errors"
	"fmt"
)

// SyncMessage is the projection of an IPC message the auto-sync cares
// about. Progress is -1 when the message carried none.
type SyncMessage struct {
	SenderID string
	Type     string
	TaskID   string
	Content  string
	Progress int
}

// SkippedUpdate records one message whose dashboard update was
// rejected, typically by the transition graph.
type SkippedUpdate struct {
	SenderID string `json:"sender_id"`
	TaskID   string `json:"task_id"`
	Reason   string `json:"reason"`
}

// SyncResult summarizes one auto-sync pass.
type SyncResult struct {
	Applied int             `json:"dashboard_updates_applied"`
	Skipped []SkippedUpdate `json:"dashboard_updates_skipped,omitempty"`
}

// SyncFromMessages projects progress/complete/failed messages onto the
// task table. Rejected transitions become skipped entries; they never
// propagate as errors to the caller. Messages without a task id are
// ignored entirely.
func (s *Store) SyncFromMessages(msgs []SyncMessage) (*SyncResult, error) {
	res := &SyncResult{}
	err := s.Mutate(func(d *Dashboard) error {
		for _, m := range msgs {
			if m.TaskID == "" {
				continue
			}
			switch m.Type {
			case "task_progress", "task_complete", "task_failed":
			default:
				continue
			}

			t := d.GetTask(m.TaskID)
			if t == nil {
				res.Skipped = append(res.Skipped, SkippedUpdate{
					SenderID: m.SenderID,
					TaskID:   m.TaskID,
					Reason:   "task not found",
				})
				continue
			}

			// A completion echo for a task already in that state is a
			// no-op: not applied, not skipped.
			if (m.Type == "task_complete" && t.Status == StatusCompleted) ||
				(m.Type == "task_failed" && t.Status == StatusFailed) {
				continue
			}

			if err := applySync(d, t, m); err != nil {
				res.Skipped = append(res.Skipped, SkippedUpdate{
					SenderID: m.SenderID,
					TaskID:   m.TaskID,
					Reason:   err.Error(),
				})
				continue
			}
			res.Applied++
		}
		return nil
	})
	if err != nil {
		// The write itself failed; report the batch as skipped rather
		// than failing the enclosing read.
		for _, m := range msgs {
			if m.TaskID == "" {
				continue
			}
			res.Skipped = append(res.Skipped, SkippedUpdate{
				SenderID: m.SenderID,
				TaskID:   m.TaskID,
				Reason:   fmt.Sprintf("dashboard write failed: %v", err),
			})
		}
		res.Applied = 0
		if errors.Is(err, ErrConcurrencyTimeout) {
			return res, nil
		}
		return res, nil
	}
	return res, nil
}

func applySync(d *Dashboard, t *Task, m SyncMessage) error {
	switch m.Type {
	case "task_progress":
		if t.Status.Terminal() {
			return &TransitionError{TaskID: t.ID, From: t.Status, To: t.Status, Allowed: AllowedTransitions(t.Status)}
		}
		if t.Status == StatusPending {
			if err := applyTransition(d, t, StatusInProgress); err != nil {
				return err
			}
		}
		if m.Progress >= 0 {
			t.Progress = clampProgress(m.Progress)
		}
		appendLog(d, LogEntry{SenderID: m.SenderID, Type: m.Type, Content: m.Content})
		return nil
	case "task_complete":
		if err := applyTransition(d, t, StatusCompleted); err != nil {
			return err
		}
		appendLog(d, LogEntry{SenderID: m.SenderID, Type: m.Type, Content: m.Content})
		return nil
	case "task_failed":
		if err := applyTransition(d, t, StatusFailed); err != nil {
			return err
		}
		if m.Content != "" {
			t.ErrorMessage = m.Content
		}
		appendLog(d, LogEntry{SenderID: m.SenderID, Type: m.Type, Content: m.Content})
		return nil
	}
	return nil
}
