package dashboard

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/terraphim/agentmux/internal/fsutil"
)

// Sentinel errors surfaced as stable tool error codes.
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrConcurrencyTimeout = errors.New("dashboard lock contention exceeded timeout")
)

// TransitionError reports a rejected status transition together with
// the transitions allowed from the current state.
type TransitionError struct {
	TaskID  string
	From    TaskStatus
	To      TaskStatus
	Allowed []TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: transition %s -> %s not allowed (allowed: %v)", e.TaskID, e.From, e.To, e.Allowed)
}

// Terminal reports whether the rejection came from a terminal state.
func (e *TransitionError) Terminal() bool {
	return e.From.Terminal()
}

// maxLogEntries bounds the message log shown in the rendered view.
const maxLogEntries = 20

const frontMatterDelim = "---\n"

// Store owns dashboard.md for one session. Every mutation acquires
// the lock file, re-reads, applies the change, re-renders, and writes
// atomically. Read-only operations skip the lock.
type Store struct {
	dir         string // {session_dir}/dashboard
	workspaceID string
	workspace   string // workspace path recorded in the front matter
	lockTimeout time.Duration
}

// NewStore creates a dashboard store under sessionDir.
func NewStore(sessionDir, workspaceID, workspacePath string) *Store {
	return &Store{
		dir:         filepath.Join(sessionDir, "dashboard"),
		workspaceID: workspaceID,
		workspace:   workspacePath,
		lockTimeout: fsutil.DefaultLockTimeout,
	}
}

// Path returns the dashboard.md location.
func (s *Store) Path() string {
	return filepath.Join(s.dir, "dashboard.md")
}

func (s *Store) lockPath() string {
	return filepath.Join(s.dir, "dashboard.lock")
}

// Load reads and parses the current dashboard without locking.
func (s *Store) Load() (*Dashboard, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return s.empty(), nil
		}
		return nil, fmt.Errorf("read dashboard: %w", err)
	}
	return parse(data)
}

func (s *Store) empty() *Dashboard {
	return &Dashboard{
		WorkspaceID:   s.workspaceID,
		WorkspacePath: s.workspace,
	}
}

// parse extracts the YAML front matter; the markdown body is derived
// state and is ignored on read.
func parse(data []byte) (*Dashboard, error) {
	rest, ok := bytes.CutPrefix(data, []byte(frontMatterDelim))
	if !ok {
		return nil, errors.New("dashboard file missing front matter")
	}
	idx := bytes.Index(rest, []byte("\n"+frontMatterDelim))
	if idx < 0 {
		return nil, errors.New("dashboard front matter not terminated")
	}
	var d Dashboard
	if err := yaml.Unmarshal(rest[:idx+1], &d); err != nil {
		return nil, fmt.Errorf("parse dashboard front matter: %w", err)
	}
	return &d, nil
}

// Mutate runs fn against the current dashboard under the exclusive
// lock, then re-renders and writes the file atomically. A lock
// acquisition past the timeout fails with ErrConcurrencyTimeout.
func (s *Store) Mutate(fn func(*Dashboard) error) error {
	if err := fsutil.EnsureDir(s.dir); err != nil {
		return err
	}
	err := fsutil.WithLock(s.lockPath(), s.lockTimeout, func() error {
		d, err := s.Load()
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
		d.UpdatedAt = time.Now()
		return s.write(d)
	})
	if errors.Is(err, fsutil.ErrLockTimeout) {
		return fmt.Errorf("%w: %v", ErrConcurrencyTimeout, err)
	}
	return err
}

// write serializes front matter + rendered markdown.
func (s *Store) write(d *Dashboard) error {
	front, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("serialize dashboard: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim)
	buf.Write(front)
	buf.WriteString(frontMatterDelim)
	buf.WriteString("\n")
	buf.WriteString(Render(d))
	return fsutil.AtomicWriteFile(s.Path(), buf.Bytes(), 0o644)
}

// CreateTask appends a new pending task. When id is empty a new one is
// generated; supplying an id makes the call idempotent (an existing
// task with the same id is returned unchanged).
func (s *Store) CreateTask(id, title, description string, metadata map[string]any) (*Task, error) {
	if title == "" {
		return nil, errors.New("task title required")
	}
	if id == "" {
		id = uuid.NewString()[:8]
	}
	var created *Task
	err := s.Mutate(func(d *Dashboard) error {
		if existing := d.GetTask(id); existing != nil {
			created = existing
			return nil
		}
		meta := map[string]any{}
		for k, v := range metadata {
			meta[k] = v
		}
		t := &Task{
			ID:          id,
			Title:       title,
			Description: description,
			Status:      StatusPending,
			CreatedAt:   time.Now(),
			Metadata:    meta,
		}
		d.Tasks = append(d.Tasks, t)
		created = t
		return nil
	})
	return created, err
}

// UpdateTaskStatus validates the transition graph and applies the
// change. progress < 0 leaves progress untouched.
func (s *Store) UpdateTaskStatus(taskID string, newStatus TaskStatus, progress int, errorMessage string) (*Task, error) {
	var out *Task
	err := s.Mutate(func(d *Dashboard) error {
		t := d.GetTask(taskID)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if err := applyTransition(d, t, newStatus); err != nil {
			return err
		}
		if progress >= 0 {
			t.Progress = clampProgress(progress)
		}
		if errorMessage != "" {
			t.ErrorMessage = errorMessage
		}
		cp := *t
		out = &cp
		return nil
	})
	return out, err
}

// applyTransition mutates t's status, stamping started_at/completed_at
// and the session counters.
func applyTransition(d *Dashboard, t *Task, newStatus TaskStatus) error {
	if !CanTransition(t.Status, newStatus) {
		return &TransitionError{
			TaskID:  t.ID,
			From:    t.Status,
			To:      newStatus,
			Allowed: AllowedTransitions(t.Status),
		}
	}
	now := time.Now()
	if newStatus == StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
		if d.SessionStartedAt == nil {
			d.SessionStartedAt = &now
		}
	}
	if newStatus.Terminal() {
		t.CompletedAt = &now
		if newStatus == StatusCompleted {
			t.Progress = 100
		}
	}
	t.Status = newStatus
	if d.AllTasksTerminal() && d.SessionFinishedAt == nil {
		d.SessionFinishedAt = &now
	}
	return nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ReopenTask resets a terminal task to pending. completed_at and
// error_message are cleared; metadata and history pointers survive.
func (s *Store) ReopenTask(taskID string) (*Task, error) {
	var out *Task
	err := s.Mutate(func(d *Dashboard) error {
		t := d.GetTask(taskID)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if !t.Status.Terminal() {
			return &TransitionError{
				TaskID:  t.ID,
				From:    t.Status,
				To:      StatusPending,
				Allowed: AllowedTransitions(t.Status),
			}
		}
		if t.AssignedAgentID != "" {
			t.PreviousAgentID = t.AssignedAgentID
		}
		t.Status = StatusPending
		t.Progress = 0
		t.AssignedAgentID = ""
		t.CompletedAt = nil
		t.ErrorMessage = ""
		// Reopening makes the session unfinished again.
		d.SessionFinishedAt = nil
		cp := *t
		out = &cp
		return nil
	})
	return out, err
}

// AssignTask sets the task's assignee and records the prior agent.
func (s *Store) AssignTask(taskID, agentID string) (*Task, error) {
	var out *Task
	err := s.Mutate(func(d *Dashboard) error {
		t := d.GetTask(taskID)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if t.AssignedAgentID != "" && t.AssignedAgentID != agentID {
			t.PreviousAgentID = t.AssignedAgentID
		}
		t.AssignedAgentID = agentID
		if a := d.GetAgent(agentID); a != nil {
			a.CurrentTaskID = t.ID
		}
		// Clear the task off any other agent summary still holding it.
		for i := range d.Agents {
			if d.Agents[i].AgentID != agentID && d.Agents[i].CurrentTaskID == t.ID {
				d.Agents[i].CurrentTaskID = ""
			}
		}
		cp := *t
		out = &cp
		return nil
	})
	return out, err
}

// ReportProgress updates progress and appends a task_progress log
// entry. The transition rules still apply: terminal tasks reject.
func (s *Store) ReportProgress(taskID string, progress int, message, senderID string) (*Task, error) {
	var out *Task
	err := s.Mutate(func(d *Dashboard) error {
		t := d.GetTask(taskID)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		if t.Status.Terminal() {
			return &TransitionError{
				TaskID:  t.ID,
				From:    t.Status,
				To:      t.Status,
				Allowed: AllowedTransitions(t.Status),
			}
		}
		if t.Status == StatusPending {
			if err := applyTransition(d, t, StatusInProgress); err != nil {
				return err
			}
		}
		t.Progress = clampProgress(progress)
		appendLog(d, LogEntry{
			SenderID: senderID,
			Type:     "task_progress",
			Content:  fmt.Sprintf("[%s] %d%%: %s", t.ID, t.Progress, message),
		})
		cp := *t
		out = &cp
		return nil
	})
	return out, err
}

// ListTasks returns copies of all tasks in creation order.
func (s *Store) ListTasks() ([]*Task, error) {
	d, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(d.Tasks))
	for _, t := range d.Tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// GetTask returns a copy of one task.
func (s *Store) GetTask(taskID string) (*Task, error) {
	d, err := s.Load()
	if err != nil {
		return nil, err
	}
	t := d.GetTask(taskID)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	cp := *t
	return &cp, nil
}

// RemoveTask deletes a task record entirely.
func (s *Store) RemoveTask(taskID string) error {
	return s.Mutate(func(d *Dashboard) error {
		for i, t := range d.Tasks {
			if t.ID == taskID {
				d.Tasks = append(d.Tasks[:i], d.Tasks[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	})
}

// UpsertAgent inserts or replaces an agent summary row.
func (s *Store) UpsertAgent(sum AgentSummary) error {
	return s.Mutate(func(d *Dashboard) error {
		for i := range d.Agents {
			if d.Agents[i].AgentID == sum.AgentID {
				// Preserve the recovery counter across upserts.
				if sum.RecoveryCount == 0 {
					sum.RecoveryCount = d.Agents[i].RecoveryCount
				}
				d.Agents[i] = sum
				return nil
			}
		}
		d.Agents = append(d.Agents, sum)
		return nil
	})
}

// AppendLog appends an entry to the message log.
func (s *Store) AppendLog(entry LogEntry) error {
	return s.Mutate(func(d *Dashboard) error {
		appendLog(d, entry)
		return nil
	})
}

func appendLog(d *Dashboard, entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	d.Messages = append(d.Messages, entry)
}

// IncrementCrashCount bumps the session crash counter.
func (s *Store) IncrementCrashCount() error {
	return s.Mutate(func(d *Dashboard) error {
		d.ProcessCrashCount++
		return nil
	})
}

// IncrementRecoveryCount bumps the session recovery counter and the
// per-agent row when agentID is known.
func (s *Store) IncrementRecoveryCount(agentID string) error {
	return s.Mutate(func(d *Dashboard) error {
		d.ProcessRecoveryCount++
		if a := d.GetAgent(agentID); a != nil {
			a.RecoveryCount++
		}
		return nil
	})
}
