// Package worktree manages the isolated git working copies assigned
// to workers, plus the preview-only merge of completed branches.
package worktree

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/terraphim/agentmux/internal/fsutil"
	"github.com/terraphim/agentmux/internal/gitx"
)

// Sentinel errors surfaced as stable tool error codes.
var (
	ErrGitDisabled    = errors.New("git support is disabled for this session")
	ErrBranchInUse    = errors.New("branch already has a worktree")
	ErrPathInUse      = errors.New("path already has a worktree")
	ErrRecordNotFound = errors.New("worktree record not found")
)

// Record is one tracked worktree.
type Record struct {
	Path            string    `json:"path"`
	Branch          string    `json:"branch"`
	AssignedAgentID string    `json:"assigned_agent_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Manager tracks worktree records in {session_dir}/worktrees.json and
// drives git through a gitx.Client.
type Manager struct {
	git        *gitx.Client
	sessionDir string
	enabled    bool
}

// NewManager creates a worktree manager. enabled=false turns every
// mutating operation into ErrGitDisabled.
func NewManager(git *gitx.Client, sessionDir string, enabled bool) *Manager {
	return &Manager{git: git, sessionDir: sessionDir, enabled: enabled}
}

// Enabled reports whether git features are active.
func (m *Manager) Enabled() bool {
	return m.enabled
}

func (m *Manager) recordsPath() string {
	return filepath.Join(m.sessionDir, "worktrees.json")
}

func (m *Manager) lockPath() string {
	return filepath.Join(m.sessionDir, "worktrees.lock")
}

func (m *Manager) loadRecords() ([]Record, error) {
	data, err := os.ReadFile(m.recordsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worktree records: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse worktree records: %w", err)
	}
	return recs, nil
}

func (m *Manager) saveRecords(recs []Record) error {
	if err := fsutil.EnsureDir(m.sessionDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize worktree records: %w", err)
	}
	data = append(data, '\n')
	return fsutil.AtomicWriteFile(m.recordsPath(), data, 0o644)
}

// mutate serializes record changes across processes.
func (m *Manager) mutate(fn func([]Record) ([]Record, error)) error {
	return fsutil.WithLock(m.lockPath(), fsutil.DefaultLockTimeout, func() error {
		recs, err := m.loadRecords()
		if err != nil {
			return err
		}
		next, err := fn(recs)
		if err != nil {
			return err
		}
		return m.saveRecords(next)
	})
}

// Create adds a worktree at path on branch, branching off base when
// the branch is new. It refuses a branch or path that already has a
// live worktree.
func (m *Manager) Create(path, branch, base string) (*Record, error) {
	if !m.enabled {
		return nil, ErrGitDisabled
	}
	if path == "" || branch == "" {
		return nil, errors.New("worktree path and branch required")
	}

	var created *Record
	err := m.mutate(func(recs []Record) ([]Record, error) {
		for _, r := range recs {
			if r.Branch == branch {
				return nil, fmt.Errorf("%w: %s at %s", ErrBranchInUse, branch, r.Path)
			}
			if r.Path == path {
				return nil, fmt.Errorf("%w: %s on %s", ErrPathInUse, path, r.Branch)
			}
		}
		if err := m.git.AddWorktree(path, branch, base); err != nil {
			return nil, fmt.Errorf("add worktree: %w", err)
		}
		rec := Record{Path: path, Branch: branch, CreatedAt: time.Now()}
		created = &rec
		return append(recs, rec), nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// List returns the tracked records.
func (m *Manager) List() ([]Record, error) {
	return m.loadRecords()
}

// Get returns the record for a path.
func (m *Manager) Get(path string) (*Record, error) {
	recs, err := m.loadRecords()
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.Path == path {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
}

// Remove deletes the worktree from git and drops its record.
func (m *Manager) Remove(path string) error {
	if !m.enabled {
		return ErrGitDisabled
	}
	return m.mutate(func(recs []Record) ([]Record, error) {
		idx := -1
		for i, r := range recs {
			if r.Path == path {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
		}
		if err := m.git.RemoveWorktree(path); err != nil {
			return nil, fmt.Errorf("remove worktree: %w", err)
		}
		return append(recs[:idx], recs[idx+1:]...), nil
	})
}

// Assign binds a worktree to an agent.
func (m *Manager) Assign(path, agentID string) (*Record, error) {
	var out *Record
	err := m.mutate(func(recs []Record) ([]Record, error) {
		for i := range recs {
			if recs[i].Path == path {
				recs[i].AssignedAgentID = agentID
				cp := recs[i]
				out = &cp
				return recs, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, path)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Status reconciles tracked records against `git worktree list`.
type Status struct {
	Record Record `json:"record"`
	Exists bool   `json:"exists"`
	Head   string `json:"head,omitempty"`
}

// StatusAll reports each record's on-disk state.
func (m *Manager) StatusAll() ([]Status, error) {
	recs, err := m.loadRecords()
	if err != nil {
		return nil, err
	}
	infos, err := m.git.ListWorktrees()
	if err != nil {
		return nil, err
	}
	byPath := map[string]gitx.WorktreeInfo{}
	for _, info := range infos {
		byPath[info.Path] = info
	}

	out := make([]Status, 0, len(recs))
	for _, r := range recs {
		st := Status{Record: r}
		if info, ok := byPath[r.Path]; ok {
			st.Exists = true
			st.Head = info.Head
		}
		out = append(out, st)
	}
	return out, nil
}
