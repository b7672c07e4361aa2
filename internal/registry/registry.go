// Package registry is the persistent source of truth for agents. The
// session snapshot lives in {session_dir}/agents.json and a per-user
// global index maps agent ids to their project and session so any
// server process can locate an agent. The file is authoritative: every
// read checks its mtime and discards the in-memory cache when stale.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/fsutil"
)

// Sentinel errors mapped to stable tool error codes by the façade.
var (
	ErrAgentExists  = errors.New("agent id already registered")
	ErrPaneOccupied = errors.New("pane is occupied by a live agent")
	ErrNotFound     = errors.New("agent not found")
	ErrWorkerLimit  = errors.New("worker limit reached")
	ErrOwnerExists  = errors.New("session already has an owner")
	ErrAdminExists  = errors.New("session already has an admin")
)

// OwnerWaitState is the owner's back-pressure lock, set when a plan is
// dispatched to the admin and cleared when an admin message is read.
type OwnerWaitState struct {
	Active     bool      `json:"active"`
	Since      time.Time `json:"since"`
	EmptyPolls int       `json:"empty_polls"`
}

// snapshot is the on-disk shape of agents.json.
type snapshot struct {
	SessionID string         `json:"session_id"`
	UpdatedAt time.Time      `json:"updated_at"`
	Agents    []*agent.Agent `json:"agents"`
	OwnerWait OwnerWaitState `json:"owner_wait"`
}

// GlobalRecord maps an agent id to its home in the per-user registry.
type GlobalRecord struct {
	AgentID     string    `json:"agent_id"`
	ProjectRoot string    `json:"project_root"`
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Registry manages agents.json for one session directory.
type Registry struct {
	sessionDir  string
	sessionID   string
	projectRoot string
	globalDir   string // {user_home}/.<mcp_dir>/agents
	maxWorkers  int

	mu        sync.Mutex
	cache     *snapshot
	cacheTime time.Time
}

// Options configures a Registry.
type Options struct {
	SessionDir  string
	SessionID   string
	ProjectRoot string
	GlobalDir   string // empty disables the per-user global index
	MaxWorkers  int
}

// New creates a registry for a session directory.
func New(opts Options) *Registry {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 5
	}
	return &Registry{
		sessionDir:  opts.SessionDir,
		sessionID:   opts.SessionID,
		projectRoot: opts.ProjectRoot,
		globalDir:   opts.GlobalDir,
		maxWorkers:  opts.MaxWorkers,
	}
}

// DefaultGlobalDir returns {user_home}/<mcpDir>/agents.
func DefaultGlobalDir(mcpDir string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, mcpDir, "agents")
}

func (r *Registry) path() string {
	return filepath.Join(r.sessionDir, "agents.json")
}

func (r *Registry) lockPath() string {
	return filepath.Join(r.sessionDir, "agents.lock")
}

// load reads agents.json, honoring the mtime cache. Caller holds r.mu.
func (r *Registry) load() (*snapshot, error) {
	info, err := os.Stat(r.path())
	if err != nil {
		if os.IsNotExist(err) {
			return &snapshot{SessionID: r.sessionID}, nil
		}
		return nil, fmt.Errorf("stat agents.json: %w", err)
	}
	if r.cache != nil && info.ModTime().Equal(r.cacheTime) {
		return r.cache, nil
	}

	data, err := os.ReadFile(r.path())
	if err != nil {
		return nil, fmt.Errorf("read agents.json: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse agents.json: %w", err)
	}
	r.cache = &snap
	r.cacheTime = info.ModTime()
	return &snap, nil
}

// save writes agents.json atomically and refreshes the cache.
// Caller holds r.mu.
func (r *Registry) save(snap *snapshot) error {
	snap.UpdatedAt = time.Now()
	if err := fsutil.EnsureDir(r.sessionDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize agents.json: %w", err)
	}
	data = append(data, '\n')
	if err := fsutil.AtomicWriteFile(r.path(), data, 0o644); err != nil {
		return err
	}
	r.cache = snap
	if info, err := os.Stat(r.path()); err == nil {
		r.cacheTime = info.ModTime()
	}
	return nil
}

// withLock serializes a read-modify-write cycle across processes.
func (r *Registry) withLock(fn func(*snapshot) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fsutil.WithLock(r.lockPath(), fsutil.DefaultLockTimeout, func() error {
		snap, err := r.load()
		if err != nil {
			return err
		}
		if err := fn(snap); err != nil {
			return err
		}
		return r.save(snap)
	})
}

// Register adds a new agent. It fails when the id exists, the pane
// triple is occupied by a live agent, the role invariants are broken,
// or no worker slot is free.
func (r *Registry) Register(a *agent.Agent) error {
	if a.ID == "" {
		return errors.New("agent id required")
	}
	return r.withLock(func(snap *snapshot) error {
		for _, existing := range snap.Agents {
			if existing.ID == a.ID {
				return fmt.Errorf("%w: %s", ErrAgentExists, a.ID)
			}
			if !existing.Live() {
				continue
			}
			if existing.Pane() == a.Pane() && a.SessionName != "" {
				return fmt.Errorf("%w: %s", ErrPaneOccupied, a.Pane().Target())
			}
			switch {
			case a.Role == agent.RoleOwner && existing.Role == agent.RoleOwner:
				return ErrOwnerExists
			case a.Role == agent.RoleAdmin && existing.Role == agent.RoleAdmin:
				return ErrAdminExists
			}
		}
		if a.Role == agent.RoleWorker {
			if r.liveWorkers(snap) >= r.maxWorkers {
				return fmt.Errorf("%w: max %d", ErrWorkerLimit, r.maxWorkers)
			}
			if a.WorkerSlot == 0 {
				slot, err := r.freeSlot(snap)
				if err != nil {
					return err
				}
				a.WorkerSlot = slot
			} else if r.slotTaken(snap, a.WorkerSlot) {
				return fmt.Errorf("worker slot %d already taken", a.WorkerSlot)
			}
		}
		snap.Agents = append(snap.Agents, a)
		if err := r.writeGlobalRecord(a); err != nil {
			// Roll back the in-memory append; save never runs.
			snap.Agents = snap.Agents[:len(snap.Agents)-1]
			return err
		}
		return nil
	})
}

func (r *Registry) liveWorkers(snap *snapshot) int {
	n := 0
	for _, a := range snap.Agents {
		if a.Role == agent.RoleWorker && a.Live() {
			n++
		}
	}
	return n
}

func (r *Registry) slotTaken(snap *snapshot, slot int) bool {
	for _, a := range snap.Agents {
		if a.Role == agent.RoleWorker && a.Live() && a.WorkerSlot == slot {
			return true
		}
	}
	return false
}

// freeSlot returns the lowest free 1-based worker slot <= maxWorkers.
func (r *Registry) freeSlot(snap *snapshot) (int, error) {
	for slot := 1; slot <= r.maxWorkers; slot++ {
		if !r.slotTaken(snap, slot) {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: max %d", ErrWorkerLimit, r.maxWorkers)
}

// ResolveWorkerSlot returns the lowest free worker slot.
func (r *Registry) ResolveWorkerSlot() (int, error) {
	var slot int
	err := r.view(func(snap *snapshot) error {
		var ferr error
		slot, ferr = r.freeSlot(snap)
		return ferr
	})
	return slot, err
}

// view runs fn against a fresh read without writing.
func (r *Registry) view(fn func(*snapshot) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, err := r.load()
	if err != nil {
		return err
	}
	return fn(snap)
}

// Terminate flips an agent's status to terminated. The record is kept;
// terminated agents are never resurrected.
func (r *Registry) Terminate(agentID string) error {
	return r.withLock(func(snap *snapshot) error {
		for _, a := range snap.Agents {
			if a.ID == agentID {
				a.Status = agent.StatusTerminated
				a.CurrentTaskID = ""
				a.LastActivity = time.Now()
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	})
}

// Lookup returns a copy of the agent with the given id.
func (r *Registry) Lookup(agentID string) (*agent.Agent, error) {
	var found *agent.Agent
	err := r.view(func(snap *snapshot) error {
		for _, a := range snap.Agents {
			if a.ID == agentID {
				cp := *a
				found = &cp
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	})
	return found, err
}

// List returns copies of all agents, terminated included.
func (r *Registry) List() ([]*agent.Agent, error) {
	var out []*agent.Agent
	err := r.view(func(snap *snapshot) error {
		for _, a := range snap.Agents {
			cp := *a
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

// Live returns copies of agents that are not terminated.
func (r *Registry) Live() ([]*agent.Agent, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []*agent.Agent
	for _, a := range all {
		if a.Live() {
			out = append(out, a)
		}
	}
	return out, nil
}

// FindByRole returns the first live agent with the given role.
func (r *Registry) FindByRole(role agent.Role) (*agent.Agent, error) {
	live, err := r.Live()
	if err != nil {
		return nil, err
	}
	for _, a := range live {
		if a.Role == role {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no live %s", ErrNotFound, role)
}

// Update applies fn to the agent with the given id under the lock.
func (r *Registry) Update(agentID string, fn func(*agent.Agent) error) error {
	return r.withLock(func(snap *snapshot) error {
		for _, a := range snap.Agents {
			if a.ID == agentID {
				return fn(a)
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, agentID)
	})
}

// Touch refreshes an agent's last-activity timestamp.
func (r *Registry) Touch(agentID string) error {
	return r.Update(agentID, func(a *agent.Agent) error {
		a.LastActivity = time.Now()
		return nil
	})
}

// OwnerWait returns the current owner wait-lock state.
func (r *Registry) OwnerWait() (OwnerWaitState, error) {
	var state OwnerWaitState
	err := r.view(func(snap *snapshot) error {
		state = snap.OwnerWait
		return nil
	})
	return state, err
}

// SetOwnerWait replaces the owner wait-lock state.
func (r *Registry) SetOwnerWait(state OwnerWaitState) error {
	return r.withLock(func(snap *snapshot) error {
		snap.OwnerWait = state
		return nil
	})
}

// UpdateOwnerWait applies fn to the wait-lock state under the lock.
func (r *Registry) UpdateOwnerWait(fn func(*OwnerWaitState)) error {
	return r.withLock(func(snap *snapshot) error {
		fn(&snap.OwnerWait)
		return nil
	})
}

// writeGlobalRecord writes the per-user agent index entry.
func (r *Registry) writeGlobalRecord(a *agent.Agent) error {
	if r.globalDir == "" {
		return nil
	}
	if err := fsutil.EnsureDir(r.globalDir); err != nil {
		return err
	}
	rec := GlobalRecord{
		AgentID:     a.ID,
		ProjectRoot: r.projectRoot,
		SessionID:   r.sessionID,
		CreatedAt:   a.CreatedAt,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize global agent record: %w", err)
	}
	data = append(data, '\n')
	name := fsutil.SanitizeName(a.ID) + ".json"
	return fsutil.AtomicWriteFile(filepath.Join(r.globalDir, name), data, 0o644)
}
