// Package workspace provisions ready-to-use sessions: the directory
// tree under {project_root}/<mcp_dir>/, the session config file, and
// the tmux pane grid. It also tears everything down again.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/terraphim/agentmux/internal/config"
	"github.com/terraphim/agentmux/internal/fsutil"
	"github.com/terraphim/agentmux/internal/tmux"
)

// Paths locates every store for one session.
type Paths struct {
	ProjectRoot  string
	MCPRoot      string // {project_root}/<mcp_dir>
	SessionDir   string // {mcp_root}/{session_id}
	DashboardDir string
	TasksDir     string
	ReportsDir   string
	IPCDir       string
	MemoryDir    string
	WorktreesDir string
	Screenshots  string
}

// NewPaths derives the session layout.
func NewPaths(projectRoot, mcpDir, sessionID string) Paths {
	mcpRoot := filepath.Join(projectRoot, mcpDir)
	sessionDir := filepath.Join(mcpRoot, fsutil.SanitizeName(sessionID))
	return Paths{
		ProjectRoot:  projectRoot,
		MCPRoot:      mcpRoot,
		SessionDir:   sessionDir,
		DashboardDir: filepath.Join(sessionDir, "dashboard"),
		TasksDir:     filepath.Join(sessionDir, "tasks"),
		ReportsDir:   filepath.Join(sessionDir, "reports"),
		IPCDir:       filepath.Join(sessionDir, "ipc"),
		MemoryDir:    filepath.Join(sessionDir, "memory"),
		WorktreesDir: filepath.Join(mcpRoot, "worktrees"),
		Screenshots:  filepath.Join(mcpRoot, "screenshot"),
	}
}

// Provisioner composes the terminal adapter with the file stores.
type Provisioner struct {
	Tmux     *tmux.Client
	Settings *config.Settings
}

// NewProvisioner creates a provisioner.
func NewProvisioner(tc *tmux.Client, settings *config.Settings) *Provisioner {
	return &Provisioner{Tmux: tc, Settings: settings}
}

// InitOptions parameterizes workspace creation.
type InitOptions struct {
	ProjectRoot string
	SessionID   string
	EnableGit   *bool // nil resolves via config.json / settings
	Workers     int   // 0 uses the active profile's worker count
}

// Workspace is a provisioned session.
type Workspace struct {
	Paths       Paths
	SessionName string
	EnableGit   bool
	Grid        []tmux.GridPane
}

// SessionName derives the tmux session name for a session id.
func (p *Provisioner) SessionName(sessionID string) string {
	return p.Settings.TmuxPrefix + "-" + fsutil.SanitizeName(sessionID)
}

// Init builds the directory tree, resolves and writes config.json,
// and lays out the tmux grid. A grid failure rolls back the tmux
// session; the directory tree is left in place for inspection.
func (p *Provisioner) Init(opts InitOptions) (*Workspace, error) {
	if opts.ProjectRoot == "" || opts.SessionID == "" {
		return nil, fmt.Errorf("project root and session id required")
	}

	paths := NewPaths(opts.ProjectRoot, p.Settings.MCPDir, opts.SessionID)
	for _, dir := range []string{
		paths.MCPRoot, paths.SessionDir, paths.DashboardDir, paths.TasksDir,
		paths.ReportsDir, paths.IPCDir, paths.MemoryDir, paths.Screenshots,
	} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return nil, err
		}
	}

	existing, err := config.LoadSessionConfig(paths.MCPRoot)
	if err != nil {
		return nil, err
	}
	enableGit := config.ResolveEnableGit(opts.EnableGit, existing, p.Settings)
	sc := &config.SessionConfig{SessionID: opts.SessionID, EnableGit: enableGit}
	if existing != nil {
		sc.MCPToolPrefix = existing.MCPToolPrefix
	}
	if existing == nil || *sc != *existing {
		if err := config.SaveSessionConfig(paths.MCPRoot, sc); err != nil {
			return nil, err
		}
	}

	if enableGit {
		if err := fsutil.EnsureDir(paths.WorktreesDir); err != nil {
			return nil, err
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = p.Settings.ActiveModelProfile().WorkerCount
	}
	if workers > p.Settings.MaxWorkers {
		workers = p.Settings.MaxWorkers
	}

	name := p.SessionName(opts.SessionID)
	var grid []tmux.GridPane
	if p.Tmux.SessionExists(name) {
		// An existing session is reused; pane indices are stable.
		grid = nil
	} else {
		grid, err = p.Tmux.BuildGrid(name, opts.ProjectRoot, workers, p.Settings.GridColumns)
		if err != nil {
			return nil, fmt.Errorf("build pane grid: %w", err)
		}
	}

	return &Workspace{Paths: paths, SessionName: name, EnableGit: enableGit, Grid: grid}, nil
}

// Cleanup kills the tmux session and, when removeFiles is set, removes
// the whole session directory, reports included.
func (p *Provisioner) Cleanup(projectRoot, sessionID string, removeFiles bool) error {
	paths := NewPaths(projectRoot, p.Settings.MCPDir, sessionID)
	name := p.SessionName(sessionID)

	if p.Tmux.SessionExists(name) {
		if err := p.Tmux.KillSession(name); err != nil {
			return fmt.Errorf("kill session: %w", err)
		}
	}
	if removeFiles {
		if err := os.RemoveAll(paths.SessionDir); err != nil {
			return fmt.Errorf("remove session dir: %w", err)
		}
	}
	return nil
}
