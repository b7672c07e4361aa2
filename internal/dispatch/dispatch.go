// Package dispatch pushes task briefs into worker panes. The task
// content is written under {session_dir}/tasks/ and the AI CLI launch
// command is composed from freshly re-read settings so stale values on
// the agent record never leak into the subprocess.
package dispatch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/config"
	"github.com/terraphim/agentmux/internal/fsutil"
	"github.com/terraphim/agentmux/internal/registry"
	"github.com/terraphim/agentmux/internal/tmux"
)

// ErrSessionMismatch rejects dispatches whose session id diverges from
// the agent's session, keeping task files centralized.
var ErrSessionMismatch = errors.New("session id does not match the agent's session")

// Dispatcher sends task briefs and launch commands to agent panes.
type Dispatcher struct {
	Registry   *registry.Registry
	Tmux       *tmux.Client
	SessionDir string
	SessionID  string

	// LoadSettings re-reads settings at dispatch time. Defaults to
	// config.Load against the session's mcp root.
	LoadSettings func() (*config.Settings, error)
}

// New creates a dispatcher for one session.
func New(reg *registry.Registry, tc *tmux.Client, sessionDir, sessionID string) *Dispatcher {
	mcpRoot := filepath.Dir(sessionDir)
	return &Dispatcher{
		Registry:   reg,
		Tmux:       tc,
		SessionDir: sessionDir,
		SessionID:  sessionID,
		LoadSettings: func() (*config.Settings, error) {
			return config.Load(mcpRoot)
		},
	}
}

// TaskFilePath returns the brief location for an agent.
func (d *Dispatcher) TaskFilePath(agentID string) string {
	return filepath.Join(d.SessionDir, "tasks", fsutil.SanitizeName(agentID)+".md")
}

// Result reports what one dispatch did.
type Result struct {
	TaskFilePath string `json:"task_file_path"`
	Cli          string `json:"ai_cli"`
	Command      string `json:"command"`
}

// SendTask writes the task brief and sends the launch command to the
// agent's pane.
func (d *Dispatcher) SendTask(agentID, taskContent, sessionID string) (*Result, error) {
	if sessionID != "" && sessionID != d.SessionID {
		return nil, fmt.Errorf("%w: got %q, agent session is %q", ErrSessionMismatch, sessionID, d.SessionID)
	}
	a, err := d.Registry.Lookup(agentID)
	if err != nil {
		return nil, err
	}
	if !a.Live() {
		return nil, fmt.Errorf("agent %s is terminated", agentID)
	}

	taskFile := d.TaskFilePath(agentID)
	if err := fsutil.EnsureDir(filepath.Dir(taskFile)); err != nil {
		return nil, err
	}
	content := taskContent
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := fsutil.AtomicWriteFile(taskFile, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write task file: %w", err)
	}

	// Settings are re-read here; the ai_cli recorded on the agent is
	// informational and never trusted for the launch.
	settings, err := d.LoadSettings()
	if err != nil {
		return nil, err
	}
	cli, command := d.launchCommand(a, settings, taskFile)

	if err := d.Tmux.SendKeys(a.Pane().Target(), command, true); err != nil {
		return nil, fmt.Errorf("send launch command: %w", err)
	}

	// Record the resolved value after dispatch.
	_ = d.Registry.Update(agentID, func(rec *agent.Agent) error {
		rec.AICli = cli
		rec.Status = agent.StatusBusy
		return nil
	})

	return &Result{TaskFilePath: taskFile, Cli: cli, Command: command}, nil
}

// launchCommand composes the CLI invocation for an agent.
func (d *Dispatcher) launchCommand(a *agent.Agent, settings *config.Settings, taskFile string) (cli, command string) {
	profile := settings.ActiveModelProfile()

	model := profile.AdminModel
	if a.Role == agent.RoleWorker {
		cli = settings.ResolveWorkerCli(a.WorkerSlot)
		model = profile.WorkerModel
	} else {
		cli = profile.Cli
		if cli == "" {
			cli = settings.DefaultCli
		}
	}

	command = config.DefaultCliCommands[cli]
	if command == "" {
		command = config.DefaultCliCommands[config.CliClaude]
	}
	if model != "" && cli == config.CliClaude {
		command += " --model " + model
	}
	command += fmt.Sprintf(" %q", fmt.Sprintf("Read %s and carry out the instructions it contains.", taskFile))
	return cli, command
}

// SendCommand sends a raw command line to an agent's pane.
func (d *Dispatcher) SendCommand(agentID, command string) error {
	a, err := d.Registry.Lookup(agentID)
	if err != nil {
		return err
	}
	if !a.Live() {
		return fmt.Errorf("agent %s is terminated", agentID)
	}
	return d.Tmux.SendKeys(a.Pane().Target(), command, true)
}

// BroadcastCommand sends a command to every live worker pane.
// Delivery is best-effort per pane.
func (d *Dispatcher) BroadcastCommand(command string) (sent int, failed int, err error) {
	live, err := d.Registry.Live()
	if err != nil {
		return 0, 0, err
	}
	for _, a := range live {
		if a.Role != agent.RoleWorker {
			continue
		}
		if serr := d.Tmux.SendKeys(a.Pane().Target(), command, true); serr != nil {
			failed++
			continue
		}
		sent++
	}
	return sent, failed, nil
}

// GetOutput captures the tail of an agent's pane.
func (d *Dispatcher) GetOutput(agentID string, lines int) (string, error) {
	a, err := d.Registry.Lookup(agentID)
	if err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = 50
	}
	return d.Tmux.CapturePane(a.Pane().Target(), lines)
}
