package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/terraphim/agentmux/internal/config"
	"github.com/terraphim/agentmux/internal/tmux"
)

// fakeMux supports session create/kill and grid splits.
type fakeMux struct {
	sessions map[string]bool
	nextPane map[string]int
	windows  map[string]int
}

func newFakeMux() *fakeMux {
	return &fakeMux{sessions: map[string]bool{}, nextPane: map[string]int{}, windows: map[string]int{}}
}

func (f *fakeMux) Run(args ...string) (string, error) {
	switch args[0] {
	case "has-session":
		if f.sessions[args[2]] {
			return "", nil
		}
		return "", fmt.Errorf("no such session")
	case "new-session":
		f.sessions[args[3]] = true
		f.windows[args[3]] = 1
		f.nextPane[args[3]+":0"] = 1
		return "", nil
	case "kill-session":
		delete(f.sessions, args[2])
		return "", nil
	case "new-window":
		session := args[2]
		idx := f.windows[session]
		f.windows[session]++
		f.nextPane[fmt.Sprintf("%s:%d", session, idx)] = 1
		return fmt.Sprintf("%d", idx), nil
	case "split-window":
		var target string
		for i, a := range args {
			if a == "-t" {
				target = args[i+1]
			}
		}
		key := target[:strings.LastIndex(target, ".")]
		idx := f.nextPane[key]
		f.nextPane[key]++
		return fmt.Sprintf("%d", idx), nil
	}
	return "", nil
}

func TestInit(t *testing.T) {
	root := t.TempDir()
	settings := config.Default()
	mux := newFakeMux()
	p := NewProvisioner(tmux.NewClient(mux), settings)

	ws, err := p.Init(InitOptions{ProjectRoot: root, SessionID: "s1"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	t.Run("directory tree", func(t *testing.T) {
		for _, dir := range []string{
			ws.Paths.SessionDir, ws.Paths.DashboardDir, ws.Paths.TasksDir,
			ws.Paths.ReportsDir, ws.Paths.IPCDir, ws.Paths.MemoryDir,
		} {
			if st, err := os.Stat(dir); err != nil || !st.IsDir() {
				t.Errorf("missing dir %s: %v", dir, err)
			}
		}
	})

	t.Run("config json", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(ws.Paths.MCPRoot, "config.json"))
		if err != nil {
			t.Fatal(err)
		}
		var sc config.SessionConfig
		if err := json.Unmarshal(data, &sc); err != nil {
			t.Fatal(err)
		}
		if sc.SessionID != "s1" || !sc.EnableGit {
			t.Errorf("config = %+v", sc)
		}
	})

	t.Run("grid", func(t *testing.T) {
		if ws.SessionName != "agentmux-s1" {
			t.Errorf("session name = %s", ws.SessionName)
		}
		if !mux.sessions["agentmux-s1"] {
			t.Error("tmux session not created")
		}
		// Default standard profile: 1 admin + 3 workers.
		if len(ws.Grid) != 4 {
			t.Errorf("grid size = %d", len(ws.Grid))
		}
	})
}

func TestInitEnableGitPrecedence(t *testing.T) {
	root := t.TempDir()
	settings := config.Default()
	settings.EnableGit = true
	p := NewProvisioner(tmux.NewClient(newFakeMux()), settings)

	no := false
	ws, err := p.Init(InitOptions{ProjectRoot: root, SessionID: "s1", EnableGit: &no})
	if err != nil {
		t.Fatal(err)
	}
	if ws.EnableGit {
		t.Error("explicit argument must win over settings")
	}

	// Re-init without an argument: the persisted config.json wins.
	p2 := NewProvisioner(tmux.NewClient(newFakeMux()), settings)
	ws2, err := p2.Init(InitOptions{ProjectRoot: root, SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if ws2.EnableGit {
		t.Error("persisted config.json must win over settings")
	}
}

func TestInitReusesExistingSession(t *testing.T) {
	root := t.TempDir()
	mux := newFakeMux()
	mux.sessions["agentmux-s1"] = true
	p := NewProvisioner(tmux.NewClient(mux), config.Default())

	ws, err := p.Init(InitOptions{ProjectRoot: root, SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ws.Grid) != 0 {
		t.Error("existing session must not be rebuilt")
	}
}

func TestCleanup(t *testing.T) {
	root := t.TempDir()
	mux := newFakeMux()
	p := NewProvisioner(tmux.NewClient(mux), config.Default())
	ws, err := p.Init(InitOptions{ProjectRoot: root, SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Cleanup(root, "s1", true); err != nil {
		t.Fatal(err)
	}
	if mux.sessions[ws.SessionName] {
		t.Error("tmux session not killed")
	}
	if _, err := os.Stat(ws.Paths.SessionDir); !os.IsNotExist(err) {
		t.Error("session dir not removed")
	}
}

func TestWorkerCapRespected(t *testing.T) {
	root := t.TempDir()
	settings := config.Default()
	settings.MaxWorkers = 2
	mux := newFakeMux()
	p := NewProvisioner(tmux.NewClient(mux), settings)

	ws, err := p.Init(InitOptions{ProjectRoot: root, SessionID: "s1", Workers: 10})
	if err != nil {
		t.Fatal(err)
	}
	workers := 0
	for _, g := range ws.Grid {
		if g.Role == "worker" {
			workers++
		}
	}
	if workers != 2 {
		t.Errorf("workers = %d, want capped at 2", workers)
	}
}
