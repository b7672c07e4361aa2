package tmux

import (
	"fmt"
	"strings"
	"testing"
)

// fakeRunner simulates enough of tmux for grid tests: sessions,
// windows, and pane index allocation.
type fakeRunner struct {
	calls     [][]string
	sessions  map[string]bool
	nextPane  map[string]int // "session:window" -> next pane index
	windows   map[string]int // session -> window count
	failSplit int            // fail the Nth split (1-based), 0 = never
	splits    int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		sessions: map[string]bool{},
		nextPane: map[string]int{},
		windows:  map[string]int{},
	}
}

func (f *fakeRunner) Run(args ...string) (string, error) {
	f.calls = append(f.calls, args)
	switch args[0] {
	case "has-session":
		name := args[2]
		if f.sessions[name] {
			return "", nil
		}
		return "", fmt.Errorf("no such session: %s", name)
	case "new-session":
		name := args[3]
		f.sessions[name] = true
		f.windows[name] = 1
		f.nextPane[name+":0"] = 1
		return "", nil
	case "kill-session":
		delete(f.sessions, strings.TrimPrefix(args[2], "="))
		return "", nil
	case "new-window":
		session := args[2]
		idx := f.windows[session]
		f.windows[session]++
		f.nextPane[fmt.Sprintf("%s:%d", session, idx)] = 1
		return fmt.Sprintf("%d", idx), nil
	case "split-window":
		f.splits++
		if f.failSplit > 0 && f.splits >= f.failSplit {
			return "", fmt.Errorf("split failed")
		}
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
	case "send-keys", "select-pane", "select-layout", "kill-pane":
		return "", nil
	case "display-message":
		return "%0", nil
	case "capture-pane":
		return "", nil
	case "list-panes":
		return "0", nil
	}
	return "", nil
}

func TestValidateSessionName(t *testing.T) {
	if err := ValidateSessionName("ok-name"); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
	for _, bad := range []string{"", "a:b", "a.b"} {
		if err := ValidateSessionName(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestBuildGrid(t *testing.T) {
	t.Run("admin plus three workers in one window", func(t *testing.T) {
		f := newFakeRunner()
		c := NewClient(f)

		grid, err := c.BuildGrid("s1", "/tmp", 3, 2)
		if err != nil {
			t.Fatalf("BuildGrid: %v", err)
		}
		if len(grid) != 4 {
			t.Fatalf("expected 4 panes, got %d", len(grid))
		}
		if grid[0].Role != "admin" || grid[0].WindowIndex != 0 || grid[0].PaneIndex != 0 {
			t.Errorf("admin pane misplaced: %+v", grid[0])
		}
		for i, slot := 1, 1; i < len(grid); i, slot = i+1, slot+1 {
			p := grid[i]
			if p.Role != "worker" || p.WorkerSlot != slot {
				t.Errorf("pane %d: %+v, want worker slot %d", i, p, slot)
			}
			if p.WindowIndex != 0 || p.PaneIndex != i {
				t.Errorf("pane %d has index (%d,%d), want (0,%d)", i, p.WindowIndex, p.PaneIndex, i)
			}
		}
	})

	t.Run("overflow workers get a second window", func(t *testing.T) {
		f := newFakeRunner()
		c := NewClient(f)

		// columns=2 → 4 workers per window; 6 workers overflow by 2.
		grid, err := c.BuildGrid("s2", "/tmp", 6, 2)
		if err != nil {
			t.Fatalf("BuildGrid: %v", err)
		}
		if len(grid) != 7 {
			t.Fatalf("expected 7 panes, got %d", len(grid))
		}
		var overflow []GridPane
		for _, p := range grid {
			if p.WindowIndex > 0 {
				overflow = append(overflow, p)
			}
		}
		if len(overflow) != 2 {
			t.Fatalf("expected 2 overflow panes, got %d", len(overflow))
		}
		if overflow[0].WorkerSlot != 5 || overflow[0].PaneIndex != 0 {
			t.Errorf("first overflow pane: %+v", overflow[0])
		}
		if overflow[1].WorkerSlot != 6 || overflow[1].PaneIndex != 1 {
			t.Errorf("second overflow pane: %+v", overflow[1])
		}
	})

	t.Run("deterministic across runs", func(t *testing.T) {
		build := func() []GridPane {
			f := newFakeRunner()
			c := NewClient(f)
			grid, err := c.BuildGrid("s3", "/tmp", 5, 2)
			if err != nil {
				t.Fatal(err)
			}
			return grid
		}
		a, b := build(), build()
		for i := range a {
			if a[i] != b[i] {
				t.Errorf("pane %d differs: %+v vs %+v", i, a[i], b[i])
			}
		}
	})

	t.Run("failure rolls back the session", func(t *testing.T) {
		f := newFakeRunner()
		f.failSplit = 2
		c := NewClient(f)

		_, err := c.BuildGrid("s4", "/tmp", 3, 2)
		if err == nil {
			t.Fatal("expected error")
		}
		if f.sessions["s4"] {
			t.Error("session should be killed after failed split")
		}
	})

	t.Run("existing session refused", func(t *testing.T) {
		f := newFakeRunner()
		f.sessions["dup"] = true
		c := NewClient(f)
		if _, err := c.BuildGrid("dup", "/tmp", 1, 2); err == nil {
			t.Fatal("expected error for existing session")
		}
	})
}

func TestSendKeysLiteral(t *testing.T) {
	f := newFakeRunner()
	c := NewClient(f)
	if err := c.SendKeys("s:0.1", "echo hi", true); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 2 {
		t.Fatalf("expected 2 tmux calls, got %d", len(f.calls))
	}
	first := strings.Join(f.calls[0], " ")
	if !strings.Contains(first, "-l -- echo hi") {
		t.Errorf("keys not sent literally: %s", first)
	}
	second := strings.Join(f.calls[1], " ")
	if !strings.Contains(second, "C-m") {
		t.Errorf("enter not sent: %s", second)
	}
}
