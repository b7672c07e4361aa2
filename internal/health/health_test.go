package health

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/ipc"
	"github.com/terraphim/agentmux/internal/registry"
	"github.com/terraphim/agentmux/internal/tmux"
)

// fakeMux is a controllable tmux double for health tests.
type fakeMux struct {
	deadSessions map[string]bool
	paneOutput   string
	interrupts   []string
	sent         []string
	created      []string
}

func newFakeMux() *fakeMux {
	return &fakeMux{deadSessions: map[string]bool{}}
}

func (f *fakeMux) Run(args ...string) (string, error) {
	switch args[0] {
	case "has-session":
		if f.deadSessions[args[2]] {
			return "", fmt.Errorf("no such session")
		}
		return "", nil
	case "display-message":
		return "%1", nil
	case "capture-pane":
		return f.paneOutput, nil
	case "send-keys":
		joined := strings.Join(args, " ")
		if strings.Contains(joined, "C-c") {
			f.interrupts = append(f.interrupts, joined)
		}
		f.sent = append(f.sent, joined)
		return "", nil
	case "new-session":
		f.created = append(f.created, args[3])
		delete(f.deadSessions, args[3])
		return "", nil
	case "list-panes":
		return "0\n1\n2", nil
	case "split-window":
		return "1", nil
	}
	return "", nil
}

type fixture struct {
	mux     *fakeMux
	reg     *registry.Registry
	dash    *dashboard.Store
	checker *Checker
	engine  *Engine
	ipcSvc  *ipc.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	sessionDir := filepath.Join(dir, "s1")
	mux := newFakeMux()
	tc := tmux.NewClient(mux)
	reg := registry.New(registry.Options{SessionDir: sessionDir, SessionID: "s1", MaxWorkers: 5})
	dash := dashboard.NewStore(sessionDir, "s1", dir)
	checker := NewChecker(tc, time.Minute)
	ipcSvc := ipc.NewService(ipc.NewMailbox(sessionDir), reg, tc, nil)
	engine := NewEngine(reg, dash, tc, nil, ipcSvc, checker, 3)
	return &fixture{mux: mux, reg: reg, dash: dash, checker: checker, engine: engine, ipcSvc: ipcSvc}
}

func (f *fixture) addWorker(t *testing.T, id string, pane int, taskID string, lastActivity time.Time) *agent.Agent {
	t.Helper()
	w := &agent.Agent{
		ID: id, Role: agent.RoleWorker, Status: agent.StatusBusy,
		SessionName: "s1", WindowIndex: 0, PaneIndex: pane,
		CurrentTaskID: taskID, CreatedAt: lastActivity, LastActivity: lastActivity,
	}
	if err := f.reg.Register(w); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestCheck(t *testing.T) {
	t.Run("terminated agents are skipped", func(t *testing.T) {
		f := newFixture(t)
		w := f.addWorker(t, "w1", 1, "t1", time.Now().Add(-time.Hour))
		if err := f.reg.Terminate("w1"); err != nil {
			t.Fatal(err)
		}
		w.Status = agent.StatusTerminated
		v := f.checker.Check(w)
		if !v.Terminated || !v.Healthy {
			t.Errorf("verdict = %+v", v)
		}
		if len(Unhealthy([]Verdict{v})) != 0 {
			t.Error("terminated agents must not appear in the unhealthy set")
		}
	})

	t.Run("dead session detected", func(t *testing.T) {
		f := newFixture(t)
		w := f.addWorker(t, "w1", 1, "", time.Now())
		f.mux.deadSessions["s1"] = true
		v := f.checker.Check(w)
		if v.Healthy || !v.SessionDead {
			t.Errorf("verdict = %+v", v)
		}
	})

	t.Run("stall needs two identical polls", func(t *testing.T) {
		f := newFixture(t)
		w := f.addWorker(t, "w1", 1, "t1", time.Now().Add(-time.Hour))
		f.mux.paneOutput = "same output"

		// First poll only records the hash.
		if v := f.checker.Check(w); !v.Healthy {
			t.Errorf("first poll should be healthy: %+v", v)
		}
		// Second poll with identical output stalls.
		v := f.checker.Check(w)
		if v.Healthy || !v.Stalled {
			t.Errorf("second poll should stall: %+v", v)
		}

		// Changing output resets the stall.
		f.mux.paneOutput = "new output"
		if v := f.checker.Check(w); !v.Healthy {
			t.Errorf("changed output should be healthy: %+v", v)
		}
	})

	t.Run("fresh activity is never a stall", func(t *testing.T) {
		f := newFixture(t)
		w := f.addWorker(t, "w1", 1, "t1", time.Now())
		f.mux.paneOutput = "same"
		f.checker.Check(w)
		if v := f.checker.Check(w); !v.Healthy {
			t.Errorf("recent activity should be healthy: %+v", v)
		}
	})

	t.Run("no current task is never a stall", func(t *testing.T) {
		f := newFixture(t)
		w := f.addWorker(t, "w1", 1, "", time.Now().Add(-time.Hour))
		f.mux.paneOutput = "same"
		f.checker.Check(w)
		if v := f.checker.Check(w); !v.Healthy {
			t.Errorf("idle worker should be healthy: %+v", v)
		}
	})
}

func TestSoftRecovery(t *testing.T) {
	f := newFixture(t)
	if _, err := f.dash.CreateTask("t1", "work", "", nil); err != nil {
		t.Fatal(err)
	}
	w := f.addWorker(t, "w1", 1, "t1", time.Now().Add(-time.Hour))
	f.mux.paneOutput = "stuck"
	f.checker.Check(w)
	v := f.checker.Check(w)
	if !v.Stalled {
		t.Fatalf("expected stall, got %+v", v)
	}

	out := f.engine.Recover(v)
	if !out.Recovered || out.Stage != StageAttempted {
		t.Fatalf("outcome = %+v", out)
	}
	if len(f.mux.interrupts) == 0 {
		t.Error("stalled pane should receive an interrupt")
	}

	// Identity and task assignment preserved.
	got, _ := f.reg.Lookup("w1")
	if got.CurrentTaskID != "t1" || got.Status != agent.StatusBusy {
		t.Errorf("agent mutated by soft recovery: %+v", got)
	}
	// Recovery metadata recorded on the task.
	task, _ := f.dash.GetTask("t1")
	if task.Metadata[dashboard.MetaRecoveryCount] != 1 {
		t.Errorf("recovery count metadata = %v", task.Metadata[dashboard.MetaRecoveryCount])
	}
}

func TestSoftRecoveryRecreatesSession(t *testing.T) {
	f := newFixture(t)
	w := f.addWorker(t, "w1", 1, "", time.Now())
	f.mux.deadSessions["s1"] = true
	v := f.checker.Check(w)
	if !v.SessionDead {
		t.Fatal("expected dead session")
	}
	out := f.engine.Recover(v)
	if !out.Recovered {
		t.Fatalf("outcome = %+v", out)
	}
	if len(f.mux.created) != 1 || f.mux.created[0] != "s1" {
		t.Errorf("session not recreated: %v", f.mux.created)
	}
	// Same agent id survives soft recovery.
	if out.NewAgentID != "" {
		t.Error("soft recovery must not replace the agent")
	}
}

func TestRecoveryExhaustion(t *testing.T) {
	f := newFixture(t)
	if _, err := f.dash.CreateTask("t1", "work", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.dash.UpdateTaskStatus("t1", dashboard.StatusInProgress, -1, ""); err != nil {
		t.Fatal(err)
	}
	admin := &agent.Agent{ID: "a1", Role: agent.RoleAdmin, Status: agent.StatusIdle, SessionName: "s1", PaneIndex: 0}
	if err := f.reg.Register(admin); err != nil {
		t.Fatal(err)
	}
	w := f.addWorker(t, "w1", 1, "t1", time.Now().Add(-time.Hour))
	f.mux.paneOutput = "stuck"

	// Burn through the attempt limit with repeated stalls.
	for i := 0; i < f.engine.MaxAttempts; i++ {
		f.checker.Check(w)
		v := f.checker.Check(w)
		if !v.Stalled {
			t.Fatalf("iteration %d: expected stall", i)
		}
		out := f.engine.Recover(v)
		if out.TaskFailed {
			t.Fatalf("iteration %d: failed too early", i)
		}
	}

	// The next unhealthy verdict exhausts the pair.
	f.checker.Check(w)
	v := f.checker.Check(w)
	out := f.engine.Recover(v)
	if !out.TaskFailed || out.Stage != StageFailedTask {
		t.Fatalf("outcome = %+v", out)
	}

	task, _ := f.dash.GetTask("t1")
	if task.Status != dashboard.StatusFailed || task.ErrorMessage != "recovery exhausted" {
		t.Errorf("task = %+v", task)
	}
	got, _ := f.reg.Lookup("w1")
	if got.CurrentTaskID != "" || got.Status != agent.StatusIdle {
		t.Errorf("worker not cleared: %+v", got)
	}
	d, _ := f.dash.Load()
	if d.ProcessCrashCount != 1 {
		t.Errorf("crash count = %d", d.ProcessCrashCount)
	}
	msgs, _ := f.ipcSvc.Mailbox.Read("a1", ipc.ReadOptions{})
	errCount := 0
	for _, m := range msgs {
		if m.MessageType == ipc.TypeError {
			errCount++
		}
	}
	if errCount != 1 {
		t.Errorf("admin should get exactly one error message, got %d", errCount)
	}

	// A further exhausted verdict does not re-emit.
	f.checker.Check(w)
	v = f.checker.Check(w)
	out = f.engine.Recover(v)
	if out.TaskFailed {
		t.Error("exhaustion must be emitted once per (worker, task) pair")
	}
	msgs, _ = f.ipcSvc.Mailbox.Read("a1", ipc.ReadOptions{})
	errCount = 0
	for _, m := range msgs {
		if m.MessageType == ipc.TypeError {
			errCount++
		}
	}
	if errCount != 1 {
		t.Errorf("error message duplicated: %d", errCount)
	}
}

func TestMonitorIdleDetection(t *testing.T) {
	f := newFixture(t)
	m := NewMonitor(f.reg, f.dash, f.checker, f.engine, time.Minute, 3)

	// No workers at all: idle.
	if !m.Pass() {
		t.Error("empty session should be idle")
	}

	f.addWorker(t, "w1", 1, "t1", time.Now())
	if m.Pass() {
		t.Error("busy worker should not be idle")
	}

	// Worker cleared, no in-progress tasks: idle again.
	if err := f.reg.Update("w1", func(a *agent.Agent) error {
		a.CurrentTaskID = ""
		a.Status = agent.StatusIdle
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !m.Pass() {
		t.Error("cleared worker should be idle")
	}

	// An in-progress dashboard task keeps the monitor alive.
	if _, err := f.dash.CreateTask("t2", "x", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.dash.UpdateTaskStatus("t2", dashboard.StatusInProgress, -1, ""); err != nil {
		t.Fatal(err)
	}
	if m.Pass() {
		t.Error("in-progress task should keep the session non-idle")
	}
}

func TestMonitorStartStop(t *testing.T) {
	f := newFixture(t)
	m := NewMonitor(f.reg, f.dash, f.checker, f.engine, time.Hour, 3)
	m.Start()
	if !m.Running() {
		t.Fatal("monitor should be running")
	}
	m.Start() // idempotent
	m.Stop()
	if m.Running() {
		t.Fatal("monitor should be stopped")
	}
	m.Stop() // idempotent
}
