package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/dashboard"
	"github.com/terraphim/agentmux/internal/registry"
)

// Monitor is the periodic healthcheck daemon. Each pass lists agents,
// checks them all, runs recovery for the unhealthy, and updates
// counters. It stops itself once every worker has been idle with no
// task, and the dashboard shows no in-progress work, for a
// configurable number of consecutive passes.
type Monitor struct {
	Registry  *registry.Registry
	Dashboard *dashboard.Store
	Checker   *Checker
	Engine    *Engine

	Interval            time.Duration
	IdleStopConsecutive int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewMonitor wires a monitor daemon.
func NewMonitor(reg *registry.Registry, dash *dashboard.Store, checker *Checker, engine *Engine, interval time.Duration, idleStop int) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if idleStop <= 0 {
		idleStop = 3
	}
	return &Monitor{
		Registry:            reg,
		Dashboard:           dash,
		Checker:             checker,
		Engine:              engine,
		Interval:            interval,
		IdleStopConsecutive: idleStop,
	}
}

// Running reports whether the daemon loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start launches the daemon loop. Starting a running monitor is a
// no-op, so every create_agent call may start it unconditionally.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go func() {
		defer func() {
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			close(m.done)
		}()
		m.loop(ctx)
	}()
}

// Stop terminates the daemon loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	idleStreak := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.Pass() {
			idleStreak++
			if idleStreak >= m.IdleStopConsecutive {
				slog.Info("health monitor stopping: workers idle", "consecutive", idleStreak)
				return
			}
		} else {
			idleStreak = 0
		}
	}
}

// Pass runs one monitor iteration and reports whether the session was
// fully idle. A stuck recovery step logs and moves on; the pass is
// best-effort.
func (m *Monitor) Pass() (idle bool) {
	agents, err := m.Registry.List()
	if err != nil {
		slog.Warn("health pass: list agents failed", "err", err)
		return false
	}

	verdicts := m.Checker.CheckAll(agents)
	for _, v := range Unhealthy(verdicts) {
		out := m.Engine.Recover(v)
		slog.Info("health pass: recovery",
			"agent", out.AgentID, "stage", out.Stage,
			"recovered", out.Recovered, "task_failed", out.TaskFailed)
	}

	return m.sessionIdle(agents)
}

// sessionIdle is true when no live worker holds a task or is busy and
// the dashboard reports zero in-progress tasks.
func (m *Monitor) sessionIdle(agents []*agent.Agent) bool {
	for _, a := range agents {
		if a.Role != agent.RoleWorker || !a.Live() {
			continue
		}
		if a.CurrentTaskID != "" || a.Status == agent.StatusBusy {
			return false
		}
	}
	d, err := m.Dashboard.Load()
	if err != nil {
		return false
	}
	return d.ComputeStats().InProgress == 0
}
