// Package health implements liveness and stall detection for agents,
// the staged recovery state machine (soft retry → full rebuild →
// fail), and the monitor daemon that drives both.
package health

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/tmux"
)

// Reasons reported by a check.
const (
	ReasonSessionDead = "tmux_session_dead"
	ReasonTaskStalled = "task_stalled"
)

// Verdict is the outcome of checking one agent.
type Verdict struct {
	AgentID     string   `json:"agent_id"`
	Healthy     bool     `json:"healthy"`
	Terminated  bool     `json:"terminated"`
	SessionDead bool     `json:"session_dead"`
	Stalled     bool     `json:"stalled"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Checker evaluates agent health from pane liveness, last activity,
// and a hash of the pane's recent tail output. It remembers the
// previous tail hash per agent: a stall requires the hash to be
// unchanged across two consecutive polls.
type Checker struct {
	Tmux         *tmux.Client
	StallTimeout time.Duration
	TailLines    int

	mu         sync.Mutex
	tailHashes map[string]string
}

// NewChecker creates a checker with the given stall timeout.
func NewChecker(tc *tmux.Client, stallTimeout time.Duration) *Checker {
	return &Checker{
		Tmux:         tc,
		StallTimeout: stallTimeout,
		TailLines:    40,
		tailHashes:   map[string]string{},
	}
}

// Check evaluates one agent. Terminated agents are healthy by
// definition and excluded from the unhealthy set.
func (c *Checker) Check(a *agent.Agent) Verdict {
	v := Verdict{AgentID: a.ID, Healthy: true}
	if !a.Live() {
		v.Terminated = true
		return v
	}
	if a.SessionName == "" {
		// Pane-less agents (the owner) have nothing to check.
		return v
	}

	target := a.Pane().Target()
	if !c.Tmux.SessionExists(a.SessionName) || !c.Tmux.PaneExists(target) {
		v.Healthy = false
		v.SessionDead = true
		v.Reasons = append(v.Reasons, ReasonSessionDead)
		return v
	}

	if a.CurrentTaskID != "" && time.Since(a.LastActivity) > c.StallTimeout {
		if c.tailUnchanged(a.ID, target) {
			v.Healthy = false
			v.Stalled = true
			v.Reasons = append(v.Reasons, ReasonTaskStalled)
		}
	}
	return v
}

// tailUnchanged captures the pane tail, hashes it, and compares with
// the hash from the previous poll. The first observation never counts
// as a stall.
func (c *Checker) tailUnchanged(agentID, target string) bool {
	out, err := c.Tmux.CapturePane(target, c.TailLines)
	if err != nil {
		// An uncapturable pane is handled by the liveness check.
		return false
	}
	sum := sha256.Sum256([]byte(out))
	hash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, seen := c.tailHashes[agentID]
	c.tailHashes[agentID] = hash
	return seen && prev == hash
}

// Forget drops remembered state for an agent (after termination or
// recovery, so the next poll starts fresh).
func (c *Checker) Forget(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tailHashes, agentID)
}

// CheckAll evaluates a set of agents.
func (c *Checker) CheckAll(agents []*agent.Agent) []Verdict {
	out := make([]Verdict, 0, len(agents))
	for _, a := range agents {
		out = append(out, c.Check(a))
	}
	return out
}

// Unhealthy filters verdicts down to live unhealthy agents.
func Unhealthy(verdicts []Verdict) []Verdict {
	var out []Verdict
	for _, v := range verdicts {
		if !v.Terminated && !v.Healthy {
			out = append(out, v)
		}
	}
	return out
}
