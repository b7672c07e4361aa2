package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/terraphim/agentmux/internal/config"
	"github.com/terraphim/agentmux/internal/tmux"
)

// fakeMux simulates tmux for façade tests.
type fakeMux struct {
	sessions map[string]bool
	nextPane map[string]int
	windows  map[string]int
	sent     []string
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
	case "send-keys":
		f.sent = append(f.sent, strings.Join(args, " "))
		return "", nil
	case "display-message":
		return "%1", nil
	case "capture-pane":
		return "$ ", nil
	case "list-panes":
		return "0\n1\n2\n3\n4", nil
	}
	return "", nil
}

type harness struct {
	svc *Service
	mux *fakeMux
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	settings := config.Default()
	settings.MaxWorkers = 3
	svc := NewService(root, settings)
	mux := newFakeMux()
	svc.Tmux = tmux.NewClient(mux)
	return &harness{svc: svc, mux: mux}
}

// call invokes one tool through the full dispatch path (session
// resolution, wait-lock, permission guard) and decodes the envelope.
func (h *harness) call(t *testing.T, name string, args map[string]any) map[string]any {
	t.Helper()
	for _, def := range registryOfTools() {
		if def.name != name {
			continue
		}
		handler := makeHandler(h.svc, def)
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := handler(context.Background(), req)
		if err != nil {
			t.Fatalf("%s: transport error: %v", name, err)
		}
		text, ok := res.Content[0].(mcp.TextContent)
		if !ok {
			t.Fatalf("%s: unexpected content %T", name, res.Content[0])
		}
		var body map[string]any
		if err := json.Unmarshal([]byte(text.Text), &body); err != nil {
			t.Fatalf("%s: bad JSON %q: %v", name, text.Text, err)
		}
		return body
	}
	t.Fatalf("unknown tool %s", name)
	return nil
}

func (h *harness) mustOK(t *testing.T, name string, args map[string]any) map[string]any {
	t.Helper()
	body := h.call(t, name, args)
	if body["success"] != true {
		t.Fatalf("%s failed: %v", name, body)
	}
	return body
}

func (h *harness) mustFail(t *testing.T, name string, args map[string]any, code string) map[string]any {
	t.Helper()
	body := h.call(t, name, args)
	if body["success"] != false {
		t.Fatalf("%s should fail with %s, got %v", name, code, body)
	}
	if body["error"] != code {
		t.Fatalf("%s error = %v, want %s", name, body["error"], code)
	}
	return body
}

func agentID(t *testing.T, body map[string]any) string {
	t.Helper()
	a, ok := body["agent"].(map[string]any)
	if !ok {
		t.Fatalf("no agent in %v", body)
	}
	return a["id"].(string)
}

func taskID(t *testing.T, body map[string]any) string {
	t.Helper()
	task, ok := body["task"].(map[string]any)
	if !ok {
		t.Fatalf("no task in %v", body)
	}
	return task["id"].(string)
}

// bootstrap provisions s1 with an owner, admin, and one worker.
func bootstrap(t *testing.T, h *harness) (owner, admin, worker string) {
	t.Helper()
	h.mustOK(t, "init_tmux_workspace", map[string]any{"session_id": "s1"})
	owner = agentID(t, h.mustOK(t, "create_agent", map[string]any{"session_id": "s1", "role": "owner"}))
	admin = agentID(t, h.mustOK(t, "create_agent", map[string]any{"session_id": "s1", "role": "admin", "caller_agent_id": owner}))
	worker = agentID(t, h.mustOK(t, "create_agent", map[string]any{"session_id": "s1", "role": "worker", "caller_agent_id": admin}))
	return
}

func TestPlanDispatchScenario(t *testing.T) {
	h := newHarness(t)
	owner, admin, _ := bootstrap(t, h)

	// config.json written with the resolved enable_git.
	var sc config.SessionConfig
	data, err := os.ReadFile(filepath.Join(h.svc.ProjectRoot, ".agentmux", "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		t.Fatal(err)
	}
	if sc.SessionID != "s1" || !sc.EnableGit {
		t.Errorf("config.json = %+v", sc)
	}

	// Owner dispatches a plan to the admin.
	res := h.mustOK(t, "send_task", map[string]any{
		"session_id": "s1", "caller_agent_id": owner,
		"agent_id": admin, "task_content": "build X",
	})
	taskFile := res["task_file_path"].(string)
	if _, err := os.Stat(taskFile); err != nil {
		t.Errorf("task file missing: %v", err)
	}
	found := false
	for _, sent := range h.mux.sent {
		if strings.Contains(sent, "agentmux-s1:0.0") {
			found = true
		}
	}
	if !found {
		t.Error("admin pane received no send-keys")
	}

	// Wait-lock: everything but the mailbox tools is refused.
	body := h.mustFail(t, "create_task", map[string]any{
		"session_id": "s1", "caller_agent_id": owner, "title": "x",
	}, CodeOwnerWaitActive)
	if _, ok := body["allowed_tools"]; !ok {
		t.Error("OwnerWaitActive should list the allowed tools")
	}

	// Three empty unread polls pass, the fourth is blocked.
	for i := 0; i < 3; i++ {
		h.mustOK(t, "read_messages", map[string]any{
			"session_id": "s1", "caller_agent_id": owner, "unread_only": true,
		})
	}
	h.mustFail(t, "read_messages", map[string]any{
		"session_id": "s1", "caller_agent_id": owner, "unread_only": true,
	}, CodePollingBlocked)

	// The explicit override breaks the lock.
	h.mustOK(t, "unlock_owner_wait", map[string]any{"session_id": "s1", "caller_agent_id": owner})
	h.mustOK(t, "create_task", map[string]any{
		"session_id": "s1", "caller_agent_id": owner, "title": "after unlock",
	})
}

func TestWorkerCompletionScenario(t *testing.T) {
	h := newHarness(t)
	_, admin, worker := bootstrap(t, h)

	tid := taskID(t, h.mustOK(t, "create_task", map[string]any{
		"session_id": "s1", "caller_agent_id": admin, "title": "t",
	}))
	h.mustOK(t, "assign_task_to_agent", map[string]any{
		"session_id": "s1", "caller_agent_id": admin, "task_id": tid, "agent_id": worker,
	})
	h.mustOK(t, "send_task", map[string]any{
		"session_id": "s1", "caller_agent_id": admin, "agent_id": worker, "task_content": "do it",
	})

	h.mustOK(t, "report_task_completion", map[string]any{
		"session_id": "s1", "caller_agent_id": worker,
		"task_id": tid, "status": "completed", "message": "done", "summary": "summary",
	})

	got := h.mustOK(t, "get_task", map[string]any{
		"session_id": "s1", "caller_agent_id": admin, "task_id": tid,
	})
	if got["task"].(map[string]any)["status"] != "completed" {
		t.Errorf("task = %v", got["task"])
	}

	// Summary lands in project memory, outside the session directory.
	entries, err := h.svc.ProjectMemory().List()
	if err != nil || len(entries) != 1 {
		t.Errorf("project memory entries = %v, err %v", entries, err)
	}

	// The admin's mailbox has the completion; auto-sync applies
	// nothing because the task is already completed.
	read := h.mustOK(t, "read_messages", map[string]any{
		"session_id": "s1", "caller_agent_id": admin,
	})
	msgs := read["messages"].([]any)
	foundComplete := false
	for _, m := range msgs {
		if m.(map[string]any)["message_type"] == "task_complete" {
			foundComplete = true
		}
	}
	if !foundComplete {
		t.Errorf("no task_complete message: %v", msgs)
	}
	if read["dashboard_updates_applied"] != float64(0) || read["dashboard_updates_skipped"] != float64(0) {
		t.Errorf("auto-sync counters = applied %v skipped %v",
			read["dashboard_updates_applied"], read["dashboard_updates_skipped"])
	}
}

func TestInvalidTransitionScenario(t *testing.T) {
	h := newHarness(t)
	_, admin, _ := bootstrap(t, h)

	tid := taskID(t, h.mustOK(t, "create_task", map[string]any{
		"session_id": "s1", "caller_agent_id": admin, "title": "t",
	}))
	h.mustOK(t, "update_task_status", map[string]any{
		"session_id": "s1", "caller_agent_id": admin, "task_id": tid, "status": "in_progress",
	})
	h.mustOK(t, "update_task_status", map[string]any{
		"session_id": "s1", "caller_agent_id": admin, "task_id": tid, "status": "completed",
	})

	body := h.mustFail(t, "update_task_status", map[string]any{
		"session_id": "s1", "caller_agent_id": admin, "task_id": tid, "status": "in_progress",
	}, CodeInvalidTransition)
	if allowed, ok := body["allowed"].([]any); !ok || len(allowed) != 0 {
		t.Errorf("allowed = %v, want empty list", body["allowed"])
	}

	h.mustOK(t, "reopen_task", map[string]any{
		"session_id": "s1", "caller_agent_id": admin, "task_id": tid,
	})
	h.mustOK(t, "update_task_status", map[string]any{
		"session_id": "s1", "caller_agent_id": admin, "task_id": tid, "status": "in_progress",
	})
}

func TestPermissionScenario(t *testing.T) {
	h := newHarness(t)
	_, admin, worker := bootstrap(t, h)

	// Worker reading another mailbox is denied; its own is fine.
	h.mustFail(t, "read_messages", map[string]any{
		"session_id": "s1", "caller_agent_id": worker, "target_agent_id": admin,
	}, CodePermissionDenied)
	h.mustOK(t, "read_messages", map[string]any{
		"session_id": "s1", "caller_agent_id": worker, "target_agent_id": worker,
	})

	// Worker may not create tasks.
	h.mustFail(t, "create_task", map[string]any{
		"session_id": "s1", "caller_agent_id": worker, "title": "x",
	}, CodePermissionDenied)

	// Admin may not run owner-only workspace teardown.
	h.mustFail(t, "cleanup_workspace", map[string]any{
		"session_id": "s1", "caller_agent_id": admin,
	}, CodePermissionDenied)
}

func TestWorkerLimit(t *testing.T) {
	h := newHarness(t)
	_, admin, _ := bootstrap(t, h) // one worker used
	h.mustOK(t, "create_agent", map[string]any{"session_id": "s1", "role": "worker", "caller_agent_id": admin})
	h.mustOK(t, "create_agent", map[string]any{"session_id": "s1", "role": "worker", "caller_agent_id": admin})
	h.mustFail(t, "create_agent", map[string]any{
		"session_id": "s1", "role": "worker", "caller_agent_id": admin,
	}, CodeWorkerLimitReached)
}

func TestCallerRequired(t *testing.T) {
	h := newHarness(t)
	h.mustOK(t, "init_tmux_workspace", map[string]any{"session_id": "s1"})
	h.mustFail(t, "create_task", map[string]any{"session_id": "s1", "title": "x"}, CodeValidationError)
	h.mustFail(t, "create_agent", map[string]any{"session_id": "s1", "role": "admin"}, CodeValidationError)
	// Unknown caller id maps to NotFound.
	h.mustFail(t, "create_task", map[string]any{
		"session_id": "s1", "caller_agent_id": "ghost", "title": "x",
	}, CodeNotFound)
}

func TestGitDisabledWorktrees(t *testing.T) {
	h := newHarness(t)
	h.mustOK(t, "init_tmux_workspace", map[string]any{"session_id": "s1", "enable_git": false})
	owner := agentID(t, h.mustOK(t, "create_agent", map[string]any{"session_id": "s1", "role": "owner"}))
	h.mustFail(t, "create_worktree", map[string]any{
		"session_id": "s1", "caller_agent_id": owner,
		"worktree_path": "/tmp/wt", "branch": "b1",
	}, CodeGitDisabled)
}
