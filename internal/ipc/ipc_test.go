package ipc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/registry"
	"github.com/terraphim/agentmux/internal/tmux"
)

func TestMessageRoundTrip(t *testing.T) {
	mb := NewMailbox(t.TempDir())

	msg := &Message{
		SenderID:    "w1",
		ReceiverID:  "a1",
		MessageType: TypeTaskComplete,
		Priority:    PriorityHigh,
		Subject:     "done",
		Content:     "task finished\n\nwith details",
		Metadata:    map[string]any{"task_id": "t1", "progress": 100},
	}
	if err := mb.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A read without marking must return the message unchanged.
	got, err := mb.Read("a1", ReadOptions{UnreadOnly: false, MarkAsRead: false})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	m := got[0]
	if m.ID != msg.ID || m.SenderID != "w1" || m.MessageType != TypeTaskComplete {
		t.Errorf("header mismatch: %+v", m)
	}
	if m.Content != msg.Content {
		t.Errorf("content mismatch: %q != %q", m.Content, msg.Content)
	}
	if m.TaskID() != "t1" || m.ProgressValue() != 100 {
		t.Errorf("metadata mismatch: %+v", m.Metadata)
	}
	if m.Read() {
		t.Error("message should be unread")
	}
}

func TestChronologicalOrder(t *testing.T) {
	mb := NewMailbox(t.TempDir())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := &Message{
			SenderID:    "a1",
			ReceiverID:  "w1",
			MessageType: TypeStatusUpdate,
			Content:     string(rune('a' + i)),
			CreatedAt:   base.Add(time.Duration(4-i) * time.Minute),
		}
		if err := mb.Write(msg); err != nil {
			t.Fatal(err)
		}
	}
	got, err := mb.Read("w1", ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, m := range got {
		order = append(order, m.Content)
	}
	if strings.Join(order, "") != "edcba" {
		t.Errorf("messages not chronological: %v", order)
	}
}

func TestMarkAsRead(t *testing.T) {
	mb := NewMailbox(t.TempDir())
	if err := mb.Write(&Message{SenderID: "a1", ReceiverID: "w1", MessageType: TypeRequest, Content: "x"}); err != nil {
		t.Fatal(err)
	}

	n, err := mb.UnreadCount("w1")
	if err != nil || n != 1 {
		t.Fatalf("unread = %d, err %v", n, err)
	}

	got, err := mb.Read("w1", ReadOptions{MarkAsRead: true})
	if err != nil || len(got) != 1 {
		t.Fatalf("read: %v", err)
	}
	if !got[0].Read() {
		t.Error("message should be marked read")
	}

	// The mark must be durable.
	n, _ = mb.UnreadCount("w1")
	if n != 0 {
		t.Errorf("unread after mark = %d", n)
	}
	unread, _ := mb.Read("w1", ReadOptions{UnreadOnly: true})
	if len(unread) != 0 {
		t.Errorf("unread-only read returned %d", len(unread))
	}
}

func TestIdempotentWrite(t *testing.T) {
	mb := NewMailbox(t.TempDir())
	msg := &Message{ID: "fixed-id", SenderID: "a1", ReceiverID: "w1", MessageType: TypeRequest, Content: "once"}
	if err := mb.Write(msg); err != nil {
		t.Fatal(err)
	}
	dup := &Message{ID: "fixed-id", SenderID: "a1", ReceiverID: "w1", MessageType: TypeRequest, Content: "twice"}
	if err := mb.Write(dup); err != nil {
		t.Fatal(err)
	}
	got, _ := mb.Read("w1", ReadOptions{})
	if len(got) != 1 {
		t.Errorf("duplicate id should not create a second file, got %d", len(got))
	}
	if got[0].Content != "once" {
		t.Errorf("original message overwritten: %q", got[0].Content)
	}
}

func TestHostileReceiverID(t *testing.T) {
	dir := t.TempDir()
	mb := NewMailbox(dir)
	msg := &Message{SenderID: "a1", ReceiverID: "../../etc", MessageType: TypeRequest, Content: "x"}
	if err := mb.Write(msg); err != nil {
		t.Fatal(err)
	}
	// The message file must land inside {session_dir}/ipc/.
	var found []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() && strings.HasSuffix(path, ".md") {
			found = append(found, path)
		}
		return nil
	})
	if len(found) != 1 {
		t.Fatalf("expected 1 file, found %v", found)
	}
	ipcRoot := filepath.Join(dir, "ipc") + string(filepath.Separator)
	if !strings.HasPrefix(found[0], ipcRoot) {
		t.Errorf("message escaped the ipc root: %s", found[0])
	}
	// Sanitized reads find it again.
	got, err := mb.Read("../../etc", ReadOptions{})
	if err != nil || len(got) != 1 {
		t.Errorf("sanitized read failed: %v, %d msgs", err, len(got))
	}
}

func TestParsePriority(t *testing.T) {
	if p, _ := ParsePriority("urgent"); p != PriorityHigh {
		t.Error("urgent should collapse to high")
	}
	if p, _ := ParsePriority(""); p != PriorityNormal {
		t.Error("empty priority defaults to normal")
	}
	if _, err := ParsePriority("whenever"); err == nil {
		t.Error("unknown priority should error")
	}
}

// --- service-level tests ---

type fakeTmuxRunner struct{ sent []string }

func (f *fakeTmuxRunner) Run(args ...string) (string, error) {
	if args[0] == "send-keys" {
		f.sent = append(f.sent, strings.Join(args, " "))
	}
	if args[0] == "display-message" {
		return "%1", nil
	}
	return "", nil
}

func newServiceFixture(t *testing.T) (*Service, *registry.Registry, *fakeTmuxRunner) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(registry.Options{SessionDir: filepath.Join(dir, "s1"), SessionID: "s1", MaxWorkers: 3})
	runner := &fakeTmuxRunner{}
	svc := NewService(NewMailbox(filepath.Join(dir, "s1")), reg, tmux.NewClient(runner), nil)
	return svc, reg, runner
}

func TestSendNotifiesPane(t *testing.T) {
	svc, reg, runner := newServiceFixture(t)
	admin := &agent.Agent{ID: "a1", Role: agent.RoleAdmin, Status: agent.StatusIdle, SessionName: "s1", WindowIndex: 0, PaneIndex: 0}
	if err := reg.Register(admin); err != nil {
		t.Fatal(err)
	}

	err := svc.Send(&Message{SenderID: "w1", ReceiverID: "a1", MessageType: TypeTaskComplete, Content: "done"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runner.sent) == 0 {
		t.Fatal("no send-keys issued")
	}
	if !strings.Contains(runner.sent[0], "[IPC] 新しいメッセージ: task_complete from w1") {
		t.Errorf("notification line wrong: %s", runner.sent[0])
	}
}

func TestBroadcast(t *testing.T) {
	svc, reg, _ := newServiceFixture(t)
	mk := func(id string, role agent.Role, pane int) {
		t.Helper()
		if err := reg.Register(&agent.Agent{ID: id, Role: role, Status: agent.StatusIdle, SessionName: "s1", PaneIndex: pane}); err != nil {
			t.Fatal(err)
		}
	}
	mk("a1", agent.RoleAdmin, 0)
	mk("w1", agent.RoleWorker, 1)
	mk("w2", agent.RoleWorker, 2)

	delivered, failed, err := svc.Broadcast(
		&Message{SenderID: "a1", MessageType: TypeBroadcast, Content: "all hands"},
		BroadcastFilter{Role: agent.RoleWorker},
	)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 2 || failed != 0 {
		t.Errorf("delivered=%d failed=%d", delivered, failed)
	}
	for _, id := range []string{"w1", "w2"} {
		got, _ := svc.Mailbox.Read(id, ReadOptions{})
		if len(got) != 1 {
			t.Errorf("%s should have 1 message, got %d", id, len(got))
		}
	}
	// Sender and admin excluded.
	got, _ := svc.Mailbox.Read("a1", ReadOptions{})
	if len(got) != 0 {
		t.Error("sender must not receive its own broadcast")
	}
}

func TestOwnerWaitPollingBlocked(t *testing.T) {
	svc, reg, _ := newServiceFixture(t)
	owner := &agent.Agent{ID: "o1", Role: agent.RoleOwner, Status: agent.StatusIdle}
	admin := &agent.Agent{ID: "a1", Role: agent.RoleAdmin, Status: agent.StatusIdle, SessionName: "s1", PaneIndex: 0}
	if err := reg.Register(owner); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(admin); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetOwnerWait(registry.OwnerWaitState{Active: true, Since: time.Now()}); err != nil {
		t.Fatal(err)
	}

	// Three empty unread-only polls are tolerated.
	for i := 0; i < 3; i++ {
		res, err := svc.ReadFor(owner, ReadOptions{UnreadOnly: true, MarkAsRead: true})
		if err != nil {
			t.Fatal(err)
		}
		if res.PollingBlocked {
			t.Fatalf("poll %d should not be blocked yet", i+1)
		}
	}
	// The fourth is refused without I/O.
	res, err := svc.ReadFor(owner, ReadOptions{UnreadOnly: true, MarkAsRead: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.PollingBlocked {
		t.Error("expected polling_blocked after threshold")
	}

	// An admin message clears the lock on the next read.
	if err := svc.Mailbox.Write(&Message{SenderID: "a1", ReceiverID: "o1", MessageType: TypeResponse, Content: "plan accepted"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.UpdateOwnerWait(func(s *registry.OwnerWaitState) { s.EmptyPolls = 0 }); err != nil {
		t.Fatal(err)
	}
	res, err = svc.ReadFor(owner, ReadOptions{UnreadOnly: true, MarkAsRead: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.WaitCleared {
		t.Error("admin message should clear the wait-lock")
	}
	state, _ := reg.OwnerWait()
	if state.Active {
		t.Error("wait-lock should be inactive")
	}
}

func TestNonAdminMessageDoesNotClearWait(t *testing.T) {
	svc, reg, _ := newServiceFixture(t)
	owner := &agent.Agent{ID: "o1", Role: agent.RoleOwner, Status: agent.StatusIdle}
	admin := &agent.Agent{ID: "a1", Role: agent.RoleAdmin, Status: agent.StatusIdle, SessionName: "s1", PaneIndex: 0}
	worker := &agent.Agent{ID: "w1", Role: agent.RoleWorker, Status: agent.StatusIdle, SessionName: "s1", PaneIndex: 1}
	for _, a := range []*agent.Agent{owner, admin, worker} {
		if err := reg.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.SetOwnerWait(registry.OwnerWaitState{Active: true, Since: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Mailbox.Write(&Message{SenderID: "w1", ReceiverID: "o1", MessageType: TypeStatusUpdate, Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.ReadFor(owner, ReadOptions{UnreadOnly: true, MarkAsRead: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.WaitCleared {
		t.Error("worker message must not clear the wait-lock")
	}
	state, _ := reg.OwnerWait()
	if !state.Active {
		t.Error("wait-lock should stay active")
	}
}
