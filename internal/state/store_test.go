package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/terraphim/agentmux/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndList(t *testing.T) {
	s := openTestStore(t)

	evs := []events.Event{
		{Type: events.AgentCreated, SessionID: "s1", AgentID: "w1"},
		{Type: events.TaskCreated, SessionID: "s1", TaskID: "t1"},
		{Type: events.TaskCreated, SessionID: "other", TaskID: "t9"},
	}
	for i, ev := range evs {
		ev.Timestamp = time.Now().Add(time.Duration(i) * time.Second)
		if err := s.Append(ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := s.List("s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	// Newest first.
	if entries[0].EventType != string(events.TaskCreated) {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].AgentID != "w1" {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestCountByType(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.Append(events.Event{Type: events.RecoveryAttempt, SessionID: "s1"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Append(events.Event{Type: events.AgentCreated, SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountByType("s1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[string(events.RecoveryAttempt)] != 3 || counts[string(events.AgentCreated)] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestAttach(t *testing.T) {
	s := openTestStore(t)
	bus := events.NewBus()
	stop := s.Attach(bus)

	bus.Publish(events.Event{Type: events.SessionStarted, SessionID: "s1"})
	stop()

	entries, err := s.List("s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].EventType != string(events.SessionStarted) {
		t.Errorf("entries = %+v", entries)
	}
}
