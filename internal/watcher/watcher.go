// Package watcher observes the session ipc/ tree with fsnotify and
// publishes mailbox events onto the bus, feeding the HTTP event stream
// and owner desktop notifications without polling.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/terraphim/agentmux/internal/events"
)

// MailboxWatcher publishes a message.received event whenever a new
// message file lands in a recipient directory.
type MailboxWatcher struct {
	ipcRoot   string
	bus       *events.Bus
	sessionID string
}

// New creates a watcher over {session_dir}/ipc.
func New(ipcRoot string, bus *events.Bus, sessionID string) *MailboxWatcher {
	return &MailboxWatcher{ipcRoot: ipcRoot, bus: bus, sessionID: sessionID}
}

// Run watches until ctx is cancelled. New per-recipient directories
// are added to the watch set as they appear.
func (w *MailboxWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := os.MkdirAll(w.ipcRoot, 0o755); err != nil {
		return err
	}
	if err := fw.Add(w.ipcRoot); err != nil {
		return err
	}
	// Pick up recipient directories that already exist.
	if entries, err := os.ReadDir(w.ipcRoot); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = fw.Add(filepath.Join(w.ipcRoot, e.Name()))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Debug("mailbox watcher error", "err", err)
		}
	}
}

func (w *MailboxWatcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// A new recipient mailbox appeared.
		_ = fw.Add(ev.Name)
		return
	}
	if !strings.HasSuffix(ev.Name, ".md") {
		return
	}
	receiver := filepath.Base(filepath.Dir(ev.Name))
	w.bus.Publish(events.Event{
		Type:      events.MessageReceived,
		SessionID: w.sessionID,
		AgentID:   receiver,
		Message:   filepath.Base(ev.Name),
	})
}
