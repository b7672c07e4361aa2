package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/terraphim/agentmux/internal/fsutil"
)

const frontMatterDelim = "---\n"

// Mailbox stores message files under {session_dir}/ipc/{receiver_id}/.
type Mailbox struct {
	root string // {session_dir}/ipc
}

// NewMailbox creates a mailbox rooted at sessionDir.
func NewMailbox(sessionDir string) *Mailbox {
	return &Mailbox{root: filepath.Join(sessionDir, "ipc")}
}

// Root returns the ipc directory.
func (b *Mailbox) Root() string {
	return b.root
}

// dirFor returns the sanitized per-recipient directory.
func (b *Mailbox) dirFor(receiverID string) string {
	return filepath.Join(b.root, fsutil.SanitizeName(receiverID))
}

// filename builds the chronological message filename:
// {YYYYMMDD}_{HHMMSS}_{microsec}_{id8}.md
func filename(createdAt time.Time, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%06d_%s.md",
		createdAt.Format("20060102_150405"), createdAt.Nanosecond()/1000, short)
}

// Write persists a message file atomically. Missing id, priority, and
// timestamp are filled in. Supplying an explicit id makes the write
// idempotent: an existing file for that id is left untouched.
func (b *Mailbox) Write(msg *Message) error {
	if msg.SenderID == "" {
		return errors.New("sender_id required")
	}
	if msg.ReceiverID == "" {
		return errors.New("receiver_id required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	} else if existing, _ := b.findByID(msg.ReceiverID, msg.ID); existing != "" {
		return nil
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	dir := b.dirFor(msg.ReceiverID)
	if err := fsutil.EnsureDir(dir); err != nil {
		return err
	}
	data, err := encode(msg)
	if err != nil {
		return err
	}
	return fsutil.AtomicWriteFile(filepath.Join(dir, filename(msg.CreatedAt, msg.ID)), data, 0o644)
}

// encode serializes front matter + markdown body.
func encode(msg *Message) ([]byte, error) {
	front, err := yaml.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim)
	buf.Write(front)
	buf.WriteString(frontMatterDelim)
	buf.WriteString("\n")
	buf.WriteString(msg.Content)
	if !strings.HasSuffix(msg.Content, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// decode parses a message file.
func decode(data []byte) (*Message, error) {
	rest, ok := bytes.CutPrefix(data, []byte(frontMatterDelim))
	if !ok {
		return nil, errors.New("message missing front matter")
	}
	idx := bytes.Index(rest, []byte("\n"+frontMatterDelim))
	if idx < 0 {
		return nil, errors.New("message front matter not terminated")
	}
	var msg Message
	if err := yaml.Unmarshal(rest[:idx+1], &msg); err != nil {
		return nil, fmt.Errorf("parse message front matter: %w", err)
	}
	body := rest[idx+1+len(frontMatterDelim):]
	msg.Content = strings.TrimSuffix(strings.TrimPrefix(string(body), "\n"), "\n")
	return &msg, nil
}

// entry pairs a parsed message with its file path.
type entry struct {
	path string
	msg  *Message
}

// list returns all parseable messages for a receiver in filename
// (chronological) order. Unreadable files are skipped.
func (b *Mailbox) list(receiverID string) ([]entry, error) {
	dir := b.dirFor(receiverID)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mailbox: %w", err)
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		if !f.IsDir() && strings.HasSuffix(f.Name(), ".md") {
			names = append(names, f.Name())
		}
	}
	sort.Strings(names)

	var out []entry
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		msg, err := decode(data)
		if err != nil {
			continue
		}
		out = append(out, entry{path: path, msg: msg})
	}
	return out, nil
}

func (b *Mailbox) findByID(receiverID, id string) (string, error) {
	entries, err := b.list(receiverID)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.msg.ID == id {
			return e.path, nil
		}
	}
	return "", nil
}

// ReadOptions controls a mailbox read.
type ReadOptions struct {
	UnreadOnly bool
	MarkAsRead bool
}

// Read returns messages chronologically. With MarkAsRead, each
// returned message's read_at is set atomically per file.
func (b *Mailbox) Read(receiverID string, opts ReadOptions) ([]*Message, error) {
	entries, err := b.list(receiverID)
	if err != nil {
		return nil, err
	}
	var out []*Message
	now := time.Now()
	for _, e := range entries {
		if opts.UnreadOnly && e.msg.Read() {
			continue
		}
		if opts.MarkAsRead && !e.msg.Read() {
			e.msg.ReadAt = &now
			data, err := encode(e.msg)
			if err == nil {
				_ = fsutil.AtomicWriteFile(e.path, data, 0o644)
			}
		}
		out = append(out, e.msg)
	}
	return out, nil
}

// UnreadCount walks the mailbox without modifying anything.
func (b *Mailbox) UnreadCount(receiverID string) (int, error) {
	entries, err := b.list(receiverID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.msg.Read() {
			n++
		}
	}
	return n, nil
}

// Cleanup removes every mailbox directory.
func (b *Mailbox) Cleanup() error {
	return os.RemoveAll(b.root)
}
