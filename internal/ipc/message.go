// Package ipc delivers messages between agents through per-recipient
// mailbox directories on disk, paired with pane-level wake-up
// notifications. Message files are YAML front matter + markdown body;
// filenames are timestamp-prefixed so a directory listing returns
// chronological order.
package ipc

import (
	"fmt"
	"time"
)

// MessageType classifies a message.
type MessageType string

const (
	TypeTaskAssign   MessageType = "task_assign"
	TypeTaskProgress MessageType = "task_progress"
	TypeTaskComplete MessageType = "task_complete"
	TypeTaskFailed   MessageType = "task_failed"
	TypeTaskApproved MessageType = "task_approved"
	TypeStatusUpdate MessageType = "status_update"
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeBroadcast    MessageType = "broadcast"
	TypeSystem       MessageType = "system"
	TypeError        MessageType = "error"
)

// ParseMessageType validates a message type name.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case TypeTaskAssign, TypeTaskProgress, TypeTaskComplete, TypeTaskFailed,
		TypeTaskApproved, TypeStatusUpdate, TypeRequest, TypeResponse,
		TypeBroadcast, TypeSystem, TypeError:
		return MessageType(s), nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// Priority orders messages for the reader.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority validates a priority name. The legacy "urgent" value
// collapses to high.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(s), nil
	}
	if s == "urgent" {
		return PriorityHigh, nil
	}
	if s == "" {
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Message is one mailbox entry. Immutable once written except ReadAt.
type Message struct {
	ID          string         `yaml:"id" json:"id"`
	SenderID    string         `yaml:"sender_id" json:"sender_id"`
	ReceiverID  string         `yaml:"receiver_id" json:"receiver_id"`
	MessageType MessageType    `yaml:"message_type" json:"message_type"`
	Priority    Priority       `yaml:"priority" json:"priority"`
	Subject     string         `yaml:"subject,omitempty" json:"subject,omitempty"`
	Content     string         `yaml:"-" json:"content"`
	CreatedAt   time.Time      `yaml:"created_at" json:"created_at"`
	ReadAt      *time.Time     `yaml:"read_at,omitempty" json:"read_at,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Read reports whether the message has been marked read.
func (m *Message) Read() bool {
	return m.ReadAt != nil
}

// TaskID returns the task id from metadata, if any.
func (m *Message) TaskID() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["task_id"].(string); ok {
		return v
	}
	return ""
}

// ProgressValue returns the progress from metadata, or -1.
func (m *Message) ProgressValue() int {
	if m.Metadata == nil {
		return -1
	}
	switch v := m.Metadata["progress"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return -1
}
