package ipc

import (
	"fmt"
	"log/slog"

	"github.com/terraphim/agentmux/internal/agent"
	"github.com/terraphim/agentmux/internal/registry"
	"github.com/terraphim/agentmux/internal/tmux"
)

// noticeFormat is the single wake-up line pushed to a receiver's pane.
const noticeFormat = "[IPC] 新しいメッセージ: %s from %s"

// DesktopNotifier delivers an out-of-band notification when the
// receiver has no pane (the owner runs outside the grid).
type DesktopNotifier interface {
	Notify(title, message string) error
}

// Service composes the mailbox with pane notifications and the owner
// wait-lock bookkeeping.
type Service struct {
	Mailbox  *Mailbox
	Registry *registry.Registry
	Tmux     *tmux.Client
	Desktop  DesktopNotifier

	// PollingBlockThreshold is how many consecutive empty unread-only
	// reads the owner gets before polling is refused.
	PollingBlockThreshold int
}

// NewService wires an IPC service. desktop may be nil.
func NewService(mb *Mailbox, reg *registry.Registry, tc *tmux.Client, desktop DesktopNotifier) *Service {
	return &Service{
		Mailbox:               mb,
		Registry:              reg,
		Tmux:                  tc,
		Desktop:               desktop,
		PollingBlockThreshold: 3,
	}
}

// Send validates, persists, and announces one message. Permission
// checking happens in the façade before this runs.
func (s *Service) Send(msg *Message) error {
	if err := s.Mailbox.Write(msg); err != nil {
		return err
	}
	s.notify(msg)
	return nil
}

// notify pushes the wake-up line to the receiver's pane, or falls back
// to a desktop notification for pane-less receivers. Failures are
// logged, never propagated: the durable write already succeeded.
func (s *Service) notify(msg *Message) {
	receiver, err := s.Registry.Lookup(msg.ReceiverID)
	if err != nil || !receiver.Live() {
		return
	}
	line := fmt.Sprintf(noticeFormat, msg.MessageType, msg.SenderID)

	if receiver.SessionName == "" {
		if s.Desktop != nil {
			if err := s.Desktop.Notify("agentmux", line); err != nil {
				slog.Debug("desktop notification failed", "receiver", msg.ReceiverID, "err", err)
			}
		}
		return
	}
	target := receiver.Pane().Target()
	if !s.Tmux.PaneExists(target) {
		return
	}
	if err := s.Tmux.SendKeys(target, line, true); err != nil {
		slog.Warn("pane notification failed", "receiver", msg.ReceiverID, "target", target, "err", err)
	}
}

// BroadcastFilter selects recipients for a broadcast.
type BroadcastFilter struct {
	Role agent.Role // empty matches every role
}

// Broadcast expands a message to all live agents matching the filter,
// excluding the sender. Delivery is best-effort per recipient;
// individual failures do not abort the batch.
func (s *Service) Broadcast(msg *Message, filter BroadcastFilter) (delivered int, failed int, err error) {
	live, err := s.Registry.Live()
	if err != nil {
		return 0, 0, err
	}
	for _, a := range live {
		if a.ID == msg.SenderID {
			continue
		}
		if filter.Role != "" && a.Role != filter.Role {
			continue
		}
		cp := *msg
		cp.ID = "" // each recipient gets its own message id
		cp.ReceiverID = a.ID
		if werr := s.Mailbox.Write(&cp); werr != nil {
			slog.Warn("broadcast delivery failed", "receiver", a.ID, "err", werr)
			failed++
			continue
		}
		s.notify(&cp)
		delivered++
	}
	return delivered, failed, nil
}

// ReadResult is the outcome of a mailbox read for the façade.
type ReadResult struct {
	Messages       []*Message
	PollingBlocked bool
	WaitCleared    bool
}

// ReadFor reads a mailbox applying the owner wait-lock rules: an empty
// unread-only poll streak past the threshold short-circuits without
// I/O, and a message from the admin clears the wait-lock.
func (s *Service) ReadFor(caller *agent.Agent, opts ReadOptions) (*ReadResult, error) {
	if caller.Role == agent.RoleOwner {
		state, err := s.Registry.OwnerWait()
		if err != nil {
			return nil, err
		}
		if state.Active && opts.UnreadOnly && state.EmptyPolls >= s.PollingBlockThreshold {
			return &ReadResult{PollingBlocked: true}, nil
		}
	}

	msgs, err := s.Mailbox.Read(caller.ID, opts)
	if err != nil {
		return nil, err
	}
	res := &ReadResult{Messages: msgs}

	if caller.Role == agent.RoleOwner {
		res.WaitCleared, err = s.settleOwnerWait(msgs, opts)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// settleOwnerWait updates wait-lock state after an owner read: a
// message whose sender is the admin clears the lock; an empty
// unread-only read bumps the polling counter.
func (s *Service) settleOwnerWait(msgs []*Message, opts ReadOptions) (cleared bool, err error) {
	state, err := s.Registry.OwnerWait()
	if err != nil || !state.Active {
		return false, err
	}

	adminID := ""
	if admin, aerr := s.Registry.FindByRole(agent.RoleAdmin); aerr == nil {
		adminID = admin.ID
	}
	for _, m := range msgs {
		if adminID != "" && m.SenderID == adminID {
			cleared = true
			break
		}
	}

	if cleared {
		return true, s.Registry.SetOwnerWait(registry.OwnerWaitState{})
	}
	if opts.UnreadOnly && len(msgs) == 0 {
		return false, s.Registry.UpdateOwnerWait(func(st *registry.OwnerWaitState) {
			st.EmptyPolls++
		})
	}
	return false, nil
}
