package relay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/drivelink/callkit/shared"
)

const inboxDepth = 32

// Memory is an in-process relay. It backs tests and single-process demos and
// deliberately mirrors the weak semantics of a remote relay: no subscriber
// means the message vanishes, and a full inbox drops the newest message
// rather than blocking the publisher.
type Memory struct {
	logger shared.LoggerAdapter

	mu      sync.Mutex
	inboxes map[string]chan Envelope
	closed  bool
}

var _ Channel = (*Memory)(nil)

func NewMemory(logger shared.LoggerAdapter) *Memory {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Memory{
		logger:  logger,
		inboxes: make(map[string]chan Envelope),
	}
}

// Publish delivers anonymously; From stays empty. Participants should go
// through Sender so deliveries carry their identity the way an authenticated
// transport would stamp it.
func (m *Memory) Publish(target string, data []byte) error {
	return m.publish("", target, data)
}

func (m *Memory) publish(from, target string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return shared.ErrChannelClosed
	}
	inbox, ok := m.inboxes[target]
	if !ok {
		m.logger.Debug("no subscriber, dropping message", zap.String("target", target))
		return nil
	}
	select {
	case inbox <- Envelope{From: from, To: target, Data: data}:
	default:
		m.logger.Warn("inbox full, dropping message", zap.String("target", target))
	}
	return nil
}

// Sender returns a view of the broker bound to one participant: everything
// published through it carries from as the sender.
func (m *Memory) Sender(from string) Channel {
	return &memorySender{m: m, from: from}
}

type memorySender struct {
	m    *Memory
	from string
}

var _ Channel = (*memorySender)(nil)

func (s *memorySender) Publish(target string, data []byte) error {
	return s.m.publish(s.from, target, data)
}

func (s *memorySender) Subscribe(userID string) (<-chan Envelope, func(), error) {
	return s.m.Subscribe(userID)
}

func (m *Memory) Subscribe(userID string) (<-chan Envelope, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, shared.ErrChannelClosed
	}
	if old, ok := m.inboxes[userID]; ok {
		// A fresh subscription replaces a stale one.
		close(old)
	}
	inbox := make(chan Envelope, inboxDepth)
	m.inboxes[userID] = inbox
	m.logger.Debug("inbox opened", zap.String("user_id", userID))

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.inboxes[userID]; ok && cur == inbox {
			delete(m.inboxes, userID)
			close(inbox)
		}
	}
	return inbox, cancel, nil
}

// Close drops every open inbox.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, inbox := range m.inboxes {
		delete(m.inboxes, id)
		close(inbox)
	}
}
