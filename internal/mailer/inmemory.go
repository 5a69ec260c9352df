package mailer

import (
	"sync"

	"maildispatchd/internal/mail"
)

// InMemorySender records every message instead of delivering it. Used by
// tests and by sandbox deployments where real delivery must not happen.
type InMemorySender struct {
	mu       sync.Mutex
	sent     []mail.Message
	failWith error
}

func NewInMemorySender() *InMemorySender {
	return &InMemorySender{}
}

func (s *InMemorySender) Send(msg *mail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.sent = append(s.sent, *msg)
	return nil
}

// FailWith makes every subsequent Send return err; nil restores delivery.
func (s *InMemorySender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Sent returns a copy of the recorded messages.
func (s *InMemorySender) Sent() []mail.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mail.Message, len(s.sent))
	copy(out, s.sent)
	return out
}
