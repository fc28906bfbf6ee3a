package session

import (
	"sync"
	"time"

	"github.com/peermind/peermind/core"
)

// Message is one turn recorded in a session transcript.
type Message struct {
	Role      string    `json:"role"` // user or assistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a stateful conversational context held against the inference
// engine. It is created lazily by the Pool and owned exclusively by it; the
// engine-serialization mutex is held by the pool for the duration of every
// Send/Stream call.
type Session struct {
	ID      string
	Created time.Time

	// mu serializes engine access for this session.
	mu sync.Mutex

	stateMu      sync.RWMutex
	messageCount int
	transcript   []Message
	closed       bool
}

func newSession() *Session {
	return &Session{ID: core.NewID(), Created: time.Now().UTC()}
}

// MessageCount returns the number of recorded transcript messages.
func (s *Session) MessageCount() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.messageCount
}

// Transcript returns a defensive copy of the recorded conversation.
func (s *Session) Transcript() []Message {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	out := make([]Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Session) append(role, text string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.transcript = append(s.transcript, Message{Role: role, Text: text, Timestamp: time.Now().UTC()})
	s.messageCount++
}

func (s *Session) close() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.closed = true
}

func (s *Session) isClosed() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.closed
}
