package testutil

import (
	"strings"
	"sync"
)

// Message levels recorded by Sink.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
	LevelSuccess = "success"
)

// Message is one recorded item message.
type Message struct {
	Level string
	Text  string
}

// Sink records item messages for assertions. It is safe for concurrent use.
type Sink struct {
	mu       sync.Mutex
	messages []Message
}

// NewSink returns an empty sink.
func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) add(level, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Level: level, Text: text})
}

// Msg records an informational message.
func (s *Sink) Msg(msg string) { s.add(LevelInfo, msg) }

// MsgWarning records a warning.
func (s *Sink) MsgWarning(msg string) { s.add(LevelWarning, msg) }

// MsgError records an error.
func (s *Sink) MsgError(msg string) { s.add(LevelError, msg) }

// MsgSuccess records a success message.
func (s *Sink) MsgSuccess(msg string) { s.add(LevelSuccess, msg) }

// Messages returns the texts recorded at level, in order.
func (s *Sink) Messages(level string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.messages {
		if m.Level == level {
			out = append(out, m.Text)
		}
	}
	return out
}

// Contains reports whether any message at level contains substr.
func (s *Sink) Contains(level, substr string) bool {
	for _, m := range s.Messages(level) {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}
