package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType represents the type of chat message
type MessageType string

const (
	MessageTypeText MessageType = "text" // typed by a user
	MessageTypeCall MessageType = "call" // call summary posted when a call ends
)

// Message is one entry of a thread.
type Message struct {
	ID        string      `json:"id"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
}

// NewMessage creates a text message
func NewMessage(from, to, content string, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Type:      MessageTypeText,
		Content:   content,
		Timestamp: now.UnixMilli(),
	}
}

// NewCallEvent creates a call summary entry
func NewCallEvent(from, to, summary string, now time.Time) Message {
	m := NewMessage(from, to, summary, now)
	m.Type = MessageTypeCall
	return m
}

// ThreadID is the conversation id of two users. Both sides compute the same
// value regardless of who writes first.
func ThreadID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "_")
}
