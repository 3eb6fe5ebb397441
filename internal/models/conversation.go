package models

import (
	"errors"
	"strings"
)

var ErrInvalidConversation = errors.New("a conversation needs two distinct participants")

// Conversation is the unordered pair of users exchanging direct messages.
type Conversation struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewConversation builds a normalized conversation between two users.
func NewConversation(u1, u2 string) (Conversation, error) {
	if u1 == "" || u2 == "" || u1 == u2 {
		return Conversation{}, ErrInvalidConversation
	}
	return Conversation{A: u1, B: u2}.normalize(), nil
}

func (c Conversation) normalize() Conversation {
	if c.B < c.A {
		c.A, c.B = c.B, c.A
	}
	return c
}

// Includes reports whether user participates in the conversation.
func (c Conversation) Includes(user string) bool {
	return user != "" && (c.A == user || c.B == user)
}

// Other returns the participant that is not me, or "" when me is not a participant.
func (c Conversation) Other(me string) string {
	switch me {
	case c.A:
		return c.B
	case c.B:
		return c.A
	}
	return ""
}

// Key is a stable identifier usable in maps and cache keys.
func (c Conversation) Key() string {
	return strings.Join([]string{c.A, c.B}, ":")
}
