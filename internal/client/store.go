package client

import (
	"sort"
	"sync"
	"time"

	"pairchat/internal/models"
)

// Status is the display state of a message. Pending, Sent, Delivered and
// Read only move forward. Failed applies to local sends and is left only by
// a resend or by a later server confirmation.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// rank orders the forward states. Failed ranks with Pending so any server
// confirmation lifts it.
func (s Status) rank() int {
	if s == StatusFailed {
		return 0
	}
	return int(s)
}

func statusOf(msg models.Message) Status {
	switch {
	case msg.Read():
		return StatusRead
	case msg.Delivered():
		return StatusDelivered
	}
	return StatusSent
}

// Entry is a message as the UI shows it.
type Entry struct {
	models.Message
	Status Status
}

// Conversation is the local message list for one peer, kept sorted by
// (createdAt, id).
type Conversation struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewConversation() *Conversation {
	return &Conversation{entries: make(map[string]*Entry)}
}

// AddLocal records an outgoing message before the server has seen it.
func (c *Conversation) AddLocal(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[msg.ID]; ok {
		return
	}
	c.entries[msg.ID] = &Entry{Message: msg, Status: StatusPending}
}

// Upsert merges a server copy of a message. The status never moves back.
func (c *Conversation) Upsert(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(msg)
}

func (c *Conversation) upsertLocked(msg models.Message) {
	cur, ok := c.entries[msg.ID]
	if !ok {
		c.entries[msg.ID] = &Entry{Message: msg, Status: statusOf(msg)}
		return
	}

	merged := msg
	if merged.DeliveredAt == nil {
		merged.DeliveredAt = cur.DeliveredAt
	}
	if merged.ReadAt == nil {
		merged.ReadAt = cur.ReadAt
	}
	cur.Message = merged
	if next := statusOf(merged); cur.Status == StatusFailed || next.rank() > cur.Status.rank() {
		cur.Status = next
	}
}

// Advance applies a delivered or read receipt. It reports whether the id is
// known here.
func (c *Conversation) Advance(id string, status Status, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}

	switch status {
	case StatusDelivered:
		if e.DeliveredAt == nil {
			e.DeliveredAt = &at
		}
	case StatusRead:
		if e.ReadAt == nil {
			e.ReadAt = &at
		}
		if e.DeliveredAt == nil {
			e.DeliveredAt = &at
		}
	}
	if status.rank() > e.Status.rank() || (e.Status == StatusFailed && status != StatusFailed) {
		e.Status = status
	}
	return true
}

// Fail marks a local send as failed. Confirmed messages are left alone.
func (c *Conversation) Fail(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.Status != StatusPending {
		return false
	}
	e.Status = StatusFailed
	return true
}

// Retry moves a failed message back to pending and returns it.
func (c *Conversation) Retry(id string) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.Status != StatusFailed {
		return models.Message{}, false
	}
	e.Status = StatusPending
	return e.Message, true
}

// Replace swaps in the authoritative list. Local pending or failed messages
// the server does not know yet survive.
func (c *Conversation) Replace(list []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]*Entry, len(list))
	for _, msg := range list {
		next[msg.ID] = &Entry{Message: msg, Status: statusOf(msg)}
	}
	for id, e := range c.entries {
		if _, ok := next[id]; ok {
			continue
		}
		if e.Status == StatusPending || e.Status == StatusFailed {
			next[id] = e
		}
	}
	c.entries = next
}

func (c *Conversation) Get(id string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a sorted snapshot.
func (c *Conversation) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Unread lists ids of messages from peer that have not been read.
func (c *Conversation) Unread(peer string) []string {
	var ids []string
	for _, e := range c.Entries() {
		if e.SenderUsername == peer && e.ReadAt == nil {
			ids = append(ids, e.ID)
		}
	}
	return ids
}
