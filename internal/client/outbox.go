package client

import (
	"sync"
	"time"

	"pairchat/internal/clock"
	"pairchat/internal/protocol"
)

const (
	DefaultSendAttempts = 3
	DefaultRetryDelay   = time.Second
)

type outboxEntry struct {
	msg      protocol.SendMessage
	attempts int
	written  bool
	timer    clock.Timer
}

// Outbox holds sends until the server confirms them with message:sent.
// Entries are written in submission order. An entry that cannot be written
// retries after attempt × RetryDelay and fails after MaxAttempts.
type Outbox struct {
	clock       clock.Clock
	send        func(protocol.SendMessage) error
	onFailed    func(id string)
	maxAttempts int
	retryDelay  time.Duration

	mu      sync.Mutex
	entries []*outboxEntry
}

// NewOutbox wires the outbox to send. onFailed is called without the outbox
// lock when an entry runs out of attempts.
func NewOutbox(clk clock.Clock, send func(protocol.SendMessage) error, onFailed func(id string)) *Outbox {
	return &Outbox{
		clock:       clk,
		send:        send,
		onFailed:    onFailed,
		maxAttempts: DefaultSendAttempts,
		retryDelay:  DefaultRetryDelay,
	}
}

// Submit queues msg and writes it right away when nothing older is waiting.
func (o *Outbox) Submit(msg protocol.SendMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e := &outboxEntry{msg: msg}
	blocked := false
	for _, prev := range o.entries {
		if !prev.written {
			blocked = true
			break
		}
	}
	o.entries = append(o.entries, e)
	if !blocked && o.send(msg) == nil {
		e.written = true
		return
	}
	o.scheduleLocked(e)
}

func (o *Outbox) scheduleLocked(e *outboxEntry) {
	delay := time.Duration(e.attempts+1) * o.retryDelay
	e.timer = o.clock.AfterFunc(delay, func() { o.retry(e) })
}

func (o *Outbox) retry(e *outboxEntry) {
	o.mu.Lock()
	if !o.containsLocked(e) || e.written {
		o.mu.Unlock()
		return
	}
	e.attempts++
	e.timer = nil
	if o.send(e.msg) == nil {
		e.written = true
		o.mu.Unlock()
		return
	}
	if e.attempts < o.maxAttempts {
		o.scheduleLocked(e)
		o.mu.Unlock()
		return
	}
	o.removeLocked(e.msg.ID)
	o.mu.Unlock()

	if o.onFailed != nil {
		o.onFailed(e.msg.ID)
	}
}

// Flush writes every unconfirmed entry in order. Entries written on a
// previous connection are written again; the server ignores repeated ids.
func (o *Outbox) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if o.send(e.msg) != nil {
			e.written = false
			if e.timer == nil {
				o.scheduleLocked(e)
			}
			return
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.written = true
	}
}

// Ack drops the entry confirmed by message:sent.
func (o *Outbox) Ack(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.removeLocked(id)
}

// Reject drops an entry the server refused. The caller marks it failed.
func (o *Outbox) Reject(id string) bool {
	return o.Ack(id)
}

func (o *Outbox) Pending() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.entries))
	for _, e := range o.entries {
		ids = append(ids, e.msg.ID)
	}
	return ids
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Abandon empties the queue and returns the ids it held, oldest first.
// Entries already written to a connection that is gone are included.
func (o *Outbox) Abandon() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.entries))
	for _, e := range o.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		ids = append(ids, e.msg.ID)
	}
	o.entries = nil
	return ids
}

// Stop cancels every retry timer and forgets the queue.
func (o *Outbox) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	o.entries = nil
}

func (o *Outbox) containsLocked(e *outboxEntry) bool {
	for _, cur := range o.entries {
		if cur == e {
			return true
		}
	}
	return false
}

func (o *Outbox) removeLocked(id string) bool {
	for i, e := range o.entries {
		if e.msg.ID != id {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		o.entries = append(o.entries[:i], o.entries[i+1:]...)
		return true
	}
	return false
}
