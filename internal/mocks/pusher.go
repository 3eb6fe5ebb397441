package mocks

import (
	"sync"

	"pairchat/internal/protocol"
)

// Push is one event handed to a connection.
type Push struct {
	ConnID string
	Event  protocol.ServerEvent
}

// Pusher records pushed events in order. Connections listed in Refuse
// behave like a full outbound queue.
type Pusher struct {
	mu     sync.Mutex
	pushes []Push
	Refuse map[string]bool
}

func (p *Pusher) Push(connID string, ev protocol.ServerEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Refuse[connID] {
		return false
	}
	p.pushes = append(p.pushes, Push{ConnID: connID, Event: ev})
	return true
}

// All returns every accepted push.
func (p *Pusher) All() []Push {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Push(nil), p.pushes...)
}

// To returns the events accepted for connID.
func (p *Pusher) To(connID string) []protocol.ServerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.ServerEvent
	for _, push := range p.pushes {
		if push.ConnID == connID {
			out = append(out, push.Event)
		}
	}
	return out
}

// Types returns the wire names of the events accepted for connID.
func (p *Pusher) Types(connID string) []string {
	var out []string
	for _, ev := range p.To(connID) {
		out = append(out, ev.EventType())
	}
	return out
}

func (p *Pusher) Reset() {
	p.mu.Lock()
	p.pushes = nil
	p.mu.Unlock()
}
