// Package typing forwards typing indicators between the two parties of a
// conversation. Nothing is stored and nothing is queued.
package typing

import (
	"errors"

	"pairchat/internal/protocol"
	"pairchat/internal/registry"
)

var (
	ErrUnauthorized = errors.New("typing as another user")
	ErrSelf         = errors.New("typing indicator addressed to sender")
)

// Pusher hands an event to the outbound queue of one live connection.
type Pusher interface {
	Push(connID string, ev protocol.ServerEvent) bool
}

type Relay struct {
	registry *registry.Registry
	pusher   Pusher
}

func NewRelay(reg *registry.Registry, pusher Pusher) *Relay {
	return &Relay{registry: reg, pusher: pusher}
}

// Forward relays a typing:start or typing:stop from actor. It reports whether
// the receiver was reachable; an absent receiver is not an error.
func (r *Relay) Forward(actor string, ev protocol.Typing) (bool, error) {
	if actor == "" || ev.Username != actor {
		return false, ErrUnauthorized
	}
	if ev.Receiver == "" || ev.Receiver == actor {
		return false, ErrSelf
	}

	connID, ok := r.registry.Lookup(ev.Receiver)
	if !ok {
		return false, nil
	}
	return r.pusher.Push(connID, protocol.TypingIndicator{Username: actor, Active: ev.Active}), nil
}

func (r *Relay) Start(from, to string) (bool, error) {
	return r.Forward(from, protocol.Typing{Username: from, Receiver: to, Active: true})
}

func (r *Relay) Stop(from, to string) (bool, error) {
	return r.Forward(from, protocol.Typing{Username: from, Receiver: to})
}
