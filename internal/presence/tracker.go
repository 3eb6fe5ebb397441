// Package presence turns registry changes into online/offline broadcasts and
// records the last known state in the presence store.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pairchat/internal/clock"
	"pairchat/internal/models"
	"pairchat/internal/observability"
	"pairchat/internal/protocol"
	"pairchat/internal/registry"
	"pairchat/internal/repositories"
)

const (
	writeQueueSize = 64
	writeTimeout   = 10 * time.Second
)

// Pusher hands an event to the outbound queue of one live connection.
type Pusher interface {
	Push(connID string, ev protocol.ServerEvent) bool
}

type write struct {
	username string
	online   bool
	at       time.Time
}

// Tracker owns the online state derived from the registry.
type Tracker struct {
	registry *registry.Registry
	pusher   Pusher
	store    repositories.PresenceRepository
	clock    clock.Clock
	logger   logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	writes chan write
	done   chan struct{}
}

// NewTracker starts the background writer. Close stops it.
func NewTracker(reg *registry.Registry, pusher Pusher, store repositories.PresenceRepository, clk clock.Clock, logger logrus.FieldLogger) *Tracker {
	t := &Tracker{
		registry: reg,
		pusher:   pusher,
		store:    store,
		clock:    clk,
		logger:   logger.WithField("component", "presence"),
		writes:   make(chan write, writeQueueSize),
		done:     make(chan struct{}),
	}
	go t.run()
	return t
}

// Join registers connID for username. Other users are told about the user
// only when it had no live connection before.
func (t *Tracker) Join(username, connID string) (superseded string, wasOnline bool) {
	superseded, wasOnline = t.registry.Register(username, connID)
	if wasOnline {
		t.logger.WithFields(logrus.Fields{"username": username, "conn_id": connID, "superseded": superseded}).Info("connection superseded")
		return superseded, true
	}

	t.broadcast(username, protocol.PresenceChanged{Username: username, IsOnline: true})
	t.enqueue(write{username: username, online: true, at: t.clock.Now().UTC()})
	return "", false
}

// Leave unregisters connID. A superseded connection leaves silently.
func (t *Tracker) Leave(connID string) (username string, wentOffline bool) {
	username, wentOffline = t.registry.Unregister(connID)
	if !wentOffline {
		return "", false
	}

	seen := t.clock.Now().UTC()
	t.broadcast(username, protocol.PresenceChanged{Username: username, IsOnline: false, LastSeen: &seen})
	t.enqueue(write{username: username, online: false, at: seen})
	return username, true
}

// Online reports whether username has a live connection.
func (t *Tracker) Online(username string) bool {
	_, ok := t.registry.Lookup(username)
	return ok
}

// OnlineUsers lists every user with a live connection.
func (t *Tracker) OnlineUsers() []string {
	return t.registry.Usernames()
}

// Presence combines the live state with the stored last-seen time.
func (t *Tracker) Presence(ctx context.Context, username string) (models.Presence, error) {
	p, err := t.store.GetPresence(ctx, username)
	if err != nil {
		return models.Presence{}, err
	}
	p.IsOnline = t.Online(username)
	return p, nil
}

func (t *Tracker) broadcast(username string, ev protocol.PresenceChanged) {
	for _, other := range t.registry.Usernames() {
		if other == username {
			continue
		}
		if connID, ok := t.registry.Lookup(other); ok {
			t.pusher.Push(connID, ev)
		}
	}
}

func (t *Tracker) enqueue(w write) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.writes <- w:
	default:
		observability.IncPresenceWriteError()
		t.logger.WithField("username", w.username).Warn("presence write queue full, dropping write")
	}
}

func (t *Tracker) run() {
	defer close(t.done)
	for w := range t.writes {
		t.persist(w)
	}
}

func (t *Tracker) persist(w write) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	entry := t.logger.WithFields(logrus.Fields{"username": w.username, "online": w.online})
	if err := t.store.UpdatePresence(ctx, w.username, w.online, w.at); err != nil {
		observability.IncPresenceWriteError()
		entry.WithError(err).Warn("presence write failed")
	}

	routingKey, name := observability.RoutingPresenceOnline, "user_online"
	if !w.online {
		routingKey, name = observability.RoutingPresenceOff, "user_offline"
	}
	_ = observability.PublishEvent(ctx, routingKey, observability.NewEnvelope("presence_events", name, models.Presence{
		Username: w.username,
		IsOnline: w.online,
		LastSeen: &w.at,
	}), nil)
}

// Close flushes queued writes and stops the writer.
func (t *Tracker) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.writes)
	}
	t.mu.Unlock()
	<-t.done
}
