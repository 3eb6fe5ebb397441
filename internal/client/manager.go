package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pairchat/internal/clock"
	"pairchat/internal/protocol"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Closed is terminal: logout or a deliberate close from the server.
	Closed
	// Failed is reached after MaxAttempts consecutive failed attempts.
	// Only Reconnect leaves it.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultMaxAttempts      = 5
	DefaultBaseDelay        = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

var ErrTerminal = errors.New("connection is closed")

type ManagerConfig struct {
	Username         string
	MaxAttempts      int
	BaseDelay        time.Duration
	HandshakeTimeout time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// Hooks are invoked without the manager lock held. OnEvent runs on the
// transport's read goroutine.
type Hooks struct {
	OnState func(State)
	OnEvent func(protocol.ServerEvent)
	// OnConnected runs after join:ack. resumed is false for the first
	// successful connection and true for every reconnect after it.
	OnConnected func(ack protocol.JoinAck, resumed bool)
}

// Manager owns the connection lifecycle. A dropped connection is retried
// with delay n × BaseDelay for attempt n, using a single timer from the
// injected clock.
type Manager struct {
	dialer Dialer
	clock  clock.Clock
	cfg    ManagerConfig
	hooks  Hooks
	logger logrus.FieldLogger

	mu        sync.Mutex
	state     State
	attempts  int
	connected bool
	transport Transport
	timer     clock.Timer
}

func NewManager(dialer Dialer, clk clock.Clock, cfg ManagerConfig, hooks Hooks, logger logrus.FieldLogger) *Manager {
	return &Manager{
		dialer: dialer,
		clock:  clk,
		cfg:    cfg.withDefaults(),
		hooks:  hooks,
		logger: logger.WithField("component", "client.manager"),
		state:  Disconnected,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect runs the first attempt on the calling goroutine, bounded by ctx and
// the handshake timeout. When it fails the error is returned and retries
// continue in the background.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return ErrTerminal
	}
	m.mu.Unlock()
	return m.attempt(ctx)
}

// Reconnect starts over from a Failed or Disconnected state with a fresh
// attempt budget.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	switch m.state {
	case Closed:
		m.mu.Unlock()
		return ErrTerminal
	case Connected, Connecting:
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.attempts = 0
	m.mu.Unlock()
	return m.attempt(context.Background())
}

// Close tears the connection down for good.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	tr := m.transport
	m.transport = nil
	m.state = Closed
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	m.emitState(Closed)
}

// Send writes ev on the live transport.
func (m *Manager) Send(ev protocol.ClientEvent) error {
	m.mu.Lock()
	tr := m.transport
	state := m.state
	m.mu.Unlock()
	if state != Connected || tr == nil {
		return ErrNotConnected
	}
	if err := tr.Send(ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.EventType(), err)
	}
	return nil
}

func (m *Manager) attempt(parent context.Context) error {
	m.mu.Lock()
	if m.state == Closed || m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	m.timer = nil
	m.state = Connecting
	m.mu.Unlock()
	m.emitState(Connecting)

	ctx, cancel := context.WithTimeout(parent, m.cfg.HandshakeTimeout)
	defer cancel()
	tr, ack, err := m.handshake(ctx)

	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		return ErrTerminal
	}
	if err != nil {
		next := m.retryLocked()
		m.mu.Unlock()
		m.logger.WithError(err).WithField("attempt", m.attemptCount()).Warn("connect attempt failed")
		m.emitState(next)
		return err
	}

	resumed := m.connected
	m.connected = true
	m.attempts = 0
	m.transport = tr
	m.state = Connected
	m.mu.Unlock()

	m.logger.WithField("resumed", resumed).Info("connected")
	m.emitState(Connected)
	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected(ack, resumed)
	}
	go m.readLoop(tr)
	return nil
}

func (m *Manager) attemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// handshake dials, sends join and waits for join:ack. Events arriving before
// the ack are passed through.
func (m *Manager) handshake(ctx context.Context) (Transport, protocol.JoinAck, error) {
	tr, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, protocol.JoinAck{}, err
	}
	if err := tr.Send(protocol.Join{Username: m.cfg.Username}); err != nil {
		_ = tr.Close()
		return nil, protocol.JoinAck{}, fmt.Errorf("send join: %w", err)
	}

	type result struct {
		ack protocol.JoinAck
		err error
	}
	done := make(chan result, 1)
	go func() {
		for {
			ev, err := tr.Receive()
			if err != nil {
				done <- result{err: err}
				return
			}
			if ack, ok := ev.(protocol.JoinAck); ok {
				done <- result{ack: ack}
				return
			}
			m.deliver(ev)
		}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			_ = tr.Close()
			return nil, protocol.JoinAck{}, fmt.Errorf("await join ack: %w", r.err)
		}
		return tr, r.ack, nil
	case <-ctx.Done():
		_ = tr.Close()
		return nil, protocol.JoinAck{}, fmt.Errorf("await join ack: %w", ctx.Err())
	}
}

func (m *Manager) readLoop(tr Transport) {
	for {
		ev, err := tr.Receive()
		if err != nil {
			m.dropped(tr, err)
			return
		}
		m.deliver(ev)
	}
}

func (m *Manager) deliver(ev protocol.ServerEvent) {
	if m.hooks.OnEvent != nil {
		m.hooks.OnEvent(ev)
	}
}

func (m *Manager) dropped(tr Transport, err error) {
	m.mu.Lock()
	if m.transport != tr {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	_ = tr.Close()

	var next State
	if errors.Is(err, ErrClosedByServer) {
		m.state = Closed
		next = Closed
	} else {
		next = m.retryLocked()
	}
	m.mu.Unlock()

	m.logger.WithError(err).WithField("state", next.String()).Warn("connection lost")
	m.emitState(next)
}

// retryLocked schedules the next attempt or gives up.
func (m *Manager) retryLocked() State {
	if m.attempts >= m.cfg.MaxAttempts {
		m.state = Failed
		return Failed
	}
	m.attempts++
	delay := time.Duration(m.attempts) * m.cfg.BaseDelay
	m.state = Disconnected
	m.stopTimerLocked()
	m.timer = m.clock.AfterFunc(delay, func() { _ = m.attempt(context.Background()) })
	return Disconnected
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) emitState(s State) {
	if m.hooks.OnState != nil {
		m.hooks.OnState(s)
	}
}
