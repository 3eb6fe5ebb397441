package client

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/internal/clock"
	"pairchat/internal/protocol"
)

type hookRecorder struct {
	mu        sync.Mutex
	states    []State
	connected []bool
	events    []protocol.ServerEvent
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		OnState: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnEvent: func(ev protocol.ServerEvent) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnConnected: func(_ protocol.JoinAck, resumed bool) {
			r.mu.Lock()
			r.connected = append(r.connected, resumed)
			r.mu.Unlock()
		},
	}
}

func (r *hookRecorder) resumes() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.connected...)
}

func (r *hookRecorder) stateLog() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *fakeDialer, *clock.Fake, *hookRecorder) {
	t.Helper()
	if cfg.Username == "" {
		cfg.Username = "alice"
	}
	dialer := &fakeDialer{}
	clk := clock.NewFake(epoch)
	rec := &hookRecorder{}
	m := NewManager(dialer, clk, cfg, rec.hooks(), quietLogger())
	t.Cleanup(m.Close)
	return m, dialer, clk, rec
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 5*time.Millisecond, "state never became %s", want)
}

func TestManagerConnectJoins(t *testing.T) {
	m, dialer, _, rec := newTestManager(t, ManagerConfig{})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, []State{Connecting, Connected}, rec.stateLog())
	assert.Equal(t, []bool{false}, rec.resumes())

	sent := dialer.last().sentEvents()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.Join{Username: "alice"}, sent[0])
}

func TestManagerForwardsEvents(t *testing.T) {
	m, dialer, _, rec := newTestManager(t, ManagerConfig{})
	require.NoError(t, m.Connect(context.Background()))

	dialer.last().push(protocol.TypingIndicator{Username: "bob", Active: true})
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.events) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerBacksOffLinearlyThenFails(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t, ManagerConfig{})
	require.NoError(t, m.Connect(context.Background()))

	dialer.setFailAll(true)
	dialer.last().drop(io.ErrUnexpectedEOF)
	waitState(t, m, Disconnected)
	require.Equal(t, 1, clk.Pending())

	clk.Advance(999 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(), "no attempt before the delay elapses")

	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, dialer.dialCount())
	for n := 2; n <= DefaultMaxAttempts; n++ {
		assert.Equal(t, Disconnected, m.State())
		clk.Advance(time.Duration(n) * time.Second)
	}

	assert.Equal(t, Failed, m.State())
	assert.Equal(t, 1+DefaultMaxAttempts, dialer.dialCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 5 * time.Second}, clk.Scheduled())
	assert.Zero(t, clk.Pending())

	clk.Advance(time.Hour)
	assert.Equal(t, 1+DefaultMaxAttempts, dialer.dialCount())
}

func TestManagerResyncsOnReconnectAndResetsAttempts(t *testing.T) {
	m, dialer, clk, rec := newTestManager(t, ManagerConfig{})
	require.NoError(t, m.Connect(context.Background()))

	dialer.setFail(1)
	dialer.last().drop(io.ErrUnexpectedEOF)
	waitState(t, m, Disconnected)

	clk.Advance(time.Second)
	assert.Equal(t, Disconnected, m.State())
	clk.Advance(2 * time.Second)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, []bool{false, true}, rec.resumes())

	dialer.last().drop(io.ErrUnexpectedEOF)
	waitState(t, m, Disconnected)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, clk.Scheduled())
}

func TestManagerServerCloseIsTerminal(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t, ManagerConfig{})
	require.NoError(t, m.Connect(context.Background()))

	dialer.last().drop(ErrClosedByServer)
	waitState(t, m, Closed)
	assert.Zero(t, clk.Pending())
	assert.ErrorIs(t, m.Reconnect(), ErrTerminal)
}

func TestManagerCloseCancelsPendingRetry(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t, ManagerConfig{})
	require.NoError(t, m.Connect(context.Background()))

	dialer.last().drop(io.ErrUnexpectedEOF)
	waitState(t, m, Disconnected)
	require.Equal(t, 1, clk.Pending())

	m.Close()
	assert.Zero(t, clk.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, Closed, m.State())
}

func TestManagerReconnectLeavesFailed(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t, ManagerConfig{MaxAttempts: 1})
	dialer.setFailAll(true)

	require.ErrorIs(t, m.Connect(context.Background()), errDial)
	assert.Equal(t, Disconnected, m.State())
	clk.Advance(time.Second)
	require.Equal(t, Failed, m.State())

	dialer.setFailAll(false)
	require.NoError(t, m.Reconnect())
	assert.Equal(t, Connected, m.State())
}

func TestManagerHandshakeTimeout(t *testing.T) {
	m, dialer, clk, _ := newTestManager(t, ManagerConfig{HandshakeTimeout: 20 * time.Millisecond})
	dialer.noAck = true

	err := m.Connect(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, clk.Pending())
}

func TestManagerSendRequiresConnection(t *testing.T) {
	m, dialer, _, _ := newTestManager(t, ManagerConfig{})
	assert.ErrorIs(t, m.Send(protocol.ReadAck{MessageID: "m1", CurrentUser: "alice"}), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Send(protocol.ReadAck{MessageID: "m1", CurrentUser: "alice"}))
	assert.Len(t, dialer.last().sentOf(protocol.TypeRead), 1)
}
