package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pairchat/internal/protocol"
)

var (
	errDial   = errors.New("dial refused")
	errClosed = errors.New("transport closed")
	epoch     = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeDialer hands out fakeTransports that answer join with join:ack.
type fakeDialer struct {
	mu      sync.Mutex
	failAll bool
	fail    int
	noAck   bool
	online  []string
	dials   int
	conns   []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll {
		return nil, errDial
	}
	if d.fail > 0 {
		d.fail--
		return nil, errDial
	}
	t := &fakeTransport{
		in:     make(chan protocol.ServerEvent, 64),
		closed: make(chan struct{}),
		noAck:  d.noAck,
		online: d.online,
	}
	d.conns = append(d.conns, t)
	return t, nil
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeTransport struct {
	in     chan protocol.ServerEvent
	closed chan struct{}
	noAck  bool
	online []string

	mu        sync.Mutex
	sent      []protocol.ClientEvent
	err       error
	closeOnce sync.Once
}

func (t *fakeTransport) Send(ev protocol.ClientEvent) error {
	select {
	case <-t.closed:
		return errClosed
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, ev)
	t.mu.Unlock()

	if join, ok := ev.(protocol.Join); ok && !t.noAck {
		t.in <- protocol.JoinAck{Username: join.Username, Online: t.online}
	}
	return nil
}

func (t *fakeTransport) Receive() (protocol.ServerEvent, error) {
	select {
	case ev := <-t.in:
		return ev, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		return nil, t.err
	}
}

func (t *fakeTransport) Close() error {
	t.drop(errClosed)
	return nil
}

// drop ends the transport as if the network failed with err.
func (t *fakeTransport) drop(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.closed)
	})
}

func (t *fakeTransport) push(ev protocol.ServerEvent) {
	t.in <- ev
}

func (t *fakeTransport) sentEvents() []protocol.ClientEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.ClientEvent(nil), t.sent...)
}

// sentOf returns the sent events whose wire name is eventType.
func (t *fakeTransport) sentOf(eventType string) []protocol.ClientEvent {
	var out []protocol.ClientEvent
	for _, ev := range t.sentEvents() {
		if ev.EventType() == eventType {
			out = append(out, ev)
		}
	}
	return out
}
