// Package client is the UI-side half of the realtime channel: connection
// management, queued sends, local conversation state and typing debounce.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"pairchat/internal/protocol"
)

var (
	// ErrClosedByServer is returned by Receive when the server closed the
	// channel on purpose. The manager does not reconnect after it.
	ErrClosedByServer = errors.New("connection closed by server")
	ErrNotConnected   = errors.New("not connected")
)

// Transport is one open event channel.
type Transport interface {
	Send(ev protocol.ClientEvent) error
	// Receive blocks until the next server event arrives.
	Receive() (protocol.ServerEvent, error)
	Close() error
}

// Dialer opens a Transport.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// WSDialer dials the server socket with gorilla/websocket.
type WSDialer struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	Logger           logrus.FieldLogger
}

func (d WSDialer) Dial(ctx context.Context) (Transport, error) {
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := target.Query()
	q.Set("token", d.Token)
	target.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial socket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial socket: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &wsTransport{conn: conn, logger: logger}, nil
}

type wsTransport struct {
	conn   *websocket.Conn
	logger logrus.FieldLogger

	writeMu sync.Mutex
}

func (t *wsTransport) Send(ev protocol.ClientEvent) error {
	frame, err := protocol.EncodeClient(ev)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Receive() (protocol.ServerEvent, error) {
	for {
		_, frame, err := t.conn.ReadMessage()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, ErrClosedByServer
		}
		if err != nil {
			return nil, err
		}

		ev, err := protocol.DecodeServer(frame)
		if err != nil {
			t.logger.WithError(err).Warn("dropping undecodable frame")
			continue
		}
		return ev, nil
	}
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
