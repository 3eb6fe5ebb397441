package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256

	closeGoingAway = websocket.CloseGoingAway
)

// Conn is one upgraded socket with its outbound queue. Reads happen on the
// read pump goroutine only, writes on the write pump only.
type Conn struct {
	ws     *websocket.Conn
	info   ConnInfo
	logger logrus.FieldLogger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// set on the read pump after a successful join
	joined bool
}

func newConn(ws *websocket.Conn, info ConnInfo, logger logrus.FieldLogger) *Conn {
	return &Conn{
		ws:     ws,
		info:   info,
		logger: logger.WithFields(logrus.Fields{"conn_id": info.ConnID, "username": info.Username}),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close drops the socket without a close frame.
func (c *Conn) Close() {
	c.closeWith(0, "")
}

func (c *Conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		if code != 0 {
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		}
		close(c.done)
		_ = c.ws.Close()
	})
}

// readPump feeds every frame to handle until the socket fails. It returns
// the error that ended the loop.
func (c *Conn) readPump(handle func(frame []byte)) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		handle(frame)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
