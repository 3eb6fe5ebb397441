package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pairchat/internal/delivery"
	"pairchat/internal/models"
	"pairchat/internal/observability"
	"pairchat/internal/presence"
	"pairchat/internal/protocol"
	"pairchat/internal/typing"
)

var tracer = otel.Tracer("pairchat/ws")

var errNotJoined = errors.New("join before sending events")

// TokenValidator resolves a session token to a username.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Handler serves the realtime socket and dispatches its events.
type Handler struct {
	hub      *Hub
	presence *presence.Tracker
	engine   *delivery.Engine
	relay    *typing.Relay
	tokens   TokenValidator
	logger   logrus.FieldLogger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, tracker *presence.Tracker, engine *delivery.Engine, relay *typing.Relay, tokens TokenValidator, logger logrus.FieldLogger) *Handler {
	return &Handler{
		hub:      hub,
		presence: tracker,
		engine:   engine,
		relay:    relay,
		tokens:   tokens,
		logger:   logger.WithField("component", "ws"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// Handle authenticates the request, upgrades it and starts the pumps.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "ws.handshake", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	username, err := h.tokens.Validate(bearerOrQuery(c))
	if err != nil {
		span.SetStatus(codes.Error, "invalid token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.String("pairchat.username", username))

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		return
	}

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		Username:    username,
		Identity:    observability.IdentityFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	conn := newConn(socket, info, h.logger)
	h.hub.add(conn)

	observability.IncWSEvent("ws_connect")
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, info.envelope("ws_connect", ""), info.headers())
	conn.logger.Info("websocket connected")

	go conn.writePump()
	go h.serve(conn)
}

func bearerOrQuery(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	if scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
		return token
	}
	return ""
}

func (h *Handler) serve(conn *Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := conn.readPump(func(frame []byte) {
		h.handleFrame(ctx, conn, frame)
	})

	reason := err.Error()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.isClosed() {
		conn.logger.WithError(err).Warn("websocket read failed")
		h.hub.publishWSError(conn.info, reason)
	}

	conn.Close()
	h.hub.remove(conn.info.ConnID)
	if conn.joined {
		h.presence.Leave(conn.info.ConnID)
	}

	observability.IncWSEvent("ws_disconnect")
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, conn.info.envelope("ws_disconnect", reason), conn.info.headers())
	conn.logger.WithField("reason", reason).Info("websocket disconnected")
}

func (h *Handler) handleFrame(ctx context.Context, conn *Conn, frame []byte) {
	ev, err := protocol.DecodeClient(frame)
	if err != nil {
		conn.logger.WithError(err).Debug("rejecting client frame")
		h.reply(conn, protocol.MessageError{Error: err.Error(), Code: protocol.CodeInvalid})
		return
	}
	observability.IncWSEvent(ev.EventType())

	ctx, span := tracer.Start(ctx, "ws.event", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("pairchat.event", ev.EventType()), attribute.String("pairchat.username", conn.info.Username))
	defer span.End()

	if err := h.dispatch(ctx, conn, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// dispatch handles one client event. Anything without a case is rejected as
// an unknown event.
func (h *Handler) dispatch(ctx context.Context, conn *Conn, ev protocol.ClientEvent) error {
	user := conn.info.Username

	if _, isJoin := ev.(protocol.Join); !isJoin && !conn.joined {
		return h.fail(conn, errNotJoined, protocol.CodeUnauthorized, "")
	}

	switch ev := ev.(type) {
	case protocol.Join:
		if ev.Username != user {
			return h.fail(conn, delivery.ErrUnauthorized, protocol.CodeUnauthorized, "")
		}
		conn.joined = true
		h.presence.Join(user, conn.info.ConnID)
		h.reply(conn, protocol.JoinAck{Username: user, Online: h.presence.OnlineUsers()})
		return nil

	case protocol.SendMessage:
		if _, err := h.engine.Send(ctx, user, ev); err != nil {
			return h.fail(conn, err, delivery.ErrorCode(err), ev.ID)
		}
		return nil

	case protocol.ReadAck:
		if _, err := h.engine.MarkRead(ctx, user, ev); err != nil {
			return h.fail(conn, err, delivery.ErrorCode(err), ev.MessageID)
		}
		return nil

	case protocol.MarkAllRead:
		if _, err := h.engine.MarkAllRead(ctx, user, ev); err != nil {
			return h.fail(conn, err, delivery.ErrorCode(err), "")
		}
		return nil

	case protocol.Typing:
		if _, err := h.relay.Forward(user, ev); err != nil {
			code := protocol.CodeInvalid
			if errors.Is(err, typing.ErrUnauthorized) {
				code = protocol.CodeUnauthorized
			}
			return h.fail(conn, err, code, "")
		}
		return nil

	case protocol.SyncRequest:
		res, err := h.engine.Sync(ctx, user, ev)
		if err != nil {
			return h.fail(conn, err, delivery.ErrorCode(err), "")
		}
		if res.Messages == nil {
			res.Messages = []models.Message{}
		}
		h.reply(conn, res)
		return nil
	}

	return h.fail(conn, protocol.ErrUnknownEvent, protocol.CodeInvalid, "")
}

func (h *Handler) fail(conn *Conn, err error, code, messageID string) error {
	conn.logger.WithError(err).WithField("code", code).Info("client event rejected")
	h.reply(conn, protocol.MessageError{Error: err.Error(), Code: code, MessageID: messageID})
	return err
}

// reply answers on the socket that asked, whether or not it is the user's
// live connection.
func (h *Handler) reply(conn *Conn, ev protocol.ServerEvent) {
	h.hub.Push(conn.info.ConnID, ev)
}
