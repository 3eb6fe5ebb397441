// Package delivery drives a message through persist, route, delivered and
// read, notifying whichever party is connected at each step.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pairchat/internal/clock"
	"pairchat/internal/models"
	"pairchat/internal/observability"
	"pairchat/internal/protocol"
	"pairchat/internal/registry"
	"pairchat/internal/repositories"
)

var (
	ErrUnauthorized = errors.New("acting as another user")
	ErrInvalid      = errors.New("invalid request")
	ErrUnknownUser  = errors.New("unknown user")
	ErrNotFound     = errors.New("message not found")
	ErrPersistence  = errors.New("message store unavailable")
)

// Pusher hands an event to the outbound queue of one live connection. It
// reports false when the event could not be queued.
type Pusher interface {
	Push(connID string, ev protocol.ServerEvent) bool
}

// Engine is the server side of the message lifecycle.
type Engine struct {
	messages repositories.MessageRepository
	users    repositories.UserRepository
	registry *registry.Registry
	pusher   Pusher
	clock    clock.Clock
	logger   logrus.FieldLogger
}

func NewEngine(messages repositories.MessageRepository, users repositories.UserRepository, reg *registry.Registry, pusher Pusher, clk clock.Clock, logger logrus.FieldLogger) *Engine {
	return &Engine{
		messages: messages,
		users:    users,
		registry: reg,
		pusher:   pusher,
		clock:    clk,
		logger:   logger.WithField("component", "delivery"),
	}
}

// Send persists a message from actor and routes it to the receiver when the
// receiver is connected. The sender always gets message:sent once the message
// is stored and message:delivered only after the receiver's connection
// accepted the push.
func (e *Engine) Send(ctx context.Context, actor string, req protocol.SendMessage) (models.Message, error) {
	msg, err := e.newMessage(ctx, actor, req)
	if err != nil {
		observability.IncMessage(observability.OutcomeRejected)
		return models.Message{}, err
	}

	stored, err := e.messages.CreateMessage(ctx, msg)
	if errors.Is(err, repositories.ErrDuplicateMessage) {
		observability.IncMessage(observability.OutcomeRejected)
		return models.Message{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err != nil {
		observability.IncMessage(observability.OutcomeFailed)
		e.logger.WithError(err).WithField("message_id", msg.ID).Error("persist message failed")
		return models.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	observability.IncMessage(observability.OutcomePersisted)
	e.publish(ctx, "message_persisted", stored)

	e.notify(stored.SenderUsername, protocol.MessageSent{Message: stored})
	if stored.Delivered() {
		// a retried send of a message that already reached the receiver
		return stored, nil
	}
	return e.route(ctx, stored), nil
}

func (e *Engine) newMessage(ctx context.Context, actor string, req protocol.SendMessage) (models.Message, error) {
	if actor == "" || req.SenderUsername != actor {
		return models.Message{}, ErrUnauthorized
	}

	msg := models.Message{
		ID:               req.ID,
		SenderUsername:   req.SenderUsername,
		ReceiverUsername: req.ReceiverUsername,
		Content:          req.Content,
		Type:             req.Type,
		Media:            req.Media,
		CreatedAt:        e.clock.Now().UTC(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	} else if _, err := uuid.Parse(msg.ID); err != nil {
		return models.Message{}, fmt.Errorf("%w: message id must be a uuid", ErrInvalid)
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := e.knownUser(ctx, msg.ReceiverUsername); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// route pushes msg to a live receiver. The durable delivered_at is claimed
// before the push, so a concurrent sync or a retried send of the same id
// cannot deliver it a second time.
func (e *Engine) route(ctx context.Context, msg models.Message) models.Message {
	connID, ok := e.registry.Lookup(msg.ReceiverUsername)
	if !ok {
		return msg
	}
	log := e.logger.WithFields(logrus.Fields{"message_id": msg.ID, "conn_id": connID})

	at := e.clock.Now().UTC()
	claimed, err := e.messages.MarkDelivered(ctx, msg.ID, at)
	if err != nil {
		observability.IncRouteStoreError("mark_delivered")
		log.WithError(err).Warn("mark delivered failed, leaving message for sync")
		return msg
	}
	if !claimed {
		return msg
	}

	pushed := msg
	pushed.DeliveredAt = &at
	if !e.pusher.Push(connID, protocol.MessageReceive{Message: pushed}) {
		log.Warn("receiver queue full, leaving message undelivered")
		if err := e.messages.UnmarkDelivered(ctx, msg.ID); err != nil {
			observability.IncRouteStoreError("unmark_delivered")
			log.WithError(err).Error("unmark delivered failed")
		}
		return msg
	}

	observability.IncMessage(observability.OutcomeDelivered)
	e.publish(ctx, "message_delivered", pushed)
	e.notify(msg.SenderUsername, protocol.MessageDelivered{MessageID: msg.ID, DeliveredAt: at})
	return pushed
}

// MarkRead records the receiver's acknowledgement. Only the first ack for a
// message changes it and notifies the sender.
func (e *Engine) MarkRead(ctx context.Context, actor string, ack protocol.ReadAck) (models.Message, error) {
	if actor == "" || ack.CurrentUser != actor {
		return models.Message{}, ErrUnauthorized
	}
	if ack.MessageID == "" {
		return models.Message{}, fmt.Errorf("%w: missing message id", ErrInvalid)
	}

	msg, changed, err := e.messages.MarkRead(ctx, ack.MessageID, actor, e.clock.Now().UTC())
	switch {
	case errors.Is(err, repositories.ErrNotRecipient):
		return models.Message{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case errors.Is(err, repositories.ErrMessageNotFound):
		return models.Message{}, ErrNotFound
	case err != nil:
		return models.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if changed {
		e.announceRead(ctx, msg)
	}
	return msg, nil
}

// MarkAllRead reads every unread message other sent to actor. Each changed
// message produces its own message:read for the sender.
func (e *Engine) MarkAllRead(ctx context.Context, actor string, req protocol.MarkAllRead) ([]models.Message, error) {
	if actor == "" || req.CurrentUser != actor {
		return nil, ErrUnauthorized
	}
	if _, err := models.NewConversation(actor, req.OtherUser); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := e.knownUser(ctx, req.OtherUser); err != nil {
		return nil, err
	}

	changed, err := e.messages.MarkAllRead(ctx, actor, req.OtherUser, e.clock.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	for _, msg := range changed {
		e.announceRead(ctx, msg)
	}
	return changed, nil
}

func (e *Engine) announceRead(ctx context.Context, msg models.Message) {
	observability.IncMessage(observability.OutcomeRead)
	e.publish(ctx, "message_read", msg)
	if msg.ReadAt == nil {
		return
	}
	e.notify(msg.SenderUsername, protocol.MessageRead{MessageID: msg.ID, ReadAt: *msg.ReadAt})
}

// Sync returns the authoritative conversation between actor and the other
// user. Fetching counts as delivery for messages addressed to actor.
func (e *Engine) Sync(ctx context.Context, actor string, req protocol.SyncRequest) (protocol.SyncResult, error) {
	if actor == "" || req.CurrentUser != actor {
		return protocol.SyncResult{}, ErrUnauthorized
	}
	conv, err := models.NewConversation(actor, req.OtherUser)
	if err != nil {
		return protocol.SyncResult{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := e.knownUser(ctx, req.OtherUser); err != nil {
		return protocol.SyncResult{}, err
	}

	delivered, err := e.messages.MarkDeliveredTo(ctx, actor, req.OtherUser, e.clock.Now().UTC())
	if err != nil {
		e.logger.WithError(err).WithField("username", actor).Warn("mark delivered on sync failed")
	}
	for _, msg := range delivered {
		observability.IncMessage(observability.OutcomeDelivered)
		if msg.DeliveredAt != nil {
			e.notify(msg.SenderUsername, protocol.MessageDelivered{MessageID: msg.ID, DeliveredAt: *msg.DeliveredAt})
		}
	}

	msgs, err := e.messages.ListConversation(ctx, conv, req.LastSyncTime)
	if err != nil {
		return protocol.SyncResult{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return protocol.SyncResult{OtherUser: req.OtherUser, Messages: msgs, Since: req.LastSyncTime}, nil
}

// UnreadCount returns how many messages wait for user to read them.
func (e *Engine) UnreadCount(ctx context.Context, user string) (int, error) {
	count, err := e.messages.CountUnread(ctx, user)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return count, nil
}

func (e *Engine) knownUser(ctx context.Context, username string) error {
	_, err := e.users.GetUser(ctx, username)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// publish emits a lifecycle event without the message content.
func (e *Engine) publish(ctx context.Context, name string, msg models.Message) {
	payload := map[string]string{
		"message_id": msg.ID,
		"sender":     msg.SenderUsername,
		"receiver":   msg.ReceiverUsername,
	}
	if err := observability.PublishEvent(ctx, observability.RoutingMessageEvents, observability.NewEnvelope("message_event", name, payload), nil); err != nil {
		e.logger.WithError(err).WithField("event", name).Debug("publish message event failed")
	}
}

func (e *Engine) notify(username string, ev protocol.ServerEvent) {
	if connID, ok := e.registry.Lookup(username); ok {
		e.pusher.Push(connID, ev)
	}
}

// ErrorCode maps an engine error to the code carried by message:error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return protocol.CodeUnauthorized
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrUnknownUser):
		return protocol.CodeInvalid
	case errors.Is(err, ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, ErrPersistence):
		return protocol.CodePersistence
	}
	return protocol.CodeInternal
}
