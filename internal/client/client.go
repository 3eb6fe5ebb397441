package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pairchat/internal/clock"
	"pairchat/internal/models"
	"pairchat/internal/protocol"
)

const BannerDuration = 3 * time.Second

var ErrUnknownMessage = errors.New("unknown message")

type Config struct {
	Username         string
	MaxAttempts      int
	BaseDelay        time.Duration
	HandshakeTimeout time.Duration
}

// Draft is what the UI hands over when the user sends something.
type Draft struct {
	Content string
	Type    models.MessageType
	Media   *models.MediaRef
}

// Client is the single entry point for UI code. All notifications go through
// the callback passed to New and are delivered without internal locks held.
type Client struct {
	username string
	clock    clock.Clock
	notify   func(Notification)
	logger   logrus.FieldLogger

	manager *Manager
	outbox  *Outbox
	typist  *Typist

	mu            sync.Mutex
	conversations map[string]*Conversation
	owner         map[string]string
	online        map[string]bool
	typing        map[string]bool
	open          string
	bannerSeq     int
	banner        clock.Timer
}

func New(dialer Dialer, clk clock.Clock, cfg Config, notify func(Notification), logger logrus.FieldLogger) *Client {
	if notify == nil {
		notify = func(Notification) {}
	}
	c := &Client{
		username:      cfg.Username,
		clock:         clk,
		notify:        notify,
		logger:        logger.WithFields(logrus.Fields{"component": "client", "username": cfg.Username}),
		conversations: make(map[string]*Conversation),
		owner:         make(map[string]string),
		online:        make(map[string]bool),
		typing:        make(map[string]bool),
	}
	c.manager = NewManager(dialer, clk, ManagerConfig{
		Username:         cfg.Username,
		MaxAttempts:      cfg.MaxAttempts,
		BaseDelay:        cfg.BaseDelay,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, Hooks{
		OnState:     c.onState,
		OnEvent:     c.onEvent,
		OnConnected: c.onConnected,
	}, logger)
	c.outbox = NewOutbox(clk, func(msg protocol.SendMessage) error { return c.manager.Send(msg) }, c.onSendFailed)
	c.typist = NewTypist(clk, cfg.Username, func(ev protocol.Typing) error { return c.manager.Send(ev) })
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Logout closes the channel for good and drops queued sends.
func (c *Client) Logout() {
	c.typist.Reset()
	c.outbox.Stop()
	c.manager.Close()
}

// Reconnect restarts a connection that gave up.
func (c *Client) Reconnect() error {
	return c.manager.Reconnect()
}

func (c *Client) State() State {
	return c.manager.State()
}

// Open makes peer the visible conversation and loads it from the server.
func (c *Client) Open(peer string) error {
	c.mu.Lock()
	c.open = peer
	c.conversationLocked(peer)
	c.mu.Unlock()

	if c.manager.State() != Connected {
		return nil
	}
	return c.manager.Send(protocol.SyncRequest{CurrentUser: c.username, OtherUser: peer})
}

// Send creates a message for peer and queues it. The message shows as
// pending until the server confirms it.
func (c *Client) Send(peer string, d Draft) (models.Message, error) {
	msg := models.Message{
		ID:               uuid.NewString(),
		SenderUsername:   c.username,
		ReceiverUsername: peer,
		Content:          d.Content,
		Type:             d.Type,
		Media:            d.Media,
		CreatedAt:        c.clock.Now().UTC(),
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}

	c.mu.Lock()
	c.conversationLocked(peer).AddLocal(msg)
	c.owner[msg.ID] = peer
	c.mu.Unlock()
	c.emit(ConversationChanged{Peer: peer})

	c.typist.Stop(peer)
	c.outbox.Submit(toSend(msg))
	return msg, nil
}

// Resend queues a failed message again under the same id.
func (c *Client) Resend(id string) error {
	c.mu.Lock()
	peer, ok := c.owner[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	msg, ok := c.conversationLocked(peer).Retry(id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("message %s has not failed", id)
	}

	c.emit(ConversationChanged{Peer: peer})
	c.outbox.Submit(toSend(msg))
	return nil
}

func (c *Client) Keystroke(peer string) {
	c.typist.Keystroke(peer)
}

// MarkRead acknowledges one received message.
func (c *Client) MarkRead(id string) error {
	c.mu.Lock()
	peer, ok := c.owner[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	if err := c.manager.Send(protocol.ReadAck{MessageID: id, CurrentUser: c.username}); err != nil {
		return err
	}
	if c.conversation(peer).Advance(id, StatusRead, c.clock.Now().UTC()) {
		c.emit(ConversationChanged{Peer: peer})
	}
	return nil
}

// MarkAllRead acknowledges everything peer sent.
func (c *Client) MarkAllRead(peer string) error {
	if err := c.manager.Send(protocol.MarkAllRead{CurrentUser: c.username, OtherUser: peer}); err != nil {
		return err
	}
	conv := c.conversation(peer)
	now := c.clock.Now().UTC()
	for _, id := range conv.Unread(peer) {
		conv.Advance(id, StatusRead, now)
	}
	c.emit(ConversationChanged{Peer: peer})
	return nil
}

func (c *Client) Messages(peer string) []Entry {
	return c.conversation(peer).Entries()
}

func (c *Client) IsOnline(user string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[user]
}

func (c *Client) IsTyping(user string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing[user]
}

func (c *Client) conversation(peer string) *Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationLocked(peer)
}

func (c *Client) conversationLocked(peer string) *Conversation {
	conv, ok := c.conversations[peer]
	if !ok {
		conv = NewConversation()
		c.conversations[peer] = conv
	}
	return conv
}

func (c *Client) onState(s State) {
	var out []Notification
	out = append(out, StateChanged{State: s})

	c.mu.Lock()
	if s != Connected {
		for user, typing := range c.typing {
			if typing {
				c.typing[user] = false
				out = append(out, TypingChanged{Username: user})
			}
		}
	}
	c.mu.Unlock()
	c.emit(out...)

	switch s {
	case Disconnected:
		c.showBanner("Connection lost, reconnecting")
	case Failed:
		c.showBanner("Could not reconnect")
	}
	if s == Failed || s == Closed {
		// nothing will confirm these any more
		for _, id := range c.outbox.Abandon() {
			c.failSend(id, "connection lost")
		}
	}
}

// onConnected flushes queued sends and reloads the open conversation from
// scratch.
func (c *Client) onConnected(ack protocol.JoinAck, resumed bool) {
	c.resetOnline(ack.Online)

	c.mu.Lock()
	open := c.open
	c.mu.Unlock()

	c.outbox.Flush()
	if open == "" {
		return
	}
	if err := c.manager.Send(protocol.SyncRequest{CurrentUser: c.username, OtherUser: open}); err != nil {
		c.logger.WithError(err).WithField("resumed", resumed).Warn("resync request failed")
	}
}

// resetOnline replaces the presence view with the server's list.
func (c *Client) resetOnline(online []string) {
	var out []Notification
	c.mu.Lock()
	seen := make(map[string]bool, len(online))
	for _, user := range online {
		seen[user] = true
	}
	for user := range c.online {
		if !seen[user] {
			delete(c.online, user)
			out = append(out, PresenceChanged{Username: user})
		}
	}
	for user := range seen {
		if user != c.username && !c.online[user] {
			c.online[user] = true
			out = append(out, PresenceChanged{Username: user, Online: true})
		}
	}
	c.mu.Unlock()
	c.emit(out...)
}

func (c *Client) onEvent(ev protocol.ServerEvent) {
	switch ev := ev.(type) {
	case protocol.JoinAck:
		c.resetOnline(ev.Online)
	case protocol.MessageSent:
		c.outbox.Ack(ev.Message.ID)
		c.apply(ev.Message.ReceiverUsername, ev.Message)
	case protocol.MessageReceive:
		c.apply(ev.Message.SenderUsername, ev.Message)
		c.setTyping(ev.Message.SenderUsername, false)
	case protocol.MessageDelivered:
		c.advance(ev.MessageID, StatusDelivered, ev.DeliveredAt)
	case protocol.MessageRead:
		c.advance(ev.MessageID, StatusRead, ev.ReadAt)
	case protocol.TypingIndicator:
		c.setTyping(ev.Username, ev.Active)
	case protocol.PresenceChanged:
		c.setOnline(ev.Username, ev.IsOnline)
	case protocol.MessageError:
		c.onServerError(ev)
	case protocol.SyncResult:
		c.onSync(ev)
	}
}

func (c *Client) apply(peer string, msg models.Message) {
	c.mu.Lock()
	c.owner[msg.ID] = peer
	c.conversationLocked(peer).Upsert(msg)
	c.mu.Unlock()
	c.emit(ConversationChanged{Peer: peer})
}

func (c *Client) advance(id string, status Status, at time.Time) {
	c.mu.Lock()
	peer, ok := c.owner[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.conversation(peer).Advance(id, status, at) {
		c.emit(ConversationChanged{Peer: peer})
	}
}

func (c *Client) setTyping(user string, typing bool) {
	c.mu.Lock()
	changed := c.typing[user] != typing
	c.typing[user] = typing
	c.mu.Unlock()
	if changed {
		c.emit(TypingChanged{Username: user, Typing: typing})
	}
}

func (c *Client) setOnline(user string, online bool) {
	c.mu.Lock()
	changed := c.online[user] != online
	if online {
		c.online[user] = true
	} else {
		delete(c.online, user)
	}
	c.mu.Unlock()
	if changed {
		c.emit(PresenceChanged{Username: user, Online: online})
	}
	if !online {
		c.setTyping(user, false)
	}
}

func (c *Client) onServerError(ev protocol.MessageError) {
	if ev.MessageID != "" && c.outbox.Reject(ev.MessageID) {
		c.failSend(ev.MessageID, ev.Error)
		return
	}
	c.showBanner(ev.Error)
}

func (c *Client) onSendFailed(id string) {
	c.failSend(id, "message could not be sent")
}

func (c *Client) failSend(id, reason string) {
	c.mu.Lock()
	peer, ok := c.owner[id]
	c.mu.Unlock()
	if !ok || !c.conversation(peer).Fail(id) {
		return
	}
	c.emit(ConversationChanged{Peer: peer}, SendFailed{MessageID: id, Peer: peer, Reason: reason})
}

func (c *Client) onSync(ev protocol.SyncResult) {
	peer := ev.OtherUser
	c.mu.Lock()
	conv := c.conversationLocked(peer)
	for _, msg := range ev.Messages {
		c.owner[msg.ID] = peer
	}
	c.mu.Unlock()

	if ev.Since == nil {
		conv.Replace(ev.Messages)
	} else {
		for _, msg := range ev.Messages {
			conv.Upsert(msg)
		}
	}
	c.emit(ConversationChanged{Peer: peer})
}

// showBanner displays text and clears it after BannerDuration unless a newer
// banner replaced it.
func (c *Client) showBanner(text string) {
	c.mu.Lock()
	if c.banner != nil {
		c.banner.Stop()
	}
	c.bannerSeq++
	seq := c.bannerSeq
	c.banner = c.clock.AfterFunc(BannerDuration, func() {
		c.mu.Lock()
		current := c.bannerSeq == seq
		if current {
			c.banner = nil
		}
		c.mu.Unlock()
		if current {
			c.emit(ErrorBanner{})
		}
	})
	c.mu.Unlock()
	c.emit(ErrorBanner{Text: text})
}

func (c *Client) emit(ns ...Notification) {
	for _, n := range ns {
		c.notify(n)
	}
}

func toSend(msg models.Message) protocol.SendMessage {
	return protocol.SendMessage{
		ID:               msg.ID,
		SenderUsername:   msg.SenderUsername,
		ReceiverUsername: msg.ReceiverUsername,
		Content:          msg.Content,
		Type:             msg.Type,
		Media:            msg.Media,
	}
}
