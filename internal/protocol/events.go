// Package protocol defines the events exchanged over the realtime channel.
//
// Each direction is a closed set: the marker methods are unexported, so only
// types in this package implement ClientEvent or ServerEvent. Type switches
// over them are not checked for exhaustiveness, so consumers must handle an
// unmatched event.
package protocol

import (
	"time"

	"pairchat/internal/models"
)

// Event names as they appear on the wire.
const (
	TypeJoin           = "join"
	TypeJoinAck        = "join:ack"
	TypeMessageSend    = "message:send"
	TypeMessageSent    = "message:sent"
	TypeMessageReceive = "message:receive"
	TypeDelivered      = "message:delivered"
	TypeRead           = "message:read"
	TypeMarkAllRead    = "messages:mark-all-read"
	TypeTypingStart    = "typing:start"
	TypeTypingStop     = "typing:stop"
	TypeUserOnline     = "user:online"
	TypeUserOffline    = "user:offline"
	TypeError          = "message:error"
	TypeSync           = "messages:sync"
)

// Error codes carried by message:error.
const (
	CodeInvalid      = "invalid"
	CodeUnauthorized = "unauthorized"
	CodePersistence  = "persistence"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

// ClientEvent is an event sent by a client to the server.
type ClientEvent interface {
	EventType() string
	clientEvent()
}

// ServerEvent is an event pushed by the server to a client.
type ServerEvent interface {
	EventType() string
	serverEvent()
}

// Join announces the user behind a freshly opened connection.
type Join struct {
	Username string `json:"username"`
}

// SendMessage asks the server to persist and route a message.
type SendMessage struct {
	ID               string             `json:"id,omitempty"`
	SenderUsername   string             `json:"senderUsername"`
	ReceiverUsername string             `json:"receiverUsername"`
	Content          string             `json:"content,omitempty"`
	Type             models.MessageType `json:"type"`
	Media            *models.MediaRef   `json:"mediaRef,omitempty"`
}

// ReadAck acknowledges that the receiver has seen a message.
type ReadAck struct {
	MessageID   string `json:"messageId"`
	CurrentUser string `json:"currentUser"`
}

// MarkAllRead acknowledges every unread message from OtherUser.
type MarkAllRead struct {
	CurrentUser string `json:"currentUser"`
	OtherUser   string `json:"otherUser"`
}

// Typing starts or stops the typing indicator shown to Receiver.
type Typing struct {
	Username string `json:"username"`
	Receiver string `json:"receiver"`
	Active   bool   `json:"-"`
}

// SyncRequest asks for the authoritative message list of a conversation.
type SyncRequest struct {
	CurrentUser  string     `json:"currentUser"`
	OtherUser    string     `json:"otherUser"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
}

func (Join) EventType() string        { return TypeJoin }
func (SendMessage) EventType() string { return TypeMessageSend }
func (ReadAck) EventType() string     { return TypeRead }
func (MarkAllRead) EventType() string { return TypeMarkAllRead }
func (SyncRequest) EventType() string { return TypeSync }
func (t Typing) EventType() string {
	if t.Active {
		return TypeTypingStart
	}
	return TypeTypingStop
}

func (Join) clientEvent()        {}
func (SendMessage) clientEvent() {}
func (ReadAck) clientEvent()     {}
func (MarkAllRead) clientEvent() {}
func (Typing) clientEvent()      {}
func (SyncRequest) clientEvent() {}

// JoinAck completes the join handshake.
type JoinAck struct {
	Username string   `json:"username"`
	Online   []string `json:"online"`
}

// MessageSent confirms that a message was persisted. It does not imply delivery.
type MessageSent struct {
	Message models.Message `json:"message"`
}

// MessageReceive pushes a new message to its receiver.
type MessageReceive struct {
	Message models.Message `json:"message"`
}

// MessageDelivered tells the sender that the receiver got the message.
type MessageDelivered struct {
	MessageID   string    `json:"messageId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// MessageRead tells the sender that the receiver read the message.
type MessageRead struct {
	MessageID string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

// TypingIndicator relays the other party's typing state.
type TypingIndicator struct {
	Username string `json:"username"`
	Active   bool   `json:"-"`
}

// PresenceChanged broadcasts a user going online or offline.
type PresenceChanged struct {
	Username string     `json:"username"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// MessageError reports a failed operation to the client that issued it.
type MessageError struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	MessageID string `json:"messageId,omitempty"`
}

// SyncResult carries the conversation requested by a SyncRequest.
type SyncResult struct {
	OtherUser string           `json:"otherUser"`
	Messages  []models.Message `json:"messages"`
	Since     *time.Time       `json:"since,omitempty"`
}

func (JoinAck) EventType() string          { return TypeJoinAck }
func (MessageSent) EventType() string      { return TypeMessageSent }
func (MessageReceive) EventType() string   { return TypeMessageReceive }
func (MessageDelivered) EventType() string { return TypeDelivered }
func (MessageRead) EventType() string      { return TypeRead }
func (MessageError) EventType() string     { return TypeError }
func (SyncResult) EventType() string       { return TypeSync }
func (t TypingIndicator) EventType() string {
	if t.Active {
		return TypeTypingStart
	}
	return TypeTypingStop
}
func (p PresenceChanged) EventType() string {
	if p.IsOnline {
		return TypeUserOnline
	}
	return TypeUserOffline
}

func (JoinAck) serverEvent()          {}
func (MessageSent) serverEvent()      {}
func (MessageReceive) serverEvent()   {}
func (MessageDelivered) serverEvent() {}
func (MessageRead) serverEvent()      {}
func (TypingIndicator) serverEvent()  {}
func (PresenceChanged) serverEvent()  {}
func (MessageError) serverEvent()     {}
func (SyncResult) serverEvent()       {}
