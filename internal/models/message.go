package models

import (
	"errors"
	"time"
)

// MessageType is the kind of payload a message carries.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageVoice    MessageType = "voice"
	MessageDocument MessageType = "document"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageVoice, MessageDocument:
		return true
	}
	return false
}

// MediaRef points at an attachment stored outside the message row.
type MediaRef struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Message represents a direct message between two users.
type Message struct {
	ID               string      `db:"id" json:"id"`
	SenderUsername   string      `db:"sender_username" json:"senderUsername"`
	ReceiverUsername string      `db:"receiver_username" json:"receiverUsername"`
	Content          string      `db:"content" json:"content,omitempty"`
	Type             MessageType `db:"message_type" json:"type"`
	MediaURL         *string     `db:"media_url" json:"-"`
	MediaName        *string     `db:"media_name" json:"-"`
	MediaSize        *int64      `db:"media_size" json:"-"`
	Media            *MediaRef   `db:"-" json:"mediaRef,omitempty"`
	DeliveredAt      *time.Time  `db:"delivered_at" json:"deliveredAt,omitempty"`
	ReadAt           *time.Time  `db:"read_at" json:"readAt,omitempty"`
	CreatedAt        time.Time   `db:"created_at" json:"createdAt"`
}

var (
	ErrEmptyMessage   = errors.New("message needs content or media")
	ErrInvalidType    = errors.New("invalid message type")
	ErrSelfMessage    = errors.New("cannot message yourself")
	ErrMissingParties = errors.New("sender and receiver are required")
)

// Validate checks the fields a client controls.
func (m Message) Validate() error {
	if m.SenderUsername == "" || m.ReceiverUsername == "" {
		return ErrMissingParties
	}
	if m.SenderUsername == m.ReceiverUsername {
		return ErrSelfMessage
	}
	if !m.Type.Valid() {
		return ErrInvalidType
	}
	if m.Content == "" && (m.Media == nil || m.Media.URL == "") {
		return ErrEmptyMessage
	}
	return nil
}

// Delivered reports whether the message reached the receiver.
func (m Message) Delivered() bool { return m.DeliveredAt != nil }

// Read reports whether the receiver acknowledged the message.
func (m Message) Read() bool { return m.ReadAt != nil }

// Conversation returns the participant pair of the message.
func (m Message) Conversation() Conversation {
	return Conversation{A: m.SenderUsername, B: m.ReceiverUsername}.normalize()
}

// FlattenMedia copies Media into the nullable columns before a write.
func (m *Message) FlattenMedia() {
	if m.Media == nil || m.Media.URL == "" {
		m.MediaURL, m.MediaName, m.MediaSize = nil, nil, nil
		return
	}
	url, name, size := m.Media.URL, m.Media.Name, m.Media.Size
	m.MediaURL = &url
	if name != "" {
		m.MediaName = &name
	}
	if size > 0 {
		m.MediaSize = &size
	}
}

// ExpandMedia rebuilds Media from the nullable columns after a read.
func (m *Message) ExpandMedia() {
	if m.MediaURL == nil || *m.MediaURL == "" {
		m.Media = nil
		return
	}
	ref := &MediaRef{URL: *m.MediaURL}
	if m.MediaName != nil {
		ref.Name = *m.MediaName
	}
	if m.MediaSize != nil {
		ref.Size = *m.MediaSize
	}
	m.Media = ref
}
