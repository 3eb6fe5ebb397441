package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is the JSON frame written on the websocket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func encode(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Data: data})
}

// EncodeClient serializes a client event into an envelope frame.
func EncodeClient(ev ClientEvent) ([]byte, error) {
	return encode(ev.EventType(), ev)
}

// EncodeServer serializes a server event into an envelope frame.
func EncodeServer(ev ServerEvent) ([]byte, error) {
	return encode(ev.EventType(), ev)
}

func decodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("decode %s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return nil
}

func decodeClientAs[T ClientEvent](env Envelope, ev T) (ClientEvent, error) {
	if err := decodeData(env, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeServerAs[T ServerEvent](env Envelope, ev T) (ServerEvent, error) {
	if err := decodeData(env, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// DecodeClient parses a frame received by the server.
func DecodeClient(frame []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeJoin:
		// the source client emitted the bare username string
		var username string
		if err := json.Unmarshal(env.Data, &username); err == nil {
			return Join{Username: username}, nil
		}
		return decodeClientAs(env, Join{})
	case TypeMessageSend:
		return decodeClientAs(env, SendMessage{})
	case TypeRead:
		return decodeClientAs(env, ReadAck{})
	case TypeMarkAllRead:
		return decodeClientAs(env, MarkAllRead{})
	case TypeTypingStart, TypeTypingStop:
		return decodeClientAs(env, Typing{Active: env.Type == TypeTypingStart})
	case TypeSync:
		return decodeClientAs(env, SyncRequest{})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

// DecodeServer parses a frame received by a client.
func DecodeServer(frame []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeJoinAck:
		return decodeServerAs(env, JoinAck{})
	case TypeMessageSent:
		return decodeServerAs(env, MessageSent{})
	case TypeMessageReceive:
		return decodeServerAs(env, MessageReceive{})
	case TypeDelivered:
		return decodeServerAs(env, MessageDelivered{})
	case TypeRead:
		return decodeServerAs(env, MessageRead{})
	case TypeTypingStart, TypeTypingStop:
		return decodeServerAs(env, TypingIndicator{Active: env.Type == TypeTypingStart})
	case TypeUserOnline, TypeUserOffline:
		var ev PresenceChanged
		if err := decodeData(env, &ev); err != nil {
			return nil, err
		}
		ev.IsOnline = env.Type == TypeUserOnline
		return ev, nil
	case TypeError:
		return decodeServerAs(env, MessageError{})
	case TypeSync:
		return decodeServerAs(env, SyncResult{})
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}
