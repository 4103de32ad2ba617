// Package frame defines the WebSocket wire protocol: one JSON object
// per frame, tagged by "type". Client frames are parsed into typed
// structs rather than accessed as ad-hoc maps; unknown types are
// rejected without closing the session.
package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the closed set of recognized frame discriminators.
type Type string

const (
	TypePing               Type = "ping"
	TypePong               Type = "pong"
	TypeChannelSubscribe   Type = "channel.subscribe"
	TypeChannelUnsubscribe Type = "channel.unsubscribe"
	TypeMessageSend        Type = "message.send"
	TypeMessageReceive     Type = "message.receive"
	TypeTypingStart        Type = "typing.start"
	TypeTypingStop         Type = "typing.stop"
	TypeTypingIndicator    Type = "typing.indicator"
	TypePresenceUpdate     Type = "presence.update"
	TypeSuccess            Type = "success"
	TypeError              Type = "error"
)

// Base carries the two fields every frame has.
type Base struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

func now() int64 { return time.Now().UnixMilli() }

// --- Client -> server frames ---

// MessageSend is the client's request to post a message to a channel.
type MessageSend struct {
	Base
	ChannelID   string         `json:"channel_id"`
	Content     string         `json:"content"`
	MessageType string         `json:"message_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ChannelSubscribe is the client's request to receive a channel's
// fan-out.
type ChannelSubscribe struct {
	Base
	ChannelID string `json:"channel_id"`
}

// ChannelUnsubscribe reverses ChannelSubscribe.
type ChannelUnsubscribe struct {
	Base
	ChannelID string `json:"channel_id"`
}

// TypingStart signals the user started composing in a channel.
type TypingStart struct {
	Base
	ChannelID string `json:"channel_id"`
}

// TypingStop signals the user stopped composing.
type TypingStop struct {
	Base
	ChannelID string `json:"channel_id"`
}

// Ping is a client liveness probe.
type Ping struct {
	Base
}

// --- Server -> client frames ---

// MessageReceive is the fan-out echo of a posted message.
type MessageReceive struct {
	Base
	MessageID   string         `json:"message_id"`
	ChannelID   string         `json:"channel_id"`
	UserID      string         `json:"user_id"`
	Username    string         `json:"username"`
	Content     string         `json:"content"`
	MessageType string         `json:"message_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewMessageReceive builds a MessageReceive frame stamped with now().
func NewMessageReceive(messageID, channelID, userID, username, content, messageType string, metadata map[string]any, createdAt time.Time) MessageReceive {
	return MessageReceive{
		Base:        Base{Type: TypeMessageReceive, Timestamp: now()},
		MessageID:   messageID,
		ChannelID:   channelID,
		UserID:      userID,
		Username:    username,
		Content:     content,
		MessageType: messageType,
		Metadata:    metadata,
		CreatedAt:   createdAt,
	}
}

// TypingIndicator is the fan-out of a typing.start/typing.stop.
type TypingIndicator struct {
	Base
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	IsTyping  bool   `json:"is_typing"`
}

// NewTypingIndicator builds a TypingIndicator frame stamped with now().
func NewTypingIndicator(channelID, userID, username string, isTyping bool) TypingIndicator {
	return TypingIndicator{
		Base:      Base{Type: TypeTypingIndicator, Timestamp: now()},
		ChannelID: channelID,
		UserID:    userID,
		Username:  username,
		IsTyping:  isTyping,
	}
}

// PresenceStatus is the closed set of presence values.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
)

// PresenceUpdate is the fan-out of a user's online/offline transition.
type PresenceUpdate struct {
	Base
	UserID string         `json:"user_id"`
	Status PresenceStatus `json:"status"`
}

// NewPresenceUpdate builds a PresenceUpdate frame stamped with now().
func NewPresenceUpdate(userID string, status PresenceStatus) PresenceUpdate {
	return PresenceUpdate{
		Base:   Base{Type: TypePresenceUpdate, Timestamp: now()},
		UserID: userID,
		Status: status,
	}
}

// Success acknowledges a client request.
type Success struct {
	Base
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewSuccess builds a Success frame stamped with now().
func NewSuccess(message string, data map[string]any) Success {
	return Success{Base: Base{Type: TypeSuccess, Timestamp: now()}, Message: message, Data: data}
}

// Error reports a client-visible failure. The session is not closed
// by sending one.
type Error struct {
	Base
	ErrorText string `json:"error"`
	Code      string `json:"code,omitempty"`
}

// NewError builds an Error frame stamped with now().
func NewError(errorText, code string) Error {
	return Error{Base: Base{Type: TypeError, Timestamp: now()}, ErrorText: errorText, Code: code}
}

// Pong answers a Ping.
type Pong struct {
	Base
}

// NewPong builds a Pong frame stamped with now().
func NewPong() Pong {
	return Pong{Base: Base{Type: TypePong, Timestamp: now()}}
}

// Decode inspects the "type" field of raw and unmarshals it into the
// matching client-frame struct. The returned value is one of
// *MessageSend, *ChannelSubscribe, *ChannelUnsubscribe, *TypingStart,
// *TypingStop, or *Ping. An unrecognized type returns the raw Type
// alongside ErrUnknownType so the caller can reply with an error
// frame instead of closing the connection.
func Decode(raw []byte) (any, Type, error) {
	var base Base
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, "", fmt.Errorf("decode frame envelope: %w", err)
	}

	switch base.Type {
	case TypeMessageSend:
		var f MessageSend
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, base.Type, err
		}
		return &f, base.Type, nil
	case TypeChannelSubscribe:
		var f ChannelSubscribe
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, base.Type, err
		}
		return &f, base.Type, nil
	case TypeChannelUnsubscribe:
		var f ChannelUnsubscribe
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, base.Type, err
		}
		return &f, base.Type, nil
	case TypeTypingStart:
		var f TypingStart
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, base.Type, err
		}
		return &f, base.Type, nil
	case TypeTypingStop:
		var f TypingStop
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, base.Type, err
		}
		return &f, base.Type, nil
	case TypePing:
		var f Ping
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, base.Type, err
		}
		return &f, base.Type, nil
	default:
		return nil, base.Type, ErrUnknownType
	}
}

// ErrUnknownType is returned by Decode for an unrecognized frame type.
var ErrUnknownType = fmt.Errorf("unknown frame type")
