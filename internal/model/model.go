// Package model holds the durable and transient data shapes shared
// across the realtime edge: messages, domain events, and the
// metrics rows the aggregator flushes.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed enumeration of durable message kinds.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is one of the enumerated message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem:
		return true
	default:
		return false
	}
}

// Message is the durable row behind a chat message. Soft-deleted
// messages keep their row but are hidden from feeds.
type Message struct {
	ID        uuid.UUID      `json:"id"`
	ChannelID uuid.UUID      `json:"channel_id"`
	UserID    uuid.UUID      `json:"user_id"`
	Content   string         `json:"content"`
	Type      MessageType    `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsEdited  bool           `json:"is_edited"`
	IsDeleted bool           `json:"is_deleted"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EventType is the recognized subset of domain events the aggregator
// understands. Any other event type is ignored, not an error.
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageEdited  EventType = "message.edited"
	EventMessageDeleted EventType = "message.deleted"
)

// Event is a tagged record on the upstream domain-event topic.
type Event struct {
	EventID     string         `json:"event_id"`
	EventType   EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	UserID      string         `json:"user_id"`
	ChannelID   string         `json:"channel_id"`
	MessageID   string         `json:"message_id,omitempty"`
	MessageType string         `json:"message_type,omitempty"`
	Content     string         `json:"content,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IsEdited    bool           `json:"is_edited,omitempty"`
	IsDeleted   bool           `json:"is_deleted,omitempty"`
}

// MessageMetrics is one flushed row per tumbling window.
type MessageMetrics struct {
	ID                  uuid.UUID
	TimeWindow          time.Time
	WindowDurationSecs  int
	MessageCount        int64
	MessagesPerSecond   float64
	ActiveUsersCount    int
	UniqueSendersCount  int
	ActiveChannelsCount int
	TextCount           int64
	ImageCount          int64
	FileCount           int64
	SystemCount         int64
}

// ChannelMetrics is one flushed row per (channel, window).
type ChannelMetrics struct {
	ID                 uuid.UUID
	ChannelID          uuid.UUID
	TimeWindow         time.Time
	WindowDurationSecs int
	MessageCount       int64
	UniqueSendersCount int
	MessagesPerSecond  float64
	CreatedCount       int64
	EditedCount        int64
	DeletedCount       int64
}

// UserMetrics is one flushed row per (user, window).
type UserMetrics struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	TimeWindow         time.Time
	WindowDurationSecs int
	MessagesSent       int64
	MessagesEdited     int64
	MessagesDeleted    int64
	ChannelsActive     int
}
