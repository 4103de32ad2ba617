// Package store is the durable relational store behind the realtime
// edge and the metrics aggregator: message persistence, channel
// membership checks, and the three metrics-window upsert paths.
package store

import (
	"context"
	"errors"

	"github.com/signalfabric/realtime/internal/model"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the durable persistence boundary. The realtime edge calls
// InsertMessage; the metrics aggregator uses the three metrics upsert
// methods exclusively.
type Store interface {
	InsertMessage(ctx context.Context, channelID, userID, content, messageType string, metadata map[string]any) (*model.Message, error)
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	EditMessage(ctx context.Context, messageID, content string) (*model.Message, error)
	SoftDeleteMessage(ctx context.Context, messageID string) error

	// IsChannelMember reports whether userID belongs to channelID.
	// Exposed for a future REST-side membership check; channel.subscribe
	// and message.send do not call it today.
	IsChannelMember(ctx context.Context, channelID, userID string) (bool, error)

	InsertMessageMetrics(ctx context.Context, m model.MessageMetrics) error
	InsertChannelMetrics(ctx context.Context, m model.ChannelMetrics) error
	InsertUserMetrics(ctx context.Context, m model.UserMetrics) error

	Close()
}
