package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signalfabric/realtime/internal/model"
)

// querier is the subset of pgxpool.Pool the store needs, so tests can
// substitute a pgxmock pool without depending on the concrete type.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	pool querier
	raw  *pgxpool.Pool
}

// Open connects a pgxpool.Pool to databaseURL and wraps it as a Store.
func Open(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool, raw: pool}, nil
}

// NewWithQuerier builds a PostgresStore over an arbitrary querier, for
// tests that substitute a pgxmock pool.
func NewWithQuerier(q querier) *PostgresStore {
	return &PostgresStore{pool: q}
}

func (s *PostgresStore) InsertMessage(ctx context.Context, channelID, userID, content, messageType string, metadata map[string]any) (*model.Message, error) {
	msg := &model.Message{
		ID:       uuid.New(),
		Content:  content,
		Type:     model.MessageType(messageType),
		Metadata: metadata,
	}

	chanID, err := uuid.Parse(channelID)
	if err != nil {
		return nil, fmt.Errorf("parse channel id: %w", err)
	}
	usrID, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	msg.ChannelID = chanID
	msg.UserID = usrID

	query := `
		INSERT INTO messages (id, channel_id, user_id, content, type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err = s.pool.QueryRow(ctx, query, msg.ID, msg.ChannelID, msg.UserID, msg.Content, msg.Type, msg.Metadata).
		Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	query := `
		SELECT id, channel_id, user_id, content, type, metadata, is_edited, is_deleted, created_at, updated_at
		FROM messages
		WHERE id = $1`

	msg := &model.Message{}
	err := s.pool.QueryRow(ctx, query, messageID).Scan(
		&msg.ID, &msg.ChannelID, &msg.UserID, &msg.Content, &msg.Type, &msg.Metadata,
		&msg.IsEdited, &msg.IsDeleted, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, messageID, content string) (*model.Message, error) {
	query := `
		UPDATE messages
		SET content = $2, is_edited = true, updated_at = now()
		WHERE id = $1 AND is_deleted = false
		RETURNING id, channel_id, user_id, content, type, metadata, is_edited, is_deleted, created_at, updated_at`

	msg := &model.Message{}
	err := s.pool.QueryRow(ctx, query, messageID, content).Scan(
		&msg.ID, &msg.ChannelID, &msg.UserID, &msg.Content, &msg.Type, &msg.Metadata,
		&msg.IsEdited, &msg.IsDeleted, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID string) error {
	query := `UPDATE messages SET is_deleted = true, updated_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, messageID)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IsChannelMember(ctx context.Context, channelID, userID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, channelID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check channel membership: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertMessageMetrics(ctx context.Context, m model.MessageMetrics) error {
	query := `
		INSERT INTO message_metrics (
			id, time_window, window_duration_secs, message_count, messages_per_second,
			active_users_count, unique_senders_count, active_channels_count,
			text_count, image_count, file_count, system_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (time_window) DO UPDATE SET
			message_count = EXCLUDED.message_count,
			messages_per_second = EXCLUDED.messages_per_second,
			active_users_count = EXCLUDED.active_users_count,
			unique_senders_count = EXCLUDED.unique_senders_count,
			active_channels_count = EXCLUDED.active_channels_count,
			text_count = EXCLUDED.text_count,
			image_count = EXCLUDED.image_count,
			file_count = EXCLUDED.file_count,
			system_count = EXCLUDED.system_count`

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, query, m.ID, m.TimeWindow, m.WindowDurationSecs, m.MessageCount, m.MessagesPerSecond,
		m.ActiveUsersCount, m.UniqueSendersCount, m.ActiveChannelsCount,
		m.TextCount, m.ImageCount, m.FileCount, m.SystemCount)
	if err != nil {
		return fmt.Errorf("insert message metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertChannelMetrics(ctx context.Context, m model.ChannelMetrics) error {
	query := `
		INSERT INTO channel_metrics (
			id, channel_id, time_window, window_duration_secs, message_count,
			unique_senders_count, messages_per_second, created_count, edited_count, deleted_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (channel_id, time_window) DO UPDATE SET
			message_count = EXCLUDED.message_count,
			unique_senders_count = EXCLUDED.unique_senders_count,
			messages_per_second = EXCLUDED.messages_per_second,
			created_count = EXCLUDED.created_count,
			edited_count = EXCLUDED.edited_count,
			deleted_count = EXCLUDED.deleted_count`

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, query, m.ID, m.ChannelID, m.TimeWindow, m.WindowDurationSecs, m.MessageCount,
		m.UniqueSendersCount, m.MessagesPerSecond, m.CreatedCount, m.EditedCount, m.DeletedCount)
	if err != nil {
		return fmt.Errorf("insert channel metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertUserMetrics(ctx context.Context, m model.UserMetrics) error {
	query := `
		INSERT INTO user_metrics (
			id, user_id, time_window, window_duration_secs,
			messages_sent, messages_edited, messages_deleted, channels_active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (user_id, time_window) DO UPDATE SET
			messages_sent = EXCLUDED.messages_sent,
			messages_edited = EXCLUDED.messages_edited,
			messages_deleted = EXCLUDED.messages_deleted,
			channels_active = EXCLUDED.channels_active`

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, query, m.ID, m.UserID, m.TimeWindow, m.WindowDurationSecs,
		m.MessagesSent, m.MessagesEdited, m.MessagesDeleted, m.ChannelsActive)
	if err != nil {
		return fmt.Errorf("insert user metrics: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool, if one was opened by
// Open. A store built over a bare querier (tests) has nothing to do.
func (s *PostgresStore) Close() {
	if s.raw != nil {
		s.raw.Close()
	}
}
