package broker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceTTL = 300 * time.Second
	typingTTL   = 10 * time.Second
)

// volatileKV is the presence/typing half of the Broker Adapter: a
// TTL-bounded string key per online user and a TTL-bounded hash per
// channel's typing set.
type volatileKV struct {
	client *redis.Client
}

func newVolatileKV(url string) (*volatileKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &volatileKV{client: redis.NewClient(opts)}, nil
}

func presenceKey(userID string) string { return "user:presence:" + userID }
func typingKey(channelID string) string { return "typing:" + channelID }

// MarkOnline renews the user's presence TTL.
func (k *volatileKV) MarkOnline(ctx context.Context, userID string) error {
	return k.client.Set(ctx, presenceKey(userID), "online", presenceTTL).Err()
}

// MarkOffline deletes the user's presence key outright (used on the
// last-session-lost transition; TTL expiry is the other removal path).
func (k *volatileKV) MarkOffline(ctx context.Context, userID string) error {
	return k.client.Del(ctx, presenceKey(userID)).Err()
}

// IsOnline reports whether the user's presence key currently exists.
func (k *volatileKV) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := k.client.Exists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetTyping records userID/username as typing in channelID, refreshing
// the whole hash's TTL.
func (k *volatileKV) SetTyping(ctx context.Context, channelID, userID, username string) error {
	key := typingKey(channelID)
	if err := k.client.HSet(ctx, key, userID, username).Err(); err != nil {
		return err
	}
	return k.client.Expire(ctx, key, typingTTL).Err()
}

// ClearTyping removes userID's typing field from channelID's hash.
// Clearing an absent field is a no-op, not an error.
func (k *volatileKV) ClearTyping(ctx context.Context, channelID, userID string) error {
	return k.client.HDel(ctx, typingKey(channelID), userID).Err()
}

// Ping reports whether Redis is reachable, used by the liveness probe.
func (k *volatileKV) Ping(ctx context.Context) error {
	return k.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (k *volatileKV) Close() error {
	return k.client.Close()
}
