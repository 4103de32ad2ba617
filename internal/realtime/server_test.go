package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfabric/realtime/internal/auth"
	"github.com/signalfabric/realtime/internal/broker"
	"github.com/signalfabric/realtime/internal/manager"
	"github.com/signalfabric/realtime/internal/metrics"
	"github.com/signalfabric/realtime/internal/model"
	"github.com/signalfabric/realtime/internal/ratelimit"
	"github.com/signalfabric/realtime/internal/store"
)

type fakeBroker struct{ connected bool }

func (b *fakeBroker) Publish(ctx context.Context, topic string, payload []byte, key string) error {
	return nil
}
func (b *fakeBroker) Subscribe(topic string, h broker.Handler) error   { return nil }
func (b *fakeBroker) Unsubscribe(topic string, h broker.Handler) error { return nil }
func (b *fakeBroker) MarkOnline(ctx context.Context, userID string) error  { return nil }
func (b *fakeBroker) MarkOffline(ctx context.Context, userID string) error { return nil }
func (b *fakeBroker) IsOnline(ctx context.Context, userID string) (bool, error) {
	return false, nil
}
func (b *fakeBroker) SetTyping(ctx context.Context, channelID, userID, username string) error {
	return nil
}
func (b *fakeBroker) ClearTyping(ctx context.Context, channelID, userID string) error { return nil }
func (b *fakeBroker) Connected() bool                                                 { return b.connected }
func (b *fakeBroker) Close() error                                                    { return nil }

type fakeStore struct{}

func (s *fakeStore) InsertMessage(ctx context.Context, channelID, userID, content, messageType string, metadata map[string]any) (*model.Message, error) {
	return nil, nil
}
func (s *fakeStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	return nil, nil
}
func (s *fakeStore) EditMessage(ctx context.Context, messageID, content string) (*model.Message, error) {
	return nil, nil
}
func (s *fakeStore) SoftDeleteMessage(ctx context.Context, messageID string) error { return nil }
func (s *fakeStore) IsChannelMember(ctx context.Context, channelID, userID string) (bool, error) {
	return true, nil
}
func (s *fakeStore) InsertMessageMetrics(ctx context.Context, m model.MessageMetrics) error {
	return nil
}
func (s *fakeStore) InsertChannelMetrics(ctx context.Context, m model.ChannelMetrics) error {
	return nil
}
func (s *fakeStore) InsertUserMetrics(ctx context.Context, m model.UserMetrics) error { return nil }
func (s *fakeStore) Close()                                                          {}

func newTestServer(t *testing.T, b broker.Adapter) (*Server, *auth.Manager) {
	t.Helper()
	logger := zerolog.Nop()
	am := auth.NewManager("test-secret", "HS256", time.Hour)
	mgr := manager.New(b, logger)
	limiter := ratelimit.New(ratelimit.Config{GlobalPerSecond: 1000, GlobalBurst: 1000, PerIPPerSecond: 1000, PerIPBurst: 1000}, logger)
	t.Cleanup(limiter.Close)

	srv := New(Config{
		Addr:            "127.0.0.1:0",
		MaxMessageBytes: 32768,
		PingInterval:    30 * time.Second,
		PingTimeout:     10 * time.Second,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
	}, am, mgr, b, &fakeStore{}, limiter, metrics.New(), logger)

	return srv, am
}

func TestHandleHealthHealthyWhenBrokerConnected(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroker{connected: true})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthDegradedWhenBrokerDisconnected(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroker{connected: false})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleStatsReturnsConnectionAndSystemShape(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroker{connected: true})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.handleStats(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "connections")
	assert.Contains(t, body, "system")
}

func TestHandleWebSocketRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroker{connected: true})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	srv.handleWebSocket(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWebSocketRejectsInvalidToken(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBroker{connected: true})

	req := httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil)
	rec := httptest.NewRecorder()
	srv.handleWebSocket(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWebSocketRejectsWhenRateLimited(t *testing.T) {
	logger := zerolog.Nop()
	am := auth.NewManager("test-secret", "HS256", time.Hour)
	mgr := manager.New(&fakeBroker{connected: true}, logger)
	limiter := ratelimit.New(ratelimit.Config{GlobalPerSecond: 0.0001, GlobalBurst: 1, PerIPPerSecond: 1000, PerIPBurst: 1000}, logger)
	t.Cleanup(limiter.Close)

	srv := New(Config{Addr: "127.0.0.1:0", MaxMessageBytes: 1024}, am, mgr, &fakeBroker{connected: true}, &fakeStore{}, limiter, metrics.New(), logger)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	srv.handleWebSocket(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "first attempt consumes the sole burst token, falls through to the missing-token check")

	rec2 := httptest.NewRecorder()
	srv.handleWebSocket(rec2, req)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

var _ store.Store = (*fakeStore)(nil)
