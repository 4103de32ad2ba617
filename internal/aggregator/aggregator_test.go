package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalfabric/realtime/internal/model"
)

// fakeStore records every inserted metrics row and can be told to
// fail the next overall-metrics insert, to exercise flush rollback.
type fakeStore struct {
	mu              sync.Mutex
	messageMetrics  []model.MessageMetrics
	channelMetrics  []model.ChannelMetrics
	userMetrics     []model.UserMetrics
	failNextMessage bool
}

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
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNextMessage {
		s.failNextMessage = false
		return assertError
	}
	s.messageMetrics = append(s.messageMetrics, m)
	return nil
}
func (s *fakeStore) InsertChannelMetrics(ctx context.Context, m model.ChannelMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelMetrics = append(s.channelMetrics, m)
	return nil
}
func (s *fakeStore) InsertUserMetrics(ctx context.Context, m model.UserMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userMetrics = append(s.userMetrics, m)
	return nil
}
func (s *fakeStore) Close() {}

var assertError = errorString("insert failed")

type errorString string

func (e errorString) Error() string { return string(e) }

func TestAlignWindowFloorsToMultiple(t *testing.T) {
	t.Parallel()
	ts := time.Unix(1000035, 0).UTC()
	aligned := alignWindow(ts, 60)
	assert.Equal(t, int64(1000020), aligned.Unix())
}

func TestIngestMessageCreatedUpdatesAllBuckets(t *testing.T) {
	st := &fakeStore{}
	a := New(st, 60, zerolog.Nop())

	channelID := uuid.New().String()
	userID := uuid.New().String()

	evt := model.Event{EventType: model.EventMessageCreated, UserID: userID, ChannelID: channelID, MessageType: "text"}
	raw, _ := marshal(evt)
	a.ingest(raw)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.EqualValues(t, 1, a.win.messageCount)
	assert.EqualValues(t, 1, a.win.textCount)
	assert.True(t, a.win.activeUsers[userID])
	assert.True(t, a.win.activeChans[channelID])
	assert.EqualValues(t, 1, a.win.channelBucket(channelID).created)
	assert.EqualValues(t, 1, a.win.userBucket(userID).messagesSent)
}

func TestIngestMalformedEventIsSkippedNotFatal(t *testing.T) {
	st := &fakeStore{}
	a := New(st, 60, zerolog.Nop())

	a.ingest([]byte(`not json`))

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.EqualValues(t, 0, a.win.messageCount)
}

func TestIngestEventMissingFieldsIsSkipped(t *testing.T) {
	st := &fakeStore{}
	a := New(st, 60, zerolog.Nop())

	evt := model.Event{EventType: model.EventMessageCreated, MessageType: "text"}
	raw, _ := marshal(evt)
	a.ingest(raw)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.EqualValues(t, 0, a.win.messageCount)
}

func TestFlushWritesOverallChannelAndUserMetrics(t *testing.T) {
	st := &fakeStore{}
	a := New(st, 60, zerolog.Nop())

	channelID := uuid.New().String()
	userID := uuid.New().String()
	evt := model.Event{EventType: model.EventMessageCreated, UserID: userID, ChannelID: channelID, MessageType: "text"}
	raw, _ := marshal(evt)
	a.ingest(raw)

	a.flush(context.Background())

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.messageMetrics, 1)
	require.Len(t, st.channelMetrics, 1)
	require.Len(t, st.userMetrics, 1)
	assert.EqualValues(t, 1, st.messageMetrics[0].MessageCount)
}

func TestFlushRetainsWindowOnStoreFailure(t *testing.T) {
	st := &fakeStore{failNextMessage: true}
	a := New(st, 60, zerolog.Nop())

	channelID := uuid.New().String()
	userID := uuid.New().String()
	evt := model.Event{EventType: model.EventMessageCreated, UserID: userID, ChannelID: channelID, MessageType: "text"}
	raw, _ := marshal(evt)
	a.ingest(raw)

	a.flush(context.Background())
	st.mu.Lock()
	assert.Len(t, st.messageMetrics, 0)
	st.mu.Unlock()

	a.mu.Lock()
	retainedCount := a.win.messageCount
	a.mu.Unlock()
	assert.EqualValues(t, 1, retainedCount, "window data must survive a failed flush for retry")

	a.flush(context.Background())
	st.mu.Lock()
	assert.Len(t, st.messageMetrics, 1)
	st.mu.Unlock()
}

func TestSafetyFlushSkipsFreshEmptyWindow(t *testing.T) {
	st := &fakeStore{}
	a := New(st, 60, zerolog.Nop())

	a.safetyFlush(context.Background())

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Empty(t, st.messageMetrics)
}

func marshal(evt model.Event) ([]byte, error) {
	return json.Marshal(evt)
}
