// Package aggregator implements the metrics aggregator: a tumbling
// window accumulator fed by the upstream domain-event topic, flushed
// to the durable store either when an event lands outside the current
// window or by a periodic safety timer.
package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalfabric/realtime/internal/broker"
	"github.com/signalfabric/realtime/internal/model"
	"github.com/signalfabric/realtime/internal/store"
)

const safetyFlushInterval = 10 * time.Second

// channelBucket accumulates one channel's activity within a window.
type channelBucket struct {
	messageCount   int64
	uniqueSenders  map[string]bool
	created        int64
	edited         int64
	deleted        int64
}

// userBucket accumulates one user's activity within a window.
type userBucket struct {
	messagesSent    int64
	messagesEdited  int64
	messagesDeleted int64
	channels        map[string]bool
}

// window is the mutable in-memory accumulator for one tumbling
// window. Assignment is by ingest time, deliberately, so that a
// slow-arriving event's effect lands in whatever window is open when
// it is processed rather than the window its own timestamp implies.
type window struct {
	start time.Time

	messageCount  int64
	activeUsers   map[string]bool
	uniqueSenders map[string]bool
	activeChans   map[string]bool
	textCount     int64
	imageCount    int64
	fileCount     int64
	systemCount   int64

	channels map[string]*channelBucket
	users    map[string]*userBucket
}

func newWindow(start time.Time) *window {
	return &window{
		start:         start,
		activeUsers:   make(map[string]bool),
		uniqueSenders: make(map[string]bool),
		activeChans:   make(map[string]bool),
		channels:      make(map[string]*channelBucket),
		users:         make(map[string]*userBucket),
	}
}

func (w *window) channelBucket(channelID string) *channelBucket {
	b, ok := w.channels[channelID]
	if !ok {
		b = &channelBucket{uniqueSenders: make(map[string]bool)}
		w.channels[channelID] = b
	}
	return b
}

func (w *window) userBucket(userID string) *userBucket {
	b, ok := w.users[userID]
	if !ok {
		b = &userBucket{channels: make(map[string]bool)}
		w.users[userID] = b
	}
	return b
}

// Aggregator owns the live window and drives the flush policy
// described by the system's Metrics Aggregator component: flush and
// roll over on a window boundary crossing, and a periodic safety
// flush so a quiet window is never left unflushed indefinitely.
type Aggregator struct {
	store        store.Store
	logger       zerolog.Logger
	windowSecs   int

	mu  sync.Mutex
	win *window
}

// New builds an Aggregator with a freshly aligned window.
func New(st store.Store, windowSeconds int, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:      st,
		logger:     logger,
		windowSecs: windowSeconds,
		win:        newWindow(alignWindow(time.Now(), windowSeconds)),
	}
}

// alignWindow floors t to the nearest multiple of windowSeconds since
// the Unix epoch.
func alignWindow(t time.Time, windowSeconds int) time.Time {
	secs := t.Unix()
	windowNumber := secs / int64(windowSeconds)
	return time.Unix(windowNumber*int64(windowSeconds), 0).UTC()
}

// Run consumes decoded events from a dedicated broker.Consumer over
// the domain-event topic, updating the live window and driving the
// periodic safety flush, until ctx is cancelled. The aggregator uses
// its own consumer group rather than sharing the realtime edge's
// fan-out group, so its offset-reset policy can replay from the
// earliest offset on a fresh group instead of the fan-out group's
// latest-offset policy.
func (a *Aggregator) Run(ctx context.Context, b broker.Consumer, topic string) error {
	events := make(chan []byte, 256)
	handler := func(payload []byte) {
		select {
		case events <- payload:
		default:
			a.logger.Warn().Msg("aggregator event queue full, dropping event")
		}
	}
	if err := b.Subscribe(topic, handler); err != nil {
		return err
	}
	defer b.Unsubscribe(topic, handler)

	ticker := time.NewTicker(safetyFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flush(context.Background())
			return nil
		case raw := <-events:
			a.ingest(raw)
		case <-ticker.C:
			a.safetyFlush(ctx)
		}
	}
}

// ingest decodes one raw event and applies its effect to the live
// window, rolling the window over first if ingest time has crossed a
// boundary. A malformed event is logged and skipped, never fatal.
func (a *Aggregator) ingest(raw []byte) {
	var evt model.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		a.logger.Warn().Err(err).Msg("skipping malformed aggregator event")
		return
	}

	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if boundary := alignWindow(now, a.windowSecs); boundary.After(a.win.start) {
		a.rollover(boundary)
	}

	a.apply(&evt)
}

// apply mutates the live window in place for one event. Caller must
// hold a.mu.
func (a *Aggregator) apply(evt *model.Event) {
	if evt.UserID == "" || evt.ChannelID == "" {
		a.logger.Warn().Str("event_type", string(evt.EventType)).Msg("skipping event with missing user or channel id")
		return
	}

	w := a.win

	switch evt.EventType {
	case model.EventMessageCreated:
		w.messageCount++
		w.activeUsers[evt.UserID] = true
		w.uniqueSenders[evt.UserID] = true
		w.activeChans[evt.ChannelID] = true

		switch model.MessageType(evt.MessageType) {
		case model.MessageTypeImage:
			w.imageCount++
		case model.MessageTypeFile:
			w.fileCount++
		case model.MessageTypeSystem:
			w.systemCount++
		default:
			w.textCount++
		}

		cb := w.channelBucket(evt.ChannelID)
		cb.messageCount++
		cb.uniqueSenders[evt.UserID] = true
		cb.created++

		ub := w.userBucket(evt.UserID)
		ub.messagesSent++
		ub.channels[evt.ChannelID] = true

	case model.EventMessageEdited:
		w.channelBucket(evt.ChannelID).edited++
		w.userBucket(evt.UserID).messagesEdited++

	case model.EventMessageDeleted:
		w.channelBucket(evt.ChannelID).deleted++
		w.userBucket(evt.UserID).messagesDeleted++

	default:
		a.logger.Debug().Str("event_type", string(evt.EventType)).Msg("ignoring unrecognized event type")
	}
}

// rollover flushes the current window and replaces it with a fresh
// one aligned at boundary. Caller must hold a.mu.
func (a *Aggregator) rollover(boundary time.Time) {
	a.flushLocked(context.Background())
	a.win = newWindow(boundary)
}

// safetyFlush flushes the current window if it holds data and has
// aged past the window duration, without waiting for a new event to
// trigger rollover. This guarantees a quiet window's data reaches the
// store within safetyFlushInterval of going stale.
func (a *Aggregator) safetyFlush(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.win.messageCount == 0 && len(a.win.channels) == 0 && len(a.win.users) == 0 {
		return
	}

	age := time.Since(a.win.start)
	if age.Seconds() < float64(a.windowSecs) {
		return
	}

	boundary := alignWindow(time.Now(), a.windowSecs)
	a.flushLocked(ctx)
	a.win = newWindow(boundary)
}

// flush flushes whatever window is currently live, without rolling it
// over. Used on shutdown.
func (a *Aggregator) flush(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked(ctx)
}

// flushLocked writes the live window's buffers to the store. On any
// write failure, the window is left untouched so the caller can retry
// on the next flush instead of losing the in-memory data: rollover and
// safetyFlush only replace the window after flushLocked returns.
func (a *Aggregator) flushLocked(ctx context.Context) {
	w := a.win
	if w.messageCount == 0 && len(w.channels) == 0 && len(w.users) == 0 {
		return
	}

	messagesPerSecond := 0.0
	if w.messageCount > 0 {
		messagesPerSecond = float64(w.messageCount) / float64(a.windowSecs)
	}

	overall := model.MessageMetrics{
		ID:                  uuid.New(),
		TimeWindow:          w.start,
		WindowDurationSecs:  a.windowSecs,
		MessageCount:        w.messageCount,
		MessagesPerSecond:   messagesPerSecond,
		ActiveUsersCount:    len(w.activeUsers),
		UniqueSendersCount:  len(w.uniqueSenders),
		ActiveChannelsCount: len(w.activeChans),
		TextCount:           w.textCount,
		ImageCount:          w.imageCount,
		FileCount:           w.fileCount,
		SystemCount:         w.systemCount,
	}
	if err := a.store.InsertMessageMetrics(ctx, overall); err != nil {
		a.logger.Error().Err(err).Time("window", w.start).Msg("flush overall metrics failed, retaining window")
		return
	}

	for channelID, cb := range w.channels {
		chanUUID, err := uuid.Parse(channelID)
		if err != nil {
			a.logger.Warn().Str("channel_id", channelID).Msg("skipping channel metrics with non-uuid id")
			continue
		}
		cm := model.ChannelMetrics{
			ID:                 uuid.New(),
			ChannelID:          chanUUID,
			TimeWindow:         w.start,
			WindowDurationSecs: a.windowSecs,
			MessageCount:       cb.messageCount,
			UniqueSendersCount: len(cb.uniqueSenders),
			MessagesPerSecond:  float64(cb.messageCount) / float64(a.windowSecs),
			CreatedCount:       cb.created,
			EditedCount:        cb.edited,
			DeletedCount:       cb.deleted,
		}
		if err := a.store.InsertChannelMetrics(ctx, cm); err != nil {
			a.logger.Error().Err(err).Str("channel_id", channelID).Msg("flush channel metrics failed, retaining window")
			return
		}
	}

	for userID, ub := range w.users {
		userUUID, err := uuid.Parse(userID)
		if err != nil {
			a.logger.Warn().Str("user_id", userID).Msg("skipping user metrics with non-uuid id")
			continue
		}
		um := model.UserMetrics{
			ID:                 uuid.New(),
			UserID:             userUUID,
			TimeWindow:         w.start,
			WindowDurationSecs: a.windowSecs,
			MessagesSent:       ub.messagesSent,
			MessagesEdited:     ub.messagesEdited,
			MessagesDeleted:    ub.messagesDeleted,
			ChannelsActive:     len(ub.channels),
		}
		if err := a.store.InsertUserMetrics(ctx, um); err != nil {
			a.logger.Error().Err(err).Str("user_id", userID).Msg("flush user metrics failed, retaining window")
			return
		}
	}

	a.logger.Info().Time("window", w.start).Int64("message_count", w.messageCount).Msg("flushed metrics window")
}
