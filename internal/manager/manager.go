// Package manager implements the in-process connection manager: the
// registry of local sessions indexed by user and by channel, and the
// delivery/broadcast primitives every session handler calls into.
package manager

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalfabric/realtime/internal/broker"
	"github.com/signalfabric/realtime/internal/frame"
)

// Sink is the outbound frame queue a session exposes to the manager.
// Implementations must be safe for concurrent Enqueue calls and must
// never block the caller indefinitely.
type Sink interface {
	// Enqueue attempts to hand frame to the session's writer. It
	// returns false if the sink is full or closed, in which case the
	// manager marks the session stale.
	Enqueue(raw []byte) bool
}

// Session is the subset of per-connection state the manager needs:
// identity, the outbound sink, and the live set of subscribed
// channels. The manager keeps its own channel index alongside this
// set: SubscribeLocal and UnsubscribeLocal update both, the index under
// the manager's lock and this set under the session's own lock, so the
// two are not updated atomically together.
type Session struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Username string
	Sink     Sink

	mu       sync.Mutex
	channels map[string]bool
}

// NewSession builds a Session wrapping sink.
func NewSession(id, userID uuid.UUID, username string, sink Sink) *Session {
	return &Session{ID: id, UserID: userID, Username: username, Sink: sink, channels: make(map[string]bool)}
}

func (s *Session) addChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channelID] = true
}

func (s *Session) removeChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
}

// Channels returns a snapshot of the session's subscribed channel ids.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	return out
}

// Manager is the per-instance registry described by the system spec's
// Connection Manager component: sessions indexed by user id, sessions
// indexed by channel id, and the attach/detach/subscribe operations
// that keep both indexes and the broker's subscriptions consistent.
type Manager struct {
	broker broker.Adapter
	logger zerolog.Logger

	mu        sync.RWMutex
	byUser    map[uuid.UUID]map[*Session]bool
	byChannel map[string]map[*Session]bool
}

// New builds a Manager bound to a broker adapter.
func New(b broker.Adapter, logger zerolog.Logger) *Manager {
	return &Manager{
		broker:    b,
		logger:    logger,
		byUser:    make(map[uuid.UUID]map[*Session]bool),
		byChannel: make(map[string]map[*Session]bool),
	}
}

// Attach registers a newly authenticated session. On the first
// session for a user, it marks the user online and publishes a
// presence transition.
func (m *Manager) Attach(ctx context.Context, s *Session) {
	m.mu.Lock()
	set, ok := m.byUser[s.UserID]
	if !ok {
		set = make(map[*Session]bool)
		m.byUser[s.UserID] = set
	}
	firstSession := len(set) == 0
	set[s] = true
	m.mu.Unlock()

	if firstSession {
		if err := m.broker.MarkOnline(ctx, s.UserID.String()); err != nil {
			m.logger.Warn().Err(err).Str("user_id", s.UserID.String()).Msg("mark online failed")
		}
		m.publishPresence(ctx, s.UserID.String(), frame.PresenceOnline)
	}
}

// Detach removes a session from the user index and every channel
// index it was subscribed to. On the user's last session loss, it
// marks the user offline and publishes the transition.
func (m *Manager) Detach(ctx context.Context, s *Session) {
	for _, channelID := range s.Channels() {
		m.UnsubscribeLocal(ctx, s, channelID)
	}

	m.mu.Lock()
	set, ok := m.byUser[s.UserID]
	lastSession := false
	if ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m.byUser, s.UserID)
			lastSession = true
		}
	}
	m.mu.Unlock()

	if lastSession {
		if err := m.broker.MarkOffline(ctx, s.UserID.String()); err != nil {
			m.logger.Warn().Err(err).Str("user_id", s.UserID.String()).Msg("mark offline failed")
		}
		m.publishPresence(ctx, s.UserID.String(), frame.PresenceOffline)
	}
}

func (m *Manager) publishPresence(ctx context.Context, userID string, status frame.PresenceStatus) {
	update := frame.NewPresenceUpdate(userID, status)
	payload, err := marshalFrame(update)
	if err != nil {
		m.logger.Error().Err(err).Msg("marshal presence update")
		return
	}
	if err := m.broker.Publish(ctx, broker.PresenceTopic, payload, userID); err != nil {
		m.logger.Warn().Err(err).Msg("publish presence update failed")
	}
}

// SubscribeLocal adds s to channelID's local subscriber set. When this
// is the channel's first local subscriber, it asks the broker to
// subscribe the fan-out topic with a handler that dispatches into the
// local set.
func (m *Manager) SubscribeLocal(ctx context.Context, s *Session, channelID string) error {
	m.mu.Lock()
	set, ok := m.byChannel[channelID]
	firstSubscriber := !ok || len(set) == 0
	if !ok {
		set = make(map[*Session]bool)
		m.byChannel[channelID] = set
	}
	set[s] = true
	m.mu.Unlock()

	s.addChannel(channelID)

	if firstSubscriber {
		if err := m.broker.Subscribe(broker.ChannelTopic(channelID), m.fanOutHandler(channelID)); err != nil {
			return err
		}
		if err := m.broker.Subscribe(broker.TypingTopic(channelID), m.typingFanOutHandler(channelID)); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeLocal reverses SubscribeLocal. When the channel's local
// subscriber set empties, it releases the broker subscription so the
// instance no longer holds an active pub/sub subscription to a
// channel nobody local cares about.
func (m *Manager) UnsubscribeLocal(ctx context.Context, s *Session, channelID string) {
	m.mu.Lock()
	set, ok := m.byChannel[channelID]
	emptied := false
	if ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m.byChannel, channelID)
			emptied = true
		}
	}
	m.mu.Unlock()

	s.removeChannel(channelID)

	if emptied {
		if err := m.broker.Unsubscribe(broker.ChannelTopic(channelID), m.fanOutHandler(channelID)); err != nil {
			m.logger.Warn().Err(err).Str("channel_id", channelID).Msg("broker unsubscribe failed")
		}
		if err := m.broker.Unsubscribe(broker.TypingTopic(channelID), m.typingFanOutHandler(channelID)); err != nil {
			m.logger.Warn().Err(err).Str("channel_id", channelID).Msg("broker unsubscribe failed")
		}
	}
}

// fanOutHandler builds the broker.Handler that delivers a message
// fan-out payload to every local subscriber of channelID, including
// the sender's own session (the sender hears her own echo).
func (m *Manager) fanOutHandler(channelID string) broker.Handler {
	return func(payload []byte) {
		m.BroadcastChannel(channelID, payload, uuid.Nil)
	}
}

// typingFanOutHandler builds the broker.Handler that delivers a
// typing-indicator payload to every local subscriber of channelID
// except the user who is doing the typing.
func (m *Manager) typingFanOutHandler(channelID string) broker.Handler {
	return func(payload []byte) {
		exclude := uuid.Nil
		var indicator frame.TypingIndicator
		if err := json.Unmarshal(payload, &indicator); err == nil {
			if parsed, err := uuid.Parse(indicator.UserID); err == nil {
				exclude = parsed
			}
		}
		m.BroadcastChannel(channelID, payload, exclude)
	}
}

// Deliver attempts to enqueue raw onto s's outbound sink. On overflow
// or a closed sink it marks the session stale and detaches it; the
// caller does not need to react further.
func (m *Manager) Deliver(ctx context.Context, s *Session, raw []byte) {
	if !s.Sink.Enqueue(raw) {
		m.logger.Warn().Str("session_id", s.ID.String()).Msg("session sink full or closed, detaching")
		m.Detach(ctx, s)
	}
}

// BroadcastChannel delivers raw to every local subscriber of
// channelID except exclude (pass uuid.Nil to exclude nobody). A slow
// or stale subscriber never blocks delivery to the rest.
func (m *Manager) BroadcastChannel(channelID string, raw []byte, exclude uuid.UUID) {
	m.mu.RLock()
	set := m.byChannel[channelID]
	recipients := make([]*Session, 0, len(set))
	for s := range set {
		if s.UserID != exclude {
			recipients = append(recipients, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range recipients {
		if !s.Sink.Enqueue(raw) {
			m.logger.Warn().Str("session_id", s.ID.String()).Msg("session sink full or closed, detaching")
			m.Detach(context.Background(), s)
		}
	}
}

// Stats reports the counters the realtime edge's /stats endpoint
// exposes.
type Stats struct {
	TotalSessions  int
	UniqueUsers    int
	ActiveChannels int
}

// Stats snapshots the manager's current size.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, set := range m.byUser {
		total += len(set)
	}

	return Stats{
		TotalSessions:  total,
		UniqueUsers:    len(m.byUser),
		ActiveChannels: len(m.byChannel),
	}
}

func marshalFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}
