// Package session implements the per-connection state machine: a
// WebSocket connection's lifecycle from upgrade through authenticated
// frame exchange to teardown, and the dispatch table that routes each
// decoded client frame to the right handler.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/signalfabric/realtime/internal/broker"
	"github.com/signalfabric/realtime/internal/frame"
	"github.com/signalfabric/realtime/internal/manager"
	"github.com/signalfabric/realtime/internal/store"
)

// State is one point in the session's lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// CloseReason carries the WebSocket close code and text a session
// teardown should emit.
type CloseReason struct {
	Code int
	Text string
}

var (
	CloseAuthFailed = CloseReason{Code: websocket.ClosePolicyViolation, Text: "authentication failed"}
	CloseInternal   = CloseReason{Code: websocket.CloseInternalServerErr, Text: "internal error"}
	CloseNormal     = CloseReason{Code: websocket.CloseNormalClosure, Text: "closing"}
)

// Session owns one WebSocket connection: its state machine, its
// outbound write pump, and the routing of decoded inbound frames to
// the connection manager, broker adapter, and durable store.
type Session struct {
	id       uuid.UUID
	userID   uuid.UUID
	username string

	conn    *websocket.Conn
	manager *manager.Manager
	broker  broker.Adapter
	store   store.Store
	logger  zerolog.Logger

	maxMessageBytes int64
	pingInterval    time.Duration
	pingTimeout     time.Duration

	mu    sync.Mutex
	state State
	send  chan []byte

	regSession *manager.Session
}

// Config configures a Session's I/O limits.
type Config struct {
	MaxMessageBytes int64
	PingInterval    time.Duration
	PingTimeout     time.Duration
}

// New builds a Session in StateConnecting. The caller must call Run
// after the connection has been authenticated to drive it through
// StateAuthenticated and StateActive.
func New(conn *websocket.Conn, userID uuid.UUID, username string, mgr *manager.Manager, b broker.Adapter, st store.Store, cfg Config, logger zerolog.Logger) *Session {
	s := &Session{
		id:              uuid.New(),
		userID:          userID,
		username:        username,
		conn:            conn,
		manager:         mgr,
		broker:          b,
		store:           st,
		logger:          logger.With().Str("session_id", uuid.Nil.String()).Logger(),
		maxMessageBytes: cfg.MaxMessageBytes,
		pingInterval:    cfg.PingInterval,
		pingTimeout:     cfg.PingTimeout,
		state:           StateConnecting,
		send:            make(chan []byte, sendBufferSize),
	}
	s.logger = logger.With().Str("session_id", s.id.String()).Str("user_id", userID.String()).Logger()
	return s
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enqueue implements manager.Sink. It never blocks: a full send
// buffer means the session is stale and the manager should detach it.
func (s *Session) Enqueue(raw []byte) bool {
	s.mu.Lock()
	closed := s.state == StateClosed || s.state == StateClosing
	s.mu.Unlock()
	if closed {
		return false
	}

	select {
	case s.send <- raw:
		return true
	default:
		return false
	}
}

// Run drives the session to completion: StateAuthenticated ->
// StateActive -> (read loop until error or close frame) ->
// StateClosing -> StateClosed. It blocks until the connection closes.
// ctx cancellation forces an immediate shutdown.
func (s *Session) Run(ctx context.Context) {
	s.setState(StateAuthenticated)

	regSession := manager.NewSession(s.id, s.userID, s.username, s)
	s.regSession = regSession
	s.manager.Attach(ctx, regSession)
	s.setState(StateActive)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the connection on cancellation unblocks the read loop.
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx)
	}()

	s.readPump(ctx)

	cancel()
	<-writerDone

	s.setState(StateClosing)
	s.manager.Detach(context.Background(), regSession)
	s.setState(StateClosed)
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.logger.Debug().Err(err).Msg("write failed, closing session")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.maxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(s.pingTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.pingTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		if err := s.dispatch(ctx, raw); err != nil {
			s.logger.Debug().Err(err).Msg("frame dispatch error")
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// dispatch decodes raw into a typed client frame and routes it to the
// matching handler. An unrecognized or malformed frame returns an
// error frame to the client without closing the session.
func (s *Session) dispatch(ctx context.Context, raw []byte) error {
	decoded, frameType, err := frame.Decode(raw)
	if err != nil {
		s.sendError(fmt.Sprintf("malformed frame: %v", err), "bad_frame")
		return err
	}

	switch f := decoded.(type) {
	case *frame.Ping:
		return s.handlePing(f)
	case *frame.ChannelSubscribe:
		return s.handleSubscribe(ctx, f)
	case *frame.ChannelUnsubscribe:
		return s.handleUnsubscribe(ctx, f)
	case *frame.MessageSend:
		return s.handleMessageSend(ctx, f)
	case *frame.TypingStart:
		return s.handleTypingStart(ctx, f)
	case *frame.TypingStop:
		return s.handleTypingStop(ctx, f)
	default:
		s.sendError(fmt.Sprintf("unsupported frame type %q", frameType), "unknown_type")
		return frame.ErrUnknownType
	}
}

func (s *Session) handlePing(_ *frame.Ping) error {
	return s.sendFrame(frame.NewPong())
}

// handleSubscribe joins the channel's local fan-out unconditionally.
// Membership is not checked here; see store.Store.IsChannelMember's
// doc comment for where that enforcement actually belongs.
func (s *Session) handleSubscribe(ctx context.Context, f *frame.ChannelSubscribe) error {
	if err := s.manager.SubscribeLocal(ctx, s.regSession, f.ChannelID); err != nil {
		s.sendError("subscribe failed", "internal_error")
		return err
	}
	return s.sendFrame(frame.NewSuccess("subscribed", map[string]any{"channel_id": f.ChannelID}))
}

func (s *Session) handleUnsubscribe(ctx context.Context, f *frame.ChannelUnsubscribe) error {
	s.manager.UnsubscribeLocal(ctx, s.regSession, f.ChannelID)
	return s.sendFrame(frame.NewSuccess("unsubscribed", map[string]any{"channel_id": f.ChannelID}))
}

func (s *Session) handleMessageSend(ctx context.Context, f *frame.MessageSend) error {
	msg, err := s.store.InsertMessage(ctx, f.ChannelID, s.userID.String(), f.Content, f.MessageType, f.Metadata)
	if err != nil {
		s.sendError("failed to persist message", "internal_error")
		return err
	}

	receive := frame.NewMessageReceive(msg.ID.String(), f.ChannelID, s.userID.String(), s.username, f.Content, f.MessageType, f.Metadata, msg.CreatedAt)
	payload, err := json.Marshal(receive)
	if err != nil {
		return err
	}

	// Partition key is the channel id: all messages for one channel
	// land in the same partition, preserving per-channel ordering.
	if err := s.broker.Publish(ctx, broker.ChannelTopic(f.ChannelID), payload, f.ChannelID); err != nil {
		s.logger.Warn().Err(err).Msg("publish message fan-out failed")
	}

	return nil
}

func (s *Session) handleTypingStart(ctx context.Context, f *frame.TypingStart) error {
	if err := s.broker.SetTyping(ctx, f.ChannelID, s.userID.String(), s.username); err != nil {
		return err
	}
	indicator := frame.NewTypingIndicator(f.ChannelID, s.userID.String(), s.username, true)
	payload, err := json.Marshal(indicator)
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, broker.TypingTopic(f.ChannelID), payload, f.ChannelID)
}

func (s *Session) handleTypingStop(ctx context.Context, f *frame.TypingStop) error {
	if err := s.broker.ClearTyping(ctx, f.ChannelID, s.userID.String()); err != nil {
		return err
	}
	indicator := frame.NewTypingIndicator(f.ChannelID, s.userID.String(), s.username, false)
	payload, err := json.Marshal(indicator)
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, broker.TypingTopic(f.ChannelID), payload, f.ChannelID)
}

func (s *Session) sendFrame(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Enqueue(payload)
	return nil
}

func (s *Session) sendError(message, code string) {
	payload, err := json.Marshal(frame.NewError(message, code))
	if err != nil {
		return
	}
	s.Enqueue(payload)
}

// Close sends a close frame with the given reason and releases the
// connection. It does not wait for Run's goroutines to exit.
func (s *Session) Close(reason CloseReason) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(reason.Code, reason.Text)
	s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	s.conn.Close()
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID { return s.id }
