package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/nexus-chat/nexus/internal/auth"
	"github.com/nexus-chat/nexus/internal/eventbus"
	"github.com/nexus-chat/nexus/internal/metrics"
	"github.com/nexus-chat/nexus/internal/models"
)

// HeartbeatInterval is advertised in Hello and used to size the
// heartbeat-timeout check.
const HeartbeatInterval = 45 * time.Second

// HeartbeatTimeout is how long the gateway waits for a client heartbeat
// before closing the connection with a resume-eligible code.
const HeartbeatTimeout = 2 * HeartbeatInterval

// readLimit caps an individual frame's size.
const readLimit = 1 << 20

// Server is the gateway's WebSocket endpoint: it upgrades connections,
// runs Identify/Resume, and fans out Event Bus dispatches filtered per
// session.
type Server struct {
	bus       *eventbus.Bus
	sessions  *Manager
	validator auth.TokenValidator
	logger    *slog.Logger

	// userDirectory resolves a user's READY payload (profile + joined
	// servers); nil is accepted in tests where only protocol framing
	// is exercised.
	userDirectory UserDirectory

	// registry is nil in single-process deployments (cache.url unset);
	// when set, every session lifecycle transition is mirrored into it.
	registry *Registry
}

// UserDirectory supplies the data the gateway needs for Ready: the
// user's own profile and the servers to subscribe the session to.
type UserDirectory interface {
	ReadyState(ctx context.Context, userID string) (user interface{}, servers []interface{}, serverIDs []string, err error)
}

// Config configures a new Server.
type Config struct {
	Bus           *eventbus.Bus
	Validator     auth.TokenValidator
	UserDirectory UserDirectory
	Logger        *slog.Logger

	// Registry is optional; pass nil for single-process deployments.
	Registry *Registry
}

// NewServer builds a gateway Server.
func NewServer(cfg Config) *Server {
	return &Server{
		bus:           cfg.Bus,
		sessions:      NewManager(),
		validator:     cfg.Validator,
		userDirectory: cfg.UserDirectory,
		logger:        cfg.Logger,
		registry:      cfg.Registry,
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection
// until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("gateway upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(readLimit)

	s.handleConnection(r.Context(), conn)
}

// handleConnection runs one connection's full lifecycle: Hello, await
// Identify/Resume, then the dispatch loop and receive loop concurrently.
func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.sendEnvelope(ctx, conn, OpHello, HelloPayload{HeartbeatInterval: HeartbeatInterval.Milliseconds()}); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send hello")
		return
	}

	session, closeCode, closeReason := s.awaitAuthentication(ctx, conn)
	if session == nil {
		conn.Close(closeCode, closeReason)
		return
	}

	metrics.GatewaySessionsActive.Inc()
	defer metrics.GatewaySessionsActive.Dec()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		s.dispatchLoop(ctx, conn, session)
	}()

	s.receiveLoop(ctx, conn, session)

	cancel()
	<-dispatchDone

	s.sessions.Detach(session.SessionID)
	if session.sub != nil {
		s.bus.Unsubscribe(session.sub)
	}
	if s.registry != nil {
		// Detach immediately rather than waiting out registryTTL: Resume
		// may still reattach this session, which re-Attaches it under the
		// same node_id, but until then other nodes shouldn't route to us.
		s.registry.Detach(context.Background(), session.SessionID)
	}
}

// awaitAuthentication blocks until the client sends a valid Identify or
// Resume, or the connection fails first.
func (s *Server) awaitAuthentication(ctx context.Context, conn *websocket.Conn) (*Session, websocket.StatusCode, string) {
	for {
		env, err := s.readEnvelope(ctx, conn)
		if err != nil {
			return nil, websocket.StatusInternalError, "read error before authentication"
		}

		switch env.Op {
		case OpIdentify:
			var payload IdentifyPayload
			if err := json.Unmarshal(env.D, &payload); err != nil {
				s.sendInvalidSession(ctx, conn)
				continue
			}
			session, err := s.handleIdentify(ctx, conn, payload)
			if err != nil {
				s.sendInvalidSession(ctx, conn)
				continue
			}
			return session, websocket.StatusNormalClosure, ""

		case OpResume:
			var payload ResumePayload
			if err := json.Unmarshal(env.D, &payload); err != nil {
				s.sendInvalidSession(ctx, conn)
				continue
			}
			session, err := s.handleResume(ctx, conn, payload)
			if err != nil {
				s.sendInvalidSession(ctx, conn)
				continue
			}
			return session, websocket.StatusNormalClosure, ""

		default:
			// Any message before successful authentication other than
			// Identify/Resume triggers InvalidSession.
			s.sendInvalidSession(ctx, conn)
		}
	}
}

func (s *Server) handleIdentify(ctx context.Context, conn *websocket.Conn, payload IdentifyPayload) (*Session, error) {
	userID, err := s.validator.Validate(ctx, payload.Token)
	if err != nil {
		return nil, err
	}

	var userProfile interface{}
	var servers []interface{}
	var serverIDs []string
	if s.userDirectory != nil {
		userProfile, servers, serverIDs, err = s.userDirectory.ReadyState(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	sessionID := models.NewULID().String()
	sub := s.bus.Subscribe()
	session := newSession(sessionID, userID, serverIDs, sub)
	s.sessions.Register(session)

	if err := s.sendEnvelope(ctx, conn, OpReady, ReadyPayload{
		SessionID: sessionID,
		User:      userProfile,
		Servers:   servers,
	}); err != nil {
		s.bus.Unsubscribe(sub)
		s.sessions.Remove(sessionID)
		return nil, err
	}

	if s.registry != nil {
		s.registry.Attach(ctx, sessionID)
	}

	s.logger.Info("gateway session identified",
		slog.String("session_id", sessionID), slog.String("user_id", userID))
	return session, nil
}

// handleResume looks up an existing session and, if its retained
// sequence still covers seq within the replay window, replays buffered
// dispatches from seq+1 forward. Otherwise the caller sends
// InvalidSession.
func (s *Server) handleResume(ctx context.Context, conn *websocket.Conn, payload ResumePayload) (*Session, error) {
	userID, err := s.validator.Validate(ctx, payload.Token)
	if err != nil {
		metrics.GatewayResumesTotal.WithLabelValues("invalid_token").Inc()
		return nil, err
	}

	session, ok := s.sessions.Get(payload.SessionID)
	if !ok || session.UserID != userID {
		metrics.GatewayResumesTotal.WithLabelValues("unknown_session").Inc()
		return nil, errNotResumable
	}

	events, ok := session.replaySince(payload.Sequence)
	if !ok {
		s.sessions.Remove(payload.SessionID)
		metrics.GatewayResumesTotal.WithLabelValues("sequence_gap").Inc()
		return nil, errNotResumable
	}

	s.sessions.Reattach(payload.SessionID)
	session.sub = s.bus.Subscribe()

	seq := payload.Sequence
	for _, e := range events {
		seq++
		if err := s.sendEnvelope(ctx, conn, OpDispatch, DispatchPayload{
			Event:    e.EventType,
			Data:     e.Data,
			Sequence: seq,
		}); err != nil {
			return nil, err
		}
	}

	if s.registry != nil {
		s.registry.Attach(ctx, session.SessionID)
	}

	metrics.GatewayResumesTotal.WithLabelValues("ok").Inc()
	s.logger.Info("gateway session resumed",
		slog.String("session_id", session.SessionID), slog.Uint64("from_seq", payload.Sequence))
	return session, nil
}

var errNotResumable = errors.New("gateway: session not resumable")

// dispatchLoop forwards Event Bus events to the client, filtered by the
// session's subscriptions, until ctx is cancelled.
func (s *Server) dispatchLoop(ctx context.Context, conn *websocket.Conn, session *Session) {
	for {
		select {
		case <-ctx.Done():
			return

		case n := <-session.sub.Lagged:
			s.logger.Warn("gateway session lagged, some events were dropped",
				slog.String("session_id", session.SessionID), slog.Uint64("skipped", n))

		case event, ok := <-session.sub.Events:
			if !ok {
				return
			}
			if !s.shouldDispatch(session, event) {
				continue
			}
			seq := session.nextSequence(event)
			if err := s.sendEnvelope(ctx, conn, OpDispatch, DispatchPayload{
				Event:    event.EventType,
				Data:     event.Data,
				Sequence: seq,
			}); err != nil {
				return
			}
		}
	}
}

// shouldDispatch filters a bus event against a session's subscriptions:
// drop if the event names a server the session isn't subscribed to;
// otherwise forward.
func (s *Server) shouldDispatch(session *Session, event models.GatewayEvent) bool {
	if event.ServerID == nil {
		return true
	}
	return session.isSubscribedToServer(*event.ServerID)
}

// receiveLoop handles client-originated opcodes: heartbeats update
// last_heartbeat and are acknowledged; TypingStart/PresenceUpdate/
// VoiceStateUpdate are republished onto the Event Bus, never forwarded
// directly to peers.
func (s *Server) receiveLoop(ctx context.Context, conn *websocket.Conn, session *Session) {
	heartbeatCheck := time.NewTicker(HeartbeatInterval)
	defer heartbeatCheck.Stop()

	msgCh := make(chan Envelope)
	errCh := make(chan error, 1)
	go func() {
		for {
			env, err := s.readEnvelope(ctx, conn)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeatCheck.C:
			if session.heartbeatAge() > HeartbeatTimeout {
				s.logger.Info("gateway session heartbeat timeout",
					slog.String("session_id", session.SessionID))
				conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}

		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				s.logger.Debug("gateway receive loop ended",
					slog.String("session_id", session.SessionID), slog.String("error", err.Error()))
			}
			return

		case env := <-msgCh:
			s.handleClientMessage(ctx, conn, session, env)
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, conn *websocket.Conn, session *Session, env Envelope) {
	switch env.Op {
	case OpHeartbeat:
		var payload HeartbeatPayload
		_ = json.Unmarshal(env.D, &payload)
		session.touchHeartbeat()
		if s.registry != nil {
			s.registry.Touch(ctx, session.SessionID)
		}
		_ = s.sendEnvelope(ctx, conn, OpHeartbeatAck, payload)

	case OpTypingStart:
		var payload TypingStartPayload
		if err := json.Unmarshal(env.D, &payload); err != nil {
			return
		}
		userID := session.UserID
		s.bus.Publish(models.GatewayEvent{
			EventType: EventTypingStart,
			Data: map[string]interface{}{
				"channel_id": payload.ChannelID,
				"user_id":    userID,
				"timestamp":  time.Now().Unix(),
			},
			ChannelID: &payload.ChannelID,
			UserID:    &userID,
		})

	case OpPresenceUpdate:
		var payload PresenceUpdatePayload
		if err := json.Unmarshal(env.D, &payload); err != nil {
			return
		}
		userID := session.UserID
		s.bus.Publish(models.GatewayEvent{
			EventType: EventPresenceUpdate,
			Data:      payload,
			UserID:    &userID,
		})

	case OpVoiceStateUpdate:
		var payload VoiceStateUpdatePayload
		if err := json.Unmarshal(env.D, &payload); err != nil {
			return
		}
		userID := session.UserID
		s.bus.Publish(models.GatewayEvent{
			EventType: EventVoiceStateUpdate,
			Data:      payload,
			ServerID:  payload.ServerID,
			ChannelID: payload.ChannelID,
			UserID:    &userID,
		})

	default:
		s.logger.Debug("gateway ignoring unexpected opcode after authentication",
			slog.String("session_id", session.SessionID), slog.String("op", env.Op))
	}
}

func (s *Server) sendInvalidSession(ctx context.Context, conn *websocket.Conn) {
	_ = s.sendEnvelope(ctx, conn, OpInvalidSession, struct{}{})
}

func (s *Server) sendEnvelope(ctx context.Context, conn *websocket.Conn, op string, payload interface{}) error {
	data, err := json.Marshal(Envelope{Op: op, D: marshalD(payload)})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) readEnvelope(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
