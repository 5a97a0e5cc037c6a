package voice

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/nexus-chat/nexus/internal/auth"
	"github.com/nexus-chat/nexus/internal/eventbus"
	"github.com/nexus-chat/nexus/internal/gateway"
	"github.com/nexus-chat/nexus/internal/metrics"
	"github.com/nexus-chat/nexus/internal/models"
	"github.com/nexus-chat/nexus/internal/sfu"
	"github.com/nexus-chat/nexus/internal/voicestate"
)

const readLimit = 1 << 20

// Server is the voice signaling WebSocket endpoint: it authenticates a
// connection, lets it join a channel, negotiates its SDP offer with the
// channel's SFU room, and mirrors voice-state/speaking changes to the
// other participants over the Event Bus. One connection serves exactly
// one user in at most one channel at a time.
type Server struct {
	sfuMgr     *sfu.Manager
	voiceState *voicestate.Manager
	bus        *eventbus.Bus
	validator  auth.TokenValidator
	iceServers []string
	logger     *slog.Logger
}

// Config configures a new Server.
type Config struct {
	SFUManager *sfu.Manager
	VoiceState *voicestate.Manager
	Bus        *eventbus.Bus
	Validator  auth.TokenValidator
	ICEServers []string
	Logger     *slog.Logger
}

// NewServer builds a voice signaling Server.
func NewServer(cfg Config) *Server {
	return &Server{
		sfuMgr:     cfg.SFUManager,
		voiceState: cfg.VoiceState,
		bus:        cfg.Bus,
		validator:  cfg.Validator,
		iceServers: cfg.ICEServers,
		logger:     cfg.Logger,
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection
// until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("voice upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(readLimit)

	s.handleConnection(r.Context(), conn)
}

// connState is one voice-signaling connection's mutable session state,
// owned exclusively by handleConnection's goroutine.
type connState struct {
	sessionID string
	userID    string
	channelID string
	joined    bool
	sub       *eventbus.Subscription
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	userID, ok := s.awaitIdentify(ctx, conn)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "identify required")
		return
	}

	cs := &connState{sessionID: models.NewULID().String(), userID: userID}
	if err := s.sendEnvelope(ctx, conn, OpReady, ReadyPayload{SessionID: cs.sessionID}); err != nil {
		return
	}

	defer s.cleanup(cs)

	mirrorDone := make(chan struct{})
	go func() {
		defer close(mirrorDone)
		s.mirrorLoop(ctx, conn, cs)
	}()

	s.receiveLoop(ctx, conn, cs)
	cancel()
	<-mirrorDone
}

func (s *Server) awaitIdentify(ctx context.Context, conn *websocket.Conn) (string, bool) {
	env, err := s.readEnvelope(ctx, conn)
	if err != nil || env.Op != OpIdentify {
		return "", false
	}
	var payload IdentifyPayload
	if err := json.Unmarshal(env.D, &payload); err != nil {
		return "", false
	}
	userID, err := s.validator.Validate(ctx, payload.Token)
	if err != nil {
		return "", false
	}
	return userID, true
}

// mirrorLoop forwards VOICE_STATE_UPDATE/SPEAKING_UPDATE bus events for
// cs's channel back down this connection, once it has one.
func (s *Server) mirrorLoop(ctx context.Context, conn *websocket.Conn, cs *connState) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if cs.sub == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-cs.sub.Lagged:
		case event, ok := <-cs.sub.Events:
			if !ok {
				return
			}
			if event.ChannelID == nil || *event.ChannelID != cs.channelID {
				continue
			}
			if err := s.forwardMirrored(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) forwardMirrored(ctx context.Context, conn *websocket.Conn, event models.GatewayEvent) error {
	switch event.EventType {
	case gateway.EventVoiceStateUpdate:
		return s.sendEnvelope(ctx, conn, OpVoiceStateUpdate, event.Data)
	case gateway.EventSpeakingUpdate:
		return s.sendEnvelope(ctx, conn, OpSpeakingUpdate, event.Data)
	default:
		return nil
	}
}

func (s *Server) receiveLoop(ctx context.Context, conn *websocket.Conn, cs *connState) {
	for {
		env, err := s.readEnvelope(ctx, conn)
		if err != nil {
			return
		}
		switch env.Op {
		case OpJoin:
			s.handleJoin(ctx, conn, cs, env)
		case OpOffer:
			s.handleOffer(ctx, conn, cs, env)
		case OpIceCandidate:
			s.handleIceCandidate(cs, env)
		case OpStateUpdate:
			s.handleStateUpdate(cs, env)
		case OpSpeaking:
			s.handleSpeaking(cs, env)
		case OpLeave:
			s.cleanup(cs)
			return
		default:
			s.logger.Debug("voice ignoring unexpected opcode",
				slog.String("session_id", cs.sessionID), slog.String("op", env.Op))
		}
	}
}

func (s *Server) handleJoin(ctx context.Context, conn *websocket.Conn, cs *connState, env Envelope) {
	var payload JoinPayload
	if err := json.Unmarshal(env.D, &payload); err != nil {
		return
	}

	vs, oldChannel := s.voiceState.Join(cs.userID, payload.ChannelID, payload.ServerID, cs.sessionID)
	if oldChannel != nil && *oldChannel != payload.ChannelID {
		s.bus.Publish(s.voiceStateEvent(vs.UserID, *oldChannel, nil))
	}
	cs.channelID = payload.ChannelID
	cs.joined = true
	cs.sub = s.bus.Subscribe()
	metrics.VoicePeersActive.Inc()

	s.bus.Publish(s.voiceStateEventFromState(vs))

	_ = s.sendEnvelope(ctx, conn, OpJoined, JoinedPayload{ICEServers: s.iceServers})
}

func (s *Server) handleOffer(ctx context.Context, conn *websocket.Conn, cs *connState, env Envelope) {
	if !cs.joined {
		_ = s.sendEnvelope(ctx, conn, OpError, ErrorPayload{Code: "not_joined", Message: "Offer received before Join"})
		return
	}
	var payload OfferPayload
	if err := json.Unmarshal(env.D, &payload); err != nil {
		return
	}

	room := s.sfuMgr.GetOrCreateRoom(cs.channelID)
	reply := make(chan sfu.AddPeerResult, 1)
	room <- sfu.AddPeerCommand{PeerID: cs.sessionID, UserID: cs.userID, OfferSDP: payload.SDP, Reply: reply}

	select {
	case result := <-reply:
		if result.Err != nil {
			_ = s.sendEnvelope(ctx, conn, OpError, ErrorPayload{Code: "negotiation_failed", Message: result.Err.Error()})
			return
		}
		_ = s.sendEnvelope(ctx, conn, OpAnswer, AnswerPayload{SDP: result.AnswerSDP})
	case <-ctx.Done():
	}
}

func (s *Server) handleIceCandidate(cs *connState, env Envelope) {
	if !cs.joined {
		return
	}
	var payload IceCandidatePayload
	if err := json.Unmarshal(env.D, &payload); err != nil {
		return
	}
	room := s.sfuMgr.GetOrCreateRoom(cs.channelID)
	room <- sfu.IceCandidateCommand{PeerID: cs.sessionID, Candidate: payload.Candidate}
}

func (s *Server) handleStateUpdate(cs *connState, env Envelope) {
	if !cs.joined {
		return
	}
	var payload StateUpdatePayload
	if err := json.Unmarshal(env.D, &payload); err != nil {
		return
	}
	vs, ok := s.voiceState.UpdateSelfState(cs.userID, models.VoiceStateUpdate{
		SelfMute:   payload.SelfMute,
		SelfDeaf:   payload.SelfDeaf,
		SelfVideo:  payload.SelfVideo,
		SelfStream: payload.SelfStream,
	})
	if !ok {
		return
	}
	s.bus.Publish(s.voiceStateEventFromState(vs))
}

func (s *Server) handleSpeaking(cs *connState, env Envelope) {
	if !cs.joined {
		return
	}
	var payload SpeakingPayload
	if err := json.Unmarshal(env.D, &payload); err != nil {
		return
	}
	if _, ok := s.voiceState.SetSpeaking(cs.userID, payload.Speaking); !ok {
		return
	}
	channelID := cs.channelID
	s.bus.Publish(models.GatewayEvent{
		EventType: gateway.EventSpeakingUpdate,
		Data: SpeakingUpdatePayload{
			UserID:    cs.userID,
			ChannelID: channelID,
			Speaking:  payload.Speaking,
		},
		ChannelID: &channelID,
	})
}

// cleanup tears down cs's voice state, SFU peer, and bus subscription.
// Safe to call more than once.
func (s *Server) cleanup(cs *connState) {
	if !cs.joined {
		return
	}
	cs.joined = false
	metrics.VoicePeersActive.Dec()

	if oldChannel := s.voiceState.Leave(cs.userID); oldChannel != nil {
		room := s.sfuMgr.GetOrCreateRoom(*oldChannel)
		room <- sfu.RemovePeerCommand{PeerID: cs.sessionID}
		s.bus.Publish(s.voiceStateEvent(cs.userID, *oldChannel, nil))
	}
	if cs.sub != nil {
		s.bus.Unsubscribe(cs.sub)
		cs.sub = nil
	}
}

func (s *Server) voiceStateEventFromState(vs models.VoiceState) models.GatewayEvent {
	channelID := vs.ChannelID
	return models.GatewayEvent{
		EventType: gateway.EventVoiceStateUpdate,
		Data: VoiceStateUpdatePayload{
			UserID:     vs.UserID,
			ChannelID:  vs.ChannelID,
			ServerID:   vs.ServerID,
			SelfMute:   vs.SelfMute,
			SelfDeaf:   vs.SelfDeaf,
			ServerMute: vs.ServerMute,
			ServerDeaf: vs.ServerDeaf,
			SelfVideo:  vs.SelfVideo,
			SelfStream: vs.SelfStream,
		},
		ChannelID: &channelID,
		ServerID:  vs.ServerID,
	}
}

// voiceStateEvent builds a departure notification: the user no longer
// has a voice state, so only the identifying fields are meaningful.
func (s *Server) voiceStateEvent(userID, channelID string, serverID *string) models.GatewayEvent {
	return models.GatewayEvent{
		EventType: gateway.EventVoiceStateUpdate,
		Data: VoiceStateUpdatePayload{
			UserID:    userID,
			ChannelID: channelID,
		},
		ChannelID: &channelID,
		ServerID:  serverID,
	}
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
