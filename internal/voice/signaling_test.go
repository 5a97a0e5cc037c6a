package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nexus-chat/nexus/internal/eventbus"
	"github.com/nexus-chat/nexus/internal/sfu"
	"github.com/nexus-chat/nexus/internal/voicestate"
)

type fakeValidator struct {
	tokens map[string]string
}

func (f *fakeValidator) Validate(ctx context.Context, token string) (string, error) {
	userID, ok := f.tokens[token]
	if !ok {
		return "", errors.New("invalid token")
	}
	return userID, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *voicestate.Manager, *eventbus.Bus) {
	t.Helper()
	vs := voicestate.New()
	bus := eventbus.New()
	sfuMgr := sfu.NewManager(sfu.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	srv := NewServer(Config{
		SFUManager: sfuMgr,
		VoiceState: vs,
		Bus:        bus,
		Validator:  &fakeValidator{tokens: map[string]string{"good-token": "user-1"}},
		ICEServers: []string{"stun:stun.example.com:3478"},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return httptest.NewServer(srv), vs, bus
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + srv.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dialing voice signaling endpoint: %v", err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading envelope: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshaling envelope: %v", err)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, op string, payload interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(Envelope{Op: op, D: marshalD(payload)})
	if err != nil {
		t.Fatalf("marshaling envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("writing envelope: %v", err)
	}
}

func TestHandleConnection_IdentifyRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	defer srv.Close()
	conn := dialWS(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeEnvelope(t, conn, OpIdentify, IdentifyPayload{Token: "wrong-token"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected the connection to be closed after a failed Identify")
	}
}

func TestHandleConnection_JoinAndStateUpdate(t *testing.T) {
	srv, vs, bus := newTestServer(t)
	defer srv.Close()
	conn := dialWS(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	writeEnvelope(t, conn, OpIdentify, IdentifyPayload{Token: "good-token"})
	ready := readEnvelope(t, conn)
	if ready.Op != OpReady {
		t.Fatalf("op = %q, want %q", ready.Op, OpReady)
	}

	writeEnvelope(t, conn, OpJoin, JoinPayload{ChannelID: "chan-1"})
	joined := readEnvelope(t, conn)
	if joined.Op != OpJoined {
		t.Fatalf("op = %q, want %q", joined.Op, OpJoined)
	}
	var joinedPayload JoinedPayload
	if err := json.Unmarshal(joined.D, &joinedPayload); err != nil {
		t.Fatalf("unmarshaling JoinedPayload: %v", err)
	}
	if len(joinedPayload.ICEServers) != 1 || joinedPayload.ICEServers[0] != "stun:stun.example.com:3478" {
		t.Errorf("ice_servers = %v", joinedPayload.ICEServers)
	}

	if state, ok := vs.GetUserState("user-1"); !ok || state.ChannelID != "chan-1" {
		t.Errorf("voice state after Join = %+v, ok=%v", state, ok)
	}

	select {
	case event := <-sub.Events:
		if event.EventType != "VOICE_STATE_UPDATE" {
			t.Errorf("bus event type = %q, want VOICE_STATE_UPDATE", event.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a VOICE_STATE_UPDATE to be published on Join")
	}

	mute := true
	writeEnvelope(t, conn, OpStateUpdate, StateUpdatePayload{SelfMute: &mute})

	select {
	case event := <-sub.Events:
		payload, ok := event.Data.(VoiceStateUpdatePayload)
		if !ok {
			t.Fatalf("event.Data type = %T", event.Data)
		}
		if !payload.SelfMute {
			t.Error("expected self_mute to be true after StateUpdate")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a VOICE_STATE_UPDATE to be published after StateUpdate")
	}

	if state, _ := vs.GetUserState("user-1"); !state.SelfMute {
		t.Error("voice state's SelfMute was not updated")
	}
}

func TestHandleConnection_LeaveRemovesVoiceState(t *testing.T) {
	srv, vs, _ := newTestServer(t)
	defer srv.Close()
	conn := dialWS(t, srv)

	writeEnvelope(t, conn, OpIdentify, IdentifyPayload{Token: "good-token"})
	readEnvelope(t, conn) // Ready
	writeEnvelope(t, conn, OpJoin, JoinPayload{ChannelID: "chan-1"})
	readEnvelope(t, conn) // Joined

	writeEnvelope(t, conn, OpLeave, struct{}{})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := vs.GetUserState("user-1"); !ok {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	t.Fatal("expected voice state to be removed after Leave")
}

func TestHandleConnection_OfferBeforeJoinErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	defer srv.Close()
	conn := dialWS(t, srv)
	defer conn.Close(websocket.StatusNormalClosure, "")

	writeEnvelope(t, conn, OpIdentify, IdentifyPayload{Token: "good-token"})
	readEnvelope(t, conn) // Ready

	writeEnvelope(t, conn, OpOffer, OfferPayload{SDP: "v=0"})
	errEnv := readEnvelope(t, conn)
	if errEnv.Op != OpError {
		t.Fatalf("op = %q, want %q", errEnv.Op, OpError)
	}
	var payload ErrorPayload
	if err := json.Unmarshal(errEnv.D, &payload); err != nil {
		t.Fatalf("unmarshaling ErrorPayload: %v", err)
	}
	if payload.Code != "not_joined" {
		t.Errorf("error code = %q, want not_joined", payload.Code)
	}
}
