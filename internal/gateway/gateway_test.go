package gateway

import (
	"encoding/json"
	"testing"

	"github.com/nexus-chat/nexus/internal/eventbus"
	"github.com/nexus-chat/nexus/internal/models"
)

func TestOpcodeConstants(t *testing.T) {
	opcodes := []string{
		OpHello, OpIdentify, OpReady, OpHeartbeat, OpHeartbeatAck,
		OpResume, OpDispatch, OpReconnect, OpInvalidSession,
		OpPresenceUpdate, OpTypingStart, OpVoiceStateUpdate,
	}
	seen := make(map[string]bool)
	for _, op := range opcodes {
		if op == "" {
			t.Error("opcode constant is empty")
		}
		if seen[op] {
			t.Errorf("duplicate opcode value %q", op)
		}
		seen[op] = true
	}
}

func TestEnvelope_JSON(t *testing.T) {
	d, _ := json.Marshal(HelloPayload{HeartbeatInterval: 45000})
	env := Envelope{Op: OpHello, D: d}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Op != OpHello {
		t.Errorf("op = %q, want %q", decoded.Op, OpHello)
	}

	var payload HelloPayload
	if err := json.Unmarshal(decoded.D, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.HeartbeatInterval != 45000 {
		t.Errorf("heartbeat_interval = %d, want 45000", payload.HeartbeatInterval)
	}
}

func TestEnvelope_FromClientJSON(t *testing.T) {
	raw := `{"op":"Identify","d":{"token":"abc123"}}`
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Op != OpIdentify {
		t.Errorf("op = %q, want %q", env.Op, OpIdentify)
	}

	var payload IdentifyPayload
	if err := json.Unmarshal(env.D, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Token != "abc123" {
		t.Errorf("token = %q, want %q", payload.Token, "abc123")
	}
}

func TestSession_NextSequenceIsContiguous(t *testing.T) {
	s := newSession("sess-1", "user-1", nil, nil)

	for want := uint64(1); want <= 5; want++ {
		got := s.nextSequence(models.GatewayEvent{EventType: "TEST"})
		if got != want {
			t.Fatalf("nextSequence() = %d, want %d", got, want)
		}
	}
}

func TestSession_ReplaySince(t *testing.T) {
	s := newSession("sess-1", "user-1", nil, nil)

	for i := 0; i < 3; i++ {
		s.nextSequence(models.GatewayEvent{EventType: "EVT"})
	}

	events, ok := s.replaySince(1)
	if !ok {
		t.Fatal("replaySince(1) not ok, want resumable")
	}
	if len(events) != 2 {
		t.Fatalf("replaySince(1) returned %d events, want 2", len(events))
	}

	events, ok = s.replaySince(3)
	if !ok || len(events) != 0 {
		t.Fatalf("replaySince(3) = (%v, %v), want (0 events, true)", events, ok)
	}

	_, ok = s.replaySince(100)
	if ok {
		t.Error("replaySince(100) ok for a sequence ahead of current, want false")
	}
}

func TestSession_ReplaySinceGapFails(t *testing.T) {
	s := newSession("sess-1", "user-1", nil, nil)
	s.nextSequence(models.GatewayEvent{EventType: "EVT"})

	// Simulate a session whose buffered window has already advanced past
	// the requested sequence (idle far longer than replayDepth retains).
	s.mu.Lock()
	s.replay = s.replay[1:]
	s.mu.Unlock()

	_, ok := s.replaySince(0)
	if ok {
		t.Error("replaySince with a gap before the buffered window should fail")
	}
}

func TestSession_SubscribedToServer(t *testing.T) {
	s := newSession("sess-1", "user-1", []string{"srv-a", "srv-b"}, nil)

	if !s.isSubscribedToServer("srv-a") {
		t.Error("expected subscription to srv-a")
	}
	if s.isSubscribedToServer("srv-z") {
		t.Error("did not expect subscription to srv-z")
	}
}

func TestManager_RegisterGetRemove(t *testing.T) {
	m := NewManager()
	s := newSession("sess-1", "user-1", nil, &eventbus.Subscription{})
	m.Register(s)

	got, ok := m.Get("sess-1")
	if !ok || got != s {
		t.Fatal("Get did not return the registered session")
	}
	if !m.IsOnline("user-1") {
		t.Error("expected user-1 to be online")
	}
	if m.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	m.Remove("sess-1")
	if _, ok := m.Get("sess-1"); ok {
		t.Error("session should be gone after Remove")
	}
	if m.IsOnline("user-1") {
		t.Error("user-1 should no longer be online")
	}
}

func TestManager_DetachReattach(t *testing.T) {
	m := NewManager()
	s := newSession("sess-1", "user-1", nil, nil)
	m.Register(s)

	m.Detach("sess-1")
	got, ok := m.Get("sess-1")
	if !ok {
		t.Fatal("detached session should still be retrievable within the resume window")
	}
	if !got.detached {
		t.Error("session should be marked detached")
	}

	m.Reattach("sess-1")
	got, _ = m.Get("sess-1")
	if got.detached {
		t.Error("session should no longer be marked detached after Reattach")
	}
}

func TestShouldDispatch(t *testing.T) {
	s := &Server{}
	session := newSession("sess-1", "user-1", []string{"srv-a"}, nil)

	globalEvent := models.GatewayEvent{EventType: "PRESENCE_UPDATE"}
	if !s.shouldDispatch(session, globalEvent) {
		t.Error("events with no ServerID should always dispatch")
	}

	subscribed := "srv-a"
	scopedEvent := models.GatewayEvent{EventType: "MESSAGE_CREATE", ServerID: &subscribed}
	if !s.shouldDispatch(session, scopedEvent) {
		t.Error("event scoped to a subscribed server should dispatch")
	}

	other := "srv-z"
	foreignEvent := models.GatewayEvent{EventType: "MESSAGE_CREATE", ServerID: &other}
	if s.shouldDispatch(session, foreignEvent) {
		t.Error("event scoped to an unsubscribed server should not dispatch")
	}
}
