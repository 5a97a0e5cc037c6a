package voice

import (
	"encoding/json"
	"testing"
)

func TestOpcodeConstants_AreDistinct(t *testing.T) {
	clientOps := []string{OpIdentify, OpJoin, OpOffer, OpIceCandidate, OpStateUpdate, OpSpeaking, OpLeave}
	serverOps := []string{OpReady, OpJoined, OpAnswer, OpServerIceCandidate, OpVoiceStateUpdate, OpSpeakingUpdate, OpError}

	seen := make(map[string]bool)
	for _, op := range append(append([]string{}, clientOps...), serverOps...) {
		if op == "" {
			t.Error("opcode constant is empty")
		}
		if seen[op] {
			t.Errorf("duplicate opcode value %q", op)
		}
		seen[op] = true
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	d := marshalD(JoinPayload{ChannelID: "chan-1"})
	env := Envelope{Op: OpJoin, D: d}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Op != OpJoin {
		t.Errorf("op = %q, want %q", decoded.Op, OpJoin)
	}

	var payload JoinPayload
	if err := json.Unmarshal(decoded.D, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ChannelID != "chan-1" {
		t.Errorf("channel_id = %q, want chan-1", payload.ChannelID)
	}
}

func TestStateUpdatePayload_NilFieldsOmitted(t *testing.T) {
	raw := marshalD(StateUpdatePayload{})

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("expected all-nil StateUpdatePayload to marshal to an empty object, got %v", decoded)
	}
}

func TestStateUpdatePayload_SetFieldsPresent(t *testing.T) {
	mute := true
	raw := marshalD(StateUpdatePayload{SelfMute: &mute})

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := decoded["self_mute"]; !ok || v != true {
		t.Errorf("self_mute = %v, want true", v)
	}
	if _, ok := decoded["self_deaf"]; ok {
		t.Error("self_deaf should be omitted when nil")
	}
}

func TestMarshalD_PanicsOnUnmarshalable(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected marshalD to panic on an unmarshalable value")
		}
	}()
	marshalD(make(chan int))
}
