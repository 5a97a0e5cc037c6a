// Package voice implements the voice signaling WebSocket endpoint: a
// separate connection per participant, using the same {op, d} envelope
// as the main gateway, that negotiates SDP offers with the SFU and
// mirrors voice-state/speaking changes to other participants in the
// channel. Reuses internal/gateway's wire/loop idiom rather than
// reinventing it.
package voice

import "encoding/json"

// Client-originated opcodes.
const (
	OpIdentify    = "Identify"
	OpJoin        = "Join"
	OpOffer       = "Offer"
	OpIceCandidate = "IceCandidate"
	OpStateUpdate = "StateUpdate"
	OpSpeaking    = "Speaking"
	OpLeave       = "Leave"
)

// Server-originated opcodes.
const (
	OpReady              = "Ready"
	OpJoined             = "Joined"
	OpAnswer             = "Answer"
	OpServerIceCandidate = "ServerIceCandidate"
	OpVoiceStateUpdate   = "VoiceStateUpdate"
	OpSpeakingUpdate     = "SpeakingUpdate"
	OpError              = "Error"
)

// Envelope is the wire shape of every voice-signaling frame.
type Envelope struct {
	Op string          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// IdentifyPayload authenticates the connection before anything else.
type IdentifyPayload struct {
	Token string `json:"token"`
}

// ReadyPayload confirms a successful Identify.
type ReadyPayload struct {
	SessionID string `json:"session_id"`
}

// JoinPayload requests entry into a voice channel.
type JoinPayload struct {
	ServerID  *string `json:"server_id,omitempty"`
	ChannelID string  `json:"channel_id"`
}

// JoinedPayload confirms Join and supplies the ICE server list to use
// for the subsequent Offer.
type JoinedPayload struct {
	ICEServers []string `json:"ice_servers"`
}

// OfferPayload carries the client's SDP offer for the SFU peer.
type OfferPayload struct {
	SDP string `json:"sdp"`
}

// AnswerPayload carries the SFU's SDP answer.
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// IceCandidatePayload carries one trickle-ICE candidate, in either
// direction.
type IceCandidatePayload struct {
	Candidate string `json:"candidate"`
}

// StateUpdatePayload is a self-state mutation request (mute/deafen/
// video/stream); nil fields are left unchanged.
type StateUpdatePayload struct {
	SelfMute   *bool `json:"self_mute,omitempty"`
	SelfDeaf   *bool `json:"self_deaf,omitempty"`
	SelfVideo  *bool `json:"self_video,omitempty"`
	SelfStream *bool `json:"self_stream,omitempty"`
}

// SpeakingPayload reports whether the client is currently talking.
type SpeakingPayload struct {
	Speaking bool `json:"speaking"`
}

// VoiceStateUpdatePayload mirrors a channel member's full voice state
// to every other participant in the channel.
type VoiceStateUpdatePayload struct {
	UserID     string  `json:"user_id"`
	ChannelID  string  `json:"channel_id"`
	ServerID   *string `json:"server_id,omitempty"`
	SelfMute   bool    `json:"self_mute"`
	SelfDeaf   bool    `json:"self_deaf"`
	ServerMute bool    `json:"server_mute"`
	ServerDeaf bool    `json:"server_deaf"`
	SelfVideo  bool    `json:"self_video"`
	SelfStream bool    `json:"self_stream"`
}

// SpeakingUpdatePayload mirrors a speaking-state change.
type SpeakingUpdatePayload struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Speaking  bool   `json:"speaking"`
}

// ErrorPayload reports a protocol or negotiation failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func marshalD(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic("voice: marshaling known-good payload: " + err.Error())
	}
	return raw
}
