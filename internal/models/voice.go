package models

import "time"

// VoiceState is a user's presence and mute/deaf/video state within a single
// voice channel. A user has at most one VoiceState at a time.
type VoiceState struct {
	UserID      string    `json:"user_id"`
	ChannelID   string    `json:"channel_id"`
	ServerID    *string   `json:"server_id,omitempty"`
	SessionID   string    `json:"session_id"`
	SelfMute    bool      `json:"self_mute"`
	SelfDeaf    bool      `json:"self_deaf"`
	ServerMute  bool      `json:"server_mute"`
	ServerDeaf  bool      `json:"server_deaf"`
	SelfVideo   bool      `json:"self_video"`
	SelfStream  bool      `json:"self_stream"`
	Suppress    bool      `json:"suppress"`
	Speaking    bool      `json:"speaking"`
	ConnectedAt time.Time `json:"connected_at"`
}

// VoiceStateUpdate describes a self-state mutation request from a client.
// Only non-nil fields are applied.
type VoiceStateUpdate struct {
	SelfMute   *bool `json:"self_mute,omitempty"`
	SelfDeaf   *bool `json:"self_deaf,omitempty"`
	SelfVideo  *bool `json:"self_video,omitempty"`
	SelfStream *bool `json:"self_stream,omitempty"`
}

// VoiceModAction describes a server-side moderation mutation applied by a
// privileged user against a target.
type VoiceModAction struct {
	TargetUserID string `json:"target_user_id"`
	ServerMute   *bool  `json:"server_mute,omitempty"`
	ServerDeaf   *bool  `json:"server_deaf,omitempty"`
}

// VoiceGlobalStats summarizes the Voice State Manager's current occupancy.
type VoiceGlobalStats struct {
	TotalUsers    int `json:"total_users"`
	TotalChannels int `json:"total_channels"`
}

// SFUPeerInfo is the metadata the SFU exposes about a connected peer,
// distinct from the lower-level pion PeerConnection it wraps.
type SFUPeerInfo struct {
	PeerID            string   `json:"peer_id"`
	UserID            string   `json:"user_id"`
	RemoteAddr        string   `json:"remote_addr,omitempty"`
	PublishedTracks   []string `json:"published_tracks"`
	SubscribedTracks  []string `json:"subscribed_tracks"`
}

// RoomStats is the response to an SFU GetStats command.
type RoomStats struct {
	ChannelID   string        `json:"channel_id"`
	PeerCount   int           `json:"peer_count"`
	AudioTracks int           `json:"audio_tracks"`
	VideoTracks int           `json:"video_tracks"`
	Peers       []SFUPeerInfo `json:"peers"`
}
