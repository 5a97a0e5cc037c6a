package models

import "time"

// GatewaySession tracks one authenticated gateway connection's resume state.
type GatewaySession struct {
	SessionID          string
	UserID             string
	Sequence           uint64
	SubscribedServerIDs map[string]struct{}
	LastHeartbeat      time.Time
}

// GatewayEvent is a typed event carried on the Event Bus and fanned out by
// the gateway to subscribed sessions. EventType is SCREAMING_SNAKE_CASE
// (e.g. "MESSAGE_CREATE", "VOICE_STATE_UPDATE").
type GatewayEvent struct {
	EventType string      `json:"event_type"`
	Data      interface{} `json:"data"`
	ServerID  *string     `json:"server_id,omitempty"`
	ChannelID *string     `json:"channel_id,omitempty"`
	UserID    *string     `json:"user_id,omitempty"`
}
