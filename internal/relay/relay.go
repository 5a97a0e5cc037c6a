// Package relay mirrors Event Bus traffic onto NATS JetStream so that
// multiple gateway/federation processes in a cluster observe the same
// dispatch and federation event stream.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject constants used by the relay. Dispatch covers ordinary gateway
// events (message/channel/server/voice state changes); Federation carries
// signed PDUs/EDUs exchanged between home servers.
const (
	SubjectDispatchAll    = "nexus.dispatch.>"
	SubjectDispatchServer = "nexus.dispatch.server"
	SubjectDispatchVoice  = "nexus.dispatch.voice"
	SubjectFederationAll  = "nexus.federation.>"
	SubjectFederationPDU  = "nexus.federation.pdu"
	SubjectFederationEDU  = "nexus.federation.edu"

	streamEvents     = "NEXUS_EVENTS"
	streamFederation = "NEXUS_FEDERATION"
)

// Message is the envelope relayed over NATS. It carries enough routing
// metadata for a receiving gateway node to decide which of its local
// sessions should be notified, mirroring the eventbus.Bus event shape.
// NodeID identifies the node that originated the message so Bridge can
// ignore its own echoes coming back from NATS.
type Message struct {
	Type      string          `json:"type"`
	NodeID    string          `json:"node_id"`
	ServerID  string          `json:"server_id,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Bus wraps a NATS connection and JetStream context for cluster relay of
// dispatch and federation messages.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// New connects to the NATS server at natsURL and initializes JetStream.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("nexus"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", natsURL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("initializing JetStream: %w", err)
	}

	logger.Info("NATS connection established", slog.String("url", nc.ConnectedUrl()))

	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// EnsureStreams creates the JetStream streams the relay needs if they
// don't already exist. Call once during server startup.
func (b *Bus) EnsureStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:      streamEvents,
			Subjects:  []string{SubjectDispatchAll},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
		{
			Name:      streamFederation,
			Subjects:  []string{SubjectFederationAll},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		info, err := b.js.StreamInfo(cfg.Name)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("checking stream %s: %w", cfg.Name, err)
		}
		if info == nil {
			if _, err := b.js.AddStream(&cfg); err != nil {
				return fmt.Errorf("creating stream %s: %w", cfg.Name, err)
			}
			b.logger.Info("JetStream stream created", slog.String("stream", cfg.Name))
		} else {
			b.logger.Debug("JetStream stream exists", slog.String("stream", cfg.Name))
		}
	}

	return nil
}

// PublishDispatch relays a gateway dispatch event to every other node in
// the cluster on subject.
func (b *Bus) PublishDispatch(_ context.Context, subject string, msg Message) error {
	return b.publish(subject, msg)
}

// PublishFederationPDU relays a verified inbound PDU so any gateway node
// can apply its side effects locally, regardless of which node's HTTP
// listener actually received the federation transaction.
func (b *Bus) PublishFederationPDU(_ context.Context, msg Message) error {
	return b.publish(SubjectFederationPDU, msg)
}

// PublishFederationEDU relays an ephemeral federation event (typing,
// receipts, presence) the same way.
func (b *Bus) PublishFederationEDU(_ context.Context, msg Message) error {
	return b.publish(SubjectFederationEDU, msg)
}

func (b *Bus) publish(subject string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling relay message for %s: %w", subject, err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}

	b.logger.Debug("relay message published",
		slog.String("subject", subject),
		slog.String("type", msg.Type),
	)

	return nil
}

// Handler is invoked for each relayed message a subscriber receives.
type Handler func(subject string, msg Message)

// Subscribe registers h for every message published on subject (which may
// use NATS wildcard syntax, e.g. SubjectDispatchAll). Malformed payloads
// are logged and dropped rather than delivered to h.
func (b *Bus) Subscribe(subject string, h Handler) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Warn("dropping malformed relay message",
				slog.String("subject", m.Subject), slog.String("error", err.Error()))
			return
		}
		h(m.Subject, msg)
	})
}

// Close closes the underlying NATS connection without draining it.
func (b *Bus) Close() {
	b.conn.Close()
}
