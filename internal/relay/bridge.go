package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nexus-chat/nexus/internal/eventbus"
	"github.com/nexus-chat/nexus/internal/models"
)

// Bridge mirrors a local eventbus.Bus onto a Bus so that every gateway/voice
// node in a cluster observes the same dispatch stream, regardless of which
// node a client's write landed on. Every outgoing message is tagged with
// nodeID so Bridge can drop its own echo when NATS delivers it back.
type Bridge struct {
	local  *eventbus.Bus
	remote *Bus
	nodeID string
	logger *slog.Logger
}

// NewBridge builds a Bridge. Call Start to begin mirroring in both
// directions; it runs until ctx is canceled.
func NewBridge(local *eventbus.Bus, remote *Bus, nodeID string, logger *slog.Logger) *Bridge {
	return &Bridge{local: local, remote: remote, nodeID: nodeID, logger: logger}
}

// Start launches the two mirror directions (local-to-remote,
// remote-to-local) and returns immediately; both run until ctx is done.
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.remote.Subscribe(SubjectDispatchAll, b.onRemoteMessage)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()

	go b.mirrorLocalToRemote(ctx)
	return nil
}

func (b *Bridge) mirrorLocalToRemote(ctx context.Context) {
	local := b.local.Subscribe()
	defer b.local.Unsubscribe(local)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-local.Events:
			if !ok {
				return
			}
			b.publish(ctx, event)
		case <-local.Lagged:
			b.logger.Warn("relay bridge lagged behind local event bus")
		}
	}
}

func (b *Bridge) publish(ctx context.Context, event models.GatewayEvent) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		b.logger.Warn("dropping unmirrorable event", slog.String("event_type", event.EventType), slog.String("error", err.Error()))
		return
	}
	msg := Message{Type: event.EventType, NodeID: b.nodeID, Data: data}
	if event.ServerID != nil {
		msg.ServerID = *event.ServerID
	}
	if event.ChannelID != nil {
		msg.ChannelID = *event.ChannelID
	}
	if event.UserID != nil {
		msg.UserID = *event.UserID
	}

	subject := SubjectDispatchServer
	if msg.ChannelID != "" {
		subject = SubjectDispatchVoice
	}
	if err := b.remote.PublishDispatch(ctx, subject, msg); err != nil {
		b.logger.Warn("failed to relay dispatch", slog.String("error", err.Error()))
	}
}

func (b *Bridge) onRemoteMessage(_ string, msg Message) {
	if msg.NodeID == b.nodeID {
		return
	}

	var data interface{}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			b.logger.Warn("dropping malformed relayed dispatch", slog.String("error", err.Error()))
			return
		}
	}

	event := models.GatewayEvent{EventType: msg.Type, Data: data}
	if msg.ServerID != "" {
		event.ServerID = &msg.ServerID
	}
	if msg.ChannelID != "" {
		event.ChannelID = &msg.ChannelID
	}
	if msg.UserID != "" {
		event.UserID = &msg.UserID
	}
	b.local.Publish(event)
}
