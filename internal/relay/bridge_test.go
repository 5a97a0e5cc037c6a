package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/nexus-chat/nexus/internal/eventbus"
)

func newTestBridge() (*Bridge, *eventbus.Bus) {
	local := eventbus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBridge(local, nil, "node-a", logger), local
}

func TestBridge_OnRemoteMessage_DropsOwnEcho(t *testing.T) {
	b, local := newTestBridge()
	sub := local.Subscribe()
	defer local.Unsubscribe(sub)

	data, _ := json.Marshal(map[string]string{"foo": "bar"})
	b.onRemoteMessage(SubjectDispatchServer, Message{Type: "TEST", NodeID: "node-a", Data: data})

	select {
	case <-sub.Events:
		t.Fatal("message tagged with this node's own ID should be dropped, not republished locally")
	default:
	}
}

func TestBridge_OnRemoteMessage_PublishesForeignMessage(t *testing.T) {
	b, local := newTestBridge()
	sub := local.Subscribe()
	defer local.Unsubscribe(sub)

	data, _ := json.Marshal(map[string]string{"foo": "bar"})
	serverID := "srv-1"
	b.onRemoteMessage(SubjectDispatchServer, Message{
		Type: "MESSAGE_CREATE", NodeID: "node-b", ServerID: serverID, Data: data,
	})

	select {
	case event := <-sub.Events:
		if event.EventType != "MESSAGE_CREATE" {
			t.Errorf("event type = %q, want MESSAGE_CREATE", event.EventType)
		}
		if event.ServerID == nil || *event.ServerID != serverID {
			t.Errorf("server ID = %v, want %q", event.ServerID, serverID)
		}
	default:
		t.Fatal("message from a different node should be republished onto the local bus")
	}
}

func TestBridge_OnRemoteMessage_MalformedDataDropped(t *testing.T) {
	b, local := newTestBridge()
	sub := local.Subscribe()
	defer local.Unsubscribe(sub)

	b.onRemoteMessage(SubjectDispatchServer, Message{
		Type: "MESSAGE_CREATE", NodeID: "node-b", Data: json.RawMessage(`{not valid json`),
	})

	select {
	case <-sub.Events:
		t.Fatal("malformed relayed payload should be dropped, not republished")
	default:
	}
}
