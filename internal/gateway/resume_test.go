package gateway

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
	"github.com/nexus-chat/nexus/internal/models"
)

type fakeTokenValidator struct {
	tokens map[string]string
}

func (f *fakeTokenValidator) Validate(ctx context.Context, token string) (string, error) {
	userID, ok := f.tokens[token]
	if !ok {
		return "", errors.New("invalid token")
	}
	return userID, nil
}

func newResumeTestServer(t *testing.T) (*httptest.Server, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	srv := NewServer(Config{
		Bus:       bus,
		Validator: &fakeTokenValidator{tokens: map[string]string{"good-token": "user-1"}},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return httptest.NewServer(srv), bus
}

func dialGateway(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + srv.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dialing gateway: %v", err)
	}
	return conn
}

func readGatewayEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
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

func writeGatewayEnvelope(t *testing.T, conn *websocket.Conn, op string, payload interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling %s payload: %v", op, err)
	}
	env := Envelope{Op: op, D: raw}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshaling envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("writing %s: %v", op, err)
	}
}

// TestResume_DeliversLiveEventsAfterReplay guards against a resumed
// session only replaying buffered dispatches and then going silent: it
// disconnects mid-session, resumes on a new connection, and checks that
// an event published after the resume still arrives.
func TestResume_DeliversLiveEventsAfterReplay(t *testing.T) {
	srv, bus := newResumeTestServer(t)
	defer srv.Close()

	conn := dialGateway(t, srv)
	readGatewayEnvelope(t, conn) // Hello

	writeGatewayEnvelope(t, conn, OpIdentify, IdentifyPayload{Token: "good-token"})
	ready := readGatewayEnvelope(t, conn)
	if ready.Op != OpReady {
		t.Fatalf("expected Ready, got %s", ready.Op)
	}
	var readyPayload ReadyPayload
	if err := json.Unmarshal(ready.D, &readyPayload); err != nil {
		t.Fatalf("unmarshaling ready: %v", err)
	}
	sessionID := readyPayload.SessionID

	bus.Publish(models.GatewayEvent{EventType: "MESSAGE_CREATE", Data: "before-disconnect"})
	dispatch := readGatewayEnvelope(t, conn)
	if dispatch.Op != OpDispatch {
		t.Fatalf("expected Dispatch, got %s", dispatch.Op)
	}
	var firstPayload DispatchPayload
	if err := json.Unmarshal(dispatch.D, &firstPayload); err != nil {
		t.Fatalf("unmarshaling dispatch: %v", err)
	}

	conn.Close(websocket.StatusNormalClosure, "simulated disconnect")
	time.Sleep(100 * time.Millisecond) // let handleConnection's cleanup run

	conn2 := dialGateway(t, srv)
	defer conn2.Close(websocket.StatusNormalClosure, "")
	readGatewayEnvelope(t, conn2) // Hello

	writeGatewayEnvelope(t, conn2, OpResume, ResumePayload{
		SessionID: sessionID,
		Token:     "good-token",
		Sequence:  firstPayload.Sequence,
	})

	// A single read blocks on conn2 without its own deadline (coder/
	// websocket closes the connection if its Read context expires), so
	// drive it from a background goroutine and retry the publish on a
	// ticker until the resumed dispatch loop's fresh subscription picks
	// it up, instead of assuming the resubscribe already happened.
	results := make(chan DispatchPayload, 8)
	go func() {
		for {
			_, data, err := conn2.Read(context.Background())
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Op != OpDispatch {
				continue
			}
			var p DispatchPayload
			if err := json.Unmarshal(env.D, &p); err != nil {
				continue
			}
			results <- p
		}
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(5 * time.Second)
	found := false
	for !found {
		select {
		case p := <-results:
			if p.Data == "after-resume" {
				found = true
			}
		case <-ticker.C:
			bus.Publish(models.GatewayEvent{EventType: "MESSAGE_CREATE", Data: "after-resume"})
		case <-deadline:
			t.Fatal("no live dispatch received after resume; resumed session stopped receiving new events")
		}
	}
}
