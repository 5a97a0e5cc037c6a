package sfu

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/nexus-chat/nexus/internal/models"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{
		LocalIP: net.ParseIP("127.0.0.1"),
		Logger:  slog.Default(),
	})
}

func TestGetOrCreateRoomReturnsSameChannelForSameRoom(t *testing.T) {
	m := testManager(t)
	defer m.RemoveRoom("C1")

	ch1 := m.GetOrCreateRoom("C1")
	ch2 := m.GetOrCreateRoom("C1")
	if ch1 != ch2 {
		t.Fatal("expected the same command channel for repeated GetOrCreateRoom calls")
	}
	if got := m.ActiveRoomCount(); got != 1 {
		t.Fatalf("ActiveRoomCount() = %d, want 1", got)
	}
}

func TestRemovePeerFromEmptyRoomShutsItDown(t *testing.T) {
	m := testManager(t)
	ch := m.GetOrCreateRoom("C1")

	// Removing a peer id that was never added still triggers the
	// empty-room check: the room has no peers left, so it calls back
	// into the manager and exits.
	ch <- RemovePeerCommand{PeerID: "P1"}

	deadline := time.After(time.Second)
	for {
		if m.ActiveRoomCount() == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("room did not shut down within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGetStatsOnEmptyRoom(t *testing.T) {
	m := testManager(t)
	defer m.RemoveRoom("C1")
	ch := m.GetOrCreateRoom("C1")

	reply := make(chan models.RoomStats, 1)
	ch <- GetStatsCommand{Reply: reply}

	select {
	case stats := <-reply:
		if stats.PeerCount != 0 {
			t.Fatalf("expected 0 peers in a fresh room, got %d", stats.PeerCount)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stats reply")
	}
}
