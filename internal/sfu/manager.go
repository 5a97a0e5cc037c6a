package sfu

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/nexus-chat/nexus/internal/metrics"
)

// Manager lazily creates and destroys per-channel Rooms and routes
// commands to the right room task.
type Manager struct {
	mu         sync.Mutex
	rooms      map[string]chan<- Command
	localIP    net.IP
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
}

// Config configures a new Manager.
type Config struct {
	LocalIP    net.IP
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

// NewManager creates an SFU Manager with no rooms yet running.
func NewManager(cfg Config) *Manager {
	return &Manager{
		rooms:      make(map[string]chan<- Command),
		localIP:    cfg.LocalIP,
		iceServers: cfg.ICEServers,
		logger:     cfg.Logger,
	}
}

// GetOrCreateRoom returns the command channel for channelID's room,
// creating and spawning it if it doesn't yet exist. The manager lock is
// held for the whole lookup and creation, so concurrent callers always
// observe the same room.
func (m *Manager) GetOrCreateRoom(channelID string) chan<- Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.rooms[channelID]; ok {
		return ch
	}

	room := newRoom(channelID, m.localIP, m.iceServers, m.logger, m.onRoomEmpty)
	m.rooms[channelID] = room.Commands()
	go room.Run()

	metrics.VoiceRoomsActive.Inc()
	m.logger.Info("sfu room created", slog.String("channel_id", channelID))
	return room.Commands()
}

// RemoveRoom sends Shutdown to channelID's room, if it exists. Unlike a
// room emptying out on its own (onRoomEmpty), the room task's Shutdown
// path returns without calling back into the manager, so RemoveRoom
// retires the map entry and metric itself rather than waiting for a
// notification that never comes.
func (m *Manager) RemoveRoom(channelID string) error {
	m.mu.Lock()
	ch, ok := m.rooms[channelID]
	if ok {
		delete(m.rooms, channelID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active room for channel %s", channelID)
	}
	ch <- ShutdownCommand{}
	metrics.VoiceRoomsActive.Dec()
	m.logger.Info("sfu room closed", slog.String("channel_id", channelID))
	return nil
}

// onRoomEmpty is called by a room's own goroutine right before it exits
// because its last peer left, so the manager's map entry is removed
// promptly.
func (m *Manager) onRoomEmpty(channelID string) {
	m.mu.Lock()
	delete(m.rooms, channelID)
	m.mu.Unlock()
	metrics.VoiceRoomsActive.Dec()
	m.logger.Info("sfu room closed", slog.String("channel_id", channelID))
}

// ActiveRoomCount returns the number of currently running rooms.
func (m *Manager) ActiveRoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
