package gateway

import (
	"sync"
	"time"

	"github.com/nexus-chat/nexus/internal/eventbus"
	"github.com/nexus-chat/nexus/internal/models"
)

// ResumeWindow is how long a disconnected session remains eligible for
// Resume before it is discarded outright.
const ResumeWindow = 60 * time.Second

// replayDepth bounds how many past dispatches a session keeps buffered
// for Resume, independent of the Event Bus's own ring size.
const replayDepth = 256

type replayEntry struct {
	sequence uint64
	event    models.GatewayEvent
}

// Session is one authenticated gateway connection's resume state, owned
// by its handler goroutine. The Manager only holds enough of it
// to support Resume after a disconnect; it never reaches into live
// connection internals.
type Session struct {
	SessionID string
	UserID    string

	mu                sync.Mutex
	sequence          uint64
	subscribedServers map[string]struct{}
	lastHeartbeat     time.Time
	replay            []replayEntry

	sub *eventbus.Subscription

	detachedAt time.Time
	detached   bool
}

// newSession creates a fresh session at sequence 0, subscribed to the
// given servers.
func newSession(sessionID, userID string, servers []string, sub *eventbus.Subscription) *Session {
	subscribed := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		subscribed[s] = struct{}{}
	}
	return &Session{
		SessionID:         sessionID,
		UserID:            userID,
		subscribedServers: subscribed,
		lastHeartbeat:     time.Now(),
		sub:               sub,
	}
}

// nextSequence assigns and records the next per-session sequence number
// for event, retaining it in the replay buffer for a future Resume.
func (s *Session) nextSequence(event models.GatewayEvent) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	s.replay = append(s.replay, replayEntry{sequence: s.sequence, event: event})
	if len(s.replay) > replayDepth {
		s.replay = s.replay[len(s.replay)-replayDepth:]
	}
	return s.sequence
}

// replaySince returns buffered dispatches strictly after afterSeq, and
// whether afterSeq is still within the retained window. A seq older than
// everything buffered (and not equal to the current sequence with zero
// pending events) cannot be satisfied and must fail Resume with
// InvalidSession.
func (s *Session) replaySince(afterSeq uint64) ([]models.GatewayEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if afterSeq > s.sequence {
		return nil, false
	}
	if afterSeq == s.sequence {
		return nil, true
	}
	if len(s.replay) == 0 || s.replay[0].sequence > afterSeq+1 {
		return nil, false
	}

	var out []models.GatewayEvent
	for _, e := range s.replay {
		if e.sequence > afterSeq {
			out = append(out, e.event)
		}
	}
	return out, true
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) heartbeatAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastHeartbeat)
}

func (s *Session) isSubscribedToServer(serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscribedServers[serverID]
	return ok
}

// Manager tracks active and recently-detached gateway sessions, keyed by
// session ID and by user ID. A detached session is retained for
// ResumeWindow rather than dropped from the map immediately, so a later
// Resume can still find it.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	userSessions map[string][]string
}

// NewManager creates an empty session Manager.
func NewManager() *Manager {
	return &Manager{
		sessions:     make(map[string]*Session),
		userSessions: make(map[string][]string),
	}
}

// Register adds a new session to the manager.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
	m.userSessions[s.UserID] = append(m.userSessions[s.UserID], s.SessionID)
}

// Get returns the session for sessionID, if it exists (live or detached
// within its resume window).
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Detach marks a session as disconnected but resume-eligible, and
// schedules its hard removal after ResumeWindow unless Reattach is
// called first.
func (m *Manager) Detach(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		s.detached = true
		s.detachedAt = time.Now()
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	time.AfterFunc(ResumeWindow, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.sessions[sessionID]
		if !ok || !cur.detached || time.Since(cur.detachedAt) < ResumeWindow {
			return
		}
		m.removeLocked(sessionID)
	})
}

// Reattach clears a session's detached flag on successful Resume.
func (m *Manager) Reattach(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.detached = false
	}
}

// Remove discards a session outright (e.g. InvalidSession, explicit
// close with no resume grace).
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(sessionID)
}

func (m *Manager) removeLocked(sessionID string) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	remaining := m.userSessions[s.UserID][:0]
	for _, id := range m.userSessions[s.UserID] {
		if id != sessionID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		delete(m.userSessions, s.UserID)
	} else {
		m.userSessions[s.UserID] = remaining
	}
}

// IsOnline reports whether userID has at least one active session.
func (m *Manager) IsOnline(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userSessions[userID]) > 0
}

// ActiveCount returns the total number of tracked sessions, live and
// detached-but-resumable.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
