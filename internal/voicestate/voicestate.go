// Package voicestate implements the authoritative, concurrent registry of
// who is in which voice channel.
package voicestate

import (
	"sync"
	"time"

	"github.com/nexus-chat/nexus/internal/models"
)

// Manager owns the dual by_user/by_channel index described in spec
// section 4.6. A single RWMutex guards both maps; every mutation leaves
// them consistent before releasing the lock.
type Manager struct {
	mu        sync.RWMutex
	byUser    map[string]models.VoiceState
	byChannel map[string][]string // channel_id -> ordered user_ids
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		byUser:    make(map[string]models.VoiceState),
		byChannel: make(map[string][]string),
	}
}

// Join inserts or moves userID into channelID. If the user already has a
// state (in any channel, including this one), they are atomically removed
// from their old channel first. Returns the new state and the old channel
// id, if any, so the caller can broadcast a leave event for it.
func (m *Manager) Join(userID, channelID string, serverID *string, sessionID string) (models.VoiceState, *string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldChannel *string
	if existing, ok := m.byUser[userID]; ok {
		old := existing.ChannelID
		m.removeFromChannelLocked(old, userID)
		oldChannel = &old
	}

	vs := models.VoiceState{
		UserID:      userID,
		ChannelID:   channelID,
		ServerID:    serverID,
		SessionID:   sessionID,
		ConnectedAt: time.Now().UTC(),
	}
	m.byUser[userID] = vs
	m.addToChannelLocked(channelID, userID)

	return vs, oldChannel
}

// Leave removes userID's voice state entirely, returning their former
// channel id if they had one.
func (m *Manager) Leave(userID string) *string {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.byUser[userID]
	if !ok {
		return nil
	}
	delete(m.byUser, userID)
	m.removeFromChannelLocked(existing.ChannelID, userID)

	channel := existing.ChannelID
	return &channel
}

// UpdateSelfState mutates only the fields the caller supplied. A missing
// user returns (zero, false). Undeafening does not force unmuting — this
// preserves state.rs's explicit behavior, not Discord's.
func (m *Manager) UpdateSelfState(userID string, update models.VoiceStateUpdate) (models.VoiceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.byUser[userID]
	if !ok {
		return models.VoiceState{}, false
	}

	if update.SelfMute != nil {
		existing.SelfMute = *update.SelfMute
	}
	if update.SelfDeaf != nil {
		existing.SelfDeaf = *update.SelfDeaf
	}
	if update.SelfVideo != nil {
		existing.SelfVideo = *update.SelfVideo
	}
	if update.SelfStream != nil {
		existing.SelfStream = *update.SelfStream
	}

	m.byUser[userID] = existing
	return existing, true
}

// ApplyModAction updates only server-side fields on the target user.
func (m *Manager) ApplyModAction(action models.VoiceModAction) (models.VoiceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.byUser[action.TargetUserID]
	if !ok {
		return models.VoiceState{}, false
	}

	if action.ServerMute != nil {
		existing.ServerMute = *action.ServerMute
	}
	if action.ServerDeaf != nil {
		existing.ServerDeaf = *action.ServerDeaf
	}

	m.byUser[action.TargetUserID] = existing
	return existing, true
}

// SetSpeaking updates the speaking indicator for userID.
func (m *Manager) SetSpeaking(userID string, speaking bool) (models.VoiceState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.byUser[userID]
	if !ok {
		return models.VoiceState{}, false
	}
	existing.Speaking = speaking
	m.byUser[userID] = existing
	return existing, true
}

// GetUserState returns userID's current voice state, if any.
func (m *Manager) GetUserState(userID string) (models.VoiceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs, ok := m.byUser[userID]
	return vs, ok
}

// GetChannelMembers returns the voice states of every user in channelID.
func (m *Manager) GetChannelMembers(channelID string) []models.VoiceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userIDs := m.byChannel[channelID]
	out := make([]models.VoiceState, 0, len(userIDs))
	for _, uid := range userIDs {
		if vs, ok := m.byUser[uid]; ok {
			out = append(out, vs)
		}
	}
	return out
}

// GetChannelCount returns the number of users currently in channelID.
func (m *Manager) GetChannelCount(channelID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byChannel[channelID])
}

// IsInVoice reports whether userID currently has a voice state.
func (m *Manager) IsInVoice(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byUser[userID]
	return ok
}

// DisconnectChannel atomically empties channelID and returns the voice
// states that were removed, for the caller to broadcast leave events for.
func (m *Manager) DisconnectChannel(channelID string) []models.VoiceState {
	m.mu.Lock()
	defer m.mu.Unlock()

	userIDs := m.byChannel[channelID]
	removed := make([]models.VoiceState, 0, len(userIDs))
	for _, uid := range userIDs {
		if vs, ok := m.byUser[uid]; ok {
			removed = append(removed, vs)
			delete(m.byUser, uid)
		}
	}
	delete(m.byChannel, channelID)
	return removed
}

// Stats summarizes current occupancy across all channels.
func (m *Manager) Stats() models.VoiceGlobalStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.VoiceGlobalStats{
		TotalUsers:    len(m.byUser),
		TotalChannels: len(m.byChannel),
	}
}

// addToChannelLocked appends userID to channelID's member list. Caller
// must hold m.mu for writing.
func (m *Manager) addToChannelLocked(channelID, userID string) {
	m.byChannel[channelID] = append(m.byChannel[channelID], userID)
}

// removeFromChannelLocked removes userID from channelID's member list,
// dropping the channel key entirely if it becomes empty. Caller must hold
// m.mu for writing.
func (m *Manager) removeFromChannelLocked(channelID, userID string) {
	members := m.byChannel[channelID]
	for i, uid := range members {
		if uid == userID {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(m.byChannel, channelID)
	} else {
		m.byChannel[channelID] = members
	}
}
