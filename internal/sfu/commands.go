package sfu

import (
	"github.com/pion/webrtc/v4"

	"github.com/nexus-chat/nexus/internal/models"
)

// Command is the sealed set of messages a room task accepts on its
// command channel.
type Command interface {
	isCommand()
}

// AddPeerCommand binds a new UDP-backed peer and negotiates its SDP offer.
// The answer (or an error) is delivered on Reply.
type AddPeerCommand struct {
	PeerID   string
	UserID   string
	OfferSDP string
	Reply    chan AddPeerResult
}

// AddPeerResult is the outcome of an AddPeerCommand.
type AddPeerResult struct {
	AnswerSDP string
	Err       error
}

// RemovePeerCommand drops a peer's state, socket, and receive task.
type RemovePeerCommand struct {
	PeerID string
}

// IceCandidateCommand feeds a remote ICE candidate to a peer's RTC state.
type IceCandidateCommand struct {
	PeerID    string
	Candidate string
}

// UpdateMediaCommand is a routing-level hint about a peer's media state.
type UpdateMediaCommand struct {
	PeerID       string
	AudioEnabled *bool
	VideoEnabled *bool
}

// GetStatsCommand requests the room's current occupancy.
type GetStatsCommand struct {
	Reply chan models.RoomStats
}

// ShutdownCommand terminates the room task.
type ShutdownCommand struct{}

// forwardTrackCommand is posted by a peer's pion OnTrack callback, which
// runs on pion's own goroutine rather than the room task's. Routing it
// through the command channel lets the room task snapshot current peers
// itself, instead of the callback goroutine reading the room's peer map
// while the room task concurrently mutates it.
type forwardTrackCommand struct {
	source *peer
	track  *webrtc.TrackRemote
}

func (AddPeerCommand) isCommand()      {}
func (RemovePeerCommand) isCommand()   {}
func (IceCandidateCommand) isCommand() {}
func (UpdateMediaCommand) isCommand()  {}
func (GetStatsCommand) isCommand()     {}
func (ShutdownCommand) isCommand()     {}
func (forwardTrackCommand) isCommand() {}

// CommandChanCapacity is the bounded capacity of a room's command channel.
const CommandChanCapacity = 256
