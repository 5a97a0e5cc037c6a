// Package sfu implements the per-channel Selective Forwarding Unit: a
// goroutine per voice channel that accepts WebRTC peers, drives their RTC
// state via pion/webrtc, and forwards media packets verbatim between
// peers with no transcoding or mixing.
package sfu

import (
	"log/slog"
	"net"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/nexus-chat/nexus/internal/models"
)

// Room is one voice channel's SFU session: a single goroutine owns every
// peer's state and mutates it only in response to commands sent on its
// channel.
type Room struct {
	ChannelID string
	commands  chan Command
	localIP   net.IP
	iceServers []webrtc.ICEServer
	logger    *slog.Logger

	onEmpty func(channelID string)
}

// newRoom constructs a Room. Call Run in its own goroutine to start it.
func newRoom(channelID string, localIP net.IP, iceServers []webrtc.ICEServer, logger *slog.Logger, onEmpty func(string)) *Room {
	return &Room{
		ChannelID:  channelID,
		commands:   make(chan Command, CommandChanCapacity),
		localIP:    localIP,
		iceServers: iceServers,
		logger:     logger,
		onEmpty:    onEmpty,
	}
}

// Commands returns the room's command channel for the manager to route
// AddPeer/RemovePeer/etc. onto.
func (r *Room) Commands() chan<- Command { return r.commands }

// Run is the room's event loop. It processes commands strictly in
// arrival order and exits when told to shut down or when it notices the
// room has become empty after a removal.
func (r *Room) Run() {
	peers := make(map[string]*peer)

	defer func() {
		for _, p := range peers {
			p.close()
		}
	}()

	for cmd := range r.commands {
		switch c := cmd.(type) {
		case AddPeerCommand:
			r.handleAddPeer(peers, c)

		case RemovePeerCommand:
			if p, ok := peers[c.PeerID]; ok {
				p.close()
				delete(peers, c.PeerID)
				r.logger.Info("sfu peer removed", slog.String("channel_id", r.ChannelID), slog.String("peer_id", c.PeerID))
			}
			if len(peers) == 0 {
				r.onEmpty(r.ChannelID)
				return
			}

		case IceCandidateCommand:
			if p, ok := peers[c.PeerID]; ok {
				if err := p.addICECandidate(c.Candidate); err != nil {
					r.logger.Warn("ice candidate parse failed",
						slog.String("peer_id", c.PeerID), slog.String("error", err.Error()))
				}
			}

		case UpdateMediaCommand:
			// Routing-level hint only; actual muting is client-side.
			_ = c

		case GetStatsCommand:
			c.Reply <- r.statsLocked(peers)

		case forwardTrackCommand:
			r.startForwarding(peers, c.source, c.track)

		case ShutdownCommand:
			return
		}
	}
}

func (r *Room) handleAddPeer(peers map[string]*peer, c AddPeerCommand) {
	p, err := newPeer(c.PeerID, c.UserID, peerConfig{localIP: r.localIP, iceServers: r.iceServers})
	if err != nil {
		c.Reply <- AddPeerResult{Err: err}
		return
	}

	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		// Runs on pion's own goroutine, not the room task's: post a
		// command rather than touching peers here directly.
		select {
		case r.commands <- forwardTrackCommand{source: p, track: track}:
		default:
			r.logger.Warn("sfu command channel full, dropping track forward",
				slog.String("channel_id", r.ChannelID), slog.String("peer_id", p.peerID))
		}
	})

	answer, err := p.negotiate(c.OfferSDP)
	if err != nil {
		p.close()
		c.Reply <- AddPeerResult{Err: err}
		return
	}

	peers[c.PeerID] = p
	c.Reply <- AddPeerResult{AnswerSDP: answer}
	r.logger.Info("sfu peer added", slog.String("channel_id", r.ChannelID), slog.String("peer_id", c.PeerID))
}

// startForwarding subscribes every current peer other than source to
// track and spawns the goroutine that copies RTP packets from it. The
// peers snapshot it builds (dests) is read here on the room task's own
// goroutine, so it never races with Run's concurrent AddPeer/RemovePeer
// map mutations; the spawned goroutine only ever touches dests and the
// already-created local track afterward, never the room's live peer map.
func (r *Room) startForwarding(peers map[string]*peer, source *peer, track *webrtc.TrackRemote) {
	local, err := webrtc.NewTrackLocalStaticRTP(track.Codec().RTPCodecCapability, track.ID(), source.peerID)
	if err != nil {
		r.logger.Warn("failed to create local forwarding track", slog.String("error", err.Error()))
		return
	}

	source.mu.Lock()
	source.publishedTracks[track.ID()] = track
	source.mu.Unlock()

	for _, dest := range peers {
		if dest.peerID == source.peerID {
			continue
		}
		sender, err := dest.pc.AddTrack(local)
		if err != nil {
			r.logger.Warn("failed to subscribe peer to track",
				slog.String("peer_id", dest.peerID), slog.String("error", err.Error()))
			continue
		}
		_ = sender
		dest.mu.Lock()
		dest.subscribedTracks[track.ID()] = local
		dest.mu.Unlock()
	}

	go forwardTrackLoop(track, local)
}

// forwardTrackLoop reads RTP packets from a publishing peer's track and
// writes them unchanged to local, which fans out to every subscribed
// peer's sender. A recipient that cannot keep up drops packets silently;
// it never blocks the forwarding loop or affects other recipients. Runs
// independently of the room task and touches no room-owned state.
func forwardTrackLoop(track *webrtc.TrackRemote, local *webrtc.TrackLocalStaticRTP) {
	buf := make([]byte, 1500)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			// UDP read error on this peer's track: stop forwarding it.
			// The peer stays in the room until a RemovePeerCommand for it
			// arrives; the voice signaling layer sends one when the
			// participant leaves or its connection closes.
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if err := local.WriteRTP(pkt); err != nil {
			// Backpressure: drop silently, never block other forwarding.
			continue
		}
	}
}

func (r *Room) statsLocked(peers map[string]*peer) models.RoomStats {
	stats := models.RoomStats{
		ChannelID: r.ChannelID,
		PeerCount: len(peers),
		Peers:     make([]models.SFUPeerInfo, 0, len(peers)),
	}
	for _, p := range peers {
		p.mu.Lock()
		for _, t := range p.publishedTracks {
			switch t.Kind() {
			case webrtc.RTPCodecTypeAudio:
				stats.AudioTracks++
			case webrtc.RTPCodecTypeVideo:
				stats.VideoTracks++
			}
		}
		p.mu.Unlock()
		stats.Peers = append(stats.Peers, p.info())
	}
	return stats
}
