package sfu

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/nexus-chat/nexus/internal/models"
)

// peer is one room participant's RTC state, UDP socket, and published/
// subscribed track bookkeeping. pion/webrtc's PeerConnection drives the
// RTC state machine; it is owned exclusively by the room goroutine (see
// room.go) and never mutated from any other goroutine.
type peer struct {
	peerID string
	userID string

	socket *net.UDPConn
	mux    *webrtc.ICEUDPMux
	pc     *webrtc.PeerConnection

	mu               sync.Mutex
	publishedTracks  map[string]*webrtc.TrackRemote
	subscribedTracks map[string]*webrtc.TrackLocalStaticRTP
}

// peerConfig holds the address new peer sockets bind on (the SFU
// Manager's local_ip setting) and the ICE servers given to each peer.
type peerConfig struct {
	localIP    net.IP
	iceServers []webrtc.ICEServer
}

// newPeer binds a fresh UDP socket on an ephemeral port of localIP and
// constructs an ICE-lite PeerConnection with a host candidate bound to
// that socket.
func newPeer(peerID, userID string, cfg peerConfig) (*peer, error) {
	socket, err := net.ListenUDP("udp", &net.UDPAddr{IP: cfg.localIP, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("binding peer UDP socket: %w", err)
	}

	mux := webrtc.NewICEUDPMux(nil, socket)

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICEUDPMux(mux)
	settingEngine.SetLite(true)
	settingEngine.SetNAT1To1IPs([]string{cfg.localIP.String()}, webrtc.ICECandidateTypeHost)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		socket.Close()
		return nil, fmt.Errorf("registering default codecs: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers})
	if err != nil {
		socket.Close()
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &peer{
		peerID:           peerID,
		userID:           userID,
		socket:           socket,
		mux:              mux,
		pc:               pc,
		publishedTracks:  make(map[string]*webrtc.TrackRemote),
		subscribedTracks: make(map[string]*webrtc.TrackLocalStaticRTP),
	}
	return p, nil
}

// negotiate accepts offerSDP and returns the local answer SDP.
func (p *peer) negotiate(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	<-gatherComplete

	return p.pc.LocalDescription().SDP, nil
}

// addICECandidate parses and applies a remote trickle-ICE candidate. Parse
// failures are the caller's responsibility to log; the peer stays connected.
func (p *peer) addICECandidate(candidate string) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// close tears down the peer connection and its UDP socket.
func (p *peer) close() {
	_ = p.pc.Close()
	_ = p.socket.Close()
}

// info summarizes the peer for stats/debugging purposes.
func (p *peer) info() models.SFUPeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	published := make([]string, 0, len(p.publishedTracks))
	for mid := range p.publishedTracks {
		published = append(published, mid)
	}
	subscribed := make([]string, 0, len(p.subscribedTracks))
	for mid := range p.subscribedTracks {
		subscribed = append(subscribed, mid)
	}

	var remoteAddr string
	if p.socket != nil {
		remoteAddr = p.socket.LocalAddr().String()
	}

	return models.SFUPeerInfo{
		PeerID:           p.peerID,
		UserID:           p.userID,
		RemoteAddr:       remoteAddr,
		PublishedTracks:  published,
		SubscribedTracks: subscribed,
	}
}
