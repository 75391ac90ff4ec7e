// Package p2pmigrator implements P2PMigrator: an opportunistic WebRTC
// data-channel upgrade for terminal_display/terminal_input traffic, with
// SDP negotiated over the existing tunnel and automatic fallback on
// failure or channel close.
package p2pmigrator

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// dataChannelLabelPrefix namespaces the data channel label by session, so
// a peer connection's channel is self-describing in logs and traces.
const dataChannelLabelPrefix = "pty:"

// DataHandler receives bytes that arrived over a session's data channel
// (these are terminal_input keystrokes from the client).
type DataHandler func(sessionID string, data []byte)

// Migrator offers, per session, a single WebRTC data channel and tracks
// its lifecycle. The gateway always initiates the offer; it never accepts
// one, since the laptop — not the mobile/browser client — owns the PTY.
type Migrator struct {
	iceServers []webrtc.ICEServer
	onData     DataHandler

	mu      sync.Mutex
	peers   map[string]*webrtc.PeerConnection
	writers map[string]func([]byte) error
	onState map[string]func(connected bool)
}

// New returns a Migrator configured with the given ICE servers (may be
// nil for host-candidate-only, same-LAN negotiation).
func New(iceServers []webrtc.ICEServer, onData DataHandler) *Migrator {
	return &Migrator{
		iceServers: iceServers,
		onData:     onData,
		peers:      make(map[string]*webrtc.PeerConnection),
		writers:    make(map[string]func([]byte) error),
		onState:    make(map[string]func(connected bool)),
	}
}

// Offer creates a peer connection and data channel for sessionID and
// returns the SDP offer to send over the tunnel as a migrate_offer frame.
// onStateChange, if non-nil, is called with true once the channel opens
// and with false on close or failure (the caller uses this to fall back).
func (m *Migrator) Offer(sessionID string, onStateChange func(connected bool)) (sdp string, err error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabelPrefix+sessionID, nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create data channel: %w", err)
	}

	m.mu.Lock()
	if old, ok := m.peers[sessionID]; ok {
		old.Close()
	}
	m.peers[sessionID] = pc
	m.onState[sessionID] = onStateChange
	m.mu.Unlock()

	dc.OnOpen(func() {
		log.Printf("p2pmigrator: data channel open for session %s", sessionID)
		m.mu.Lock()
		m.writers[sessionID] = func(data []byte) error { return dc.Send(data) }
		cb := m.onState[sessionID]
		m.mu.Unlock()
		if cb != nil {
			cb(true)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if m.onData != nil {
			m.onData(sessionID, msg.Data)
		}
	})
	dc.OnClose(func() {
		m.teardown(sessionID, false)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			m.teardown(sessionID, false)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return local.SDP, nil
}

// HandleAnswer applies the client's SDP answer to the pending offer for
// sessionID.
func (m *Migrator) HandleAnswer(sessionID, sdp string) error {
	m.mu.Lock()
	pc, ok := m.peers[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending offer for session %s", sessionID)
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// HandleICECandidate is a no-op: migration uses GatheringCompletePromise
// to fold all host/srflx/relay candidates into one SDP, the same
// non-trickle approach the teacher's WebRTC transport uses, so inbound
// migrate_ice frames (trickle candidates from the client) carry nothing
// this side needs.
func (m *Migrator) HandleICECandidate(sessionID, candidate string) {
	_ = sessionID
	_ = candidate
}

// Write sends data over sessionID's data channel if one is open, matching
// the SwappableWriter shape OutputRouter consults before falling back to
// the tunnel.
func (m *Migrator) Write(sessionID string, data []byte) (ok bool, err error) {
	m.mu.Lock()
	w, ok := m.writers[sessionID]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, w(data)
}

// Fallback tears down sessionID's peer connection and reports the
// transition via onStateChange(false), exactly as a natural close would.
func (m *Migrator) Fallback(sessionID string) {
	m.teardown(sessionID, true)
}

func (m *Migrator) teardown(sessionID string, explicit bool) {
	m.mu.Lock()
	pc, hadPeer := m.peers[sessionID]
	cb := m.onState[sessionID]
	delete(m.peers, sessionID)
	delete(m.writers, sessionID)
	delete(m.onState, sessionID)
	m.mu.Unlock()

	if hadPeer {
		pc.Close()
	}
	if cb != nil && (hadPeer || explicit) {
		cb(false)
	}
}

// Close tears down every active peer connection, for use during process
// shutdown.
func (m *Migrator) Close() {
	m.mu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(m.peers))
	for _, pc := range m.peers {
		peers = append(peers, pc)
	}
	m.peers = make(map[string]*webrtc.PeerConnection)
	m.writers = make(map[string]func([]byte) error)
	m.onState = make(map[string]func(connected bool))
	m.mu.Unlock()

	for _, pc := range peers {
		pc.Close()
	}
}
