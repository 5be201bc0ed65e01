// Package peer negotiates and maintains the WebRTC connection to a single
// remote peer on behalf of the mesh session.
package peer

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("peer connection closed")

// State is a point-in-time view of the connection's three state machines.
// Both sides of a connection can briefly disagree while negotiating.
type State struct {
	Connection webrtc.PeerConnectionState
	ICE        webrtc.ICEConnectionState
	Signaling  webrtc.SignalingState
}

// Callbacks are invoked from pion's goroutines. None of them may block for long.
type Callbacks struct {
	// OnICECandidate receives every locally gathered candidate for trickling
	// to the remote peer.
	OnICECandidate func(webrtc.ICECandidateInit)
	// OnStream fires at most once per remote stream.
	OnStream func(*RemoteStream)
	// OnTrack fires for every remote track as it arrives. Consumers that read
	// RTP should do so here: tracks added to a stream after OnStream fired are
	// only announced this way.
	OnTrack func(*webrtc.TrackRemote)
	// OnStateChange fires on every connection, ICE or signaling transition.
	// Failed and disconnected are reported here and never retried by the Manager.
	OnStateChange func(State)
}

// LocalStream is a set of outbound tracks, usually one audio and one video.
type LocalStream struct {
	ID     string
	Tracks []webrtc.TrackLocal
}

// Manager owns one PeerConnection to one remote peer. A Manager must be driven
// by a single owner; it is not meant for concurrent negotiation calls.
type Manager struct {
	remoteID  string
	pc        *webrtc.PeerConnection
	callbacks Callbacks
	streams   *reassembler
	logger    zerolog.Logger

	mu      sync.Mutex
	senders map[string]*webrtc.RTPSender
	pending []webrtc.ICECandidateInit
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

func newManager(pc *webrtc.PeerConnection, remoteID string, callbacks Callbacks, logger zerolog.Logger) *Manager {
	m := &Manager{
		remoteID:  remoteID,
		pc:        pc,
		callbacks: callbacks,
		logger:    logger.With().Str("remote_peer", remoteID).Logger(),
		senders:   make(map[string]*webrtc.RTPSender),
	}
	m.streams = newReassembler(remoteID, m.surfaceStream)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || m.callbacks.OnICECandidate == nil {
			return
		}
		m.callbacks.OnICECandidate(c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.logger.Debug().
			Str("track", track.ID()).
			Str("stream", track.StreamID()).
			Str("kind", track.Kind().String()).
			Msg("remote track received")
		m.streams.addTrack(track)
		if m.callbacks.OnTrack != nil {
			m.callbacks.OnTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Info().Str("state", state.String()).Msg("connection state changed")
		if state == webrtc.PeerConnectionStateConnected {
			m.streams.markConnected()
		}
		m.emitState()
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Debug().Str("state", state.String()).Msg("ICE connection state changed")
		m.emitState()
	})

	pc.OnSignalingStateChange(func(webrtc.SignalingState) {
		m.emitState()
	})

	return m
}

// RemoteID returns the peer this Manager connects to.
func (m *Manager) RemoteID() string {
	return m.remoteID
}

// AddLocalStream attaches every track of stream. Tracks that are already
// attached are skipped, so repeated calls never create duplicate senders.
func (m *Manager) AddLocalStream(stream *LocalStream) error {
	if stream == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, track := range stream.Tracks {
		if _, ok := m.senders[track.ID()]; ok {
			continue
		}
		sender, err := m.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track %s: %w", track.Kind(), track.ID(), err)
		}
		m.senders[track.ID()] = sender
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// CreateOffer creates an offer that receives audio and video even when no
// local track is attached, and applies it as the local description.
func (m *Manager) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}

	if err := m.ensureReceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return offer, nil
}

// ensureReceivers adds a receive-only transceiver for every media kind that
// has none yet. A later AddTrack of that kind reuses the transceiver.
func (m *Manager) ensureReceivers() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if m.hasTransceiver(kind) {
			continue
		}
		_, err := m.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (m *Manager) hasTransceiver(kind webrtc.RTPCodecType) bool {
	for _, t := range m.pc.GetTransceivers() {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

// HandleOffer applies a remote offer and returns the answer to send back. The
// answer mirrors the offer's media sections, which always include audio and
// video since every offer in a room is created by CreateOffer.
func (m *Manager) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return webrtc.SessionDescription{}, ErrClosed
	}
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		m.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		m.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		m.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	pending := m.takePendingLocked()
	m.mu.Unlock()

	m.applyCandidates(pending)
	return answer, nil
}

// HandleAnswer applies the remote answer to an offer this side created. Tracks
// that arrived detached before the answer are surfaced as a stream right away.
func (m *Manager) HandleAnswer(answer webrtc.SessionDescription) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if err := m.pc.SetRemoteDescription(answer); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	pending := m.takePendingLocked()
	m.mu.Unlock()

	m.applyCandidates(pending)
	m.streams.negotiated()
	return nil
}

// AddICECandidate applies one remote candidate. Candidates that arrive before
// a remote description are held until one is applied. Failures are logged and
// dropped; a bad or late candidate never aborts the connection.
func (m *Manager) AddICECandidate(candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Debug().Msg("dropping ICE candidate for closed connection")
		return
	}
	if m.pc.RemoteDescription() == nil {
		m.pending = append(m.pending, candidate)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.applyCandidates([]webrtc.ICECandidateInit{candidate})
}

func (m *Manager) takePendingLocked() []webrtc.ICECandidateInit {
	pending := m.pending
	m.pending = nil
	return pending
}

func (m *Manager) applyCandidates(candidates []webrtc.ICECandidateInit) {
	for _, c := range candidates {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("failed to add ICE candidate")
		}
	}
}

// ConnectionState returns the current peer connection state.
func (m *Manager) ConnectionState() webrtc.PeerConnectionState {
	return m.pc.ConnectionState()
}

// ICEConnectionState returns the current ICE connection state.
func (m *Manager) ICEConnectionState() webrtc.ICEConnectionState {
	return m.pc.ICEConnectionState()
}

// State returns all three states at once.
func (m *Manager) State() State {
	return State{
		Connection: m.pc.ConnectionState(),
		ICE:        m.pc.ICEConnectionState(),
		Signaling:  m.pc.SignalingState(),
	}
}

// Negotiated reports whether a remote description has been applied.
func (m *Manager) Negotiated() bool {
	return m.pc.RemoteDescription() != nil
}

// Close releases the connection. Only the first call does any work.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.pending = nil
		m.mu.Unlock()

		if err := m.pc.Close(); err != nil && !errors.Is(err, io.EOF) {
			m.closeErr = fmt.Errorf("failed to close peer connection: %w", err)
		}
	})
	return m.closeErr
}

func (m *Manager) emitState() {
	if m.callbacks.OnStateChange != nil {
		m.callbacks.OnStateChange(m.State())
	}
}

func (m *Manager) surfaceStream(stream *RemoteStream) {
	m.logger.Info().Str("stream", stream.ID()).Int("tracks", len(stream.Tracks())).Msg("remote stream available")
	if m.callbacks.OnStream != nil {
		m.callbacks.OnStream(stream)
	}
}
