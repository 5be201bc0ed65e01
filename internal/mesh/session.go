// Package mesh connects one local peer to every other peer of a room.
//
// A Session owns one peer.Manager per remote peer and drives negotiation over
// a signaling transport. Of each pair, the peer with the smaller id makes the
// offer, so two peers never offer to each other at the same time.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/peer"
	"github.com/mossy-p/mesh-signaling/internal/transport"
)

var (
	ErrClosed       = errors.New("mesh session closed")
	ErrSelf         = errors.New("cannot connect to self")
	ErrNotInitiator = errors.New("remote peer is the initiator")
	ErrUnknownPeer  = errors.New("unknown peer")
)

// Config wires a Session to its collaborators.
type Config struct {
	Transport transport.Transport
	Factory   *peer.Factory
	// LocalStream is attached to every connection. It may be nil for a
	// receive-only peer.
	LocalStream *peer.LocalStream
	Policy      ReconnectPolicy
	// OnStream fires once per remote stream.
	OnStream func(remoteID string, stream *peer.RemoteStream)
	// OnTrack fires for every remote track, including tracks added to a
	// stream after OnStream fired.
	OnTrack func(remoteID string, track *webrtc.TrackRemote)
	// OnStateChange mirrors every state transition of every connection.
	OnStateChange func(remoteID string, state peer.State)
}

// Session is the local end of a room's mesh.
type Session struct {
	cfg    Config
	self   string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	peers  map[string]*remotePeer
	closed bool
}

// remotePeer is the session's record of one remote peer. Fields below opMu
// belong to Session.mu.
type remotePeer struct {
	id        string
	initiator bool

	// opMu serializes negotiation on this peer.
	opMu sync.Mutex
	// sendMu serializes outgoing descriptions. It is never held with opMu.
	sendMu sync.Mutex

	manager  *peer.Manager
	gen      uint64
	sent     bool
	outgoing []webrtc.ICECandidateInit
	attempts int
	retry    *time.Timer
}

// NewSession creates a session for the transport's peer. Call Start to join
// the room.
func NewSession(cfg Config, logger zerolog.Logger) *Session {
	cfg.Policy = cfg.Policy.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	self := cfg.Transport.PeerID()
	return &Session{
		cfg:    cfg,
		self:   self,
		logger: logger.With().Str("peer", self).Str("room", cfg.Transport.RoomID()).Logger(),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*remotePeer),
	}
}

// Start connects the signaling transport.
func (s *Session) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.cfg.Transport.Connect(ctx, s.handleSignal)
}

// Initiator reports whether this side makes the offer to remoteID.
func (s *Session) Initiator(remoteID string) bool {
	return s.self < remoteID
}

// Connect sets up the connection to remoteID. When this side is the initiator
// it creates the connection and sends the offer; otherwise it registers the
// peer and waits for the remote offer. Connecting to a peer that already has
// a live connection is a no-op.
func (s *Session) Connect(ctx context.Context, remoteID string) error {
	if remoteID == s.self {
		return ErrSelf
	}
	p, err := s.peer(remoteID, true)
	if err != nil {
		return err
	}
	if !p.initiator {
		return nil
	}

	p.opMu.Lock()
	if m := s.current(p); m != nil && m.ConnectionState() != webrtc.PeerConnectionStateClosed &&
		m.ConnectionState() != webrtc.PeerConnectionStateFailed {
		p.opMu.Unlock()
		return nil
	}
	gen, offer, err := s.offer(p)
	p.opMu.Unlock()
	if err != nil {
		return err
	}
	return s.send(ctx, p, gen, offer)
}

// Renegotiate replaces the connection to remoteID with a fresh one and sends
// a new offer. Only the initiator of the pair may renegotiate.
func (s *Session) Renegotiate(ctx context.Context, remoteID string) error {
	p, err := s.peer(remoteID, false)
	if err != nil {
		return err
	}
	if !p.initiator {
		return ErrNotInitiator
	}
	p.opMu.Lock()
	gen, offer, err := s.offer(p)
	p.opMu.Unlock()
	if err != nil {
		return err
	}
	return s.send(ctx, p, gen, offer)
}

// Remove closes the connection to remoteID and forgets the peer.
func (s *Session) Remove(remoteID string) {
	s.mu.Lock()
	p, ok := s.peers[remoteID]
	if ok {
		delete(s.peers, remoteID)
		p.gen++
		if p.retry != nil {
			p.retry.Stop()
		}
	}
	var m *peer.Manager
	if ok {
		m, p.manager = p.manager, nil
	}
	s.mu.Unlock()

	if m != nil {
		_ = m.Close()
	}
	if ok {
		s.logger.Info().Str("remote_peer", remoteID).Msg("removed peer")
	}
}

// Peers lists the remote peers the session knows about, sorted.
func (s *Session) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns the connection state towards remoteID.
func (s *Session) State(remoteID string) (peer.State, bool) {
	s.mu.Lock()
	p, ok := s.peers[remoteID]
	var m *peer.Manager
	if ok {
		m = p.manager
	}
	s.mu.Unlock()
	if m == nil {
		return peer.State{}, false
	}
	return m.State(), true
}

// Close tears down every connection and leaves the room. It is safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	peers := s.peers
	s.peers = make(map[string]*remotePeer)
	managers := make([]*peer.Manager, 0, len(peers))
	for _, p := range peers {
		p.gen++
		if p.retry != nil {
			p.retry.Stop()
		}
		if p.manager != nil {
			managers = append(managers, p.manager)
			p.manager = nil
		}
	}
	s.mu.Unlock()

	s.cancel()
	for _, m := range managers {
		_ = m.Close()
	}
	s.cfg.Transport.Disconnect()
	s.logger.Info().Msg("session closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) peer(remoteID string, create bool) (*remotePeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	p, ok := s.peers[remoteID]
	if !ok {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, remoteID)
		}
		p = &remotePeer{id: remoteID, initiator: s.Initiator(remoteID)}
		s.peers[remoteID] = p
	}
	return p, nil
}

func (s *Session) current(p *remotePeer) *peer.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.manager
}

// replace creates a fresh Manager for p and closes the previous one. Callers
// hold p.opMu.
func (s *Session) replace(p *remotePeer) (*peer.Manager, uint64, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, 0, ErrClosed
	}
	p.gen++
	gen := p.gen
	s.mu.Unlock()

	m, err := s.cfg.Factory.New(p.id, s.callbacks(p, gen))
	if err != nil {
		return nil, 0, err
	}
	if err := m.AddLocalStream(s.cfg.LocalStream); err != nil {
		_ = m.Close()
		return nil, 0, err
	}

	s.mu.Lock()
	if s.closed || p.gen != gen {
		s.mu.Unlock()
		_ = m.Close()
		return nil, 0, ErrClosed
	}
	old := p.manager
	p.manager = m
	p.sent = false
	p.outgoing = nil
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
		s.logger.Info().Str("remote_peer", p.id).Msg("replaced peer connection")
	}
	return m, gen, nil
}

// offer replaces p's connection and creates an offer on the new one. Callers
// hold p.opMu.
func (s *Session) offer(p *remotePeer) (uint64, webrtc.SessionDescription, error) {
	m, gen, err := s.replace(p)
	if err != nil {
		return 0, webrtc.SessionDescription{}, err
	}
	offer, err := m.CreateOffer()
	if err != nil {
		return 0, webrtc.SessionDescription{}, err
	}
	return gen, offer, nil
}

// send delivers the local description of connection gen, then the candidates
// gathered for it. A description whose connection was replaced meanwhile is
// skipped. Callers must not hold p.opMu, so inbound signals for p keep
// flowing while the transport retries.
func (s *Session) send(ctx context.Context, p *remotePeer, gen uint64, desc webrtc.SessionDescription) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if !s.live(p, gen) {
		if s.isClosed() {
			return ErrClosed
		}
		return nil
	}

	var err error
	if desc.Type == webrtc.SDPTypeOffer {
		err = s.cfg.Transport.SendOffer(ctx, p.id, desc)
	} else {
		err = s.cfg.Transport.SendAnswer(ctx, p.id, desc)
	}
	if err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", desc.Type, p.id, err)
	}
	s.flushCandidates(ctx, p, gen)
	return nil
}

// flushCandidates sends the candidates gathered before the description went out.
func (s *Session) flushCandidates(ctx context.Context, p *remotePeer, gen uint64) {
	s.mu.Lock()
	if p.gen != gen {
		s.mu.Unlock()
		return
	}
	p.sent = true
	queued := p.outgoing
	p.outgoing = nil
	s.mu.Unlock()

	for _, c := range queued {
		if err := s.cfg.Transport.SendIceCandidate(ctx, p.id, c); err != nil {
			s.logger.Warn().Err(err).Str("remote_peer", p.id).Msg("failed to send ICE candidate")
		}
	}
}

func (s *Session) callbacks(p *remotePeer, gen uint64) peer.Callbacks {
	return peer.Callbacks{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			s.mu.Lock()
			if p.gen != gen {
				s.mu.Unlock()
				return
			}
			if !p.sent {
				p.outgoing = append(p.outgoing, c)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			if err := s.cfg.Transport.SendIceCandidate(s.ctx, p.id, c); err != nil {
				s.logger.Warn().Err(err).Str("remote_peer", p.id).Msg("failed to send ICE candidate")
			}
		},
		OnStream: func(stream *peer.RemoteStream) {
			if !s.live(p, gen) {
				return
			}
			s.logger.Info().Str("remote_peer", p.id).Str("stream", stream.ID()).Msg("remote stream ready")
			if s.cfg.OnStream != nil {
				s.cfg.OnStream(p.id, stream)
			}
		},
		OnTrack: func(track *webrtc.TrackRemote) {
			if !s.live(p, gen) {
				return
			}
			if s.cfg.OnTrack != nil {
				s.cfg.OnTrack(p.id, track)
			}
		},
		OnStateChange: func(state peer.State) {
			if !s.live(p, gen) {
				return
			}
			s.track(p, gen, state.Connection)
			if s.cfg.OnStateChange != nil {
				s.cfg.OnStateChange(p.id, state)
			}
		},
	}
}

func (s *Session) live(p *remotePeer, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && p.gen == gen
}

// track applies the reconnection policy to a connection state transition.
func (s *Session) track(p *remotePeer, gen uint64, state webrtc.PeerConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.gen != gen {
		return
	}

	if state == webrtc.PeerConnectionStateConnected {
		p.attempts = 0
		if p.retry != nil {
			p.retry.Stop()
			p.retry = nil
		}
		return
	}
	// The answering side waits for the initiator's new offer.
	if !p.initiator || p.retry != nil {
		return
	}
	delay, ok := s.cfg.Policy.Delay(state, p.attempts)
	if !ok {
		if state == webrtc.PeerConnectionStateFailed {
			s.logger.Warn().Str("remote_peer", p.id).Int("attempts", p.attempts).Msg("giving up on peer connection")
		}
		return
	}
	s.logger.Info().Str("remote_peer", p.id).Str("state", state.String()).Dur("delay", delay).Msg("scheduling reconnect")
	p.retry = time.AfterFunc(delay, func() { s.reconnect(p, gen) })
}

func (s *Session) reconnect(p *remotePeer, gen uint64) {
	p.opMu.Lock()
	s.mu.Lock()
	if s.closed || p.gen != gen {
		s.mu.Unlock()
		p.opMu.Unlock()
		return
	}
	p.retry = nil
	m := p.manager
	s.mu.Unlock()

	if m != nil {
		switch m.ConnectionState() {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		default:
			p.opMu.Unlock()
			return
		}
	}

	s.mu.Lock()
	p.attempts++
	attempt := p.attempts
	s.mu.Unlock()

	s.logger.Info().Str("remote_peer", p.id).Int("attempt", attempt).Msg("recreating peer connection")
	newGen, offer, err := s.offer(p)
	p.opMu.Unlock()
	if err == nil {
		err = s.send(s.ctx, p, newGen, offer)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_peer", p.id).Msg("reconnect failed")
	}
}

// handleSignal applies one inbound signal. Transports call it from a single
// goroutine.
func (s *Session) handleSignal(sig models.Signal) {
	log := s.logger.With().Str("remote_peer", sig.From).Str("type", string(sig.Type)).Logger()
	if sig.From == s.self {
		return
	}

	p, err := s.peer(sig.From, true)
	if err != nil {
		return
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()

	switch sig.Type {
	case models.SignalTypeOffer:
		offer, err := transport.DecodeSessionDescription(sig)
		if err != nil {
			log.Warn().Err(err).Msg("discarding offer")
			return
		}
		gen, answer, err := s.answer(p, offer)
		if err != nil {
			log.Warn().Err(err).Msg("failed to answer offer")
			return
		}
		// Sending may retry; later signals from this peer must not wait for it.
		go func() {
			if err := s.send(s.ctx, p, gen, answer); err != nil {
				log.Warn().Err(err).Msg("failed to send answer")
			}
		}()

	case models.SignalTypeAnswer:
		answer, err := transport.DecodeSessionDescription(sig)
		if err != nil {
			log.Warn().Err(err).Msg("discarding answer")
			return
		}
		m := s.current(p)
		if m == nil {
			log.Debug().Msg("answer without a pending offer")
			return
		}
		if err := m.HandleAnswer(answer); err != nil {
			log.Warn().Err(err).Msg("failed to apply answer")
		}

	case models.SignalTypeICECandidate:
		candidate, err := transport.DecodeICECandidate(sig)
		if err != nil {
			log.Warn().Err(err).Msg("discarding ICE candidate")
			return
		}
		m := s.current(p)
		if m == nil && !p.initiator {
			// Candidates can overtake the offer; hold them on a fresh connection.
			if m, _, err = s.replace(p); err != nil {
				return
			}
		}
		if m != nil {
			m.AddICECandidate(candidate)
		}
	}
}

// answer applies a remote offer and returns the answer to send. An offer for
// a connection that already went through a negotiation replaces it. Callers
// hold p.opMu.
func (s *Session) answer(p *remotePeer, offer webrtc.SessionDescription) (uint64, webrtc.SessionDescription, error) {
	m := s.current(p)
	var gen uint64
	if m == nil || m.Negotiated() || m.State().Signaling != webrtc.SignalingStateStable {
		var err error
		if m, gen, err = s.replace(p); err != nil {
			return 0, webrtc.SessionDescription{}, err
		}
	} else {
		s.mu.Lock()
		gen = p.gen
		s.mu.Unlock()
	}

	answer, err := m.HandleOffer(offer)
	if err != nil {
		return 0, webrtc.SessionDescription{}, err
	}
	return gen, answer, nil
}
