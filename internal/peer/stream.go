package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the part of *webrtc.TrackRemote the stream assembly needs.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

var _ RemoteTrack = (*webrtc.TrackRemote)(nil)

// RemoteStream groups the inbound tracks of one remote media stream. Tracks
// that arrive after the stream was surfaced are appended to it.
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []RemoteTrack
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

// ID identifies the stream. Streams synthesized from detached tracks get an
// id derived from the remote peer.
func (s *RemoteStream) ID() string {
	return s.id
}

// Tracks returns a snapshot of the stream's tracks.
func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Track returns the stream's track of the given kind, or nil.
func (s *RemoteStream) Track(kind webrtc.RTPCodecType) RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// add appends t unless a track with the same id is already present.
func (s *RemoteStream) add(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tracks {
		if existing.ID() == t.ID() {
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

// setKind keeps at most one track per kind; a newer track replaces the old one.
func (s *RemoteStream) setKind(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing.Kind() == t.Kind() {
			s.tracks[i] = t
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

// assemblyState is the per-peer stream assembly state.
type assemblyState int

const (
	awaitingTracks assemblyState = iota
	havePartial
	streamReady
)

func (s assemblyState) String() string {
	switch s {
	case awaitingTracks:
		return "awaiting-tracks"
	case havePartial:
		return "have-partial"
	case streamReady:
		return "stream-ready"
	}
	return "unknown"
}

// reassembler turns inbound tracks into streams. Tracks carrying a stream id
// are grouped under it and surfaced with their first track. Detached tracks
// are collected by kind into one synthesized stream, surfaced once the
// connection is up or right after the remote answer is applied. onReady runs
// at most once per stream id.
type reassembler struct {
	onReady func(*RemoteStream)

	mu        sync.Mutex
	state     assemblyState
	bundled   map[string]*RemoteStream
	loose     *RemoteStream
	looseID   string
	connected bool
	surfaced  map[string]bool
}

func newReassembler(remoteID string, onReady func(*RemoteStream)) *reassembler {
	return &reassembler{
		onReady:  onReady,
		bundled:  make(map[string]*RemoteStream),
		looseID:  "peer-" + remoteID,
		surfaced: make(map[string]bool),
	}
}

// detached reports whether a track arrived without a usable stream id.
// Browsers use "-" for tracks added without a stream.
func detached(streamID string) bool {
	return streamID == "" || streamID == "-"
}

func (r *reassembler) addTrack(t RemoteTrack) {
	r.mu.Lock()
	var ready *RemoteStream
	if id := t.StreamID(); !detached(id) {
		stream, ok := r.bundled[id]
		if !ok {
			stream = newRemoteStream(id)
			r.bundled[id] = stream
		}
		stream.add(t)
		if !r.surfaced[id] {
			r.surfaced[id] = true
			ready = stream
		}
	} else {
		if r.loose == nil {
			r.loose = newRemoteStream(r.looseID)
		}
		r.loose.setKind(t)
		if r.state == awaitingTracks {
			r.state = havePartial
		}
		if r.connected {
			ready = r.promoteLooseLocked()
		}
	}
	if ready != nil {
		r.state = streamReady
	}
	r.mu.Unlock()

	r.fire(ready)
}

// negotiated is called after a remote answer has been applied.
func (r *reassembler) negotiated() {
	r.mu.Lock()
	ready := r.promoteLooseLocked()
	r.mu.Unlock()
	r.fire(ready)
}

// markConnected is called when the peer connection reaches connected.
func (r *reassembler) markConnected() {
	r.mu.Lock()
	r.connected = true
	ready := r.promoteLooseLocked()
	r.mu.Unlock()
	r.fire(ready)
}

func (r *reassembler) promoteLooseLocked() *RemoteStream {
	if r.loose == nil || r.surfaced[r.looseID] {
		return nil
	}
	r.surfaced[r.looseID] = true
	r.state = streamReady
	return r.loose
}

func (r *reassembler) currentState() assemblyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *reassembler) fire(stream *RemoteStream) {
	if stream != nil && r.onReady != nil {
		r.onReady(stream)
	}
}
