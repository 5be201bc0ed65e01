package peer

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id       string
	streamID string
	kind     webrtc.RTPCodecType
}

func (f fakeTrack) ID() string                { return f.id }
func (f fakeTrack) StreamID() string          { return f.streamID }
func (f fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }

type streamRecorder struct {
	mu      sync.Mutex
	streams []*RemoteStream
}

func (r *streamRecorder) record(s *RemoteStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, s)
}

func (r *streamRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func TestReassemblerBundledStreamFiresOnce(t *testing.T) {
	rec := &streamRecorder{}
	r := newReassembler("bob", rec.record)

	r.addTrack(fakeTrack{id: "a1", streamID: "s1", kind: webrtc.RTPCodecTypeAudio})
	r.addTrack(fakeTrack{id: "v1", streamID: "s1", kind: webrtc.RTPCodecTypeVideo})
	r.addTrack(fakeTrack{id: "v1", streamID: "s1", kind: webrtc.RTPCodecTypeVideo})
	r.markConnected()

	require.Equal(t, 1, rec.count())
	stream := rec.streams[0]
	assert.Equal(t, "s1", stream.ID())
	assert.Len(t, stream.Tracks(), 2, "later track is appended to the surfaced stream")
	assert.Equal(t, streamReady, r.currentState())
}

func TestReassemblerDistinctStreamsEachFire(t *testing.T) {
	rec := &streamRecorder{}
	r := newReassembler("bob", rec.record)

	r.addTrack(fakeTrack{id: "a1", streamID: "s1", kind: webrtc.RTPCodecTypeAudio})
	r.addTrack(fakeTrack{id: "a2", streamID: "s2", kind: webrtc.RTPCodecTypeAudio})

	assert.Equal(t, 2, rec.count())
}

func TestReassemblerDetachedTracksWaitForConnected(t *testing.T) {
	rec := &streamRecorder{}
	r := newReassembler("bob", rec.record)

	r.addTrack(fakeTrack{id: "a1", streamID: "", kind: webrtc.RTPCodecTypeAudio})
	r.addTrack(fakeTrack{id: "v1", streamID: "-", kind: webrtc.RTPCodecTypeVideo})
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, havePartial, r.currentState())

	r.markConnected()
	require.Equal(t, 1, rec.count())
	stream := rec.streams[0]
	assert.Equal(t, "peer-bob", stream.ID())
	assert.NotNil(t, stream.Track(webrtc.RTPCodecTypeAudio))
	assert.NotNil(t, stream.Track(webrtc.RTPCodecTypeVideo))

	r.negotiated()
	r.markConnected()
	assert.Equal(t, 1, rec.count())
}

func TestReassemblerDetachedTrackAfterConnectedFiresImmediately(t *testing.T) {
	rec := &streamRecorder{}
	r := newReassembler("bob", rec.record)

	r.markConnected()
	assert.Equal(t, awaitingTracks, r.currentState())

	r.addTrack(fakeTrack{id: "v1", kind: webrtc.RTPCodecTypeVideo})
	require.Equal(t, 1, rec.count())

	r.addTrack(fakeTrack{id: "a1", kind: webrtc.RTPCodecTypeAudio})
	assert.Equal(t, 1, rec.count())
	assert.Len(t, rec.streams[0].Tracks(), 2)
}

func TestReassemblerNegotiatedSurfacesEarlyTracks(t *testing.T) {
	rec := &streamRecorder{}
	r := newReassembler("bob", rec.record)

	r.negotiated()
	assert.Equal(t, 0, rec.count(), "nothing to surface yet")

	r.addTrack(fakeTrack{id: "a1", kind: webrtc.RTPCodecTypeAudio})
	assert.Equal(t, 0, rec.count())

	r.negotiated()
	assert.Equal(t, 1, rec.count())
}

func TestRemoteStreamSetKindReplaces(t *testing.T) {
	s := newRemoteStream("x")
	s.setKind(fakeTrack{id: "a1", kind: webrtc.RTPCodecTypeAudio})
	s.setKind(fakeTrack{id: "a2", kind: webrtc.RTPCodecTypeAudio})

	require.Len(t, s.Tracks(), 1)
	assert.Equal(t, "a2", s.Track(webrtc.RTPCodecTypeAudio).ID())
	assert.Nil(t, s.Track(webrtc.RTPCodecTypeVideo))
}
