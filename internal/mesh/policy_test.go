package mesh

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestReconnectPolicyDelay(t *testing.T) {
	p := DefaultReconnectPolicy()

	d, ok := p.Delay(webrtc.PeerConnectionStateFailed, 0)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	d, ok = p.Delay(webrtc.PeerConnectionStateDisconnected, 2)
	assert.True(t, ok)
	assert.Equal(t, 15*time.Second, d)

	_, ok = p.Delay(webrtc.PeerConnectionStateFailed, 3)
	assert.False(t, ok, "attempts exhausted")

	for _, state := range []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateNew,
		webrtc.PeerConnectionStateConnecting,
		webrtc.PeerConnectionStateConnected,
		webrtc.PeerConnectionStateClosed,
	} {
		_, ok := p.Delay(state, 0)
		assert.False(t, ok, state.String())
	}
}

func TestReconnectPolicyDefaults(t *testing.T) {
	p := ReconnectPolicy{FailedGrace: time.Second}.withDefaults()
	assert.Equal(t, time.Second, p.FailedGrace)
	assert.Equal(t, 15*time.Second, p.DisconnectedGrace)
	assert.Equal(t, 3, p.MaxAttempts)
}
