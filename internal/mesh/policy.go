package mesh

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// ReconnectPolicy decides when a session tears down and recreates the
// connection to a peer that stopped working.
type ReconnectPolicy struct {
	// FailedGrace is the wait before recreating a failed connection.
	FailedGrace time.Duration
	// DisconnectedGrace gives a disconnected connection time to heal on its own.
	DisconnectedGrace time.Duration
	// MaxAttempts bounds consecutive recreations; reaching connected resets the count.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the production policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		FailedGrace:       5 * time.Second,
		DisconnectedGrace: 15 * time.Second,
		MaxAttempts:       3,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p.FailedGrace <= 0 {
		p.FailedGrace = d.FailedGrace
	}
	if p.DisconnectedGrace <= 0 {
		p.DisconnectedGrace = d.DisconnectedGrace
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Delay returns how long to wait before recreating a connection in state
// after attempts consecutive recreations, and false when no recreation is due.
func (p ReconnectPolicy) Delay(state webrtc.PeerConnectionState, attempts int) (time.Duration, bool) {
	if attempts >= p.MaxAttempts {
		return 0, false
	}
	switch state {
	case webrtc.PeerConnectionStateFailed:
		return p.FailedGrace, true
	case webrtc.PeerConnectionStateDisconnected:
		return p.DisconnectedGrace, true
	}
	return 0, false
}
