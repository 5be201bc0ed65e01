// Package transport delivers negotiation signals between the peers of a room.
//
// Two implementations share the Transport interface: Broadcast publishes every
// signal on a room-wide pub/sub channel and filters on receipt, Relay talks to
// the relay server, which routes each signal to its recipient only.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

var (
	ErrConnectFailed = errors.New("signaling connect failed")
	ErrSendFailed    = errors.New("signal send failed")
	ErrNotConnected  = errors.New("signaling transport not connected")
	ErrClosed        = errors.New("signaling transport disconnected")
)

// Handler receives signals addressed to this peer.
type Handler func(models.Signal)

// Transport is one peer's signaling channel for one room.
type Transport interface {
	// Connect joins the room. Concurrent calls share one join attempt.
	Connect(ctx context.Context, onSignal Handler) error
	SendSignal(ctx context.Context, sig models.Signal) error
	SendOffer(ctx context.Context, to string, offer webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, to string, answer webrtc.SessionDescription) error
	SendIceCandidate(ctx context.Context, to string, candidate webrtc.ICECandidateInit) error
	// Disconnect leaves the room. It is safe to call at any time, any number of times.
	Disconnect()
	Connected() bool
	PeerID() string
	RoomID() string
}

// Options holds the retry and buffering parameters of both transports.
type Options struct {
	// ConnectAttempts bounds subscribe (or dial and join) attempts.
	ConnectAttempts int
	// ConnectBackoff is the delay before the second attempt; it doubles after that.
	ConnectBackoff time.Duration
	// SubscribeTimeout fails an attempt that has not completed in time.
	SubscribeTimeout time.Duration
	SendAttempts     int
	SendRetryDelay   time.Duration
	// BufferWindow is how long after connecting the broadcast transport holds
	// and reorders inbound signals.
	BufferWindow time.Duration
	// FlushDebounce flushes the buffer once no signal has arrived for this long.
	FlushDebounce time.Duration
	// JoinTimeout bounds the wait for the relay's room-joined acknowledgement.
	JoinTimeout time.Duration
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ConnectAttempts:  4,
		ConnectBackoff:   time.Second,
		SubscribeTimeout: 15 * time.Second,
		SendAttempts:     3,
		SendRetryDelay:   500 * time.Millisecond,
		BufferWindow:     6 * time.Second,
		FlushDebounce:    time.Second,
		JoinTimeout:      10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = d.ConnectAttempts
	}
	if o.ConnectBackoff <= 0 {
		o.ConnectBackoff = d.ConnectBackoff
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = d.SubscribeTimeout
	}
	if o.SendAttempts <= 0 {
		o.SendAttempts = d.SendAttempts
	}
	if o.SendRetryDelay <= 0 {
		o.SendRetryDelay = d.SendRetryDelay
	}
	if o.BufferWindow <= 0 {
		o.BufferWindow = d.BufferWindow
	}
	if o.FlushDebounce <= 0 {
		o.FlushDebounce = d.FlushDebounce
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = d.JoinTimeout
	}
	return o
}

// backoffDelay returns the wait before retry number n (n >= 1): base, 2*base, 4*base...
func backoffDelay(base time.Duration, n int) time.Duration {
	if n < 1 {
		return 0
	}
	return base << (n - 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sendWithRetry retries send a fixed number of times with a fixed delay.
func sendWithRetry(ctx context.Context, opts Options, logger zerolog.Logger, send func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= opts.SendAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, opts.SendRetryDelay); err != nil {
				return fmt.Errorf("%w: %v", ErrSendFailed, err)
			}
		}
		if lastErr = send(ctx); lastErr == nil {
			return nil
		}
		logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("signal send failed")
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrSendFailed, opts.SendAttempts, lastErr)
}

// NewSignal builds a signal carrying payload as its JSON data.
func NewSignal(kind models.SignalType, from, to, roomID string, payload interface{}) (models.Signal, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.Signal{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return models.Signal{Type: kind, From: from, To: to, Data: data, RoomID: roomID}, nil
}

// DecodeSessionDescription extracts the SDP of an offer or answer signal.
func DecodeSessionDescription(sig models.Signal) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sig.Data, &desc); err != nil {
		return desc, fmt.Errorf("failed to decode %s: %w", sig.Type, err)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%s from %s has no sdp", sig.Type, sig.From)
	}
	return desc, nil
}

// DecodeICECandidate extracts the candidate of an ice-candidate signal.
func DecodeICECandidate(sig models.Signal) (webrtc.ICECandidateInit, error) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Data, &candidate); err != nil {
		return candidate, fmt.Errorf("failed to decode ice candidate: %w", err)
	}
	return candidate, nil
}

// addressedTo reports whether sig should reach peerID in roomID.
func addressedTo(sig models.Signal, roomID, peerID string) bool {
	return sig.RoomID == roomID && sig.To == peerID && sig.From != peerID
}
