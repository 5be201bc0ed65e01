package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

// Compile-time interface check.
var _ Transport = (*Broadcast)(nil)

// Broadcast signals over a room-wide pub/sub channel. Every member receives
// every message; Broadcast keeps only those addressed to its own peer.
//
// A remote peer may start sending the moment it sees this peer in the game,
// before the subscription here is active. Signals received during the first
// BufferWindow after connecting are therefore held and delivered per sender in
// offer, answer, candidate order. Later signals are delivered as they arrive.
type Broadcast struct {
	pubsub PubSub
	roomID string
	peerID string
	opts   Options
	logger zerolog.Logger

	connectGroup singleflight.Group

	mu            sync.Mutex
	sub           Subscription
	done          chan struct{}
	cancelConnect context.CancelFunc
	generation    uint64
}

// NewBroadcast creates a disconnected broadcast transport for peerID in roomID.
func NewBroadcast(pubsub PubSub, roomID, peerID string, opts Options, logger zerolog.Logger) *Broadcast {
	return &Broadcast{
		pubsub: pubsub,
		roomID: roomID,
		peerID: peerID,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("transport", "broadcast").Str("room", roomID).Str("peer", peerID).Logger(),
	}
}

func (b *Broadcast) PeerID() string { return b.peerID }
func (b *Broadcast) RoomID() string { return b.roomID }

// Connected reports whether the room channel subscription is active.
func (b *Broadcast) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub != nil
}

// Connect subscribes to the room channel, retrying with exponential backoff.
// Calls made while a subscribe is in flight wait for that attempt instead of
// starting another. Connecting an already connected transport is a no-op.
// A Disconnect issued after Connect was called makes it fail with ErrClosed
// and leaves no subscription behind.
func (b *Broadcast) Connect(ctx context.Context, onSignal Handler) error {
	if onSignal == nil {
		return fmt.Errorf("%w: nil signal handler", ErrConnectFailed)
	}

	b.mu.Lock()
	if b.sub != nil {
		b.mu.Unlock()
		return nil
	}
	generation := b.generation
	b.mu.Unlock()

	key := strconv.FormatUint(generation, 10)
	result := b.connectGroup.DoChan(key, func() (interface{}, error) {
		return nil, b.connect(generation, onSignal)
	})
	select {
	case res := <-result:
		if res.Err != nil {
			return res.Err
		}
		if b.disconnectedSince(generation) {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// disconnectedSince reports whether Disconnect ran after generation was read.
func (b *Broadcast) disconnectedSince(generation uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation != generation
}

func (b *Broadcast) connect(generation uint64, onSignal Handler) error {
	b.mu.Lock()
	if b.generation != generation {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.sub != nil {
		b.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancelConnect = cancel
	b.mu.Unlock()
	defer cancel()

	channel := ChannelName(b.roomID)
	var lastErr error
	for attempt := 1; attempt <= b.opts.ConnectAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(b.opts.ConnectBackoff, attempt-1)
			b.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("retrying subscribe")
			if err := sleepContext(ctx, delay); err != nil {
				return ErrClosed
			}
		}

		subscribeCtx, subscribeCancel := context.WithTimeout(ctx, b.opts.SubscribeTimeout)
		sub, err := b.pubsub.Subscribe(subscribeCtx, channel)
		subscribeCancel()
		if err != nil {
			if ctx.Err() != nil {
				return ErrClosed
			}
			lastErr = err
			b.logger.Warn().Err(err).Int("attempt", attempt).Msg("subscribe failed")
			continue
		}

		b.mu.Lock()
		if b.generation != generation {
			b.mu.Unlock()
			_ = sub.Close()
			return ErrClosed
		}
		done := make(chan struct{})
		b.sub = sub
		b.done = done
		b.cancelConnect = nil
		b.mu.Unlock()

		go b.run(sub, done, onSignal)
		b.logger.Info().Int("attempt", attempt).Msg("subscribed to room channel")
		return nil
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, b.opts.ConnectAttempts, lastErr)
}

// run owns the buffering window. All deliveries happen on this goroutine, so
// onSignal is never called concurrently.
func (b *Broadcast) run(sub Subscription, done chan struct{}, onSignal Handler) {
	window := time.NewTimer(b.opts.BufferWindow)
	defer window.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
			debounce, debounceC = nil, nil
		}
	}
	defer stopDebounce()

	buffering := true
	var pending []models.Signal
	messages := sub.Messages()

	for {
		select {
		case <-done:
			return

		case raw, ok := <-messages:
			if !ok {
				b.logger.Debug().Msg("subscription closed")
				return
			}
			sig, ok := b.accept(raw)
			if !ok {
				continue
			}
			if !buffering {
				b.deliver(done, onSignal, sig)
				continue
			}
			pending = append(pending, sig)
			stopDebounce()
			debounce = time.NewTimer(b.opts.FlushDebounce)
			debounceC = debounce.C

		case <-debounceC:
			debounce, debounceC = nil, nil
			b.deliver(done, onSignal, orderBuffered(pending)...)
			pending = nil

		case <-window.C:
			buffering = false
			stopDebounce()
			b.deliver(done, onSignal, orderBuffered(pending)...)
			pending = nil
			b.logger.Debug().Msg("buffering window closed")
		}
	}
}

// accept decodes raw and keeps it only when it is addressed to this peer and
// was not sent by it.
func (b *Broadcast) accept(raw []byte) (models.Signal, bool) {
	sig, err := models.DecodeSignal(raw)
	if err != nil {
		b.logger.Debug().Err(err).Msg("discarding malformed signal")
		return models.Signal{}, false
	}
	return sig, addressedTo(sig, b.roomID, b.peerID)
}

func (b *Broadcast) deliver(done <-chan struct{}, onSignal Handler, signals ...models.Signal) {
	for _, sig := range signals {
		select {
		case <-done:
			return
		default:
		}
		onSignal(sig)
	}
}

// SendSignal publishes sig on the room channel, retrying transient failures.
func (b *Broadcast) SendSignal(ctx context.Context, sig models.Signal) error {
	if !b.Connected() {
		return ErrNotConnected
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	channel := ChannelName(b.roomID)
	return sendWithRetry(ctx, b.opts, b.logger, func(ctx context.Context) error {
		return b.pubsub.Publish(ctx, channel, payload)
	})
}

func (b *Broadcast) SendOffer(ctx context.Context, to string, offer webrtc.SessionDescription) error {
	return b.send(ctx, models.SignalTypeOffer, to, offer)
}

func (b *Broadcast) SendAnswer(ctx context.Context, to string, answer webrtc.SessionDescription) error {
	return b.send(ctx, models.SignalTypeAnswer, to, answer)
}

func (b *Broadcast) SendIceCandidate(ctx context.Context, to string, candidate webrtc.ICECandidateInit) error {
	return b.send(ctx, models.SignalTypeICECandidate, to, candidate)
}

func (b *Broadcast) send(ctx context.Context, kind models.SignalType, to string, payload interface{}) error {
	sig, err := NewSignal(kind, b.peerID, to, b.roomID, payload)
	if err != nil {
		return err
	}
	return b.SendSignal(ctx, sig)
}

// Disconnect unsubscribes, aborts an in-flight connect and drops buffered
// signals. The transport can be connected again afterwards.
func (b *Broadcast) Disconnect() {
	b.mu.Lock()
	b.generation++
	if b.cancelConnect != nil {
		b.cancelConnect()
		b.cancelConnect = nil
	}
	sub, done := b.sub, b.done
	b.sub, b.done = nil, nil
	b.mu.Unlock()

	if done != nil {
		close(done)
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			b.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
		b.logger.Info().Msg("disconnected from room channel")
	}
}
