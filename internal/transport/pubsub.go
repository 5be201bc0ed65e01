package transport

import (
	"context"
	"sync"
)

// PubSub is an unordered, at-most-once broadcast channel. Every subscriber of
// a channel receives every payload published to it, including its own.
type PubSub interface {
	// Subscribe returns once the subscription is active, or fails when ctx ends first.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscription is an active channel subscription.
type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan []byte
	// Close ends the subscription. Closing twice is not an error.
	Close() error
}

// ChannelName is the pub/sub channel carrying a room's signals.
func ChannelName(roomID string) string {
	return "room:" + roomID + ":signals"
}

// Compile-time interface check.
var _ PubSub = (*MemoryPubSub)(nil)

// MemoryPubSub is an in-process PubSub. Several Broadcast transports sharing
// one MemoryPubSub can signal each other without a redis server.
type MemoryPubSub struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryPubSub creates an empty in-process PubSub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[*memorySubscription]struct{})}
}

func (p *MemoryPubSub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		owner:    p,
		channel:  channel,
		messages: make(chan []byte, 256),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[channel] == nil {
		p.subs[channel] = make(map[*memorySubscription]struct{})
	}
	p.subs[channel][sub] = struct{}{}
	return sub, nil
}

// Publish hands payload to every current subscriber. A subscriber whose queue
// is full misses the message.
func (p *MemoryPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs[channel] {
		msg := make([]byte, len(payload))
		copy(msg, payload)
		select {
		case sub.messages <- msg:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of active subscriptions on channel.
func (p *MemoryPubSub) Subscribers(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[channel])
}

type memorySubscription struct {
	owner    *MemoryPubSub
	channel  string
	messages chan []byte
	once     sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs[s.channel], s)
		if len(s.owner.subs[s.channel]) == 0 {
			delete(s.owner.subs, s.channel)
		}
		s.owner.mu.Unlock()
		close(s.messages)
	})
	return nil
}
