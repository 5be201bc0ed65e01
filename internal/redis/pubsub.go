package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/mesh-signaling/internal/transport"
)

// Compile-time interface check.
var _ transport.PubSub = (*Store)(nil)

// Subscribe subscribes to channel and waits for redis to confirm it.
func (s *Store) Subscribe(ctx context.Context, channel string) (transport.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	sub := &subscription{
		pubsub:   pubsub,
		messages: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	go sub.pump(pubsub.Channel())
	return sub, nil
}

// Publish sends payload to every subscriber of channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

type subscription struct {
	pubsub   *redis.PubSub
	messages chan []byte
	closed   chan struct{}
	once     sync.Once
}

func (s *subscription) pump(in <-chan *redis.Message) {
	defer close(s.messages)
	for {
		select {
		case <-s.closed:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.messages <- []byte(msg.Payload):
			case <-s.closed:
				return
			}
		}
	}
}

func (s *subscription) Messages() <-chan []byte {
	return s.messages
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.pubsub.Close()
	})
	return err
}
