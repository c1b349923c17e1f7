package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"quiz-arena/internal/domain"
)

// Broadcaster fans events out across instances over Redis Pub/Sub.
// Delivery is at-most-once; subscribers that fall behind lose their oldest events.
type Broadcaster struct {
	client *redis.Client
	buffer int
}

func NewBroadcaster(client *redis.Client) *Broadcaster {
	return &Broadcaster{client: client, buffer: 32}
}

func (b *Broadcaster) Publish(ctx context.Context, topic string, ev domain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.client.Publish(ctx, topic, raw).Err()
}

// Subscribe returns once the subscription is confirmed by the server, so events
// published after it returns are delivered.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan domain.Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan domain.Event, b.buffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable event")
				continue
			}
			select {
			case out <- ev:
			default:
				select {
				case <-out:
				default:
				}
				out <- ev
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	return out, cancel, nil
}
