// Package natsbus carries session events between instances over NATS core subjects.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"quiz-arena/internal/domain"
)

// Config holds connection settings.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns reconnect-forever settings against the local server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Connect dials NATS with logging handlers installed.
func Connect(cfg Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("quiz-arena"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Broadcaster publishes events as JSON on subjects named after the topic.
// Core NATS delivery is at-most-once, which is all the leaderboard and status feeds need.
type Broadcaster struct {
	nc     *nats.Conn
	buffer int
}

func NewBroadcaster(nc *nats.Conn) *Broadcaster {
	return &Broadcaster{nc: nc, buffer: 32}
}

func (b *Broadcaster) Publish(_ context.Context, topic string, ev domain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.nc.Publish(topic, raw)
}

// Subscribe returns once the server has registered interest in topic.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan domain.Event, func(), error) {
	out := make(chan domain.Event, b.buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	sub, err := b.nc.Subscribe(topic, func(msg *nats.Msg) {
		var ev domain.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable event")
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
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
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("flush subscription %s: %w", topic, err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			close(out)
			mu.Unlock()
		})
	}
	return out, cancel, nil
}
