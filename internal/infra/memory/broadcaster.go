package memory

import (
	"context"
	"sync"

	"quiz-arena/internal/domain"
)

// Broadcaster is an in-process app.Broadcaster. Slow subscribers lose their oldest
// undelivered event rather than blocking publishers.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[chan domain.Event]struct{}
	buffer int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{topics: make(map[string]map[chan domain.Event]struct{}), buffer: 32}
}

func (b *Broadcaster) Publish(_ context.Context, topic string, ev domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.topics[topic] {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return nil
}

func (b *Broadcaster) Subscribe(_ context.Context, topic string) (<-chan domain.Event, func(), error) {
	ch := make(chan domain.Event, b.buffer)
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[chan domain.Event]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.topics[topic], ch)
			if len(b.topics[topic]) == 0 {
				delete(b.topics, topic)
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}
