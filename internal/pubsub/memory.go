package pubsub

import (
	"context"
	"sync"

	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// DefaultBuffer is the per-subscription queue length of the memory bus.
const DefaultBuffer = 100

// MemoryBus is an in-process Bus. Slow subscribers lose messages.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
	buffer int
	logger logpkg.Logger
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger logpkg.Logger) *MemoryBus {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &MemoryBus{subs: make(map[string][]*memorySub), buffer: DefaultBuffer, logger: logger}
}

type memorySub struct {
	bus      *MemoryBus
	channels []string
	ch       chan Message
	once     sync.Once
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.bus.remove(s)
	return nil
}

// Publish delivers payload to current subscribers of channel.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	msg := Message{Channel: channel, Payload: payload}
	for _, s := range b.subs[channel] {
		select {
		case s.ch <- msg:
		default:
			b.logger.Warn("event dropped: subscriber buffer full", logpkg.Str("channel", channel))
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{bus: b, channels: channels, ch: make(chan Message, b.buffer)}
	for _, c := range channels {
		b.subs[c] = append(b.subs[c], s)
	}
	return s, nil
}

func (b *MemoryBus) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range s.channels {
		subs := b.subs[c]
		for i, sub := range subs {
			if sub == s {
				b.subs[c] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[c]) == 0 {
			delete(b.subs, c)
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	seen := map[*memorySub]struct{}{}
	for _, subs := range b.subs {
		for _, s := range subs {
			seen[s] = struct{}{}
		}
	}
	b.subs = map[string][]*memorySub{}
	b.mu.Unlock()
	for s := range seen {
		s.once.Do(func() { close(s.ch) })
	}
	return nil
}
