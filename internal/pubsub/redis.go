package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/izp1012/meloncity/internal/chat"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// RedisBus is a Bus on Redis Pub/Sub, shared by every node using the same server.
type RedisBus struct {
	rdb    redis.UniversalClient
	logger logpkg.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedisBus wraps rdb. Closing the bus does not close rdb.
func NewRedisBus(rdb redis.UniversalClient, logger logpkg.Logger) *RedisBus {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &RedisBus{rdb: rdb, logger: logger, subs: map[*redisSub]struct{}{}}
}

// Publish implements Bus. A publish with no subscribers succeeds.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return chat.Fatal("publish", err)
		}
		return chat.Transient("publish", err)
	}
	return nil
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type redisSub struct {
	bus  *RedisBus
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}

func (s *redisSub) pump() {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

// Subscribe implements Bus. It waits for the server to confirm the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, chat.Transient("subscribe", err)
	}
	s := &redisSub{bus: b, ps: ps, ch: make(chan Message, DefaultBuffer), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.pump()
	b.logger.Debug("subscribed", logpkg.Any("channels", channels))
	return s, nil
}

// Close ends every open subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}
