// Package presencesvc publishes ephemeral room events (join, leave, typing,
// notices) on the pub/sub bus and forwards what arrives on the bus to the
// local fan-out, so every node's sessions see events raised on any node.
package presencesvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/pubsub"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Channels names the bus channels per event kind. When Unified is set every
// event goes to UnifiedChannel instead.
type Channels struct {
	Join           string
	Leave          string
	Notification   string
	Typing         string
	UnifiedChannel string
	Unified        bool
}

// DefaultChannels returns the stock channel names.
func DefaultChannels() Channels {
	return Channels{
		Join:           "chat:join",
		Leave:          "chat:leave",
		Notification:   "chat:notification",
		Typing:         "chat:typing",
		UnifiedChannel: "chatroom",
	}
}

func (c Channels) withDefaults() Channels {
	d := DefaultChannels()
	if c.Join == "" {
		c.Join = d.Join
	}
	if c.Leave == "" {
		c.Leave = d.Leave
	}
	if c.Notification == "" {
		c.Notification = d.Notification
	}
	if c.Typing == "" {
		c.Typing = d.Typing
	}
	if c.UnifiedChannel == "" {
		c.UnifiedChannel = d.UnifiedChannel
	}
	return c
}

// For returns the channel an event of kind is published on.
func (c Channels) For(kind chat.PresenceKind) string {
	if c.Unified {
		return c.UnifiedChannel
	}
	switch kind {
	case chat.PresenceJoin:
		return c.Join
	case chat.PresenceLeave:
		return c.Leave
	case chat.PresenceTyping:
		return c.Typing
	}
	return c.Notification
}

// all lists the distinct channels the forwarder listens on.
func (c Channels) all() []string {
	if c.Unified {
		return []string{c.UnifiedChannel}
	}
	seen := make(map[string]bool, 4)
	var out []string
	for _, ch := range []string{c.Join, c.Leave, c.Notification, c.Typing} {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	return out
}

// Service publishes presence events and forwards bus traffic to fan-out.
type Service struct {
	bus      pubsub.Bus
	fanout   chat.Broadcaster
	channels Channels
	logger   logpkg.Logger
	now      func() time.Time

	mu   sync.Mutex
	sub  pubsub.Subscription
	done chan struct{}
}

// New returns a Service using a default logger.
func New(bus pubsub.Bus, fanout chat.Broadcaster, channels Channels) *Service {
	return NewWithLogger(bus, fanout, channels, logpkg.NewLogger().With(logpkg.Component("presence")))
}

// NewWithLogger returns a Service that logs through logger.
func NewWithLogger(bus pubsub.Bus, fanout chat.Broadcaster, channels Channels, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Service{
		bus:      bus,
		fanout:   fanout,
		channels: channels.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Channels returns the effective channel names.
func (s *Service) Channels() Channels { return s.channels }

// Announce publishes ev on the bus. A zero timestamp is stamped with now.
func (s *Service) Announce(ctx context.Context, ev chat.PresenceEvent) error {
	if err := ev.Validate(); err != nil {
		return chat.Invalid("presence.invalid", "%v", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode presence event: %w", err)
	}
	ch := s.channels.For(ev.Kind)
	if err := s.bus.Publish(ctx, ch, payload); err != nil {
		return fmt.Errorf("publish %s: %w", ch, err)
	}
	s.logger.Debug("presence.publish",
		logpkg.Str("channel", ch),
		logpkg.Str("kind", string(ev.Kind)),
		logpkg.Int64("room_id", ev.RoomID),
		logpkg.Int64("user_id", ev.UserID))
	return nil
}

// PublishTyping announces that a user started or stopped typing.
func (s *Service) PublishTyping(ctx context.Context, roomID, userID int64, userName string, typing bool) error {
	return s.Announce(ctx, chat.PresenceEvent{
		Kind:     chat.PresenceTyping,
		RoomID:   roomID,
		UserID:   userID,
		UserName: chat.DisplayName(userID, userName),
		Typing:   typing,
	})
}

// Start subscribes to every presence channel and forwards events until Stop
// is called or the subscription ends.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.New("presence forwarder already started")
	}
	sub, err := s.bus.Subscribe(ctx, s.channels.all()...)
	if err != nil {
		return fmt.Errorf("subscribe presence channels: %w", err)
	}
	s.sub = sub
	s.done = make(chan struct{})
	go s.forwardLoop(sub, s.done)
	s.logger.Info("presence.started", logpkg.Any("channels", s.channels.all()))
	return nil
}

// Stop ends the forwarder and waits for it to drain.
func (s *Service) Stop() error {
	s.mu.Lock()
	sub, done := s.sub, s.done
	s.sub, s.done = nil, nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-done
	return err
}

func (s *Service) forwardLoop(sub pubsub.Subscription, done chan struct{}) {
	defer close(done)
	for msg := range sub.C() {
		var ev chat.PresenceEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.logger.Warn("presence.decode_failed", logpkg.Str("channel", msg.Channel), logpkg.Err(err))
			continue
		}
		if err := ev.Validate(); err != nil {
			s.logger.Warn("presence.invalid_event", logpkg.Str("channel", msg.Channel), logpkg.Err(err))
			continue
		}
		s.Forward(ev)
	}
}

// Forward delivers ev to the local fan-out and returns the number of
// sessions reached.
func (s *Service) Forward(ev chat.PresenceEvent) int {
	switch ev.Kind {
	case chat.PresenceTyping:
		return s.fanout.Publish(chat.TypingTopic(ev.RoomID), chat.TypingFrame{
			UserID:   ev.UserID,
			UserName: chat.DisplayName(ev.UserID, ev.UserName),
			Typing:   ev.Typing,
		})
	case chat.PresenceJoin, chat.PresenceLeave:
		n := s.fanout.Publish(chat.ParticipantsTopic(ev.RoomID), ev)
		s.fanout.Publish(chat.CountTopic(ev.RoomID), chat.CountFrame{RoomID: ev.RoomID, Count: ev.ActiveCount})
		if r, ok := s.fanout.(chat.RoomRevoker); ok && ev.Kind == chat.PresenceLeave {
			r.RevokeRoom(ev.UserID, ev.RoomID)
		}
		return n
	default:
		return s.fanout.Publish(chat.ParticipantsTopic(ev.RoomID), ev)
	}
}
