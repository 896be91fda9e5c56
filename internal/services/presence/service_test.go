package presencesvc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/pubsub"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

type published struct {
	topic   string
	payload any
}

type recorder struct {
	mu  sync.Mutex
	got []published
	ch  chan published
}

func newRecorder() *recorder { return &recorder{ch: make(chan published, 64)} }

func (r *recorder) Publish(topic string, payload any) int {
	r.mu.Lock()
	r.got = append(r.got, published{topic, payload})
	r.mu.Unlock()
	r.ch <- published{topic, payload}
	return 1
}

func (r *recorder) next(t *testing.T) published {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fan-out")
	}
	return published{}
}

func newService(t *testing.T, ch Channels) (*Service, *recorder) {
	t.Helper()
	bus := pubsub.NewMemoryBus(logpkg.NewNopLogger())
	t.Cleanup(func() { _ = bus.Close() })
	rec := newRecorder()
	svc := NewWithLogger(bus, rec, ch, logpkg.NewNopLogger())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return svc, rec
}

func TestJoinForwardsParticipantsAndCount(t *testing.T) {
	svc, rec := newService(t, Channels{})
	ev := chat.PresenceEvent{Kind: chat.PresenceJoin, RoomID: 7, UserID: 3, UserName: "kim", ActiveCount: 2}
	if err := svc.Announce(context.Background(), ev); err != nil {
		t.Fatalf("announce: %v", err)
	}
	first := rec.next(t)
	if first.topic != chat.ParticipantsTopic(7) {
		t.Fatalf("first topic = %q", first.topic)
	}
	got, ok := first.payload.(chat.PresenceEvent)
	if !ok || got.UserID != 3 || got.Kind != chat.PresenceJoin || got.Timestamp.IsZero() {
		t.Fatalf("unexpected participants payload %#v", first.payload)
	}
	second := rec.next(t)
	if second.topic != chat.CountTopic(7) {
		t.Fatalf("second topic = %q", second.topic)
	}
	if cf, ok := second.payload.(chat.CountFrame); !ok || cf.Count != 2 || cf.RoomID != 7 {
		t.Fatalf("unexpected count payload %#v", second.payload)
	}
}

func TestTypingGoesToTypingTopic(t *testing.T) {
	svc, rec := newService(t, Channels{})
	if err := svc.PublishTyping(context.Background(), 4, 9, "", true); err != nil {
		t.Fatalf("typing: %v", err)
	}
	p := rec.next(t)
	if p.topic != chat.TypingTopic(4) {
		t.Fatalf("topic = %q", p.topic)
	}
	tf, ok := p.payload.(chat.TypingFrame)
	if !ok || !tf.Typing || tf.UserName != "User_9" {
		t.Fatalf("unexpected typing payload %#v", p.payload)
	}
}

func TestUnifiedChannel(t *testing.T) {
	svc, rec := newService(t, Channels{Unified: true})
	if got := svc.Channels().For(chat.PresenceLeave); got != "chatroom" {
		t.Fatalf("unified channel = %q", got)
	}
	ev := chat.PresenceEvent{Kind: chat.PresenceNotice, RoomID: 1, Message: "maintenance at noon"}
	if err := svc.Announce(context.Background(), ev); err != nil {
		t.Fatalf("announce: %v", err)
	}
	p := rec.next(t)
	if p.topic != chat.ParticipantsTopic(1) {
		t.Fatalf("topic = %q", p.topic)
	}
}

func TestInvalidEventsAreRejectedAndDropped(t *testing.T) {
	bus := pubsub.NewMemoryBus(logpkg.NewNopLogger())
	t.Cleanup(func() { _ = bus.Close() })
	rec := newRecorder()
	svc := NewWithLogger(bus, rec, Channels{}, logpkg.NewNopLogger())
	if err := svc.Announce(context.Background(), chat.PresenceEvent{Kind: chat.PresenceJoin}); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()
	ctx := context.Background()
	_ = bus.Publish(ctx, "chat:join", []byte("not json"))
	_ = bus.Publish(ctx, "chat:join", []byte(`{"kind":"JOIN","roomId":0}`))
	_ = bus.Publish(ctx, "chat:join", []byte(`{"kind":"JOIN","roomId":2,"userId":5,"activeCount":1}`))
	if p := rec.next(t); p.topic != chat.ParticipantsTopic(2) {
		t.Fatalf("expected only the valid event, got %q", p.topic)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	svc, _ := newService(t, Channels{})
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

type revokingRecorder struct {
	*recorder
	revoked [][2]int64
}

func (r *revokingRecorder) RevokeRoom(userID, roomID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, [2]int64{userID, roomID})
	return 1
}

func TestLeaveRevokesRoomSubscriptions(t *testing.T) {
	rec := &revokingRecorder{recorder: newRecorder()}
	bus := pubsub.NewMemoryBus(logpkg.NewNopLogger())
	t.Cleanup(func() { _ = bus.Close() })
	svc := NewWithLogger(bus, rec, Channels{}, logpkg.NewNopLogger())

	svc.Forward(chat.PresenceEvent{Kind: chat.PresenceJoin, RoomID: 4, UserID: 9, ActiveCount: 2})
	if len(rec.revoked) != 0 {
		t.Fatalf("join revoked subscriptions: %v", rec.revoked)
	}
	svc.Forward(chat.PresenceEvent{Kind: chat.PresenceLeave, RoomID: 4, UserID: 9, ActiveCount: 1})
	if len(rec.revoked) != 1 || rec.revoked[0] != [2]int64{9, 4} {
		t.Fatalf("revoked = %v", rec.revoked)
	}
	if p := rec.next(t); p.topic != chat.ParticipantsTopic(4) {
		t.Fatalf("first frame on %s", p.topic)
	}
}
