package chat

import (
	"errors"
	"testing"
	"time"
)

func TestStatusOnlyMovesForward(t *testing.T) {
	now := time.Now()
	m := Message{Status: StatusSent}
	if !m.Advance(StatusDelivered, now) {
		t.Fatalf("SENT -> DELIVERED must be allowed")
	}
	if m.Advance(StatusSent, now) {
		t.Fatalf("DELIVERED -> SENT must be rejected")
	}
	if m.Advance(StatusFailed, now) {
		t.Fatalf("delivered messages cannot fail")
	}
	if !m.Advance(StatusRead, now) || m.ReadAt == nil {
		t.Fatalf("READ must set readAt")
	}
	if m.Advance(StatusRead, now.Add(time.Second)) {
		t.Fatalf("READ is terminal")
	}
	f := Message{Status: StatusSending}
	if !f.Advance(StatusFailed, now) || f.Advance(StatusSent, now) {
		t.Fatalf("FAILED is terminal")
	}
}

func TestParticipantLifecycle(t *testing.T) {
	t0 := time.Unix(100, 0)
	p := NewParticipant(1, 2, RoleMember, t0)
	if err := p.Leave(t0.Add(time.Minute)); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if p.Active || p.LeftAt == nil {
		t.Fatalf("leave should deactivate: %+v", p)
	}
	var nm *NotAMemberError
	if err := p.Leave(t0); !errors.As(err, &nm) {
		t.Fatalf("second leave: want NotAMemberError, got %v", err)
	}
	t1 := t0.Add(time.Hour)
	p.Rejoin(t1)
	if !p.Active || p.LeftAt != nil || !p.JoinedAt.Equal(t1) || p.Role != RoleMember {
		t.Fatalf("rejoin should reset timestamps and keep role: %+v", p)
	}
	p.MarkRead(10, t1)
	p.MarkRead(5, t1.Add(time.Second))
	if p.LastReadMessageID != 10 {
		t.Fatalf("read marker moved backwards: %d", p.LastReadMessageID)
	}
}

func TestRoomCapacity(t *testing.T) {
	r := Room{ID: 1}
	if r.Full(1000) {
		t.Fatalf("rooms without a maximum are never full")
	}
	max := 2
	r.MaxParticipants = &max
	if r.Full(1) || !r.Full(2) {
		t.Fatalf("capacity check wrong")
	}
	var ce *CapacityError
	if !errors.As(r.CapacityError(2), &ce) || ce.Max != 2 {
		t.Fatalf("unexpected capacity error")
	}
}

func TestParseEnums(t *testing.T) {
	if v, err := ParseMessageType("chat"); err != nil || v != TypeChat {
		t.Fatalf("parse type: %v %v", v, err)
	}
	if _, err := ParseRole("OWNER"); err == nil {
		t.Fatalf("unknown role must fail")
	}
	var mt MessageType
	if err := mt.UnmarshalJSON([]byte(`"STICKER"`)); err == nil {
		t.Fatalf("unknown JSON type must fail")
	}
}

func TestTopics(t *testing.T) {
	cases := map[string]TopicKind{
		RoomTopic(4):         TopicMessages,
		ParticipantsTopic(4): TopicParticipants,
		TypingTopic(4):       TopicTyping,
		CountTopic(4):        TopicCount,
	}
	for dest, kind := range cases {
		id, k, ok := ParseRoomTopic(dest)
		if !ok || id != 4 || k != kind {
			t.Fatalf("%s: got %d %v %v", dest, id, k, ok)
		}
	}
	for _, bad := range []string{"/topic/chat/", "/topic/chat/x", "/topic/chat/4/other", "/queue/errors-1"} {
		if _, _, ok := ParseRoomTopic(bad); ok {
			t.Fatalf("%s should not parse", bad)
		}
	}
	if s, ok := SessionQueueOwner(ErrorQueue("abc")); !ok || s != "abc" {
		t.Fatalf("error queue owner: %q %v", s, ok)
	}
	if _, ok := SessionQueueOwner("/queue/errors-"); ok {
		t.Fatalf("empty session must not parse")
	}
}

func TestErrorFrameCarriesRule(t *testing.T) {
	f := ErrorFrame(3, &ValidationError{Rule: "content.empty"}, time.UnixMilli(42))
	if f.Type != FrameError || f.Rule != "content.empty" || f.Timestamp != 42 || f.RoomID != 3 {
		t.Fatalf("unexpected frame: %+v", f)
	}
}
