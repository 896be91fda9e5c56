package messagesvc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
	"github.com/izp1012/meloncity/internal/store"
	"github.com/izp1012/meloncity/internal/store/kvstore"
	"github.com/izp1012/meloncity/internal/stream"
	"github.com/izp1012/meloncity/internal/stream/pebblestream"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

type fixture struct {
	svc  *Service
	st   store.Store
	log  stream.Log
	room chat.Room
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st, err := kvstore.Open(db, "test")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	l, err := pebblestream.Open(db, pebblestream.Options{Namespace: "test", Stream: "chat-stream"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	ctx := context.Background()
	for id, name := range map[int64]string{1: "alice", 2: "", 3: "carol"} {
		if _, err := st.PutUser(ctx, chat.User{ID: id, Name: name}); err != nil {
			t.Fatalf("put user: %v", err)
		}
	}
	room, _, err := st.CreateRoom(ctx, chat.Room{Name: "general", CreatedBy: 1}, 1)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, _, err := st.Join(ctx, room.ID, 2, time.Now()); err != nil {
		t.Fatalf("join: %v", err)
	}
	return fixture{svc: NewWithLogger(st, l, opts, logpkg.NewNopLogger()), st: st, log: l, room: room}
}

func (f fixture) seed(t *testing.T, n int) []chat.Message {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	out := make([]chat.Message, 0, n)
	for i := 0; i < n; i++ {
		sender := int64(1 + i%2)
		m, _, err := f.st.SaveMessage(context.Background(), chat.Message{
			RoomID:         f.room.ID,
			SenderID:       sender,
			SenderName:     chat.DisplayName(sender, ""),
			Content:        fmt.Sprintf("message %d", i),
			Type:           chat.TypeChat,
			Status:         chat.StatusSent,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
			OriginStreamID: fmt.Sprintf("%d-0", 1000+i),
		})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func ruleOf(err error) string {
	var ve *chat.ValidationError
	if errors.As(err, &ve) {
		return ve.Rule
	}
	return ""
}

func TestSendAppendsWithDefaults(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	res, err := f.svc.Send(ctx, Envelope{RoomID: f.room.ID, SenderID: 2, Content: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.StreamID == "" || res.TempID == "" {
		t.Fatalf("missing ids: %+v", res)
	}
	if err := f.log.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	es, err := f.log.ReadGroup(ctx, "g", "c", 10, 0)
	if err != nil || len(es) != 1 {
		t.Fatalf("read = %d entries, %v", len(es), err)
	}
	if es[0].ID != res.StreamID {
		t.Fatalf("entry id %s, want %s", es[0].ID, res.StreamID)
	}
	m, err := chat.DecodeEntry(string(es[0].ID), es[0].Fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != chat.TypeChat || m.Status != chat.StatusSent || m.SenderName != "User_2" || m.TempID != res.TempID {
		t.Fatalf("unexpected entry %+v", m)
	}
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	cases := []struct {
		env  Envelope
		rule string
	}{
		{Envelope{RoomID: 0, SenderID: 1, Content: "x"}, "room_id.invalid"},
		{Envelope{RoomID: f.room.ID, SenderID: -1, Content: "x"}, "sender_id.invalid"},
		{Envelope{RoomID: f.room.ID, SenderID: 1, Content: "   "}, "content.empty"},
		{Envelope{RoomID: f.room.ID, SenderID: 1, Content: strings.Repeat("가", 1001)}, "content.too_long"},
		{Envelope{RoomID: f.room.ID, SenderID: 1, Content: "$$$$$$$$$$ free"}, "content.spam"},
		{Envelope{RoomID: f.room.ID, SenderID: 1, Content: "x", Type: "SHOUT"}, "type.invalid"},
		{Envelope{RoomID: 999, SenderID: 1, Content: "x"}, "room.not_found"},
		{Envelope{RoomID: f.room.ID, SenderID: 42, Content: "x"}, "sender.not_found"},
		{Envelope{RoomID: f.room.ID, SenderID: 3, Content: "x"}, "sender.not_member"},
	}
	for _, tc := range cases {
		_, err := f.svc.Send(ctx, tc.env)
		if got := ruleOf(err); got != tc.rule {
			t.Fatalf("Send(%+v) rule = %q (%v), want %q", tc.env, got, err, tc.rule)
		}
	}
	info, err := f.log.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Length != 0 {
		t.Fatalf("rejected sends reached the stream: %d entries", info.Length)
	}
}

func TestSendAcceptsExactLimit(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.svc.Send(context.Background(), Envelope{RoomID: f.room.ID, SenderID: 1, Content: strings.Repeat("a", 1000)}); err != nil {
		t.Fatalf("1000 characters should be accepted: %v", err)
	}
}

func TestHistoryPagesNewestFirst(t *testing.T) {
	f := newFixture(t, Options{PageSize: 2})
	msgs := f.seed(t, 5)
	ctx := context.Background()

	p0, err := f.svc.History(ctx, f.room.ID, 1, 0, 0, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if p0.Size != 2 || len(p0.Messages) != 2 || p0.Messages[0].ID != msgs[4].ID || p0.Messages[1].ID != msgs[3].ID {
		t.Fatalf("page 0 = %+v", p0)
	}
	p2, err := f.svc.History(ctx, f.room.ID, 1, 2, 2, "")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(p2.Messages) != 1 || p2.Messages[0].ID != msgs[0].ID {
		t.Fatalf("page 2 = %+v", p2)
	}
	p9, err := f.svc.History(ctx, f.room.ID, 1, 9, 2, "")
	if err != nil || len(p9.Messages) != 0 {
		t.Fatalf("past the end = %+v, %v", p9, err)
	}
	if _, err := f.svc.History(ctx, f.room.ID, 3, 0, 2, ""); ruleOf(err) != "sender.not_member" {
		t.Fatalf("stranger history = %v", err)
	}
}

func TestHistoryRejectsOverflowingPage(t *testing.T) {
	f := newFixture(t, Options{PageSize: 2})
	f.seed(t, 3)
	ctx := context.Background()

	for _, page := range []int{math.MaxInt, math.MaxInt / 2, maxOffset/2 + 1} {
		if _, err := f.svc.History(ctx, f.room.ID, 1, page, 2, ""); ruleOf(err) != "page.invalid" {
			t.Fatalf("page %d = %v", page, err)
		}
	}
	if _, err := f.svc.History(ctx, f.room.ID, 1, math.MaxInt, 2, "message.sender_id == 2"); ruleOf(err) != "page.invalid" {
		t.Fatalf("filtered overflow = %v", err)
	}
	last, err := f.svc.History(ctx, f.room.ID, 1, maxOffset/2, 2, "")
	if err != nil || len(last.Messages) != 0 {
		t.Fatalf("largest page = %+v, %v", last, err)
	}
}

func TestHistoryFilter(t *testing.T) {
	f := newFixture(t, Options{})
	msgs := f.seed(t, 6)
	ctx := context.Background()

	page, err := f.svc.History(ctx, f.room.ID, 1, 0, 10, `message.sender_id == 2`)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("filtered = %d, want 3", len(page.Messages))
	}
	for _, m := range page.Messages {
		if m.SenderID != 2 {
			t.Fatalf("filter let through %+v", m)
		}
	}

	page, err = f.svc.History(ctx, f.room.ID, 1, 1, 1, `message.content.contains("message") && message.created_at_ms > 0`)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != msgs[4].ID {
		t.Fatalf("filtered page 1 = %+v", page.Messages)
	}

	if _, err := f.svc.History(ctx, f.room.ID, 1, 0, 10, `message.content +`); ruleOf(err) != "filter.invalid" {
		t.Fatalf("bad filter = %v", err)
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, Options{})
	msgs := f.seed(t, 2)
	ctx := context.Background()

	m, err := f.svc.MarkRead(ctx, f.room.ID, 2, msgs[1].ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if m.Status != chat.StatusRead || m.ReadAt == nil {
		t.Fatalf("message not read: %+v", m)
	}
	p, err := f.st.GetParticipant(ctx, f.room.ID, 2)
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if p.LastReadMessageID != msgs[1].ID || p.LastReadAt == nil {
		t.Fatalf("read marker not moved: %+v", p)
	}
	if _, err := f.svc.MarkRead(ctx, f.room.ID, 2, 999); !errors.Is(err, chat.ErrMessageNotFound) {
		t.Fatalf("missing message = %v", err)
	}
	if _, err := f.svc.MarkRead(ctx, f.room.ID, 3, msgs[0].ID); ruleOf(err) != "sender.not_member" {
		t.Fatalf("stranger mark read = %v", err)
	}
}
