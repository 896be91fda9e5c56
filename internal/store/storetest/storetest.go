// Package storetest is the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/store"
)

// Factory opens an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run exercises a backend.
func Run(t *testing.T, open Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Users", testUsers},
		{"CreateRoom", testCreateRoom},
		{"MembershipStates", testMembership},
		{"CapacityUnderConcurrency", testCapacity},
		{"RoleAndInfo", testRoleAndInfo},
		{"ListRooms", testListRooms},
		{"IdempotentSave", testIdempotentSave},
		{"MessageOrderAndPaging", testPaging},
		{"StatusForwardOnly", testStatus},
		{"LastMessageCAS", testLastMessage},
		{"MarkRead", testMarkRead},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) { c.fn(t, open(t)) })
	}
}

var ctx = context.Background()

func seedUsers(t *testing.T, s store.Store, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if _, err := s.PutUser(ctx, chat.User{ID: id, Name: chat.DisplayName(id, "")}); err != nil {
			t.Fatalf("put user %d: %v", id, err)
		}
	}
}

func seedRoom(t *testing.T, s store.Store, creator int64, maxParticipants *int) chat.Room {
	t.Helper()
	r, _, err := s.CreateRoom(ctx, chat.Room{Name: "general", MaxParticipants: maxParticipants}, creator)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return r
}

func intp(v int) *int { return &v }

func testUsers(t *testing.T, s store.Store) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if _, err := s.PutUser(ctx, chat.User{ID: 7, Name: "ann", CreatedAt: created}); err != nil {
		t.Fatalf("put: %v", err)
	}
	u, err := s.PutUser(ctx, chat.User{ID: 7, Name: "anna"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !u.CreatedAt.Equal(created) {
		t.Fatalf("created at changed on update: %v", u.CreatedAt)
	}
	got, err := s.GetUser(ctx, 7)
	if err != nil || got.Name != "anna" {
		t.Fatalf("get: %+v %v", got, err)
	}
	if _, err := s.GetUser(ctx, 8); !errors.Is(err, chat.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
}

func testCreateRoom(t *testing.T, s store.Store) {
	if _, _, err := s.CreateRoom(ctx, chat.Room{Name: "x"}, 99); !errors.Is(err, chat.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound for unknown creator, got %v", err)
	}
	seedUsers(t, s, 1)
	r, p, err := s.CreateRoom(ctx, chat.Room{Name: "general", Description: "d", MaxParticipants: intp(5)}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.ID == 0 || r.CreatedBy != 1 || r.CreatedAt.IsZero() {
		t.Fatalf("room not filled in: %+v", r)
	}
	if p.Role != chat.RoleAdmin || !p.Active || p.RoomID != r.ID || p.UserID != 1 {
		t.Fatalf("creator membership wrong: %+v", p)
	}
	got, err := s.GetRoom(ctx, r.ID)
	if err != nil || got.Name != "general" || got.MaxParticipants == nil || *got.MaxParticipants != 5 {
		t.Fatalf("get room: %+v %v", got, err)
	}
	if _, err := s.GetRoom(ctx, r.ID+100); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("want ErrRoomNotFound, got %v", err)
	}
}

func testMembership(t *testing.T, s store.Store) {
	seedUsers(t, s, 1, 2)
	r := seedRoom(t, s, 1, nil)
	t0 := time.Now().UTC().Add(-time.Hour)

	p, kind, err := s.Join(ctx, r.ID, 2, t0)
	if err != nil || kind != store.Joined || !p.Active || p.Role != chat.RoleMember {
		t.Fatalf("join: %+v %v %v", p, kind, err)
	}
	if _, kind, _ := s.Join(ctx, r.ID, 2, t0); kind != store.AlreadyActive {
		t.Fatalf("second join should be a no-op, got %v", kind)
	}
	left, err := s.Leave(ctx, r.ID, 2, t0.Add(time.Minute))
	if err != nil || left.Active || left.LeftAt == nil {
		t.Fatalf("leave: %+v %v", left, err)
	}
	var nam *chat.NotAMemberError
	if _, err := s.Leave(ctx, r.ID, 2, t0); !errors.As(err, &nam) {
		t.Fatalf("leaving twice: want NotAMemberError, got %v", err)
	}
	back, kind, err := s.Join(ctx, r.ID, 2, t0.Add(2*time.Minute))
	if err != nil || kind != store.Rejoined || !back.Active || back.LeftAt != nil || back.ID != p.ID {
		t.Fatalf("rejoin must reuse the row: %+v %v %v", back, kind, err)
	}
	if !back.JoinedAt.After(p.JoinedAt) {
		t.Fatalf("rejoin did not reset joined-at")
	}
	all, _ := s.ListParticipants(ctx, r.ID, false)
	if len(all) != 2 {
		t.Fatalf("want 2 participant rows, got %d", len(all))
	}
	if _, _, err := s.Join(ctx, r.ID, 404, t0); !errors.Is(err, chat.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
	if _, _, err := s.Join(ctx, r.ID+50, 2, t0); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("want ErrRoomNotFound, got %v", err)
	}
}

func testCapacity(t *testing.T, s store.Store) {
	const capacity = 4
	users := []int64{1}
	for i := int64(2); i <= capacity+5; i++ {
		users = append(users, i)
	}
	seedUsers(t, s, users...)
	r := seedRoom(t, s, 1, intp(capacity))

	var wg sync.WaitGroup
	var mu sync.Mutex
	joined, full := 0, 0
	for _, u := range users[1:] {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			_, _, err := s.Join(ctx, r.ID, u, time.Now())
			mu.Lock()
			defer mu.Unlock()
			var ce *chat.CapacityError
			switch {
			case err == nil:
				joined++
			case errors.As(err, &ce):
				full++
			default:
				t.Errorf("join %d: %v", u, err)
			}
		}(u)
	}
	wg.Wait()
	if joined != capacity-1 || full != 5 {
		t.Fatalf("want %d joins and 5 rejections, got %d and %d", capacity-1, joined, full)
	}
	n, err := s.CountActive(ctx, r.ID)
	if err != nil || n != capacity {
		t.Fatalf("active count %d (%v), want %d", n, err, capacity)
	}
}

func testRoleAndInfo(t *testing.T, s store.Store) {
	seedUsers(t, s, 1, 2)
	r := seedRoom(t, s, 1, nil)
	_, _, _ = s.Join(ctx, r.ID, 2, time.Now())
	p, err := s.SetRole(ctx, r.ID, 2, chat.RoleModerator)
	if err != nil || p.Role != chat.RoleModerator {
		t.Fatalf("set role: %+v %v", p, err)
	}
	got, _ := s.GetParticipant(ctx, r.ID, 2)
	if got.Role != chat.RoleModerator {
		t.Fatalf("role not stored: %+v", got)
	}
	if _, err := s.SetRole(ctx, r.ID, 3, chat.RoleAdmin); !errors.Is(err, chat.ErrParticipantNotFound) {
		t.Fatalf("want ErrParticipantNotFound, got %v", err)
	}
	room, err := s.UpdateRoomInfo(ctx, r.ID, "renamed", "about")
	if err != nil || room.Name != "renamed" || room.Description != "about" {
		t.Fatalf("update info: %+v %v", room, err)
	}
	room, _ = s.UpdateRoomInfo(ctx, r.ID, "", "again")
	if room.Name != "renamed" || room.Description != "again" {
		t.Fatalf("empty name must keep the old one: %+v", room)
	}
}

func testListRooms(t *testing.T, s store.Store) {
	seedUsers(t, s, 1, 2)
	pub := seedRoom(t, s, 1, nil)
	priv, _, err := s.CreateRoom(ctx, chat.Room{Name: "secret", Private: true}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rooms, err := s.ListRooms(ctx)
	if err != nil || len(rooms) != 1 || rooms[0].ID != pub.ID {
		t.Fatalf("public rooms: %+v %v", rooms, err)
	}
	_, _, _ = s.Join(ctx, priv.ID, 2, time.Now())
	_, _, _ = s.Join(ctx, pub.ID, 2, time.Now())
	_, _ = s.Leave(ctx, pub.ID, 2, time.Now())
	mine, err := s.ListRoomsForUser(ctx, 2)
	if err != nil || len(mine) != 1 || mine[0].ID != priv.ID {
		t.Fatalf("user rooms: %+v %v", mine, err)
	}
	if all, _ := s.ListRoomsForUser(ctx, 1); len(all) != 2 {
		t.Fatalf("creator should see both rooms, got %d", len(all))
	}
}

func newMessage(room, sender int64, content, origin string) chat.Message {
	return chat.Message{
		RoomID: room, SenderID: sender, SenderName: chat.DisplayName(sender, ""),
		Content: content, Type: chat.TypeChat, Status: chat.StatusSent,
		CreatedAt: time.Now().UTC(), OriginStreamID: origin,
	}
}

func testIdempotentSave(t *testing.T, s store.Store) {
	seedUsers(t, s, 1)
	r := seedRoom(t, s, 1, nil)
	first, created, err := s.SaveMessage(ctx, newMessage(r.ID, 1, "hi", "1700000000000-0"))
	if err != nil || !created || first.ID == 0 {
		t.Fatalf("save: %+v %v %v", first, created, err)
	}
	again, created, err := s.SaveMessage(ctx, newMessage(r.ID, 1, "hi", "1700000000000-0"))
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("redelivery created a row: %+v %v %v", again, created, err)
	}
	msgs, _ := s.ListMessages(ctx, r.ID, 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("want 1 message, got %d", len(msgs))
	}
}

func testPaging(t *testing.T, s store.Store) {
	seedUsers(t, s, 1)
	r := seedRoom(t, s, 1, nil)
	other := seedRoom(t, s, 1, nil)
	var ids []int64
	for i, c := range []string{"a", "b", "c", "d", "e"} {
		m, _, err := s.SaveMessage(ctx, newMessage(r.ID, 1, c, "1-"+string(rune('0'+i))))
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, m.ID)
	}
	_, _, _ = s.SaveMessage(ctx, newMessage(other.ID, 1, "elsewhere", "2-0"))
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("message ids out of order: %v", ids)
		}
	}
	page, err := s.ListMessages(ctx, r.ID, 0, 2)
	if err != nil || len(page) != 2 || page[0].Content != "e" || page[1].Content != "d" {
		t.Fatalf("first page: %+v %v", page, err)
	}
	page, _ = s.ListMessages(ctx, r.ID, 4, 2)
	if len(page) != 1 || page[0].Content != "a" {
		t.Fatalf("last page: %+v", page)
	}
	if _, err := s.GetMessage(ctx, 9999); !errors.Is(err, chat.ErrMessageNotFound) {
		t.Fatalf("want ErrMessageNotFound, got %v", err)
	}
}

func testStatus(t *testing.T, s store.Store) {
	seedUsers(t, s, 1)
	r := seedRoom(t, s, 1, nil)
	m, _, _ := s.SaveMessage(ctx, newMessage(r.ID, 1, "x", "5-5"))
	now := time.Now().UTC()
	got, ok, err := s.AdvanceStatus(ctx, m.ID, chat.StatusDelivered, now)
	if err != nil || !ok || got.Status != chat.StatusDelivered {
		t.Fatalf("advance: %+v %v %v", got, ok, err)
	}
	got, ok, _ = s.AdvanceStatus(ctx, m.ID, chat.StatusSent, now)
	if ok || got.Status != chat.StatusDelivered {
		t.Fatalf("status regressed: %+v", got)
	}
	got, ok, _ = s.AdvanceStatus(ctx, m.ID, chat.StatusRead, now)
	if !ok || got.ReadAt == nil {
		t.Fatalf("read must set read_at: %+v", got)
	}
	stored, _ := s.GetMessage(ctx, m.ID)
	if stored.Status != chat.StatusRead || stored.ReadAt == nil {
		t.Fatalf("status not stored: %+v", stored)
	}
}

func testLastMessage(t *testing.T, s store.Store) {
	seedUsers(t, s, 1)
	r := seedRoom(t, s, 1, nil)
	at := time.Now().UTC()
	if ok, err := s.UpdateLastMessage(ctx, r.ID, 5, "five", at); err != nil || !ok {
		t.Fatalf("update: %v %v", ok, err)
	}
	if ok, _ := s.UpdateLastMessage(ctx, r.ID, 3, "three", at); ok {
		t.Fatalf("older message overwrote the cache")
	}
	if ok, _ := s.UpdateLastMessage(ctx, r.ID, 6, "six", at); !ok {
		t.Fatalf("newer message rejected")
	}
	got, _ := s.GetRoom(ctx, r.ID)
	if got.LastMessage != "six" || got.LastMessageID != 6 || got.LastMessageAt == nil {
		t.Fatalf("unexpected cache: %+v", got)
	}
}

func testMarkRead(t *testing.T, s store.Store) {
	seedUsers(t, s, 1, 2, 3)
	r := seedRoom(t, s, 1, nil)
	_, _, _ = s.Join(ctx, r.ID, 2, time.Now())
	p, err := s.MarkRead(ctx, r.ID, 2, 10, time.Now())
	if err != nil || p.LastReadMessageID != 10 || p.LastReadAt == nil {
		t.Fatalf("mark read: %+v %v", p, err)
	}
	p, _ = s.MarkRead(ctx, r.ID, 2, 4, time.Now())
	if p.LastReadMessageID != 10 {
		t.Fatalf("read marker moved back: %+v", p)
	}
	var nam *chat.NotAMemberError
	if _, err := s.MarkRead(ctx, r.ID, 3, 10, time.Now()); !errors.As(err, &nam) {
		t.Fatalf("want NotAMemberError, got %v", err)
	}
}
