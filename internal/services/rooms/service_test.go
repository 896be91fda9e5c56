package roomsvc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/izp1012/meloncity/internal/chat"
	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
	"github.com/izp1012/meloncity/internal/store/kvstore"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

type announcements struct {
	mu     sync.Mutex
	events []chat.PresenceEvent
}

func (a *announcements) Announce(_ context.Context, ev chat.PresenceEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *announcements) last(t *testing.T) chat.PresenceEvent {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.events) == 0 {
		t.Fatalf("no presence events")
	}
	return a.events[len(a.events)-1]
}

func (a *announcements) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func newServiceForTest(t *testing.T) (*Service, *announcements) {
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
	ann := &announcements{}
	svc := NewWithLogger(st, ann, logpkg.NewNopLogger())
	ctx := context.Background()
	for id, name := range map[int64]string{1: "alice", 2: "bob", 3: "carol"} {
		if _, err := svc.PutUser(ctx, id, name); err != nil {
			t.Fatalf("put user %d: %v", id, err)
		}
	}
	return svc, ann
}

func createRoom(t *testing.T, svc *Service, creator int64, capacity *int) chat.Room {
	t.Helper()
	room, err := svc.CreateRoom(context.Background(), CreateRoomInput{Name: "general", MaxParticipants: capacity, CreatorID: creator})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func TestCreateRoomValidation(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()
	zero := 0
	cases := []struct {
		in   CreateRoomInput
		rule string
	}{
		{CreateRoomInput{Name: "  ", CreatorID: 1}, "room.name_empty"},
		{CreateRoomInput{Name: "x", MaxParticipants: &zero, CreatorID: 1}, "room.max_participants"},
		{CreateRoomInput{Name: "x", CreatorID: 99}, "creator.not_found"},
	}
	for _, tc := range cases {
		_, err := svc.CreateRoom(ctx, tc.in)
		var ve *chat.ValidationError
		if !errors.As(err, &ve) || ve.Rule != tc.rule {
			t.Fatalf("CreateRoom(%+v) = %v, want rule %s", tc.in, err, tc.rule)
		}
	}
}

func TestJoinLeaveAnnounceCount(t *testing.T) {
	svc, ann := newServiceForTest(t)
	ctx := context.Background()
	room := createRoom(t, svc, 1, nil)
	if ev := ann.last(t); ev.Kind != chat.PresenceJoin || ev.ActiveCount != 1 {
		t.Fatalf("creator announcement = %+v", ev)
	}

	if _, err := svc.Join(ctx, room.ID, 2); err != nil {
		t.Fatalf("join: %v", err)
	}
	ev := ann.last(t)
	if ev.Kind != chat.PresenceJoin || ev.UserID != 2 || ev.UserName != "bob" || ev.ActiveCount != 2 {
		t.Fatalf("join announcement = %+v", ev)
	}

	before := ann.count()
	if _, err := svc.Join(ctx, room.ID, 2); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if ann.count() != before {
		t.Fatalf("joining while active must not announce")
	}

	p, err := svc.Leave(ctx, room.ID, 2)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if p.Active || p.LeftAt == nil {
		t.Fatalf("participant still active after leave: %+v", p)
	}
	if ev := ann.last(t); ev.Kind != chat.PresenceLeave || ev.ActiveCount != 1 {
		t.Fatalf("leave announcement = %+v", ev)
	}

	_, err = svc.Leave(ctx, room.ID, 2)
	var nm *chat.NotAMemberError
	if !errors.As(err, &nm) {
		t.Fatalf("second leave = %v, want NotAMemberError", err)
	}
}

func TestJoinFullRoom(t *testing.T) {
	svc, _ := newServiceForTest(t)
	capacity := 2
	room := createRoom(t, svc, 1, &capacity)
	ctx := context.Background()
	if _, err := svc.Join(ctx, room.ID, 2); err != nil {
		t.Fatalf("join: %v", err)
	}
	_, err := svc.Join(ctx, room.ID, 3)
	var ce *chat.CapacityError
	if !errors.As(err, &ce) || ce.Max != 2 {
		t.Fatalf("join full room = %v", err)
	}
}

func TestGetRoomRequiresMembership(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()
	room := createRoom(t, svc, 1, nil)
	if _, err := svc.GetRoom(ctx, room.ID, 1); err != nil {
		t.Fatalf("get as member: %v", err)
	}
	_, err := svc.GetRoom(ctx, room.ID, 2)
	var ve *chat.ValidationError
	if !errors.As(err, &ve) || ve.Rule != "sender.not_member" {
		t.Fatalf("get as stranger = %v", err)
	}
	if _, err := svc.GetRoom(ctx, 999, 1); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("get missing room = %v", err)
	}
}

func TestRolesGateManagement(t *testing.T) {
	svc, _ := newServiceForTest(t)
	ctx := context.Background()
	room := createRoom(t, svc, 1, nil)
	for _, id := range []int64{2, 3} {
		if _, err := svc.Join(ctx, room.ID, id); err != nil {
			t.Fatalf("join %d: %v", id, err)
		}
	}
	if _, err := svc.ChangeRole(ctx, room.ID, 2, 3, chat.RoleModerator); !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("member changing role = %v", err)
	}
	if _, err := svc.UpdateInfo(ctx, room.ID, 3, "renamed", ""); !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("member updating info = %v", err)
	}
	p, err := svc.ChangeRole(ctx, room.ID, 1, 3, chat.RoleModerator)
	if err != nil || p.Role != chat.RoleModerator {
		t.Fatalf("admin changing role = %+v, %v", p, err)
	}
	updated, err := svc.UpdateInfo(ctx, room.ID, 3, "renamed", "new topic")
	if err != nil {
		t.Fatalf("moderator updating info: %v", err)
	}
	if updated.Name != "renamed" || updated.Description != "new topic" {
		t.Fatalf("room not updated: %+v", updated)
	}
	kept, err := svc.UpdateInfo(ctx, room.ID, 1, "", "other")
	if err != nil || kept.Name != "renamed" {
		t.Fatalf("empty name should keep the old one: %+v, %v", kept, err)
	}
	if _, err := svc.ChangeRole(ctx, room.ID, 1, 3, chat.Role("OWNER")); err == nil {
		t.Fatalf("expected invalid role error")
	}
}

func TestNotifyAndParticipants(t *testing.T) {
	svc, ann := newServiceForTest(t)
	ctx := context.Background()
	room := createRoom(t, svc, 1, nil)
	if _, err := svc.Join(ctx, room.ID, 2); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := svc.Notify(ctx, room.ID, 1, "welcome"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if ev := ann.last(t); ev.Kind != chat.PresenceNotice || ev.Message != "welcome" {
		t.Fatalf("notice = %+v", ev)
	}
	if err := svc.Notify(ctx, room.ID, 3, "hi"); err == nil {
		t.Fatalf("stranger notify should fail")
	}
	ps, err := svc.Participants(ctx, room.ID, 2)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(ps) != 2 {
		t.Fatalf("participants = %d, want 2", len(ps))
	}
	mine, err := svc.ListUserRooms(ctx, 2)
	if err != nil || len(mine) != 1 || mine[0].ID != room.ID {
		t.Fatalf("user rooms = %+v, %v", mine, err)
	}
}

type revocations struct {
	mu    sync.Mutex
	calls [][2]int64
}

func (r *revocations) RevokeRoom(userID, roomID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]int64{userID, roomID})
	return 4
}

func TestLeaveRevokesLiveSubscriptions(t *testing.T) {
	svc, _ := newServiceForTest(t)
	rev := &revocations{}
	svc.WithSessions(rev)
	ctx := context.Background()
	room := createRoom(t, svc, 1, nil)
	if _, err := svc.Join(ctx, room.ID, 2); err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(rev.calls) != 0 {
		t.Fatalf("join revoked: %v", rev.calls)
	}
	if _, err := svc.Leave(ctx, room.ID, 2); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(rev.calls) != 1 || rev.calls[0] != [2]int64{2, room.ID} {
		t.Fatalf("revocations = %v", rev.calls)
	}
	if _, err := svc.Leave(ctx, room.ID, 2); err == nil {
		t.Fatalf("second leave succeeded")
	}
	if len(rev.calls) != 1 {
		t.Fatalf("failed leave revoked again: %v", rev.calls)
	}
}
