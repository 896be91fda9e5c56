// Package store defines persistence for users, rooms, participants and
// messages. Backends live in subpackages and share the behaviour checked by
// storetest.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
)

// JoinKind tells what a Join call did.
type JoinKind int

const (
	// Joined created a new membership.
	Joined JoinKind = iota + 1
	// Rejoined reactivated an inactive membership.
	Rejoined
	// AlreadyActive means the user was already an active participant.
	AlreadyActive
)

func (k JoinKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Rejoined:
		return "rejoined"
	case AlreadyActive:
		return "already_active"
	}
	return "unknown"
}

// Store is implemented by every persistence backend.
//
// Join, Leave and SetRole on one room are serialized so the capacity check
// cannot be raced. SaveMessage is idempotent on Message.OriginStreamID.
type Store interface {
	PutUser(ctx context.Context, u chat.User) (chat.User, error)
	GetUser(ctx context.Context, id int64) (chat.User, error)

	// CreateRoom stores room and makes creatorID its active ADMIN.
	CreateRoom(ctx context.Context, room chat.Room, creatorID int64) (chat.Room, chat.Participant, error)
	GetRoom(ctx context.Context, id int64) (chat.Room, error)
	// ListRooms returns public rooms ordered by id.
	ListRooms(ctx context.Context) ([]chat.Room, error)
	// ListRoomsForUser returns the rooms userID is an active participant of.
	ListRoomsForUser(ctx context.Context, userID int64) ([]chat.Room, error)
	UpdateRoomInfo(ctx context.Context, roomID int64, name, description string) (chat.Room, error)
	// UpdateLastMessage sets the last-message cache unless a newer message id
	// is already recorded. It reports whether the update applied.
	UpdateLastMessage(ctx context.Context, roomID, messageID int64, content string, at time.Time) (bool, error)

	Join(ctx context.Context, roomID, userID int64, now time.Time) (chat.Participant, JoinKind, error)
	Leave(ctx context.Context, roomID, userID int64, now time.Time) (chat.Participant, error)
	SetRole(ctx context.Context, roomID, userID int64, role chat.Role) (chat.Participant, error)
	GetParticipant(ctx context.Context, roomID, userID int64) (chat.Participant, error)
	ListParticipants(ctx context.Context, roomID int64, activeOnly bool) ([]chat.Participant, error)
	CountActive(ctx context.Context, roomID int64) (int, error)
	MarkRead(ctx context.Context, roomID, userID, messageID int64, at time.Time) (chat.Participant, error)

	// SaveMessage inserts m unless a message with the same origin stream id
	// exists, in which case the stored one is returned with created=false.
	SaveMessage(ctx context.Context, m chat.Message) (msg chat.Message, created bool, err error)
	GetMessage(ctx context.Context, id int64) (chat.Message, error)
	// AdvanceStatus moves a message forward. Regressions are ignored and
	// reported with applied=false.
	AdvanceStatus(ctx context.Context, id int64, status chat.Status, at time.Time) (msg chat.Message, applied bool, err error)
	// ListMessages pages a room's messages newest first.
	ListMessages(ctx context.Context, roomID int64, offset, limit int) ([]chat.Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// ActiveMember returns the participant row of an active member or a
// NotAMemberError.
func ActiveMember(ctx context.Context, s Store, roomID, userID int64) (chat.Participant, error) {
	p, err := s.GetParticipant(ctx, roomID, userID)
	if errors.Is(err, chat.ErrParticipantNotFound) || (err == nil && !p.Active) {
		return chat.Participant{}, &chat.NotAMemberError{RoomID: roomID, UserID: userID}
	}
	return p, err
}
