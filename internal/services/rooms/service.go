// Package roomsvc implements room management and membership on top of a
// store.Store. Membership changes are announced as presence events carrying
// the room's new active participant count.
package roomsvc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/store"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Announcer publishes presence events. presencesvc.Service implements it.
type Announcer interface {
	Announce(ctx context.Context, ev chat.PresenceEvent) error
}

// CreateRoomInput describes a new room.
type CreateRoomInput struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	MaxParticipants *int   `json:"maxParticipants,omitempty"`
	Private         bool   `json:"private"`
	CreatorID       int64  `json:"-"`
}

// Service provides room operations.
type Service struct {
	store    store.Store
	presence Announcer
	sessions chat.RoomRevoker
	logger   logpkg.Logger
	now      func() time.Time
}

// New returns a Service using a default logger. presence may be nil, in
// which case membership changes are not announced.
func New(st store.Store, presence Announcer) *Service {
	return NewWithLogger(st, presence, logpkg.NewLogger().With(logpkg.Component("rooms")))
}

// NewWithLogger returns a Service that logs through logger.
func NewWithLogger(st store.Store, presence Announcer, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Service{store: st, presence: presence, logger: logger, now: time.Now}
}

// WithSessions makes Leave drop the leaver's live room subscriptions on
// this node. Other nodes revoke when the LEAVE event reaches them.
func (s *Service) WithSessions(r chat.RoomRevoker) *Service {
	s.sessions = r
	return s
}

// PutUser registers or renames a user in the directory.
func (s *Service) PutUser(ctx context.Context, id int64, name string) (chat.User, error) {
	if id <= 0 {
		return chat.User{}, chat.Invalid("user_id.invalid", "user id %d", id)
	}
	return s.store.PutUser(ctx, chat.User{ID: id, Name: strings.TrimSpace(name), CreatedAt: s.now().UTC()})
}

// GetUser looks a user up.
func (s *Service) GetUser(ctx context.Context, id int64) (chat.User, error) {
	return s.store.GetUser(ctx, id)
}

// CreateRoom stores a room; the creator becomes its active ADMIN.
func (s *Service) CreateRoom(ctx context.Context, in CreateRoomInput) (chat.Room, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return chat.Room{}, chat.Invalid("room.name_empty", "room name is required")
	}
	if in.MaxParticipants != nil && *in.MaxParticipants < 1 {
		return chat.Room{}, chat.Invalid("room.max_participants", "max participants must be at least 1, got %d", *in.MaxParticipants)
	}
	creator, err := s.store.GetUser(ctx, in.CreatorID)
	if err != nil {
		if errors.Is(err, chat.ErrUserNotFound) {
			return chat.Room{}, chat.Invalid("creator.not_found", "user %d does not exist", in.CreatorID)
		}
		return chat.Room{}, err
	}
	now := s.now().UTC()
	room, _, err := s.store.CreateRoom(ctx, chat.Room{
		Name:            name,
		Description:     strings.TrimSpace(in.Description),
		MaxParticipants: in.MaxParticipants,
		Private:         in.Private,
		CreatedBy:       creator.ID,
		CreatedAt:       now,
	}, creator.ID)
	if err != nil {
		return chat.Room{}, fmt.Errorf("create room: %w", err)
	}
	s.logger.Info("room.created", logpkg.Int64("room_id", room.ID), logpkg.Int64("creator_id", creator.ID))
	s.announce(ctx, chat.PresenceEvent{
		Kind:        chat.PresenceJoin,
		RoomID:      room.ID,
		UserID:      creator.ID,
		UserName:    chat.DisplayName(creator.ID, creator.Name),
		ActiveCount: 1,
		Timestamp:   now,
	})
	return room, nil
}

// GetRoom returns a room to one of its active participants.
func (s *Service) GetRoom(ctx context.Context, roomID, userID int64) (chat.Room, error) {
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return chat.Room{}, err
	}
	if _, err := store.ActiveMember(ctx, s.store, roomID, userID); err != nil {
		return chat.Room{}, err
	}
	return room, nil
}

// ListRooms returns all public rooms.
func (s *Service) ListRooms(ctx context.Context) ([]chat.Room, error) {
	return s.store.ListRooms(ctx)
}

// ListUserRooms returns the rooms userID actively participates in.
func (s *Service) ListUserRooms(ctx context.Context, userID int64) ([]chat.Room, error) {
	return s.store.ListRoomsForUser(ctx, userID)
}

// Join makes userID an active participant. Joining a room one is already
// active in is a no-op and is not announced.
func (s *Service) Join(ctx context.Context, roomID, userID int64) (chat.Participant, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return chat.Participant{}, err
	}
	now := s.now().UTC()
	p, kind, err := s.store.Join(ctx, roomID, userID, now)
	if err != nil {
		return chat.Participant{}, err
	}
	if kind == store.AlreadyActive {
		return p, nil
	}
	s.logger.Info("room.joined",
		logpkg.Int64("room_id", roomID),
		logpkg.Int64("user_id", userID),
		logpkg.Str("kind", kind.String()))
	s.announceMembership(ctx, chat.PresenceJoin, roomID, user, now)
	return p, nil
}

// Leave deactivates userID's membership.
func (s *Service) Leave(ctx context.Context, roomID, userID int64) (chat.Participant, error) {
	now := s.now().UTC()
	p, err := s.store.Leave(ctx, roomID, userID, now)
	if err != nil {
		return chat.Participant{}, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		user = chat.User{ID: userID}
	}
	if s.sessions != nil {
		s.sessions.RevokeRoom(userID, roomID)
	}
	s.logger.Info("room.left", logpkg.Int64("room_id", roomID), logpkg.Int64("user_id", userID))
	s.announceMembership(ctx, chat.PresenceLeave, roomID, user, now)
	return p, nil
}

// ChangeRole sets target's role. The actor must be an active ADMIN.
func (s *Service) ChangeRole(ctx context.Context, roomID, actorID, targetID int64, role chat.Role) (chat.Participant, error) {
	if _, err := chat.ParseRole(string(role)); err != nil {
		return chat.Participant{}, chat.Invalid("role.invalid", "%v", err)
	}
	actor, err := store.ActiveMember(ctx, s.store, roomID, actorID)
	if err != nil {
		return chat.Participant{}, err
	}
	if actor.Role != chat.RoleAdmin {
		return chat.Participant{}, fmt.Errorf("change role in room %d: %w", roomID, chat.ErrForbidden)
	}
	p, err := s.store.SetRole(ctx, roomID, targetID, role)
	if err != nil {
		return chat.Participant{}, err
	}
	s.logger.Info("room.role_changed",
		logpkg.Int64("room_id", roomID),
		logpkg.Int64("actor_id", actorID),
		logpkg.Int64("target_id", targetID),
		logpkg.Str("role", string(role)))
	return p, nil
}

// UpdateInfo renames a room or changes its description. The actor must be
// an active ADMIN or MODERATOR. An empty name keeps the current one.
func (s *Service) UpdateInfo(ctx context.Context, roomID, actorID int64, name, description string) (chat.Room, error) {
	actor, err := store.ActiveMember(ctx, s.store, roomID, actorID)
	if err != nil {
		return chat.Room{}, err
	}
	if !actor.Role.CanManageRoom() {
		return chat.Room{}, fmt.Errorf("update room %d: %w", roomID, chat.ErrForbidden)
	}
	return s.store.UpdateRoomInfo(ctx, roomID, strings.TrimSpace(name), strings.TrimSpace(description))
}

// Notify publishes a general notification to a room's participants topic.
// The actor must be an active participant.
func (s *Service) Notify(ctx context.Context, roomID, actorID int64, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return chat.Invalid("notification.empty", "notification message is required")
	}
	if _, err := store.ActiveMember(ctx, s.store, roomID, actorID); err != nil {
		return err
	}
	if s.presence == nil {
		return nil
	}
	return s.presence.Announce(ctx, chat.PresenceEvent{
		Kind:      chat.PresenceNotice,
		RoomID:    roomID,
		UserID:    actorID,
		Message:   message,
		Timestamp: s.now().UTC(),
	})
}

// Participants lists the active participants of a room for one of them.
func (s *Service) Participants(ctx context.Context, roomID, userID int64) ([]chat.Participant, error) {
	if _, err := store.ActiveMember(ctx, s.store, roomID, userID); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, roomID, true)
}

// CanSubscribe reports whether userID may listen to a room's topics.
func (s *Service) CanSubscribe(ctx context.Context, roomID, userID int64) error {
	_, err := store.ActiveMember(ctx, s.store, roomID, userID)
	return err
}

func (s *Service) announceMembership(ctx context.Context, kind chat.PresenceKind, roomID int64, user chat.User, now time.Time) {
	count, err := s.store.CountActive(ctx, roomID)
	if err != nil {
		s.logger.Warn("room.count_failed", logpkg.Int64("room_id", roomID), logpkg.Err(err))
		return
	}
	s.announce(ctx, chat.PresenceEvent{
		Kind:        kind,
		RoomID:      roomID,
		UserID:      user.ID,
		UserName:    chat.DisplayName(user.ID, user.Name),
		ActiveCount: count,
		Timestamp:   now,
	})
}

// announce is best effort: the membership change is already committed.
func (s *Service) announce(ctx context.Context, ev chat.PresenceEvent) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Announce(ctx, ev); err != nil {
		s.logger.Warn("room.announce_failed",
			logpkg.Str("kind", string(ev.Kind)),
			logpkg.Int64("room_id", ev.RoomID),
			logpkg.Err(err))
	}
}
