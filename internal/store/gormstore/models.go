package gormstore

import (
	"time"

	"github.com/izp1012/meloncity/internal/chat"
)

type userRow struct {
	ID        int64 `gorm:"primaryKey;autoIncrement:false"`
	Name      string
	CreatedAt time.Time `gorm:"not null"`
}

func (userRow) TableName() string { return "users" }

type roomRow struct {
	ID              int64  `gorm:"primaryKey"`
	Name            string `gorm:"not null"`
	Description     string
	MaxParticipants *int
	Private         bool  `gorm:"not null;index"`
	CreatedBy       int64 `gorm:"not null"`
	CreatedAt       time.Time
	LastMessage     string
	LastMessageAt   *time.Time
	LastMessageID   *int64
}

func (roomRow) TableName() string { return "rooms" }

type participantRow struct {
	ID                int64     `gorm:"primaryKey"`
	RoomID            int64     `gorm:"not null;uniqueIndex:idx_participant_room_user"`
	UserID            int64     `gorm:"not null;uniqueIndex:idx_participant_room_user;index"`
	Role              string    `gorm:"not null"`
	Active            bool      `gorm:"not null;index"`
	JoinedAt          time.Time `gorm:"not null"`
	LeftAt            *time.Time
	LastReadMessageID int64
	LastReadAt        *time.Time
}

func (participantRow) TableName() string { return "chat_participants" }

type messageRow struct {
	ID             int64 `gorm:"primaryKey"`
	RoomID         int64 `gorm:"not null;index"`
	SenderID       int64 `gorm:"not null"`
	SenderName     string
	Content        string `gorm:"not null"`
	Type           string `gorm:"not null"`
	Status         string `gorm:"not null"`
	CreatedAt      time.Time
	ReadAt         *time.Time
	OriginStreamID *string `gorm:"uniqueIndex"`
}

func (messageRow) TableName() string { return "chat_messages" }

func (r userRow) toUser() chat.User {
	return chat.User{ID: r.ID, Name: r.Name, CreatedAt: r.CreatedAt.UTC()}
}

func fromRoom(r chat.Room) roomRow {
	row := roomRow{
		ID: r.ID, Name: r.Name, Description: r.Description, MaxParticipants: r.MaxParticipants,
		Private: r.Private, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt,
		LastMessage: r.LastMessage, LastMessageAt: r.LastMessageAt,
	}
	if r.LastMessageID > 0 {
		id := r.LastMessageID
		row.LastMessageID = &id
	}
	return row
}

func (r roomRow) toRoom() chat.Room {
	out := chat.Room{
		ID: r.ID, Name: r.Name, Description: r.Description, MaxParticipants: r.MaxParticipants,
		Private: r.Private, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt.UTC(),
		LastMessage: r.LastMessage, LastMessageAt: utcPtr(r.LastMessageAt),
	}
	if r.LastMessageID != nil {
		out.LastMessageID = *r.LastMessageID
	}
	return out
}

func fromParticipant(p chat.Participant) participantRow {
	return participantRow{
		ID: p.ID, RoomID: p.RoomID, UserID: p.UserID, Role: string(p.Role), Active: p.Active,
		JoinedAt: p.JoinedAt, LeftAt: p.LeftAt, LastReadMessageID: p.LastReadMessageID, LastReadAt: p.LastReadAt,
	}
}

func (r participantRow) toParticipant() chat.Participant {
	return chat.Participant{
		ID: r.ID, RoomID: r.RoomID, UserID: r.UserID, Role: chat.Role(r.Role), Active: r.Active,
		JoinedAt: r.JoinedAt.UTC(), LeftAt: utcPtr(r.LeftAt), LastReadMessageID: r.LastReadMessageID,
		LastReadAt: utcPtr(r.LastReadAt),
	}
}

func fromMessage(m chat.Message) messageRow {
	row := messageRow{
		ID: m.ID, RoomID: m.RoomID, SenderID: m.SenderID, SenderName: m.SenderName, Content: m.Content,
		Type: string(m.Type), Status: string(m.Status), CreatedAt: m.CreatedAt, ReadAt: m.ReadAt,
	}
	if m.OriginStreamID != "" {
		origin := m.OriginStreamID
		row.OriginStreamID = &origin
	}
	return row
}

func (r messageRow) toMessage() chat.Message {
	m := chat.Message{
		ID: r.ID, RoomID: r.RoomID, SenderID: r.SenderID, SenderName: r.SenderName, Content: r.Content,
		Type: chat.MessageType(r.Type), Status: chat.Status(r.Status), CreatedAt: r.CreatedAt.UTC(),
		ReadAt: utcPtr(r.ReadAt),
	}
	if r.OriginStreamID != nil {
		m.OriginStreamID = *r.OriginStreamID
	}
	return m
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
