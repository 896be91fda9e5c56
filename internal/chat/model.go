package chat

import (
	"strconv"
	"time"
)

// User is the minimal identity record. Authentication happens elsewhere.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// DisplayName returns the user's name or the "User_<id>" fallback.
func DisplayName(id int64, name string) string {
	if name != "" {
		return name
	}
	return "User_" + strconv.FormatInt(id, 10)
}

// Room is a chat room. Last-message fields are a cache maintained by the
// stream consumer.
type Room struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	MaxParticipants *int       `json:"maxParticipants,omitempty"`
	Private         bool       `json:"private"`
	CreatedBy       int64      `json:"createdBy"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastMessage     string     `json:"lastMessage,omitempty"`
	LastMessageAt   *time.Time `json:"lastMessageAt,omitempty"`
	LastMessageID   int64      `json:"lastMessageId,omitempty"`
}

// Full reports whether a room with active participants can accept another one.
func (r Room) Full(active int) bool {
	return r.MaxParticipants != nil && active >= *r.MaxParticipants
}

// CapacityError builds the rejection for a full room.
func (r Room) CapacityError(active int) error {
	return &CapacityError{RoomID: r.ID, Max: *r.MaxParticipants, Active: active}
}

// Participant is the membership row of a user in a room. At most one row
// exists per (room, user); leaving deactivates it and rejoining reuses it.
type Participant struct {
	ID                int64      `json:"id"`
	RoomID            int64      `json:"roomId"`
	UserID            int64      `json:"userId"`
	Role              Role       `json:"role"`
	Active            bool       `json:"active"`
	JoinedAt          time.Time  `json:"joinedAt"`
	LeftAt            *time.Time `json:"leftAt,omitempty"`
	LastReadMessageID int64      `json:"lastReadMessageId,omitempty"`
	LastReadAt        *time.Time `json:"lastReadAt,omitempty"`
}

// NewParticipant returns an active membership.
func NewParticipant(roomID, userID int64, role Role, now time.Time) Participant {
	return Participant{RoomID: roomID, UserID: userID, Role: role, Active: true, JoinedAt: now}
}

// Rejoin reactivates an inactive membership.
func (p *Participant) Rejoin(now time.Time) {
	p.Active = true
	p.JoinedAt = now
	p.LeftAt = nil
}

// Leave deactivates the membership, keeping its history.
func (p *Participant) Leave(now time.Time) error {
	if !p.Active {
		return &NotAMemberError{RoomID: p.RoomID, UserID: p.UserID}
	}
	p.Active = false
	p.LeftAt = &now
	return nil
}

// MarkRead records a read receipt; older receipts never move the marker back.
func (p *Participant) MarkRead(messageID int64, at time.Time) {
	if messageID < p.LastReadMessageID {
		return
	}
	p.LastReadMessageID = messageID
	p.LastReadAt = &at
}

// Message is a persisted chat message.
type Message struct {
	ID             int64       `json:"id"`
	RoomID         int64       `json:"roomId"`
	SenderID       int64       `json:"senderId"`
	SenderName     string      `json:"senderName"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	OriginStreamID string      `json:"originStreamId"`
}

// Advance moves the status forward. It reports false when next would regress.
func (m *Message) Advance(next Status, at time.Time) bool {
	if !m.Status.CanAdvance(next) {
		return false
	}
	m.Status = next
	if next == StatusRead && m.ReadAt == nil {
		m.ReadAt = &at
	}
	return true
}
