package chat

import (
	"errors"
	"time"
)

// MessageFrame is what subscribers of a room topic receive for each processed
// stream entry. Clients de-duplicate on StreamID or TempID.
type MessageFrame struct {
	ID         int64       `json:"id,omitempty"`
	RoomID     int64       `json:"roomId"`
	SenderID   int64       `json:"senderId"`
	SenderName string      `json:"senderName"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	StreamID   string      `json:"streamId"`
	TempID     string      `json:"tempId,omitempty"`
}

// NewMessageFrame builds the broadcast payload for an entry; id is zero for
// entries that were not persisted.
func NewMessageFrame(streamID string, m StreamMessage, id int64) MessageFrame {
	return MessageFrame{
		ID:         id,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Type:       m.Type,
		Status:     m.Status,
		Timestamp:  m.Timestamp,
		StreamID:   streamID,
		TempID:     m.TempID,
	}
}

// Frame types for private session queues.
const (
	FrameError             = "ERROR"
	FrameConnectionSuccess = "CONNECTION_SUCCESS"
)

// SessionFrame is delivered to a session's error or connect queue.
type SessionFrame struct {
	Type      string `json:"type"`
	RoomID    int64  `json:"roomId,omitempty"`
	Message   string `json:"message"`
	Rule      string `json:"rule,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame converts err into the typed error frame.
func ErrorFrame(roomID int64, err error, now time.Time) SessionFrame {
	f := SessionFrame{Type: FrameError, RoomID: roomID, Message: err.Error(), Timestamp: now.UnixMilli()}
	var ve *ValidationError
	if errors.As(err, &ve) {
		f.Rule = ve.Rule
	}
	return f
}

// ConnectFrame acknowledges a room connect.
func ConnectFrame(roomID int64, msg string, now time.Time) SessionFrame {
	return SessionFrame{Type: FrameConnectionSuccess, RoomID: roomID, Message: msg, Timestamp: now.UnixMilli()}
}

// PresenceEvent is the ephemeral event carried by the pub/sub bus.
type PresenceEvent struct {
	Kind        PresenceKind `json:"kind"`
	RoomID      int64        `json:"roomId"`
	UserID      int64        `json:"userId,omitempty"`
	UserName    string       `json:"userName,omitempty"`
	Typing      bool         `json:"typing,omitempty"`
	Message     string       `json:"message,omitempty"`
	ActiveCount int          `json:"activeCount,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Validate checks the fields required by Kind.
func (e PresenceEvent) Validate() error {
	if _, err := ParsePresenceKind(string(e.Kind)); err != nil {
		return err
	}
	if e.RoomID <= 0 {
		return errors.New("presence event without room")
	}
	if e.Kind != PresenceNotice && e.UserID <= 0 {
		return errors.New("presence event without user")
	}
	return nil
}

// TypingFrame is delivered on a room's typing topic.
type TypingFrame struct {
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	Typing   bool   `json:"typing"`
}

// CountFrame is delivered on a room's count topic.
type CountFrame struct {
	RoomID int64 `json:"roomId"`
	Count  int   `json:"count"`
}
