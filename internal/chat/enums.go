package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType classifies a message.
type MessageType string

const (
	TypeChat   MessageType = "CHAT"
	TypeSystem MessageType = "SYSTEM"
	TypeJoin   MessageType = "JOIN"
	TypeLeave  MessageType = "LEAVE"
)

// ParseMessageType accepts exactly the known variants (case-insensitive).
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(strings.ToUpper(strings.TrimSpace(s))) {
	case TypeChat:
		return TypeChat, nil
	case TypeSystem:
		return TypeSystem, nil
	case TypeJoin:
		return TypeJoin, nil
	case TypeLeave:
		return TypeLeave, nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// UnmarshalJSON rejects unknown variants.
func (t *MessageType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseMessageType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Status is the delivery status of a message. Statuses only move forward.
type Status string

const (
	StatusSending   Status = "SENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusFailed    Status = "FAILED"
)

// ParseStatus accepts exactly the known variants (case-insensitive).
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusSending:
		return StatusSending, nil
	case StatusSent:
		return StatusSent, nil
	case StatusDelivered:
		return StatusDelivered, nil
	case StatusRead:
		return StatusRead, nil
	case StatusFailed:
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown message status %q", s)
}

func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return 0
}

// CanAdvance reports whether a message in status s may move to next.
// FAILED is terminal and only reachable from SENDING or SENT.
func (s Status) CanAdvance(next Status) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending || s == StatusSent
	}
	return next.rank() > s.rank()
}

// Role of a participant inside a room.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleModerator Role = "MODERATOR"
	RoleMember    Role = "MEMBER"
)

// ParseRole accepts exactly the known variants (case-insensitive).
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleModerator:
		return RoleModerator, nil
	case RoleMember:
		return RoleMember, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// CanManageRoom reports whether the role may edit room info.
func (r Role) CanManageRoom() bool { return r == RoleAdmin || r == RoleModerator }

// PresenceKind classifies an ephemeral event.
type PresenceKind string

const (
	PresenceJoin   PresenceKind = "JOIN"
	PresenceLeave  PresenceKind = "LEAVE"
	PresenceTyping PresenceKind = "TYPING"
	PresenceNotice PresenceKind = "NOTICE"
)

// ParsePresenceKind accepts exactly the known variants.
func ParsePresenceKind(s string) (PresenceKind, error) {
	switch PresenceKind(strings.ToUpper(s)) {
	case PresenceJoin:
		return PresenceJoin, nil
	case PresenceLeave:
		return PresenceLeave, nil
	case PresenceTyping:
		return PresenceTyping, nil
	case PresenceNotice:
		return PresenceNotice, nil
	}
	return "", fmt.Errorf("unknown presence kind %q", s)
}
