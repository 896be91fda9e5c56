package chat

import (
	"strconv"
	"strings"
)

// Fan-out destinations.
const (
	topicPrefix  = "/topic/chat/"
	errorQueue   = "/queue/errors-"
	connectQueue = "/queue/connect-"
	suffixPeople = "participants"
	suffixTyping = "typing"
	suffixCount  = "count"
)

// TopicKind names the per-room topic variants.
type TopicKind int

const (
	TopicMessages TopicKind = iota + 1
	TopicParticipants
	TopicTyping
	TopicCount
)

func roomTopic(roomID int64) string { return topicPrefix + strconv.FormatInt(roomID, 10) }

// RoomTopic carries processed chat messages for a room.
func RoomTopic(roomID int64) string { return roomTopic(roomID) }

// ParticipantsTopic carries join/leave/notice events for a room.
func ParticipantsTopic(roomID int64) string { return roomTopic(roomID) + "/" + suffixPeople }

// TypingTopic carries typing indicators for a room.
func TypingTopic(roomID int64) string { return roomTopic(roomID) + "/" + suffixTyping }

// CountTopic carries the active participant count for a room.
func CountTopic(roomID int64) string { return roomTopic(roomID) + "/" + suffixCount }

// RoomDestinations lists every topic of a room.
func RoomDestinations(roomID int64) []string {
	return []string{RoomTopic(roomID), ParticipantsTopic(roomID), TypingTopic(roomID), CountTopic(roomID)}
}

// ErrorQueue is the private error destination of a session.
func ErrorQueue(sessionID string) string { return errorQueue + sessionID }

// ConnectQueue is the private connect-ack destination of a session.
func ConnectQueue(sessionID string) string { return connectQueue + sessionID }

// ParseRoomTopic splits a room topic into its room id and kind.
func ParseRoomTopic(dest string) (int64, TopicKind, bool) {
	rest, ok := strings.CutPrefix(dest, topicPrefix)
	if !ok {
		return 0, 0, false
	}
	idPart, suffix, hasSuffix := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, false
	}
	if !hasSuffix {
		return id, TopicMessages, true
	}
	switch suffix {
	case suffixPeople:
		return id, TopicParticipants, true
	case suffixTyping:
		return id, TopicTyping, true
	case suffixCount:
		return id, TopicCount, true
	}
	return 0, 0, false
}

// SessionQueueOwner returns the session a private queue belongs to.
func SessionQueueOwner(dest string) (string, bool) {
	if s, ok := strings.CutPrefix(dest, errorQueue); ok && s != "" {
		return s, true
	}
	if s, ok := strings.CutPrefix(dest, connectQueue); ok && s != "" {
		return s, true
	}
	return "", false
}

// Broadcaster delivers a payload to the local subscribers of a destination
// and reports how many sessions received it.
type Broadcaster interface {
	Publish(destination string, payload any) int
}

// RoomRevoker drops a user's subscriptions to a room's topics once the
// membership ends, returning how many subscriptions were removed.
type RoomRevoker interface {
	RevokeRoom(userID, roomID int64) int
}
