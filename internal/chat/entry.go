package chat

import (
	"errors"
	"strconv"
	"time"
)

// Stream entry field names.
const (
	FieldRoomID      = "roomId"
	FieldSenderID    = "senderId"
	FieldSenderName  = "senderName"
	FieldContent     = "content"
	FieldType        = "type"
	FieldStatus      = "status"
	FieldTimestamp   = "timestamp"
	FieldTempID      = "tempId"
	FieldPlaceholder = "initializer"
)

// localTimeLayout accepts zone-less ISO timestamps written by older producers.
const localTimeLayout = "2006-01-02T15:04:05.999999999"

var errMissing = errors.New("missing")

// StreamMessage is the typed view of one stream entry.
type StreamMessage struct {
	RoomID     int64
	SenderID   int64
	SenderName string
	Content    string
	Type       MessageType
	Status     Status
	Timestamp  time.Time
	TempID     string
}

// Fields encodes m as a flat stream field map.
func (m StreamMessage) Fields() map[string]string {
	f := map[string]string{
		FieldRoomID:     strconv.FormatInt(m.RoomID, 10),
		FieldSenderID:   strconv.FormatInt(m.SenderID, 10),
		FieldSenderName: m.SenderName,
		FieldContent:    m.Content,
		FieldType:       string(m.Type),
		FieldStatus:     string(m.Status),
		FieldTimestamp:  m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if m.TempID != "" {
		f[FieldTempID] = m.TempID
	}
	return f
}

// Persistable reports whether the entry becomes a stored Message. Only
// sender-attributed CHAT entries are persisted.
func (m StreamMessage) Persistable() bool {
	return m.Type == TypeChat && m.SenderID > 0
}

// IsPlaceholder reports whether fields is the marker entry some deployments
// append when creating the stream.
func IsPlaceholder(fields map[string]string) bool {
	_, ok := fields[FieldPlaceholder]
	return ok && fields[FieldRoomID] == ""
}

// DecodeEntry validates and converts a field map. Any missing or malformed
// field yields a *PoisonEntryError.
func DecodeEntry(id string, fields map[string]string) (StreamMessage, error) {
	poison := func(field string, err error) (StreamMessage, error) {
		return StreamMessage{}, &PoisonEntryError{EntryID: id, Field: field, Err: err}
	}
	var m StreamMessage
	var err error

	if m.RoomID, err = intField(fields, FieldRoomID); err != nil {
		return poison(FieldRoomID, err)
	}
	if m.RoomID <= 0 {
		return poison(FieldRoomID, errors.New("must be positive"))
	}
	if m.SenderID, err = intField(fields, FieldSenderID); err != nil {
		return poison(FieldSenderID, err)
	}
	content, ok := fields[FieldContent]
	if !ok {
		return poison(FieldContent, errMissing)
	}
	m.Content = content

	raw, ok := fields[FieldType]
	if !ok {
		return poison(FieldType, errMissing)
	}
	if m.Type, err = ParseMessageType(raw); err != nil {
		return poison(FieldType, err)
	}

	m.Status = StatusSent
	if raw, ok := fields[FieldStatus]; ok && raw != "" {
		if m.Status, err = ParseStatus(raw); err != nil {
			return poison(FieldStatus, err)
		}
	}

	raw, ok = fields[FieldTimestamp]
	if !ok {
		return poison(FieldTimestamp, errMissing)
	}
	if m.Timestamp, err = parseTimestamp(raw); err != nil {
		return poison(FieldTimestamp, err)
	}

	m.SenderName = DisplayName(m.SenderID, fields[FieldSenderName])
	m.TempID = fields[FieldTempID]
	return m, nil
}

func intField(fields map[string]string, key string) (int64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, errMissing
	}
	return strconv.ParseInt(raw, 10, 64)
}

func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(localTimeLayout, raw, time.Local); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, errors.New("unparseable timestamp " + strconv.Quote(raw))
}
