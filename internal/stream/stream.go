package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrClosed is wrapped in a fatal infra error once a Log is closed.
var ErrClosed = errors.New("stream: closed")

// ErrNoGroup is returned when a consumer group does not exist.
var ErrNoGroup = errors.New("stream: no such consumer group")

// ID is a server-assigned entry id of the form "<ms>-<seq>".
type ID string

// ZeroID starts a pending-list walk and marks its end.
const ZeroID ID = "0-0"

// Parts splits id into its numeric halves. A bare number parses as "<n>-0".
func (id ID) Parts() (ms, seq uint64, err error) {
	s := string(id)
	msPart, seqPart, found := strings.Cut(s, "-")
	if ms, err = strconv.ParseUint(msPart, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q", s)
	}
	if !found {
		return ms, 0, nil
	}
	if seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid stream id %q", s)
	}
	return ms, seq, nil
}

// FormatID builds an id from its parts.
func FormatID(ms, seq uint64) ID {
	return ID(strconv.FormatUint(ms, 10) + "-" + strconv.FormatUint(seq, 10))
}

// CompareIDs orders ids numerically. Unparseable ids sort first.
func CompareIDs(a, b ID) int {
	am, as, aerr := a.Parts()
	bm, bs, berr := b.Parts()
	switch {
	case aerr != nil && berr != nil:
		return strings.Compare(string(a), string(b))
	case aerr != nil:
		return -1
	case berr != nil:
		return 1
	case am != bm:
		if am < bm {
			return -1
		}
		return 1
	case as != bs:
		if as < bs {
			return -1
		}
		return 1
	}
	return 0
}

// Fields is the flat field map of an entry.
type Fields map[string]string

// Entry is one delivered log entry.
type Entry struct {
	ID     ID
	Fields Fields
	// Deliveries counts how many times the entry was handed out in its group.
	// Zero when the backend cannot tell.
	Deliveries int64
	// Err is set when the stored entry could not be decoded. Fields is empty.
	Err error
}

// PendingSummary aggregates a group's pending-entry list.
type PendingSummary struct {
	Count     int64            `json:"count"`
	Oldest    ID               `json:"oldest,omitempty"`
	Newest    ID               `json:"newest,omitempty"`
	Consumers map[string]int64 `json:"consumers"`
}

// GroupInfo describes one consumer group.
type GroupInfo struct {
	Name          string `json:"name"`
	Consumers     int64  `json:"consumers"`
	Pending       int64  `json:"pending"`
	LastDelivered ID     `json:"lastDeliveredId"`
}

// Info describes the stream.
type Info struct {
	Stream string      `json:"stream"`
	Length int64       `json:"length"`
	Groups []GroupInfo `json:"groups"`
}

// DeadLetter is an entry moved aside after it could not be processed.
type DeadLetter struct {
	ID         ID     `json:"id"`
	Origin     ID     `json:"origin"`
	Fields     Fields `json:"fields"`
	Reason     string `json:"reason"`
	Deliveries int64  `json:"deliveries"`
	AtMs       int64  `json:"atMs"`
}

// Log is a durable append-only stream with consumer groups.
//
// Errors are classified with the chat infra taxonomy: backends return
// *chat.TransientInfraError for retryable failures and *chat.FatalInfraError
// once the backend is stopped. Context cancellation is returned unwrapped.
type Log interface {
	// Append adds an entry and returns its id once durable.
	Append(ctx context.Context, fields Fields) (ID, error)
	// EnsureGroup creates group positioned at the start of the log. An
	// existing group is not an error.
	EnsureGroup(ctx context.Context, group string) error
	// ReadGroup delivers up to count new entries to consumer, waiting up to
	// block when none are available. Delivered entries stay pending until Ack.
	ReadGroup(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Entry, error)
	// Claim transfers pending entries idle for at least minIdle to consumer,
	// walking the pending list from start. It returns the cursor to resume
	// from; ZeroID means the walk is complete.
	Claim(ctx context.Context, group, consumer string, minIdle time.Duration, start ID, count int) ([]Entry, ID, error)
	// Ack removes ids from the pending list and returns how many were pending.
	Ack(ctx context.Context, group string, ids ...ID) (int64, error)
	PendingSummary(ctx context.Context, group string) (PendingSummary, error)
	Info(ctx context.Context) (Info, error)
	// DeadLetter records e on the group's dead-letter log.
	DeadLetter(ctx context.Context, group string, e Entry, reason string) (ID, error)
	// DeadLetters lists the newest dead letters of group.
	DeadLetters(ctx context.Context, group string, limit int) ([]DeadLetter, error)
	Close() error
}

// DeadLetterName is the dead-letter log name for a stream and group.
func DeadLetterName(stream, group string) string {
	return stream + ":dlq:" + group
}
