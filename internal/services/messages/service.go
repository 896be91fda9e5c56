// Package messagesvc is the write and read side of chat messages: Send
// validates an envelope and appends it to the stream, History pages stored
// messages and MarkRead records read receipts.
package messagesvc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/store"
	"github.com/izp1012/meloncity/internal/stream"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

const (
	DefaultPageSize    = 50
	DefaultMaxPageSize = 200

	// filterScanLimit bounds the rows examined for one filtered page.
	filterScanLimit = 10000

	// maxOffset bounds page*size so the offset fits every store backend.
	maxOffset = math.MaxInt32
)

// Envelope is an inbound chat message as submitted by a client.
type Envelope struct {
	RoomID     int64  `json:"roomId"`
	SenderID   int64  `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content"`
	Type       string `json:"type,omitempty"`
	TempID     string `json:"tempId,omitempty"`
}

// SendResult identifies an accepted message.
type SendResult struct {
	StreamID  stream.ID `json:"streamId"`
	TempID    string    `json:"tempId"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryPage is one page of stored messages, newest first.
type HistoryPage struct {
	Messages []chat.Message `json:"messages"`
	Page     int            `json:"page"`
	Size     int            `json:"size"`
}

// Options tunes a Service. Zero values use defaults.
type Options struct {
	Validator   *chat.Validator
	PageSize    int
	MaxPageSize int
}

// Service implements message operations.
type Service struct {
	store     store.Store
	log       stream.Log
	validator *chat.Validator
	pageSize  int
	maxPage   int
	logger    logpkg.Logger
	now       func() time.Time
}

// New returns a Service using a default logger.
func New(st store.Store, log stream.Log, opts Options) *Service {
	return NewWithLogger(st, log, opts, logpkg.NewLogger().With(logpkg.Component("messages")))
}

// NewWithLogger returns a Service that logs through logger.
func NewWithLogger(st store.Store, log stream.Log, opts Options, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	if opts.Validator == nil {
		opts.Validator = chat.DefaultValidator()
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = DefaultMaxPageSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize > opts.MaxPageSize {
		opts.PageSize = opts.MaxPageSize
	}
	return &Service{
		store:     st,
		log:       log,
		validator: opts.Validator,
		pageSize:  opts.PageSize,
		maxPage:   opts.MaxPageSize,
		logger:    logger,
		now:       time.Now,
	}
}

// Send validates env and appends it to the chat stream. Nothing is stored
// here; the consumer persists and broadcasts the entry.
func (s *Service) Send(ctx context.Context, env Envelope) (SendResult, error) {
	if err := chat.IDs(env.RoomID, env.SenderID); err != nil {
		return SendResult{}, err
	}
	if err := s.validator.Content(env.Content); err != nil {
		return SendResult{}, err
	}
	typ := chat.TypeChat
	if strings.TrimSpace(env.Type) != "" {
		t, err := chat.ParseMessageType(env.Type)
		if err != nil {
			return SendResult{}, chat.Invalid("type.invalid", "%v", err)
		}
		typ = t
	}
	if _, err := s.store.GetRoom(ctx, env.RoomID); err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			return SendResult{}, chat.Invalid("room.not_found", "room %d does not exist", env.RoomID)
		}
		return SendResult{}, err
	}
	user, err := s.store.GetUser(ctx, env.SenderID)
	if err != nil {
		if errors.Is(err, chat.ErrUserNotFound) {
			return SendResult{}, chat.Invalid("sender.not_found", "user %d does not exist", env.SenderID)
		}
		return SendResult{}, err
	}
	if _, err := store.ActiveMember(ctx, s.store, env.RoomID, env.SenderID); err != nil {
		return SendResult{}, err
	}

	name := strings.TrimSpace(env.SenderName)
	if name == "" {
		name = chat.DisplayName(user.ID, user.Name)
	}
	tempID := env.TempID
	if tempID == "" {
		tempID = uuid.NewString()
	}
	now := s.now().UTC()
	msg := chat.StreamMessage{
		RoomID:     env.RoomID,
		SenderID:   env.SenderID,
		SenderName: name,
		Content:    env.Content,
		Type:       typ,
		Status:     chat.StatusSent,
		Timestamp:  now,
		TempID:     tempID,
	}
	start := time.Now()
	id, err := s.log.Append(ctx, msg.Fields())
	if err != nil {
		s.logger.Warn("messages.append_failed",
			logpkg.Int64("room_id", env.RoomID),
			logpkg.Int64("sender_id", env.SenderID),
			logpkg.Err(err))
		return SendResult{}, fmt.Errorf("append message: %w", err)
	}
	s.logger.Debug("messages.append",
		logpkg.Str("stream_id", string(id)),
		logpkg.Int64("room_id", env.RoomID),
		logpkg.Int64("sender_id", env.SenderID),
		logpkg.Dur("dur", time.Since(start)))
	return SendResult{StreamID: id, TempID: tempID, Timestamp: now}, nil
}

// History returns page of a room's stored messages, newest first, to one of
// its active participants. A non-empty filter is a CEL expression over
// message; it is applied before paging.
func (s *Service) History(ctx context.Context, roomID, userID int64, page, size int, filter string) (HistoryPage, error) {
	if page < 0 {
		return HistoryPage{}, chat.Invalid("page.invalid", "page %d", page)
	}
	if size <= 0 {
		size = s.pageSize
	}
	if size > s.maxPage {
		size = s.maxPage
	}
	if page > maxOffset/size {
		return HistoryPage{}, chat.Invalid("page.invalid", "page %d out of range for size %d", page, size)
	}
	f, err := newCELFilter(filter)
	if err != nil {
		return HistoryPage{}, chat.Invalid("filter.invalid", "%v", err)
	}
	if _, err := s.store.GetRoom(ctx, roomID); err != nil {
		return HistoryPage{}, err
	}
	if _, err := store.ActiveMember(ctx, s.store, roomID, userID); err != nil {
		return HistoryPage{}, err
	}

	out := HistoryPage{Page: page, Size: size, Messages: []chat.Message{}}
	if !f.enabled {
		msgs, err := s.store.ListMessages(ctx, roomID, page*size, size)
		if err != nil {
			return HistoryPage{}, err
		}
		out.Messages = append(out.Messages, msgs...)
		return out, nil
	}

	skip := page * size
	for offset := 0; offset < filterScanLimit && len(out.Messages) < size; offset += s.maxPage {
		chunk, err := s.store.ListMessages(ctx, roomID, offset, s.maxPage)
		if err != nil {
			return HistoryPage{}, err
		}
		for _, m := range chunk {
			if !f.Eval(m) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out.Messages = append(out.Messages, m)
			if len(out.Messages) == size {
				break
			}
		}
		if len(chunk) < s.maxPage {
			break
		}
	}
	return out, nil
}

// MarkRead marks a stored message READ and moves the reader's read marker.
func (s *Service) MarkRead(ctx context.Context, roomID, userID, messageID int64) (chat.Message, error) {
	if _, err := store.ActiveMember(ctx, s.store, roomID, userID); err != nil {
		return chat.Message{}, err
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if m.RoomID != roomID {
		return chat.Message{}, fmt.Errorf("message %d in room %d: %w", messageID, roomID, chat.ErrMessageNotFound)
	}
	now := s.now().UTC()
	m, _, err = s.store.AdvanceStatus(ctx, messageID, chat.StatusRead, now)
	if err != nil {
		return chat.Message{}, err
	}
	if _, err := s.store.MarkRead(ctx, roomID, userID, messageID, now); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}
