// Package gormstore implements store.Store with gorm on SQLite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/store"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Store is a gorm-backed store.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

type gormWriter struct{ l logpkg.Logger }

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.l.Debug(fmt.Sprintf(format, args...))
}

// Open opens the SQLite database at dsn and migrates the schema.
func Open(dsn string, logger logpkg.Logger) (*Store, error) {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.New(gormWriter{logger.WithComponent("gorm")}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection serializes transactions.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&userRow{}, &roomRow{}, &participantRow{}, &messageRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("gormstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

// PutUser implements store.Store.
func (s *Store) PutUser(ctx context.Context, u chat.User) (chat.User, error) {
	var out chat.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row userRow
		err := tx.First(&row, u.ID).Error
		switch {
		case err == nil:
			row.Name = u.Name
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = userRow{ID: u.ID, Name: u.Name, CreatedAt: u.CreatedAt}
			if row.CreatedAt.IsZero() {
				row.CreatedAt = time.Now().UTC()
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		default:
			return err
		}
		out = row.toUser()
		return nil
	})
	return out, err
}

// GetUser implements store.Store.
func (s *Store) GetUser(ctx context.Context, id int64) (chat.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return chat.User{}, notFound(err, chat.ErrUserNotFound)
	}
	return row.toUser(), nil
}

// CreateRoom implements store.Store.
func (s *Store) CreateRoom(ctx context.Context, room chat.Room, creatorID int64) (chat.Room, chat.Participant, error) {
	var (
		outRoom chat.Room
		outP    chat.Participant
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u userRow
		if err := tx.First(&u, creatorID).Error; err != nil {
			return notFound(err, chat.ErrUserNotFound)
		}
		room.ID = 0
		room.CreatedBy = creatorID
		if room.CreatedAt.IsZero() {
			room.CreatedAt = time.Now().UTC()
		}
		row := fromRoom(room)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		p := fromParticipant(chat.NewParticipant(row.ID, creatorID, chat.RoleAdmin, row.CreatedAt))
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		outRoom, outP = row.toRoom(), p.toParticipant()
		return nil
	})
	return outRoom, outP, err
}

// GetRoom implements store.Store.
func (s *Store) GetRoom(ctx context.Context, id int64) (chat.Room, error) {
	var row roomRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return chat.Room{}, notFound(err, chat.ErrRoomNotFound)
	}
	return row.toRoom(), nil
}

func toRooms(rows []roomRow) []chat.Room {
	out := make([]chat.Room, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRoom())
	}
	return out
}

// ListRooms implements store.Store.
func (s *Store) ListRooms(ctx context.Context) ([]chat.Room, error) {
	var rows []roomRow
	if err := s.db.WithContext(ctx).Where("private = ?", false).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toRooms(rows), nil
}

// ListRoomsForUser implements store.Store.
func (s *Store) ListRoomsForUser(ctx context.Context, userID int64) ([]chat.Room, error) {
	var rows []roomRow
	err := s.db.WithContext(ctx).
		Joins("JOIN chat_participants p ON p.room_id = rooms.id").
		Where("p.user_id = ? AND p.active = ?", userID, true).
		Order("rooms.id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toRooms(rows), nil
}

// UpdateRoomInfo implements store.Store.
func (s *Store) UpdateRoomInfo(ctx context.Context, roomID int64, name, description string) (chat.Room, error) {
	var out chat.Room
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row roomRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, roomID).Error; err != nil {
			return notFound(err, chat.ErrRoomNotFound)
		}
		if name != "" {
			row.Name = name
		}
		row.Description = description
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.toRoom()
		return nil
	})
	return out, err
}

// UpdateLastMessage implements store.Store.
func (s *Store) UpdateLastMessage(ctx context.Context, roomID, messageID int64, content string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&roomRow{}).
		Where("id = ? AND (last_message_id IS NULL OR last_message_id < ?)", roomID, messageID).
		Updates(map[string]any{"last_message": content, "last_message_at": at.UTC(), "last_message_id": messageID})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetRoom(ctx, roomID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func lockRoom(tx *gorm.DB, roomID int64) (roomRow, error) {
	var row roomRow
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, roomID).Error; err != nil {
		return roomRow{}, notFound(err, chat.ErrRoomNotFound)
	}
	return row, nil
}

func findParticipant(tx *gorm.DB, roomID, userID int64) (participantRow, error) {
	var p participantRow
	err := tx.Where("room_id = ? AND user_id = ?", roomID, userID).First(&p).Error
	return p, notFound(err, chat.ErrParticipantNotFound)
}

// Join implements store.Store.
func (s *Store) Join(ctx context.Context, roomID, userID int64, now time.Time) (chat.Participant, store.JoinKind, error) {
	var (
		out  chat.Participant
		kind store.JoinKind
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		var u userRow
		if err := tx.First(&u, userID).Error; err != nil {
			return notFound(err, chat.ErrUserNotFound)
		}
		existing, err := findParticipant(tx, roomID, userID)
		found := err == nil
		if err != nil && !errors.Is(err, chat.ErrParticipantNotFound) {
			return err
		}
		if found && existing.Active {
			out, kind = existing.toParticipant(), store.AlreadyActive
			return nil
		}
		var active int64
		if err := tx.Model(&participantRow{}).Where("room_id = ? AND active = ?", roomID, true).Count(&active).Error; err != nil {
			return err
		}
		room := row.toRoom()
		if room.Full(int(active)) {
			return room.CapacityError(int(active))
		}
		if found {
			p := existing.toParticipant()
			p.Rejoin(now.UTC())
			existing = fromParticipant(p)
			kind = store.Rejoined
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
		} else {
			existing = fromParticipant(chat.NewParticipant(roomID, userID, chat.RoleMember, now.UTC()))
			kind = store.Joined
			if err := tx.Create(&existing).Error; err != nil {
				return err
			}
		}
		out = existing.toParticipant()
		return nil
	})
	if err != nil {
		return chat.Participant{}, 0, err
	}
	return out, kind, nil
}

func (s *Store) updateParticipant(ctx context.Context, roomID, userID int64, fn func(p *chat.Participant) error) (chat.Participant, error) {
	var out chat.Participant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockRoom(tx, roomID); err != nil {
			return err
		}
		row, err := findParticipant(tx, roomID, userID)
		if err != nil {
			return err
		}
		p := row.toParticipant()
		if err := fn(&p); err != nil {
			return err
		}
		row = fromParticipant(p)
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.toParticipant()
		return nil
	})
	return out, err
}

// Leave implements store.Store.
func (s *Store) Leave(ctx context.Context, roomID, userID int64, now time.Time) (chat.Participant, error) {
	p, err := s.updateParticipant(ctx, roomID, userID, func(p *chat.Participant) error {
		return p.Leave(now.UTC())
	})
	if errors.Is(err, chat.ErrParticipantNotFound) {
		return chat.Participant{}, &chat.NotAMemberError{RoomID: roomID, UserID: userID}
	}
	return p, err
}

// SetRole implements store.Store.
func (s *Store) SetRole(ctx context.Context, roomID, userID int64, role chat.Role) (chat.Participant, error) {
	return s.updateParticipant(ctx, roomID, userID, func(p *chat.Participant) error {
		p.Role = role
		return nil
	})
}

// MarkRead implements store.Store.
func (s *Store) MarkRead(ctx context.Context, roomID, userID, messageID int64, at time.Time) (chat.Participant, error) {
	p, err := s.updateParticipant(ctx, roomID, userID, func(p *chat.Participant) error {
		if !p.Active {
			return &chat.NotAMemberError{RoomID: roomID, UserID: userID}
		}
		p.MarkRead(messageID, at.UTC())
		return nil
	})
	if errors.Is(err, chat.ErrParticipantNotFound) {
		return chat.Participant{}, &chat.NotAMemberError{RoomID: roomID, UserID: userID}
	}
	return p, err
}

// GetParticipant implements store.Store.
func (s *Store) GetParticipant(ctx context.Context, roomID, userID int64) (chat.Participant, error) {
	row, err := findParticipant(s.db.WithContext(ctx), roomID, userID)
	if err != nil {
		return chat.Participant{}, err
	}
	return row.toParticipant(), nil
}

// ListParticipants implements store.Store.
func (s *Store) ListParticipants(ctx context.Context, roomID int64, activeOnly bool) ([]chat.Participant, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rows []participantRow
	if err := q.Order("user_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]chat.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toParticipant())
	}
	return out, nil
}

// CountActive implements store.Store.
func (s *Store) CountActive(ctx context.Context, roomID int64) (int, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&participantRow{}).Where("room_id = ? AND active = ?", roomID, true).Count(&n).Error
	return int(n), err
}

// SaveMessage implements store.Store.
func (s *Store) SaveMessage(ctx context.Context, m chat.Message) (chat.Message, bool, error) {
	m.ID = 0
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	row := fromMessage(m)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "origin_stream_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return chat.Message{}, false, res.Error
	}
	if res.RowsAffected == 1 {
		return row.toMessage(), true, nil
	}
	var existing messageRow
	if err := s.db.WithContext(ctx).Where("origin_stream_id = ?", m.OriginStreamID).First(&existing).Error; err != nil {
		return chat.Message{}, false, notFound(err, chat.ErrMessageNotFound)
	}
	return existing.toMessage(), false, nil
}

// GetMessage implements store.Store.
func (s *Store) GetMessage(ctx context.Context, id int64) (chat.Message, error) {
	var row messageRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return chat.Message{}, notFound(err, chat.ErrMessageNotFound)
	}
	return row.toMessage(), nil
}

// AdvanceStatus implements store.Store.
func (s *Store) AdvanceStatus(ctx context.Context, id int64, status chat.Status, at time.Time) (chat.Message, bool, error) {
	var (
		out     chat.Message
		applied bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, id).Error; err != nil {
			return notFound(err, chat.ErrMessageNotFound)
		}
		m := row.toMessage()
		if applied = m.Advance(status, at.UTC()); !applied {
			out = m
			return nil
		}
		err := tx.Model(&messageRow{}).Where("id = ?", id).
			Updates(map[string]any{"status": string(m.Status), "read_at": m.ReadAt}).Error
		out = m
		return err
	})
	return out, applied, err
}

// ListMessages implements store.Store.
func (s *Store) ListMessages(ctx context.Context, roomID int64, offset, limit int) ([]chat.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).
		Order("id DESC").Offset(offset).Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMessage())
	}
	return out, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
