// Package pgstore implements store.Store on PostgreSQL through pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/store"
)

// Store is a postgres-backed store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect creates a pool for dsn, verifies it and applies the schema.
func Connect(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	} else if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// normalizeDSN strips driver suffixes that other ecosystems put in URLs.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, p := range []string{"postgresql+asyncpg://", "postgresql+pgx://"} {
		s = strings.Replace(s, p, "postgresql://", 1)
	}
	for _, p := range []string{"postgres+asyncpg://", "postgres+pgx://"} {
		s = strings.Replace(s, p, "postgres://", 1)
	}
	return s
}

// classify marks lock conflicts and connection failures as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01":
			return chat.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.Timeout(err) {
		return chat.Transient(op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return chat.Transient(op, err)
	}
	return err
}

func notFound(err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

const roomColumns = `id, name, description, max_participants, private, created_by, created_at, last_message, last_message_at, last_message_id`

func scanRoom(row rowScanner) (chat.Room, error) {
	var (
		r      chat.Room
		maxP   *int32
		lastID *int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &maxP, &r.Private, &r.CreatedBy, &r.CreatedAt, &r.LastMessage, &r.LastMessageAt, &lastID); err != nil {
		return chat.Room{}, err
	}
	if maxP != nil {
		v := int(*maxP)
		r.MaxParticipants = &v
	}
	if lastID != nil {
		r.LastMessageID = *lastID
	}
	return r, nil
}

const participantColumns = `id, room_id, user_id, role, active, joined_at, left_at, last_read_message_id, last_read_at`

func scanParticipant(row rowScanner) (chat.Participant, error) {
	var (
		p    chat.Participant
		role string
	)
	if err := row.Scan(&p.ID, &p.RoomID, &p.UserID, &role, &p.Active, &p.JoinedAt, &p.LeftAt, &p.LastReadMessageID, &p.LastReadAt); err != nil {
		return chat.Participant{}, err
	}
	p.Role = chat.Role(role)
	return p, nil
}

const messageColumns = `id, room_id, sender_id, sender_name, content, type, status, created_at, read_at, COALESCE(origin_stream_id, '')`

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		m           chat.Message
		typ, status string
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content, &typ, &status, &m.CreatedAt, &m.ReadAt, &m.OriginStreamID); err != nil {
		return chat.Message{}, err
	}
	m.Type, m.Status = chat.MessageType(typ), chat.Status(status)
	return m, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PutUser implements store.Store.
func (s *Store) PutUser(ctx context.Context, u chat.User) (chat.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, name, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		RETURNING created_at
	`, u.ID, u.Name, u.CreatedAt).Scan(&u.CreatedAt)
	if err != nil {
		return chat.User{}, classify("put user", err)
	}
	return u, nil
}

// GetUser implements store.Store.
func (s *Store) GetUser(ctx context.Context, id int64) (chat.User, error) {
	u := chat.User{ID: id}
	err := s.pool.QueryRow(ctx, `SELECT name, created_at FROM users WHERE id = $1`, id).Scan(&u.Name, &u.CreatedAt)
	if err != nil {
		return chat.User{}, notFound(classify("get user", err), chat.ErrUserNotFound)
	}
	return u, nil
}

func userExists(ctx context.Context, tx pgx.Tx, id int64) error {
	var one int
	err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id = $1`, id).Scan(&one)
	return notFound(err, chat.ErrUserNotFound)
}

// CreateRoom implements store.Store.
func (s *Store) CreateRoom(ctx context.Context, room chat.Room, creatorID int64) (chat.Room, chat.Participant, error) {
	var p chat.Participant
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := userExists(ctx, tx, creatorID); err != nil {
			return err
		}
		var maxP *int32
		if room.MaxParticipants != nil {
			v := int32(*room.MaxParticipants)
			maxP = &v
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO rooms (name, description, max_participants, private, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
		`, room.Name, room.Description, maxP, room.Private, creatorID, room.CreatedAt).Scan(&room.ID); err != nil {
			return err
		}
		room.CreatedBy = creatorID
		p = chat.NewParticipant(room.ID, creatorID, chat.RoleAdmin, room.CreatedAt)
		return tx.QueryRow(ctx, `
			INSERT INTO chat_participants (room_id, user_id, role, active, joined_at)
			VALUES ($1, $2, $3, true, $4) RETURNING id
		`, p.RoomID, p.UserID, string(p.Role), p.JoinedAt).Scan(&p.ID)
	})
	if err != nil {
		return chat.Room{}, chat.Participant{}, classify("create room", err)
	}
	return room, p, nil
}

// GetRoom implements store.Store.
func (s *Store) GetRoom(ctx context.Context, id int64) (chat.Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		return chat.Room{}, notFound(classify("get room", err), chat.ErrRoomNotFound)
	}
	return r, nil
}

func (s *Store) queryRooms(ctx context.Context, op, sql string, args ...any) ([]chat.Room, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()
	var out []chat.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, classify(op, rows.Err())
}

// ListRooms implements store.Store.
func (s *Store) ListRooms(ctx context.Context) ([]chat.Room, error) {
	return s.queryRooms(ctx, "list rooms", `SELECT `+roomColumns+` FROM rooms WHERE NOT private ORDER BY id`)
}

// ListRoomsForUser implements store.Store.
func (s *Store) ListRoomsForUser(ctx context.Context, userID int64) ([]chat.Room, error) {
	return s.queryRooms(ctx, "list user rooms", `
		SELECT `+roomColumns+` FROM rooms
		WHERE id IN (SELECT room_id FROM chat_participants WHERE user_id = $1 AND active)
		ORDER BY id`, userID)
}

// UpdateRoomInfo implements store.Store.
func (s *Store) UpdateRoomInfo(ctx context.Context, roomID int64, name, description string) (chat.Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, `
		UPDATE rooms SET name = COALESCE(NULLIF($2, ''), name), description = $3
		WHERE id = $1 RETURNING `+roomColumns, roomID, name, description))
	if err != nil {
		return chat.Room{}, notFound(classify("update room", err), chat.ErrRoomNotFound)
	}
	return r, nil
}

// UpdateLastMessage implements store.Store.
func (s *Store) UpdateLastMessage(ctx context.Context, roomID, messageID int64, content string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rooms SET last_message = $3, last_message_at = $4, last_message_id = $2
		WHERE id = $1 AND (last_message_id IS NULL OR last_message_id < $2)
	`, roomID, messageID, content, at.UTC())
	if err != nil {
		return false, classify("update last message", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRoom(ctx, roomID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// lockRoom takes the row lock that serializes membership changes of a room.
func lockRoom(ctx context.Context, tx pgx.Tx, roomID int64) (chat.Room, error) {
	r, err := scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR UPDATE`, roomID))
	return r, notFound(err, chat.ErrRoomNotFound)
}

func findParticipant(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, roomID, userID int64) (chat.Participant, error) {
	p, err := scanParticipant(q.QueryRow(ctx, `SELECT `+participantColumns+` FROM chat_participants WHERE room_id = $1 AND user_id = $2`, roomID, userID))
	return p, notFound(err, chat.ErrParticipantNotFound)
}

func saveParticipant(ctx context.Context, tx pgx.Tx, p chat.Participant) error {
	_, err := tx.Exec(ctx, `
		UPDATE chat_participants
		SET role = $2, active = $3, joined_at = $4, left_at = $5, last_read_message_id = $6, last_read_at = $7
		WHERE id = $1
	`, p.ID, string(p.Role), p.Active, p.JoinedAt, p.LeftAt, p.LastReadMessageID, p.LastReadAt)
	return err
}

// Join implements store.Store.
func (s *Store) Join(ctx context.Context, roomID, userID int64, now time.Time) (chat.Participant, store.JoinKind, error) {
	var (
		out  chat.Participant
		kind store.JoinKind
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		room, err := lockRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if err := userExists(ctx, tx, userID); err != nil {
			return err
		}
		p, err := findParticipant(ctx, tx, roomID, userID)
		found := err == nil
		if err != nil && !errors.Is(err, chat.ErrParticipantNotFound) {
			return err
		}
		if found && p.Active {
			out, kind = p, store.AlreadyActive
			return nil
		}
		var active int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM chat_participants WHERE room_id = $1 AND active`, roomID).Scan(&active); err != nil {
			return err
		}
		if room.Full(active) {
			return room.CapacityError(active)
		}
		if found {
			p.Rejoin(now.UTC())
			out, kind = p, store.Rejoined
			return saveParticipant(ctx, tx, p)
		}
		p = chat.NewParticipant(roomID, userID, chat.RoleMember, now.UTC())
		if err := tx.QueryRow(ctx, `
			INSERT INTO chat_participants (room_id, user_id, role, active, joined_at)
			VALUES ($1, $2, $3, true, $4) RETURNING id
		`, roomID, userID, string(p.Role), p.JoinedAt).Scan(&p.ID); err != nil {
			return err
		}
		out, kind = p, store.Joined
		return nil
	})
	if err != nil {
		return chat.Participant{}, 0, classify("join", err)
	}
	return out, kind, nil
}

func (s *Store) updateParticipant(ctx context.Context, op string, roomID, userID int64, fn func(p *chat.Participant) error) (chat.Participant, error) {
	var out chat.Participant
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := lockRoom(ctx, tx, roomID); err != nil {
			return err
		}
		p, err := findParticipant(ctx, tx, roomID, userID)
		if err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		out = p
		return saveParticipant(ctx, tx, p)
	})
	if err != nil {
		return chat.Participant{}, classify(op, err)
	}
	return out, nil
}

// Leave implements store.Store.
func (s *Store) Leave(ctx context.Context, roomID, userID int64, now time.Time) (chat.Participant, error) {
	p, err := s.updateParticipant(ctx, "leave", roomID, userID, func(p *chat.Participant) error {
		return p.Leave(now.UTC())
	})
	if errors.Is(err, chat.ErrParticipantNotFound) {
		return chat.Participant{}, &chat.NotAMemberError{RoomID: roomID, UserID: userID}
	}
	return p, err
}

// SetRole implements store.Store.
func (s *Store) SetRole(ctx context.Context, roomID, userID int64, role chat.Role) (chat.Participant, error) {
	return s.updateParticipant(ctx, "set role", roomID, userID, func(p *chat.Participant) error {
		p.Role = role
		return nil
	})
}

// MarkRead implements store.Store.
func (s *Store) MarkRead(ctx context.Context, roomID, userID, messageID int64, at time.Time) (chat.Participant, error) {
	p, err := s.updateParticipant(ctx, "mark read", roomID, userID, func(p *chat.Participant) error {
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
	p, err := findParticipant(ctx, s.pool, roomID, userID)
	if err != nil {
		return chat.Participant{}, classify("get participant", err)
	}
	return p, nil
}

// ListParticipants implements store.Store.
func (s *Store) ListParticipants(ctx context.Context, roomID int64, activeOnly bool) ([]chat.Participant, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+participantColumns+` FROM chat_participants
		WHERE room_id = $1 AND (active OR NOT $2) ORDER BY user_id`, roomID, activeOnly)
	if err != nil {
		return nil, classify("list participants", err)
	}
	defer rows.Close()
	var out []chat.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, classify("list participants", rows.Err())
}

// CountActive implements store.Store.
func (s *Store) CountActive(ctx context.Context, roomID int64) (int, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return 0, err
	}
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM chat_participants WHERE room_id = $1 AND active`, roomID).Scan(&n)
	return n, classify("count active", err)
}

// SaveMessage implements store.Store.
func (s *Store) SaveMessage(ctx context.Context, m chat.Message) (chat.Message, bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (room_id, sender_id, sender_name, content, type, status, created_at, read_at, origin_stream_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (origin_stream_id) DO NOTHING
		RETURNING id
	`, m.RoomID, m.SenderID, m.SenderName, m.Content, string(m.Type), string(m.Status), m.CreatedAt, m.ReadAt, nullString(m.OriginStreamID)).Scan(&m.ID)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, false, classify("save message", err)
	}
	existing, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE origin_stream_id = $1`, m.OriginStreamID))
	if err != nil {
		return chat.Message{}, false, classify("save message", err)
	}
	return existing, false, nil
}

// GetMessage implements store.Store.
func (s *Store) GetMessage(ctx context.Context, id int64) (chat.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id))
	if err != nil {
		return chat.Message{}, notFound(classify("get message", err), chat.ErrMessageNotFound)
	}
	return m, nil
}

// AdvanceStatus implements store.Store.
func (s *Store) AdvanceStatus(ctx context.Context, id int64, status chat.Status, at time.Time) (chat.Message, bool, error) {
	var (
		out     chat.Message
		applied bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		m, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, chat.ErrMessageNotFound)
		}
		out = m
		if applied = out.Advance(status, at.UTC()); !applied {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE chat_messages SET status = $2, read_at = $3 WHERE id = $1`, id, string(out.Status), out.ReadAt)
		return err
	})
	if err != nil {
		return chat.Message{}, false, classify("advance status", err)
	}
	return out, applied, nil
}

// ListMessages implements store.Store.
func (s *Store) ListMessages(ctx context.Context, roomID int64, offset, limit int) ([]chat.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE room_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`, roomID, limit, offset)
	if err != nil {
		return nil, classify("list messages", err)
	}
	defer rows.Close()
	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, classify("list messages", rows.Err())
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return classify("ping", s.pool.Ping(ctx)) }

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
