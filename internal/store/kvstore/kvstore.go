// Package kvstore implements store.Store on the embedded Pebble database.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/izp1012/meloncity/internal/chat"
	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
	"github.com/izp1012/meloncity/internal/store"
)

const lockStripes = 64

// Store keeps rows as JSON values in Pebble.
type Store struct {
	db   *pebblestore.DB
	keys keys

	roomLocks [lockStripes]sync.Mutex
	msgMu     sync.Mutex
	userMu    sync.Mutex
	seqMu     sync.Mutex
	seqs      map[string]int64
}

var _ store.Store = (*Store)(nil)

// Open returns a store over db. Rows are kept under the namespace prefix; the
// caller keeps ownership of db.
func Open(db *pebblestore.DB, namespace string) (*Store, error) {
	if namespace == "" {
		namespace = "default"
	}
	if strings.ContainsRune(namespace, '/') {
		return nil, fmt.Errorf("kvstore: invalid namespace %q", namespace)
	}
	return &Store{db: db, keys: newKeys(namespace), seqs: map[string]int64{}}, nil
}

func (s *Store) roomLock(roomID int64) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(be8(roomID))
	return &s.roomLocks[h.Sum32()%lockStripes]
}

func wrap(op string, err error) error {
	if errors.Is(err, pebblestore.ErrClosed) {
		return chat.Fatal(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// nextID allocates the next id of kind. The counter is written ahead of the
// row that uses it, so a failed insert leaves a gap and never a reuse.
func (s *Store) nextID(kind string) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	cur, ok := s.seqs[kind]
	if !ok {
		v, err := s.db.Get(s.keys.seq(kind))
		switch {
		case err == nil:
			cur = fromBE8(v)
		case errors.Is(err, pebblestore.ErrNotFound):
		default:
			return 0, err
		}
	}
	if err := s.db.Set(s.keys.seq(kind), be8(cur+1)); err != nil {
		return 0, err
	}
	s.seqs[kind] = cur + 1
	return cur + 1, nil
}

func (s *Store) getJSON(key []byte, v any, notFound error) error {
	b, err := s.db.Get(key)
	if errors.Is(err, pebblestore.ErrNotFound) {
		return notFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, raw, nil)
}

func (s *Store) commit(ctx context.Context, op string, b *pebble.Batch) error {
	defer b.Close()
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return wrap(op, err)
	}
	return nil
}

// PutUser implements store.Store.
func (s *Store) PutUser(ctx context.Context, u chat.User) (chat.User, error) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	var existing chat.User
	err := s.getJSON(s.keys.user(u.ID), &existing, chat.ErrUserNotFound)
	switch {
	case err == nil:
		u.CreatedAt = existing.CreatedAt
	case errors.Is(err, chat.ErrUserNotFound):
		if u.CreatedAt.IsZero() {
			u.CreatedAt = time.Now().UTC()
		}
	default:
		return chat.User{}, wrap("put user", err)
	}
	b := s.db.NewBatch()
	if err := setJSON(b, s.keys.user(u.ID), u); err != nil {
		b.Close()
		return chat.User{}, err
	}
	return u, s.commit(ctx, "put user", b)
}

// GetUser implements store.Store.
func (s *Store) GetUser(_ context.Context, id int64) (chat.User, error) {
	var u chat.User
	if err := s.getJSON(s.keys.user(id), &u, chat.ErrUserNotFound); err != nil {
		return chat.User{}, err
	}
	return u, nil
}

// CreateRoom implements store.Store.
func (s *Store) CreateRoom(ctx context.Context, room chat.Room, creatorID int64) (chat.Room, chat.Participant, error) {
	if _, err := s.GetUser(ctx, creatorID); err != nil {
		return chat.Room{}, chat.Participant{}, err
	}
	b := s.db.NewBatch()
	id, err := s.nextID("room")
	if err != nil {
		b.Close()
		return chat.Room{}, chat.Participant{}, wrap("create room", err)
	}
	pid, err := s.nextID("participant")
	if err != nil {
		b.Close()
		return chat.Room{}, chat.Participant{}, wrap("create room", err)
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	room.ID = id
	room.CreatedBy = creatorID
	p := chat.NewParticipant(id, creatorID, chat.RoleAdmin, room.CreatedAt)
	p.ID = pid
	if err := setJSON(b, s.keys.room(id), room); err != nil {
		b.Close()
		return chat.Room{}, chat.Participant{}, err
	}
	if err := setJSON(b, s.keys.participant(id, creatorID), p); err != nil {
		b.Close()
		return chat.Room{}, chat.Participant{}, err
	}
	if err := b.Set(s.keys.userRoom(creatorID, id), nil, nil); err != nil {
		b.Close()
		return chat.Room{}, chat.Participant{}, err
	}
	if err := s.commit(ctx, "create room", b); err != nil {
		return chat.Room{}, chat.Participant{}, err
	}
	return room, p, nil
}

// GetRoom implements store.Store.
func (s *Store) GetRoom(_ context.Context, id int64) (chat.Room, error) {
	var r chat.Room
	if err := s.getJSON(s.keys.room(id), &r, chat.ErrRoomNotFound); err != nil {
		return chat.Room{}, err
	}
	return r, nil
}

// ListRooms implements store.Store.
func (s *Store) ListRooms(_ context.Context) ([]chat.Room, error) {
	var out []chat.Room
	var decodeErr error
	err := s.db.ScanPrefix(s.keys.roomsPrefix(), func(_, v []byte) bool {
		var r chat.Room
		if decodeErr = json.Unmarshal(v, &r); decodeErr != nil {
			return false
		}
		if !r.Private {
			out = append(out, r)
		}
		return true
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return nil, wrap("list rooms", err)
	}
	return out, nil
}

// ListRoomsForUser implements store.Store.
func (s *Store) ListRoomsForUser(ctx context.Context, userID int64) ([]chat.Room, error) {
	var ids []int64
	err := s.db.ScanPrefix(s.keys.userRoomsPrefix(userID), func(k, _ []byte) bool {
		ids = append(ids, fromBE8(k))
		return true
	})
	if err != nil {
		return nil, wrap("list user rooms", err)
	}
	var out []chat.Room
	for _, id := range ids {
		p, err := s.GetParticipant(ctx, id, userID)
		if err != nil || !p.Active {
			continue
		}
		r, err := s.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// UpdateRoomInfo implements store.Store.
func (s *Store) UpdateRoomInfo(ctx context.Context, roomID int64, name, description string) (chat.Room, error) {
	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()
	r, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return chat.Room{}, err
	}
	if name != "" {
		r.Name = name
	}
	r.Description = description
	b := s.db.NewBatch()
	if err := setJSON(b, s.keys.room(roomID), r); err != nil {
		b.Close()
		return chat.Room{}, err
	}
	return r, s.commit(ctx, "update room", b)
}

// UpdateLastMessage implements store.Store.
func (s *Store) UpdateLastMessage(ctx context.Context, roomID, messageID int64, content string, at time.Time) (bool, error) {
	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()
	r, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	if r.LastMessageID >= messageID {
		return false, nil
	}
	r.LastMessageID = messageID
	r.LastMessage = content
	at = at.UTC()
	r.LastMessageAt = &at
	b := s.db.NewBatch()
	if err := setJSON(b, s.keys.room(roomID), r); err != nil {
		b.Close()
		return false, err
	}
	if err := s.commit(ctx, "update last message", b); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) countActive(roomID int64) (int, error) {
	n := 0
	var decodeErr error
	err := s.db.ScanPrefix(s.keys.participantsPrefix(roomID), func(_, v []byte) bool {
		var p chat.Participant
		if decodeErr = json.Unmarshal(v, &p); decodeErr != nil {
			return false
		}
		if p.Active {
			n++
		}
		return true
	})
	if err == nil {
		err = decodeErr
	}
	return n, err
}

// Join implements store.Store.
func (s *Store) Join(ctx context.Context, roomID, userID int64, now time.Time) (chat.Participant, store.JoinKind, error) {
	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()
	r, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return chat.Participant{}, 0, err
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return chat.Participant{}, 0, err
	}
	var p chat.Participant
	err = s.getJSON(s.keys.participant(roomID, userID), &p, chat.ErrParticipantNotFound)
	exists := err == nil
	if err != nil && !errors.Is(err, chat.ErrParticipantNotFound) {
		return chat.Participant{}, 0, wrap("join", err)
	}
	if exists && p.Active {
		return p, store.AlreadyActive, nil
	}
	active, err := s.countActive(roomID)
	if err != nil {
		return chat.Participant{}, 0, wrap("join", err)
	}
	if r.Full(active) {
		return chat.Participant{}, 0, r.CapacityError(active)
	}
	b := s.db.NewBatch()
	kind := store.Rejoined
	if exists {
		p.Rejoin(now.UTC())
	} else {
		kind = store.Joined
		id, err := s.nextID("participant")
		if err != nil {
			b.Close()
			return chat.Participant{}, 0, wrap("join", err)
		}
		p = chat.NewParticipant(roomID, userID, chat.RoleMember, now.UTC())
		p.ID = id
		if err := b.Set(s.keys.userRoom(userID, roomID), nil, nil); err != nil {
			b.Close()
			return chat.Participant{}, 0, err
		}
	}
	if err := setJSON(b, s.keys.participant(roomID, userID), p); err != nil {
		b.Close()
		return chat.Participant{}, 0, err
	}
	if err := s.commit(ctx, "join", b); err != nil {
		return chat.Participant{}, 0, err
	}
	return p, kind, nil
}

// updateParticipant loads, mutates and stores a participant under the room lock.
func (s *Store) updateParticipant(ctx context.Context, op string, roomID, userID int64, fn func(p *chat.Participant) error) (chat.Participant, error) {
	mu := s.roomLock(roomID)
	mu.Lock()
	defer mu.Unlock()
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return chat.Participant{}, err
	}
	var p chat.Participant
	if err := s.getJSON(s.keys.participant(roomID, userID), &p, chat.ErrParticipantNotFound); err != nil {
		return chat.Participant{}, err
	}
	if err := fn(&p); err != nil {
		return chat.Participant{}, err
	}
	b := s.db.NewBatch()
	if err := setJSON(b, s.keys.participant(roomID, userID), p); err != nil {
		b.Close()
		return chat.Participant{}, err
	}
	return p, s.commit(ctx, op, b)
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
func (s *Store) GetParticipant(_ context.Context, roomID, userID int64) (chat.Participant, error) {
	var p chat.Participant
	if err := s.getJSON(s.keys.participant(roomID, userID), &p, chat.ErrParticipantNotFound); err != nil {
		return chat.Participant{}, err
	}
	return p, nil
}

// ListParticipants implements store.Store.
func (s *Store) ListParticipants(ctx context.Context, roomID int64, activeOnly bool) ([]chat.Participant, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	var out []chat.Participant
	var decodeErr error
	err := s.db.ScanPrefix(s.keys.participantsPrefix(roomID), func(_, v []byte) bool {
		var p chat.Participant
		if decodeErr = json.Unmarshal(v, &p); decodeErr != nil {
			return false
		}
		if p.Active || !activeOnly {
			out = append(out, p)
		}
		return true
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return nil, wrap("list participants", err)
	}
	return out, nil
}

// CountActive implements store.Store.
func (s *Store) CountActive(ctx context.Context, roomID int64) (int, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return 0, err
	}
	n, err := s.countActive(roomID)
	if err != nil {
		return 0, wrap("count active", err)
	}
	return n, nil
}

// SaveMessage implements store.Store.
func (s *Store) SaveMessage(ctx context.Context, m chat.Message) (chat.Message, bool, error) {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	if m.OriginStreamID != "" {
		v, err := s.db.Get(s.keys.origin(m.OriginStreamID))
		if err == nil {
			existing, err := s.GetMessage(ctx, fromBE8(v))
			return existing, false, err
		}
		if !errors.Is(err, pebblestore.ErrNotFound) {
			return chat.Message{}, false, wrap("save message", err)
		}
	}
	b := s.db.NewBatch()
	id, err := s.nextID("message")
	if err != nil {
		b.Close()
		return chat.Message{}, false, wrap("save message", err)
	}
	m.ID = id
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if err := setJSON(b, s.keys.message(id), m); err != nil {
		b.Close()
		return chat.Message{}, false, err
	}
	if m.OriginStreamID != "" {
		if err := b.Set(s.keys.origin(m.OriginStreamID), be8(id), nil); err != nil {
			b.Close()
			return chat.Message{}, false, err
		}
	}
	if err := b.Set(s.keys.roomMessage(m.RoomID, id), nil, nil); err != nil {
		b.Close()
		return chat.Message{}, false, err
	}
	if err := s.commit(ctx, "save message", b); err != nil {
		return chat.Message{}, false, err
	}
	return m, true, nil
}

// GetMessage implements store.Store.
func (s *Store) GetMessage(_ context.Context, id int64) (chat.Message, error) {
	var m chat.Message
	if err := s.getJSON(s.keys.message(id), &m, chat.ErrMessageNotFound); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}

// AdvanceStatus implements store.Store.
func (s *Store) AdvanceStatus(ctx context.Context, id int64, status chat.Status, at time.Time) (chat.Message, bool, error) {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return chat.Message{}, false, err
	}
	if !m.Advance(status, at.UTC()) {
		return m, false, nil
	}
	b := s.db.NewBatch()
	if err := setJSON(b, s.keys.message(id), m); err != nil {
		b.Close()
		return chat.Message{}, false, err
	}
	if err := s.commit(ctx, "advance status", b); err != nil {
		return chat.Message{}, false, err
	}
	return m, true, nil
}

// ListMessages implements store.Store.
func (s *Store) ListMessages(ctx context.Context, roomID int64, offset, limit int) ([]chat.Message, error) {
	prefix := s.keys.roomMessagesPrefix(roomID)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: pebblestore.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, wrap("list messages", err)
	}
	var ids []int64
	skipped := 0
	for ok := it.Last(); ok && len(ids) < limit; ok = it.Prev() {
		if skipped < offset {
			skipped++
			continue
		}
		ids = append(ids, fromBE8(it.Key()))
	}
	err = it.Error()
	_ = it.Close()
	if err != nil {
		return nil, wrap("list messages", err)
	}
	out := make([]chat.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Ping implements store.Store.
func (s *Store) Ping(context.Context) error { return s.db.Ping() }

// Close is a no-op; the database belongs to the caller.
func (s *Store) Close() error { return nil }
