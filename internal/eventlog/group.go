package eventlog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
)

var (
	// ErrGroupExists is returned by CreateGroup when the group is already registered.
	ErrGroupExists = errors.New("eventlog: consumer group already exists")
	// ErrNoGroup is returned by group operations on an unknown group.
	ErrNoGroup = errors.New("eventlog: no such consumer group")
)

type groupMeta struct {
	CreatedMs int64 `json:"created_ms"`
}

// GroupState describes a consumer group for status reporting.
type GroupState struct {
	Name          string
	CreatedMs     int64
	LastDelivered uint64
	Pending       int64
	Consumers     int64
}

// Delivery is an entry handed to a consumer together with its delivery count.
type Delivery struct {
	Item
	Deliveries int64
}

// CreateGroup registers group with its cursor positioned after startAfter;
// zero delivers the log from the beginning.
func (l *Log) CreateGroup(ctx context.Context, group string, startAfter uint64) error {
	if err := ValidateName("group", group); err != nil {
		return err
	}
	l.groupMu.Lock()
	defer l.groupMu.Unlock()
	ok, err := l.groupExists(group)
	if err != nil {
		return err
	}
	if ok {
		return ErrGroupExists
	}
	meta, _ := json.Marshal(groupMeta{CreatedMs: NowMs()})
	b := l.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyGroupMeta(l.namespace, l.topic, group), meta, nil); err != nil {
		return err
	}
	if err := putCursor(b, KeyCursor(l.namespace, l.topic, group), startAfter); err != nil {
		return err
	}
	return l.db.CommitBatch(ctx, b)
}

func (l *Log) groupExists(group string) (bool, error) {
	_, err := l.db.Get(KeyGroupMeta(l.namespace, l.topic, group))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, pebblestore.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Groups lists every group of the topic.
func (l *Log) Groups() ([]GroupState, error) {
	prefix := KeyGroupsPrefix(l.namespace, l.topic)
	var names []string
	var metas []groupMeta
	err := l.db.ScanPrefix(prefix, func(k, v []byte) bool {
		if !bytes.HasSuffix(k, metaSuffix) {
			return true
		}
		name := string(k[len(prefix) : len(k)-len(metaSuffix)])
		if ValidateName("group", name) != nil {
			return true
		}
		var m groupMeta
		_ = json.Unmarshal(v, &m)
		names = append(names, name)
		metas = append(metas, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]GroupState, 0, len(names))
	for i, name := range names {
		gs := GroupState{Name: name, CreatedMs: metas[i].CreatedMs}
		gs.LastDelivered, _, err = l.cursor(name)
		if err != nil {
			return nil, err
		}
		sum, err := l.Pending(name)
		if err != nil {
			return nil, err
		}
		gs.Pending = sum.Count
		err = l.db.ScanPrefix(KeyConsumerPrefix(l.namespace, l.topic, name), func(_, _ []byte) bool {
			gs.Consumers++
			return true
		})
		if err != nil {
			return nil, err
		}
		out = append(out, gs)
	}
	return out, nil
}

// ReadGroup delivers up to count entries after the group's cursor to consumer,
// recording each one in the pending list. When nothing is available it waits
// up to block for an append; block <= 0 returns immediately.
func (l *Log) ReadGroup(ctx context.Context, group, consumer string, count int, block time.Duration) ([]Delivery, error) {
	if err := ValidateName("consumer", consumer); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(block)
	for {
		signal := l.appendSignal()
		out, err := l.deliverNext(ctx, group, consumer, count)
		if err != nil || len(out) > 0 || block <= 0 {
			return out, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if !waitSignal(ctx, signal, remaining) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}
}

func (l *Log) deliverNext(ctx context.Context, group, consumer string, count int) ([]Delivery, error) {
	l.groupMu.Lock()
	defer l.groupMu.Unlock()
	ok, err := l.groupExists(group)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoGroup
	}
	last, _, err := l.cursor(group)
	if err != nil {
		return nil, err
	}
	items, _, err := l.Read(ReadOptions{Start: TokenFromSeq(last + 1), Limit: count})
	if err != nil || len(items) == 0 {
		return nil, err
	}

	now := NowMs()
	b := l.db.NewBatch()
	defer b.Close()
	out := make([]Delivery, len(items))
	for i, it := range items {
		pe, _ := json.Marshal(PendingEntry{Consumer: consumer, DeliveredMs: now, Deliveries: 1})
		if err := b.Set(KeyPending(l.namespace, l.topic, group, it.Seq), pe, nil); err != nil {
			return nil, err
		}
		out[i] = Delivery{Item: it, Deliveries: 1}
	}
	if err := putCursor(b, KeyCursor(l.namespace, l.topic, group), items[len(items)-1].Seq); err != nil {
		return nil, err
	}
	if err := touchConsumer(b, KeyConsumer(l.namespace, l.topic, group, consumer), now); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	return out, nil
}

func touchConsumer(b *pebble.Batch, key []byte, ms int64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(ms))
	return b.Set(key, v[:], nil)
}
