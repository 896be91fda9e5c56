package eventlog

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
)

// CommitCursor stores the last delivered seq for a group idempotently.
// If seq is not above the stored one, the commit is ignored.
func (l *Log) CommitCursor(ctx context.Context, group string, seq uint64) error {
	l.groupMu.Lock()
	defer l.groupMu.Unlock()
	prev, _, err := l.cursor(group)
	if err != nil {
		return err
	}
	if seq <= prev {
		return nil
	}
	b := l.db.NewBatch()
	defer b.Close()
	if err := putCursor(b, KeyCursor(l.namespace, l.topic, group), seq); err != nil {
		return err
	}
	return l.db.CommitBatch(ctx, b)
}

// GetCursor loads the last delivered seq for a group.
func (l *Log) GetCursor(group string) (uint64, bool) {
	seq, ok, err := l.cursor(group)
	if err != nil {
		return 0, false
	}
	return seq, ok
}

func (l *Log) cursor(group string) (uint64, bool, error) {
	cur, err := l.db.Get(KeyCursor(l.namespace, l.topic, group))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(cur) < 8 {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(cur[:8]), true, nil
}

func putCursor(b *pebble.Batch, key []byte, seq uint64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], seq)
	return b.Set(key, v[:], nil)
}
