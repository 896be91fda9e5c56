package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
)

// PendingEntry is the pending-list record of a delivered, unacknowledged entry.
type PendingEntry struct {
	Consumer    string `json:"consumer"`
	DeliveredMs int64  `json:"delivered_ms"`
	Deliveries  int64  `json:"deliveries"`
}

// PendingSummary aggregates a group's pending list.
type PendingSummary struct {
	Count     int64
	Lowest    uint64
	Highest   uint64
	Consumers map[string]int64
}

// Pending summarizes the pending list of group.
func (l *Log) Pending(group string) (PendingSummary, error) {
	sum := PendingSummary{Consumers: map[string]int64{}}
	var decodeErr error
	err := l.db.ScanPrefix(KeyPendingPrefix(l.namespace, l.topic, group), func(k, v []byte) bool {
		var pe PendingEntry
		if err := json.Unmarshal(v, &pe); err != nil {
			decodeErr = err
			return false
		}
		seq := seqSuffix(k)
		if sum.Count == 0 {
			sum.Lowest = seq
		}
		sum.Highest = seq
		sum.Count++
		sum.Consumers[pe.Consumer]++
		return true
	})
	if err == nil {
		err = decodeErr
	}
	return sum, err
}

// PendingFor returns the pending record of seq, if any.
func (l *Log) PendingFor(group string, seq uint64) (PendingEntry, bool, error) {
	v, err := l.db.Get(KeyPending(l.namespace, l.topic, group, seq))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return PendingEntry{}, false, nil
		}
		return PendingEntry{}, false, err
	}
	var pe PendingEntry
	if err := json.Unmarshal(v, &pe); err != nil {
		return PendingEntry{}, false, err
	}
	return pe, true, nil
}

// Ack removes seqs from the group's pending list and returns how many were pending.
func (l *Log) Ack(ctx context.Context, group string, seqs ...uint64) (int64, error) {
	if len(seqs) == 0 {
		return 0, nil
	}
	l.groupMu.Lock()
	defer l.groupMu.Unlock()
	b := l.db.NewBatch()
	defer b.Close()
	var n int64
	for _, seq := range seqs {
		key := KeyPending(l.namespace, l.topic, group, seq)
		if _, err := l.db.Get(key); err != nil {
			if errors.Is(err, pebblestore.ErrNotFound) {
				continue
			}
			return 0, err
		}
		if err := b.Delete(key, nil); err != nil {
			return 0, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, l.db.CommitBatch(ctx, b)
}

// ClaimResult is the outcome of one Claim pass.
type ClaimResult struct {
	Claimed []Delivery
	// Deleted holds pending seqs whose entries no longer exist; they are
	// removed from the pending list.
	Deleted []uint64
	// Next is the seq to resume from, or 0 when the walk reached the end.
	Next uint64
}

// Claim walks the pending list from start (inclusive) and transfers up to
// count entries idle for at least minIdle to consumer, bumping their delivery
// counts.
func (l *Log) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, start uint64, count int) (ClaimResult, error) {
	if err := ValidateName("consumer", consumer); err != nil {
		return ClaimResult{}, err
	}
	if count <= 0 {
		count = 1
	}
	l.groupMu.Lock()
	defer l.groupMu.Unlock()
	ok, err := l.groupExists(group)
	if err != nil {
		return ClaimResult{}, err
	}
	if !ok {
		return ClaimResult{}, ErrNoGroup
	}

	prefix := KeyPendingPrefix(l.namespace, l.topic, group)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: KeyPending(l.namespace, l.topic, group, start),
		UpperBound: pebblestore.PrefixUpperBound(prefix),
	})
	if err != nil {
		return ClaimResult{}, err
	}
	defer iter.Close()

	now := NowMs()
	idleMs := minIdle.Milliseconds()
	b := l.db.NewBatch()
	defer b.Close()
	var res ClaimResult
	valid := iter.First()
	for ; valid && len(res.Claimed)+len(res.Deleted) < count; valid = iter.Next() {
		var pe PendingEntry
		if err := json.Unmarshal(iter.Value(), &pe); err != nil {
			return ClaimResult{}, err
		}
		if now-pe.DeliveredMs < idleMs {
			continue
		}
		seq := seqSuffix(iter.Key())
		key := append([]byte(nil), iter.Key()...)
		item, err := l.Get(seq)
		if errors.Is(err, ErrNotFound) {
			if err := b.Delete(key, nil); err != nil {
				return ClaimResult{}, err
			}
			res.Deleted = append(res.Deleted, seq)
			continue
		}
		if err != nil {
			return ClaimResult{}, err
		}
		pe.Consumer = consumer
		pe.DeliveredMs = now
		pe.Deliveries++
		v, _ := json.Marshal(pe)
		if err := b.Set(key, v, nil); err != nil {
			return ClaimResult{}, err
		}
		res.Claimed = append(res.Claimed, Delivery{Item: item, Deliveries: pe.Deliveries})
	}
	if valid {
		res.Next = seqSuffix(iter.Key())
	}
	if err := iter.Error(); err != nil {
		return ClaimResult{}, err
	}
	if len(res.Claimed)+len(res.Deleted) == 0 {
		return res, nil
	}
	if len(res.Claimed) > 0 {
		if err := touchConsumer(b, KeyConsumer(l.namespace, l.topic, group, consumer), now); err != nil {
			return ClaimResult{}, err
		}
	}
	return res, l.db.CommitBatch(ctx, b)
}
