package eventlog

import (
	"context"
	"time"
)

// HeaderTimestampExtractor extracts a write timestamp (ms) from an event header.
// Returns (ms, true) if present and valid.
type HeaderTimestampExtractor func(header []byte) (int64, bool)

// TrimOlderThan deletes leading entries whose header timestamp is < cutoffMs,
// stopping at the first newer entry. A nil tsx uses HeaderTime.
// Returns number of deleted entries and the last deleted sequence (0 if none).
func (l *Log) TrimOlderThan(ctx context.Context, cutoffMs int64, batchLimit int, throttle time.Duration, tsx HeaderTimestampExtractor) (int, uint64, error) {
	if tsx == nil {
		tsx = HeaderTime
	}
	return l.trimFront(ctx, batchLimit, throttle, func(_ uint64, value []byte) bool {
		dec, err := DecodeRecord(value)
		if err != nil {
			return false
		}
		ms, ok := tsx(dec.Header)
		return ok && ms < cutoffMs
	})
}

// TrimToMaxBytes deletes the oldest entries until the encoded size of the log
// is at most maxBytes. Batched and throttled like TrimOlderThan.
func (l *Log) TrimToMaxBytes(ctx context.Context, maxBytes int64, batchLimit int, throttle time.Duration) (int, error) {
	if maxBytes < 0 {
		return 0, nil
	}
	_, total, err := l.Stats()
	if err != nil || total <= maxBytes {
		return 0, err
	}
	n, _, err := l.trimFront(ctx, batchLimit, throttle, func(_ uint64, value []byte) bool {
		if total <= maxBytes {
			return false
		}
		total -= int64(len(value))
		return true
	})
	return n, err
}

// trimFront deletes entries from the head of the log while del returns true.
// Each committed batch is reported to the archiver hook.
func (l *Log) trimFront(ctx context.Context, batchLimit int, throttle time.Duration, del func(seq uint64, value []byte) bool) (int, uint64, error) {
	if batchLimit <= 0 {
		batchLimit = 1024
	}
	iter, err := l.entryIter()
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()

	archiver := l.archiverHook()
	deleted := 0
	var lastSeq uint64
	ok := iter.First()
	for ok {
		if err := ctx.Err(); err != nil {
			return deleted, lastSeq, err
		}
		b := l.db.NewBatch()
		var minSeq uint64
		n := 0
		for ok && n < batchLimit {
			seq := seqSuffix(iter.Key())
			if !del(seq, iter.Value()) {
				ok = false
				break
			}
			if err := b.Delete(iter.Key(), nil); err != nil {
				b.Close()
				return deleted, lastSeq, err
			}
			if n == 0 {
				minSeq = seq
			}
			lastSeq = seq
			n++
			ok = iter.Next()
		}
		if n == 0 {
			b.Close()
			break
		}
		err := l.db.CommitBatch(ctx, b)
		b.Close()
		if err != nil {
			return deleted, lastSeq, err
		}
		deleted += n
		archiver.EmitTrimRange(l.namespace, l.topic, minSeq, lastSeq)
		if throttle > 0 && ok {
			time.Sleep(throttle)
		}
	}
	return deleted, lastSeq, iter.Error()
}
