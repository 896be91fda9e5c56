package eventlog

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
)

// AppendRecord represents a single appendable event.
type AppendRecord struct {
	Header  []byte
	Payload []byte
}

// Position is the identity assigned to an appended record.
type Position struct {
	Seq uint64
	Ms  int64
}

// NowMs is the clock used for append stamps and pending-entry times.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Log provides append-only operations and consumer groups for a namespace/topic.
type Log struct {
	db        *pebblestore.DB
	namespace string
	topic     string

	mu       sync.Mutex
	lastSeq  uint64
	lastMs   int64
	notifyCh chan struct{}
	archiver ArchiverHook

	// groupMu serializes cursor and pending-list mutations.
	groupMu sync.Mutex
}

// OpenLog initializes a Log and loads the last sequence from metadata (if any).
func OpenLog(db *pebblestore.DB, namespace, topic string) (*Log, error) {
	if err := ValidateName("namespace", namespace); err != nil {
		return nil, err
	}
	if err := ValidateName("topic", topic); err != nil {
		return nil, err
	}
	l := &Log{db: db, namespace: namespace, topic: topic, notifyCh: make(chan struct{}), archiver: noopArchiver{}}
	meta, err := db.Get(KeyLogMeta(namespace, topic))
	switch {
	case err == nil:
		if len(meta) >= 8 {
			l.lastSeq = binary.BigEndian.Uint64(meta[:8])
		}
		if len(meta) >= 16 {
			l.lastMs = int64(binary.BigEndian.Uint64(meta[8:16]))
		}
	case errors.Is(err, pebblestore.ErrNotFound):
	default:
		return nil, err
	}
	return l, nil
}

// Namespace returns the namespace the log lives in.
func (l *Log) Namespace() string { return l.namespace }

// Topic returns the topic name.
func (l *Log) Topic() string { return l.topic }

// LastSeq returns the highest assigned sequence.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Append appends the provided records as a single atomic batch. Returns assigned seq numbers.
func (l *Log) Append(ctx context.Context, recs []AppendRecord) ([]uint64, error) {
	pos, err := l.append(ctx, recs, false)
	if err != nil {
		return nil, err
	}
	seqs := make([]uint64, len(pos))
	for i, p := range pos {
		seqs[i] = p.Seq
	}
	return seqs, nil
}

// AppendTimed appends payloads with a time header. Stamps never go backwards,
// so (Ms, Seq) orders records the same way Seq does.
func (l *Log) AppendTimed(ctx context.Context, payloads ...[]byte) ([]Position, error) {
	recs := make([]AppendRecord, len(payloads))
	for i, p := range payloads {
		recs[i] = AppendRecord{Payload: p}
	}
	return l.append(ctx, recs, true)
}

func (l *Log) append(ctx context.Context, recs []AppendRecord, stamp bool) ([]Position, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	seq, ms := l.lastSeq, l.lastMs
	out := make([]Position, len(recs))
	for i, r := range recs {
		seq++
		if now := NowMs(); now > ms {
			ms = now
		}
		header := r.Header
		if stamp {
			header = TimeHeader(ms)
		}
		if err := b.Set(KeyLogEntry(l.namespace, l.topic, seq), EncodeRecord(header, r.Payload), nil); err != nil {
			return nil, err
		}
		out[i] = Position{Seq: seq, Ms: ms}
	}

	var meta [16]byte
	binary.BigEndian.PutUint64(meta[:8], seq)
	binary.BigEndian.PutUint64(meta[8:], uint64(ms))
	if err := b.Set(KeyLogMeta(l.namespace, l.topic), meta[:], nil); err != nil {
		return nil, err
	}

	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	l.lastSeq, l.lastMs = seq, ms
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return out, nil
}

// ErrNotFound is returned when a sequence has no entry.
var ErrNotFound = errors.New("event not found")
