// Package pebblestream implements stream.Log on the embedded event log.
package pebblestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/eventlog"
	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
	"github.com/izp1012/meloncity/internal/stream"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Retention bounds the size of the log. Zero values disable a bound.
type Retention struct {
	MaxAge   time.Duration
	MaxBytes int64
	Interval time.Duration
}

// Options configures a Log.
type Options struct {
	Namespace string
	Stream    string
	Retention Retention
	Logger    logpkg.Logger
}

// Log is a stream.Log stored in Pebble.
type Log struct {
	db     *pebblestore.DB
	el     *eventlog.Log
	opts   Options
	logger logpkg.Logger

	dlqMu sync.Mutex
	dlqs  map[string]*eventlog.Log

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

var _ stream.Log = (*Log)(nil)

// Open opens (or creates) the stream inside db. The caller keeps ownership of db.
func Open(db *pebblestore.DB, opts Options) (*Log, error) {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	el, err := eventlog.OpenLog(db, opts.Namespace, opts.Stream)
	if err != nil {
		return nil, err
	}
	l := &Log{
		db:     db,
		el:     el,
		opts:   opts,
		logger: opts.Logger.With(logpkg.Str("stream", opts.Stream)),
		dlqs:   map[string]*eventlog.Log{},
		stop:   make(chan struct{}),
	}
	el.SetArchiver(eventlog.ArchiverFunc(func(ns, topic string, minSeq, maxSeq uint64) {
		l.logger.Info("stream entries trimmed", logpkg.Uint64("min_seq", minSeq), logpkg.Uint64("max_seq", maxSeq))
	}))
	r := opts.Retention
	if r.Interval > 0 && (r.MaxAge > 0 || r.MaxBytes > 0) {
		l.wg.Add(1)
		go l.janitor(r)
	}
	return l, nil
}

func (l *Log) janitor(r Retention) {
	defer l.wg.Done()
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			if err := l.Trim(context.Background()); err != nil {
				l.logger.Warn("retention trim failed", logpkg.Err(err))
			}
		}
	}
}

// Trim applies the retention bounds once.
func (l *Log) Trim(ctx context.Context) error {
	r := l.opts.Retention
	if r.MaxAge > 0 {
		cutoff := eventlog.NowMs() - r.MaxAge.Milliseconds()
		if _, _, err := l.el.TrimOlderThan(ctx, cutoff, 1024, 0, nil); err != nil {
			return err
		}
	}
	if r.MaxBytes > 0 {
		if _, err := l.el.TrimToMaxBytes(ctx, r.MaxBytes, 1024, 0); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) check(op string) error {
	if l.closed.Load() {
		return chat.Fatal(op, stream.ErrClosed)
	}
	return nil
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, pebblestore.ErrClosed):
		return chat.Fatal(op, err)
	case errors.Is(err, eventlog.ErrNoGroup):
		return stream.ErrNoGroup
	}
	return chat.Transient(op, err)
}

func (l *Log) idFor(seq uint64) stream.ID {
	it, err := l.el.Get(seq)
	if err == nil {
		if ms, ok := eventlog.HeaderTime(it.Header); ok {
			return stream.FormatID(uint64(ms), seq)
		}
	}
	return stream.FormatID(0, seq)
}

// toEntry decodes a stored item. An undecodable payload still yields the
// entry, with empty Fields and Err set, so the group can settle it.
func toEntry(it eventlog.Item, deliveries int64) stream.Entry {
	ms, _ := eventlog.HeaderTime(it.Header)
	e := stream.Entry{ID: stream.FormatID(uint64(ms), it.Seq), Deliveries: deliveries}
	if err := decodeFields(it.Payload, &e.Fields); err != nil {
		e.Fields = stream.Fields{}
		e.Err = err
	}
	return e
}

func decodeFields(payload []byte, fields *stream.Fields) error {
	if err := json.Unmarshal(payload, fields); err != nil {
		return fmt.Errorf("decode entry payload: %w", err)
	}
	return nil
}

func seqOf(id stream.ID) (uint64, error) {
	_, seq, err := id.Parts()
	return seq, err
}

// Append implements stream.Log.
func (l *Log) Append(ctx context.Context, fields stream.Fields) (stream.ID, error) {
	if err := l.check("append"); err != nil {
		return "", err
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	pos, err := l.el.AppendTimed(ctx, payload)
	if err != nil {
		return "", classify("append", err)
	}
	return stream.FormatID(uint64(pos[0].Ms), pos[0].Seq), nil
}

// EnsureGroup implements stream.Log.
func (l *Log) EnsureGroup(ctx context.Context, group string) error {
	if err := l.check("create group"); err != nil {
		return err
	}
	err := l.el.CreateGroup(ctx, group, 0)
	if errors.Is(err, eventlog.ErrGroupExists) {
		return nil
	}
	return classify("create group", err)
}

// ReadGroup implements stream.Log.
func (l *Log) ReadGroup(ctx context.Context, group, consumer string, count int, block time.Duration) ([]stream.Entry, error) {
	if err := l.check("read group"); err != nil {
		return nil, err
	}
	ds, err := l.el.ReadGroup(ctx, group, consumer, count, block)
	if err != nil {
		return nil, classify("read group", err)
	}
	out := make([]stream.Entry, len(ds))
	for i, d := range ds {
		out[i] = toEntry(d.Item, d.Deliveries)
	}
	return out, nil
}

// Claim implements stream.Log.
func (l *Log) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, start stream.ID, count int) ([]stream.Entry, stream.ID, error) {
	if err := l.check("claim"); err != nil {
		return nil, stream.ZeroID, err
	}
	from, err := seqOf(start)
	if err != nil {
		return nil, stream.ZeroID, err
	}
	res, err := l.el.Claim(ctx, group, consumer, minIdle, from, count)
	if err != nil {
		return nil, stream.ZeroID, classify("claim", err)
	}
	if len(res.Deleted) > 0 {
		l.logger.Warn("dropped pending entries that were trimmed", logpkg.Int("count", len(res.Deleted)), logpkg.Str("group", group))
	}
	out := make([]stream.Entry, len(res.Claimed))
	for i, d := range res.Claimed {
		out[i] = toEntry(d.Item, d.Deliveries)
	}
	next := stream.ZeroID
	if res.Next > 0 {
		next = stream.FormatID(0, res.Next)
	}
	return out, next, nil
}

// Ack implements stream.Log.
func (l *Log) Ack(ctx context.Context, group string, ids ...stream.ID) (int64, error) {
	if err := l.check("ack"); err != nil {
		return 0, err
	}
	seqs := make([]uint64, 0, len(ids))
	for _, id := range ids {
		seq, err := seqOf(id)
		if err != nil {
			return 0, err
		}
		seqs = append(seqs, seq)
	}
	n, err := l.el.Ack(ctx, group, seqs...)
	return n, classify("ack", err)
}

// PendingSummary implements stream.Log.
func (l *Log) PendingSummary(ctx context.Context, group string) (stream.PendingSummary, error) {
	if err := l.check("pending"); err != nil {
		return stream.PendingSummary{}, err
	}
	sum, err := l.el.Pending(group)
	if err != nil {
		return stream.PendingSummary{}, classify("pending", err)
	}
	out := stream.PendingSummary{Count: sum.Count, Consumers: sum.Consumers}
	if sum.Count > 0 {
		out.Oldest = l.idFor(sum.Lowest)
		out.Newest = l.idFor(sum.Highest)
	}
	return out, nil
}

// Info implements stream.Log.
func (l *Log) Info(ctx context.Context) (stream.Info, error) {
	if err := l.check("info"); err != nil {
		return stream.Info{}, err
	}
	n, _, err := l.el.Stats()
	if err != nil {
		return stream.Info{}, classify("info", err)
	}
	groups, err := l.el.Groups()
	if err != nil {
		return stream.Info{}, classify("info", err)
	}
	info := stream.Info{Stream: l.opts.Stream, Length: n}
	for _, g := range groups {
		gi := stream.GroupInfo{Name: g.Name, Consumers: g.Consumers, Pending: g.Pending, LastDelivered: stream.ZeroID}
		if g.LastDelivered > 0 {
			gi.LastDelivered = l.idFor(g.LastDelivered)
		}
		info.Groups = append(info.Groups, gi)
	}
	return info, nil
}

func (l *Log) deadLetterLog(group string) (*eventlog.Log, error) {
	l.dlqMu.Lock()
	defer l.dlqMu.Unlock()
	if d, ok := l.dlqs[group]; ok {
		return d, nil
	}
	d, err := eventlog.OpenLog(l.db, l.opts.Namespace, stream.DeadLetterName(l.opts.Stream, group))
	if err != nil {
		return nil, err
	}
	l.dlqs[group] = d
	return d, nil
}

// DeadLetter implements stream.Log.
func (l *Log) DeadLetter(ctx context.Context, group string, e stream.Entry, reason string) (stream.ID, error) {
	if err := l.check("dead letter"); err != nil {
		return "", err
	}
	d, err := l.deadLetterLog(group)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(stream.DeadLetter{Origin: e.ID, Fields: e.Fields, Reason: reason, Deliveries: e.Deliveries, AtMs: eventlog.NowMs()})
	if err != nil {
		return "", err
	}
	pos, err := d.AppendTimed(ctx, payload)
	if err != nil {
		return "", classify("dead letter", err)
	}
	return stream.FormatID(uint64(pos[0].Ms), pos[0].Seq), nil
}

// DeadLetters implements stream.Log.
func (l *Log) DeadLetters(ctx context.Context, group string, limit int) ([]stream.DeadLetter, error) {
	if err := l.check("dead letters"); err != nil {
		return nil, err
	}
	d, err := l.deadLetterLog(group)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	items, _, err := d.Read(eventlog.ReadOptions{Reverse: true, Limit: limit})
	if err != nil {
		return nil, classify("dead letters", err)
	}
	out := make([]stream.DeadLetter, 0, len(items))
	for _, it := range items {
		var dl stream.DeadLetter
		if err := json.Unmarshal(it.Payload, &dl); err != nil {
			continue
		}
		ms, _ := eventlog.HeaderTime(it.Header)
		dl.ID = stream.FormatID(uint64(ms), it.Seq)
		out = append(out, dl)
	}
	return out, nil
}

// Close stops the retention janitor. The underlying database stays open.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stop)
	l.wg.Wait()
	return nil
}
