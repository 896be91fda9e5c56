// Package redisstream implements stream.Log on Redis Streams.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/stream"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Options configures a Log.
type Options struct {
	Stream string
	// MaxLen caps the stream with approximate trimming on every append. Zero
	// keeps everything.
	MaxLen int64
	// CloseClient makes Close also close the Redis client.
	CloseClient bool
	Logger      logpkg.Logger
}

// Log is a stream.Log backed by a Redis stream key.
type Log struct {
	rdb    redis.UniversalClient
	opts   Options
	logger logpkg.Logger
	closed atomic.Bool
}

var _ stream.Log = (*Log)(nil)

// New wraps rdb. The stream key is created lazily by Append or EnsureGroup.
func New(rdb redis.UniversalClient, opts Options) *Log {
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	return &Log{rdb: rdb, opts: opts, logger: opts.Logger.With(logpkg.Str("stream", opts.Stream))}
}

// errorCode returns the leading token of a server error reply, e.g. BUSYGROUP.
func errorCode(err error) string {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return ""
	}
	code, _, _ := strings.Cut(rerr.Error(), " ")
	return code
}

// missingKey reports whether err is the generic ERR reply a stream command
// gives for an absent key. The reply text is not stable across servers, so
// the key is checked directly.
func (l *Log) missingKey(ctx context.Context, err error) bool {
	if errorCode(err) != "ERR" {
		return false
	}
	n, xerr := l.rdb.Exists(ctx, l.opts.Stream).Result()
	return xerr == nil && n == 0
}

func (l *Log) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, redis.ErrClosed):
		return chat.Fatal(op, err)
	case errorCode(err) == "NOGROUP":
		return stream.ErrNoGroup
	}
	// network failures and server replies such as LOADING or OOM
	return chat.Transient(op, err)
}

func (l *Log) check(op string) error {
	if l.closed.Load() {
		return chat.Fatal(op, stream.ErrClosed)
	}
	return nil
}

func toFields(values map[string]interface{}) stream.Fields {
	out := make(stream.Fields, len(values))
	for k, v := range values {
		switch s := v.(type) {
		case string:
			out[k] = s
		case nil:
		default:
			b, _ := json.Marshal(s)
			out[k] = string(b)
		}
	}
	return out
}

func toValues(fields stream.Fields) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Append implements stream.Log.
func (l *Log) Append(ctx context.Context, fields stream.Fields) (stream.ID, error) {
	if err := l.check("append"); err != nil {
		return "", err
	}
	if len(fields) == 0 {
		return "", errors.New("stream: empty entry")
	}
	args := &redis.XAddArgs{Stream: l.opts.Stream, Values: toValues(fields)}
	if l.opts.MaxLen > 0 {
		args.MaxLen = l.opts.MaxLen
		args.Approx = true
	}
	id, err := l.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", l.classify("append", err)
	}
	return stream.ID(id), nil
}

// EnsureGroup implements stream.Log.
func (l *Log) EnsureGroup(ctx context.Context, group string) error {
	if err := l.check("create group"); err != nil {
		return err
	}
	err := l.rdb.XGroupCreateMkStream(ctx, l.opts.Stream, group, "0").Err()
	if err != nil && errorCode(err) == "BUSYGROUP" {
		return nil
	}
	return l.classify("create group", err)
}

// ReadGroup implements stream.Log.
func (l *Log) ReadGroup(ctx context.Context, group, consumer string, count int, block time.Duration) ([]stream.Entry, error) {
	if err := l.check("read group"); err != nil {
		return nil, err
	}
	if block <= 0 {
		// a zero BLOCK waits forever in Redis
		block = -1
	}
	res, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{l.opts.Stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, l.classify("read group", err)
	}
	var out []stream.Entry
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, stream.Entry{ID: stream.ID(m.ID), Fields: toFields(m.Values), Deliveries: 1})
		}
	}
	return out, nil
}

// Claim implements stream.Log.
func (l *Log) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, start stream.ID, count int) ([]stream.Entry, stream.ID, error) {
	if err := l.check("claim"); err != nil {
		return nil, stream.ZeroID, err
	}
	if start == "" {
		start = stream.ZeroID
	}
	msgs, next, err := l.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   l.opts.Stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    string(start),
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, stream.ZeroID, l.classify("claim", err)
	}
	out := make([]stream.Entry, 0, len(msgs))
	var gone []string
	for _, m := range msgs {
		if m.Values == nil {
			gone = append(gone, m.ID)
			continue
		}
		out = append(out, stream.Entry{ID: stream.ID(m.ID), Fields: toFields(m.Values)})
	}
	if len(gone) > 0 {
		// entries trimmed away while pending; nothing left to process
		_ = l.rdb.XAck(ctx, l.opts.Stream, group, gone...).Err()
		l.logger.Warn("dropped pending entries that were trimmed", logpkg.Int("count", len(gone)), logpkg.Str("group", group))
	}
	if len(out) > 0 {
		l.fillDeliveries(ctx, group, consumer, out)
	}
	if next == "" {
		next = string(stream.ZeroID)
	}
	return out, stream.ID(next), nil
}

// fillDeliveries looks up the delivery counters of freshly claimed entries.
// Failures leave the counters at zero.
func (l *Log) fillDeliveries(ctx context.Context, group, consumer string, es []stream.Entry) {
	pend, err := l.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   l.opts.Stream,
		Group:    group,
		Start:    string(es[0].ID),
		End:      string(es[len(es)-1].ID),
		Count:    int64(len(es)),
		Consumer: consumer,
	}).Result()
	if err != nil {
		l.logger.Debug("pending lookup failed", logpkg.Err(err))
		return
	}
	counts := make(map[string]int64, len(pend))
	for _, p := range pend {
		counts[p.ID] = p.RetryCount
	}
	for i := range es {
		es[i].Deliveries = counts[string(es[i].ID)]
	}
}

// Ack implements stream.Log.
func (l *Log) Ack(ctx context.Context, group string, ids ...stream.ID) (int64, error) {
	if err := l.check("ack"); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	n, err := l.rdb.XAck(ctx, l.opts.Stream, group, raw...).Result()
	return n, l.classify("ack", err)
}

// PendingSummary implements stream.Log.
func (l *Log) PendingSummary(ctx context.Context, group string) (stream.PendingSummary, error) {
	if err := l.check("pending"); err != nil {
		return stream.PendingSummary{}, err
	}
	p, err := l.rdb.XPending(ctx, l.opts.Stream, group).Result()
	if err != nil {
		return stream.PendingSummary{}, l.classify("pending", err)
	}
	out := stream.PendingSummary{Count: p.Count, Consumers: p.Consumers}
	if p.Count > 0 {
		out.Oldest = stream.ID(p.Lower)
		out.Newest = stream.ID(p.Higher)
	}
	if out.Consumers == nil {
		out.Consumers = map[string]int64{}
	}
	return out, nil
}

// Info implements stream.Log.
func (l *Log) Info(ctx context.Context) (stream.Info, error) {
	if err := l.check("info"); err != nil {
		return stream.Info{}, err
	}
	n, err := l.rdb.XLen(ctx, l.opts.Stream).Result()
	if err != nil {
		return stream.Info{}, l.classify("info", err)
	}
	info := stream.Info{Stream: l.opts.Stream, Length: n}
	groups, err := l.rdb.XInfoGroups(ctx, l.opts.Stream).Result()
	if err != nil {
		if l.missingKey(ctx, err) {
			return info, nil
		}
		return stream.Info{}, l.classify("info", err)
	}
	for _, g := range groups {
		info.Groups = append(info.Groups, stream.GroupInfo{
			Name:          g.Name,
			Consumers:     g.Consumers,
			Pending:       g.Pending,
			LastDelivered: stream.ID(g.LastDeliveredID),
		})
	}
	return info, nil
}

// DeadLetter implements stream.Log.
func (l *Log) DeadLetter(ctx context.Context, group string, e stream.Entry, reason string) (stream.ID, error) {
	if err := l.check("dead letter"); err != nil {
		return "", err
	}
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return "", err
	}
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream.DeadLetterName(l.opts.Stream, group),
		Values: map[string]interface{}{
			"origin":     string(e.ID),
			"fields":     string(fields),
			"reason":     reason,
			"deliveries": strconv.FormatInt(e.Deliveries, 10),
			"atMs":       strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	}).Result()
	if err != nil {
		return "", l.classify("dead letter", err)
	}
	return stream.ID(id), nil
}

// DeadLetters implements stream.Log.
func (l *Log) DeadLetters(ctx context.Context, group string, limit int) ([]stream.DeadLetter, error) {
	if err := l.check("dead letters"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	msgs, err := l.rdb.XRevRangeN(ctx, stream.DeadLetterName(l.opts.Stream, group), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, l.classify("dead letters", err)
	}
	out := make([]stream.DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		v := toFields(m.Values)
		dl := stream.DeadLetter{ID: stream.ID(m.ID), Origin: stream.ID(v["origin"]), Reason: v["reason"]}
		_ = json.Unmarshal([]byte(v["fields"]), &dl.Fields)
		dl.Deliveries, _ = strconv.ParseInt(v["deliveries"], 10, 64)
		dl.AtMs, _ = strconv.ParseInt(v["atMs"], 10, 64)
		out = append(out, dl)
	}
	return out, nil
}

// Close marks the log closed and optionally closes the client.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.opts.CloseClient {
		return l.rdb.Close()
	}
	return nil
}
