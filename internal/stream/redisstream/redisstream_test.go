package redisstream

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/stream"
	"github.com/izp1012/meloncity/internal/stream/streamtest"
)

func newLog(t *testing.T, opts Options) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if opts.Stream == "" {
		opts.Stream = "chat-stream"
	}
	opts.CloseClient = true
	l := New(rdb, opts)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestConformance(t *testing.T) {
	streamtest.Run(t, func(t *testing.T) stream.Log {
		l, _ := newLog(t, Options{})
		return l
	})
}

func TestErrorCode(t *testing.T) {
	l, _ := newLog(t, Options{})
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	err := l.rdb.XGroupCreateMkStream(ctx, "chat-stream", "g", "0").Err()
	if got := errorCode(err); got != "BUSYGROUP" {
		t.Fatalf("want BUSYGROUP, got %q (%v)", got, err)
	}
	if errorCode(context.Canceled) != "" {
		t.Fatalf("non-redis errors carry no code")
	}
}

func TestMissingGroup(t *testing.T) {
	l, _ := newLog(t, Options{})
	ctx := context.Background()
	_, _ = l.Append(ctx, stream.Fields{"a": "b"})
	_, err := l.ReadGroup(ctx, "missing", "c", 1, 0)
	if err != stream.ErrNoGroup {
		t.Fatalf("want ErrNoGroup, got %v", err)
	}
}

func TestServerDownIsTransient(t *testing.T) {
	l, mr := newLog(t, Options{})
	mr.Close()
	_, err := l.Append(context.Background(), stream.Fields{"a": "b"})
	if !chat.IsTransient(err) {
		t.Fatalf("want transient error, got %v", err)
	}
}

func TestMaxLen(t *testing.T) {
	l, _ := newLog(t, Options{MaxLen: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, stream.Fields{"i": "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	n, err := l.rdb.XLen(ctx, "chat-stream").Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n < 2 || n > 5 {
		t.Fatalf("unexpected stream length %d", n)
	}
}

func TestInfoWithoutKey(t *testing.T) {
	l, _ := newLog(t, Options{Stream: "nothing-here"})
	info, err := l.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Length != 0 || len(info.Groups) != 0 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestMissingKeyChecksTheServer(t *testing.T) {
	l, mr := newLog(t, Options{})
	ctx := context.Background()
	errReply := l.rdb.Do(ctx, "XINFO", "GROUPS", "chat-stream").Err()
	if errorCode(errReply) != "ERR" {
		t.Fatalf("want an ERR reply, got %v", errReply)
	}
	if !l.missingKey(ctx, errReply) {
		t.Fatalf("absent key not recognised")
	}

	if _, err := l.Append(ctx, stream.Fields{"a": "b"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if l.missingKey(ctx, errReply) {
		t.Fatalf("an ERR reply on an existing key is not a missing key")
	}

	mr.Set("plain", "value")
	wrongType := l.rdb.XLen(ctx, "plain").Err()
	if errorCode(wrongType) != "WRONGTYPE" || l.missingKey(ctx, wrongType) {
		t.Fatalf("non-ERR replies are never a missing key: %v", wrongType)
	}
	if l.missingKey(ctx, context.Canceled) {
		t.Fatalf("non-redis errors are never a missing key")
	}
}
