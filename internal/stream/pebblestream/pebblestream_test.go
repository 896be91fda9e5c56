package pebblestream

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/izp1012/meloncity/internal/eventlog"
	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
	"github.com/izp1012/meloncity/internal/stream"
	"github.com/izp1012/meloncity/internal/stream/streamtest"
)

func openDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func openLog(t *testing.T, db *pebblestore.DB, opts Options) *Log {
	t.Helper()
	if opts.Stream == "" {
		opts.Stream = "chat-stream"
	}
	l, err := Open(db, opts)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestConformance(t *testing.T) {
	streamtest.Run(t, func(t *testing.T) stream.Log {
		return openLog(t, openDB(t), Options{Namespace: "test"})
	})
}

func TestClaimCountsDeliveries(t *testing.T) {
	l := openLog(t, openDB(t), Options{})
	ctx := context.Background()
	_ = l.EnsureGroup(ctx, "g")
	id, _ := l.Append(ctx, stream.Fields{"k": "v"})
	_, _ = l.ReadGroup(ctx, "g", "a", 1, 0)
	for want := int64(2); want <= 3; want++ {
		es, _, err := l.Claim(ctx, "g", "b", 0, stream.ZeroID, 10)
		if err != nil || len(es) != 1 || es[0].ID != id || es[0].Deliveries != want {
			t.Fatalf("claim: %+v %v (want deliveries %d)", es, err, want)
		}
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l, _ := Open(db, Options{Stream: "s"})
	ctx := context.Background()
	_ = l.EnsureGroup(ctx, "g")
	id, _ := l.Append(ctx, stream.Fields{"k": "v"})
	_, _ = l.ReadGroup(ctx, "g", "a", 1, 0)
	_ = l.Close()
	_ = db.Close()

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	l2, _ := Open(db2, Options{Stream: "s"})
	defer l2.Close()
	sum, err := l2.PendingSummary(ctx, "g")
	if err != nil || sum.Count != 1 || sum.Oldest != id {
		t.Fatalf("pending not durable: %+v %v", sum, err)
	}
	next, _ := l2.Append(ctx, stream.Fields{"k": "w"})
	if stream.CompareIDs(next, id) <= 0 {
		t.Fatalf("ids regressed after reopen: %s <= %s", next, id)
	}
}

func TestRetentionTrim(t *testing.T) {
	l := openLog(t, openDB(t), Options{Retention: Retention{MaxAge: time.Minute}})
	ctx := context.Background()
	now := time.Now().UnixMilli()
	defer func() { eventlog.NowMs = func() int64 { return time.Now().UnixMilli() } }()
	eventlog.NowMs = func() int64 { return now - 2*time.Minute.Milliseconds() }
	_, _ = l.Append(ctx, stream.Fields{"old": "1"})
	eventlog.NowMs = func() int64 { return time.Now().UnixMilli() }
	_, _ = l.Append(ctx, stream.Fields{"new": "1"})

	if err := l.Trim(ctx); err != nil {
		t.Fatalf("trim: %v", err)
	}
	info, _ := l.Info(ctx)
	if info.Length != 1 {
		t.Fatalf("want 1 entry after retention, got %d", info.Length)
	}
}

func TestUndecodablePayloadIsReportedOnTheEntry(t *testing.T) {
	l := openLog(t, openDB(t), Options{})
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := l.el.AppendTimed(ctx, []byte("{not json")); err != nil {
		t.Fatalf("append raw: %v", err)
	}
	good, err := l.Append(ctx, stream.Fields{"k": "v"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	es, err := l.ReadGroup(ctx, "g", "a", 10, 0)
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	if len(es) != 2 {
		t.Fatalf("want both entries delivered, got %+v", es)
	}
	if es[0].Err == nil || len(es[0].Fields) != 0 {
		t.Fatalf("corrupt entry not flagged: %+v", es[0])
	}
	if !strings.Contains(es[0].Err.Error(), "decode entry payload") {
		t.Fatalf("unexpected cause: %v", es[0].Err)
	}
	if es[1].ID != good || es[1].Err != nil || es[1].Fields["k"] != "v" {
		t.Fatalf("good entry: %+v", es[1])
	}

	claimed, _, err := l.Claim(ctx, "g", "b", 0, stream.ZeroID, 10)
	if err != nil || len(claimed) != 2 || claimed[0].Err == nil {
		t.Fatalf("claim: %+v %v", claimed, err)
	}
}
