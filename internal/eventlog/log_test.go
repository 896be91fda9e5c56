package eventlog

import (
	"context"
	"testing"
	"time"

	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	l, err := OpenLog(db, "ns", "t")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func TestAppendAssignsSequential(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	seqs, err := l.Append(ctx, []AppendRecord{{Header: []byte("h1"), Payload: []byte("p1")}, {Header: []byte("h2"), Payload: []byte("p2")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(seqs) != 2 {
		t.Fatalf("want 2 seqs, got %d", len(seqs))
	}
	if !(seqs[0] < seqs[1]) {
		t.Fatalf("expected increasing seqs: %v", seqs)
	}
}

func TestAppendDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	l, err := OpenLog(db, "ns", "t")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	ctx := context.Background()
	seqs, err := l.Append(ctx, []AppendRecord{{Payload: []byte("x")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(seqs) != 1 {
		t.Fatalf("want one seq")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// reopen and ensure lastSeq is restored via meta
	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	l2, err := OpenLog(db2, "ns", "t")
	if err != nil {
		t.Fatalf("open log2: %v", err)
	}
	seqs2, err := l2.Append(ctx, []AppendRecord{{Payload: []byte("y")}})
	if err != nil {
		t.Fatalf("append2: %v", err)
	}
	if !(seqs[0] < seqs2[0]) {
		t.Fatalf("expected next seq > previous: prev=%d next=%d", seqs[0], seqs2[0])
	}
}

func TestAppendTimedMonotonicStamps(t *testing.T) {
	l := newTestLog(t)
	clock := int64(5000)
	NowMs = func() int64 { return clock }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	a, err := l.AppendTimed(context.Background(), []byte("a"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	clock = 4000 // clock went backwards
	b, err := l.AppendTimed(context.Background(), []byte("b"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if b[0].Seq <= a[0].Seq || b[0].Ms < a[0].Ms {
		t.Fatalf("positions must not regress: a=%+v b=%+v", a[0], b[0])
	}
	it, err := l.Get(b[0].Seq)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ms, ok := HeaderTime(it.Header); !ok || ms != b[0].Ms {
		t.Fatalf("header stamp mismatch: %d", ms)
	}
}

func TestOpenLogRejectsBadNames(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := OpenLog(db, "ns", "a/b"); err == nil {
		t.Fatalf("expected topic with slash to be rejected")
	}
}
