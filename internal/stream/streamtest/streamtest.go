// Package streamtest holds the behaviour every stream.Log backend must share.
package streamtest

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/stream"
)

// Factory opens a fresh, empty log for one subtest.
type Factory func(t *testing.T) stream.Log

// Run exercises a backend.
func Run(t *testing.T, open Factory) {
	t.Run("AppendOrdered", func(t *testing.T) { testAppendOrdered(t, open(t)) })
	t.Run("EnsureGroupIdempotent", func(t *testing.T) { testEnsureGroup(t, open(t)) })
	t.Run("CompetingConsumers", func(t *testing.T) { testCompeting(t, open(t)) })
	t.Run("AckClearsPending", func(t *testing.T) { testAck(t, open(t)) })
	t.Run("BlockTimeout", func(t *testing.T) { testBlockTimeout(t, open(t)) })
	t.Run("ClaimRecoversPending", func(t *testing.T) { testClaim(t, open(t)) })
	t.Run("DeadLetters", func(t *testing.T) { testDeadLetters(t, open(t)) })
	t.Run("Info", func(t *testing.T) { testInfo(t, open(t)) })
	t.Run("ClosedIsFatal", func(t *testing.T) { testClosed(t, open(t)) })
}

func appendN(t *testing.T, l stream.Log, n int) []stream.ID {
	t.Helper()
	ids := make([]stream.ID, n)
	for i := 0; i < n; i++ {
		id, err := l.Append(context.Background(), stream.Fields{"n": strconv.Itoa(i)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids[i] = id
	}
	return ids
}

func testAppendOrdered(t *testing.T, l stream.Log) {
	ids := appendN(t, l, 5)
	for i := 1; i < len(ids); i++ {
		if stream.CompareIDs(ids[i-1], ids[i]) >= 0 {
			t.Fatalf("ids not increasing: %s then %s", ids[i-1], ids[i])
		}
	}
}

func testEnsureGroup(t *testing.T, l stream.Log) {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.EnsureGroup(ctx, "g"); err != nil {
			t.Fatalf("ensure %d: %v", i, err)
		}
	}
}

func testCompeting(t *testing.T, l stream.Log) {
	ctx := context.Background()
	if err := l.EnsureGroup(ctx, "g"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	ids := appendN(t, l, 5)
	a, err := l.ReadGroup(ctx, "g", "a", 3, 0)
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	b, err := l.ReadGroup(ctx, "g", "b", 3, 0)
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if len(a) != 3 || len(b) != 2 {
		t.Fatalf("want 3+2 entries, got %d+%d", len(a), len(b))
	}
	if a[0].ID != ids[0] || b[1].ID != ids[4] || a[0].Fields["n"] != "0" {
		t.Fatalf("entries out of order: %v %v", a, b)
	}
	sum, err := l.PendingSummary(ctx, "g")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if sum.Count != 5 || sum.Oldest != ids[0] || sum.Newest != ids[4] || sum.Consumers["a"] != 3 || sum.Consumers["b"] != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func testAck(t *testing.T, l stream.Log) {
	ctx := context.Background()
	_ = l.EnsureGroup(ctx, "g")
	ids := appendN(t, l, 2)
	if _, err := l.ReadGroup(ctx, "g", "a", 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	n, err := l.Ack(ctx, "g", ids[0])
	if err != nil || n != 1 {
		t.Fatalf("ack: %d %v", n, err)
	}
	if n, _ := l.Ack(ctx, "g", ids[0]); n != 0 {
		t.Fatalf("second ack should be a no-op, got %d", n)
	}
	sum, _ := l.PendingSummary(ctx, "g")
	if sum.Count != 1 || sum.Oldest != ids[1] {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func testBlockTimeout(t *testing.T, l stream.Log) {
	ctx := context.Background()
	_ = l.EnsureGroup(ctx, "g")
	start := time.Now()
	got, err := l.ReadGroup(ctx, "g", "a", 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %d", len(got))
	}
	if el := time.Since(start); el > 2*time.Second {
		t.Fatalf("block did not respect timeout: %v", el)
	}
}

func testClaim(t *testing.T, l stream.Log) {
	ctx := context.Background()
	_ = l.EnsureGroup(ctx, "g")
	ids := appendN(t, l, 3)
	if _, err := l.ReadGroup(ctx, "g", "crashed", 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	var claimed []stream.Entry
	cursor := stream.ZeroID
	for i := 0; i < 10; i++ {
		es, next, err := l.Claim(ctx, "g", "recovering", 0, cursor, 2)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		claimed = append(claimed, es...)
		if next == stream.ZeroID {
			break
		}
		cursor = next
	}
	if len(claimed) != 3 || claimed[0].ID != ids[0] || claimed[2].ID != ids[2] {
		t.Fatalf("unexpected claimed entries: %v", claimed)
	}
	if claimed[0].Deliveries < 1 || claimed[0].Fields["n"] != "0" {
		t.Fatalf("claimed entry incomplete: %+v", claimed[0])
	}
	sum, _ := l.PendingSummary(ctx, "g")
	if sum.Consumers["recovering"] != 3 || sum.Consumers["crashed"] != 0 {
		t.Fatalf("ownership not transferred: %+v", sum.Consumers)
	}
	// new reads never redeliver claimed entries
	if es, _ := l.ReadGroup(ctx, "g", "other", 10, 0); len(es) != 0 {
		t.Fatalf("pending entries redelivered as new: %v", es)
	}
}

func testDeadLetters(t *testing.T, l stream.Log) {
	ctx := context.Background()
	e := stream.Entry{ID: "1-1", Fields: stream.Fields{"roomId": "x"}, Deliveries: 3}
	if _, err := l.DeadLetter(ctx, "g", e, "first"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if _, err := l.DeadLetter(ctx, "g", stream.Entry{ID: "1-2"}, "second"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dls, err := l.DeadLetters(ctx, "g", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(dls) != 2 || dls[0].Reason != "second" || dls[1].Origin != "1-1" || dls[1].Fields["roomId"] != "x" || dls[1].Deliveries != 3 {
		t.Fatalf("unexpected dead letters: %+v", dls)
	}
	if other, _ := l.DeadLetters(ctx, "other", 10); len(other) != 0 {
		t.Fatalf("dead letters leaked across groups")
	}
}

func testInfo(t *testing.T, l stream.Log) {
	ctx := context.Background()
	_ = l.EnsureGroup(ctx, "g")
	ids := appendN(t, l, 3)
	_, _ = l.ReadGroup(ctx, "g", "a", 2, 0)
	info, err := l.Info(ctx)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Length != 3 || len(info.Groups) != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}
	g := info.Groups[0]
	if g.Name != "g" || g.Pending != 2 || g.Consumers != 1 || g.LastDelivered != ids[1] {
		t.Fatalf("unexpected group info: %+v", g)
	}
}

func testClosed(t *testing.T, l stream.Log) {
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := l.Append(context.Background(), stream.Fields{"a": "b"})
	if !chat.IsFatal(err) {
		t.Fatalf("want fatal error after close, got %v", err)
	}
	if chat.IsTransient(err) || errors.Is(err, context.Canceled) {
		t.Fatalf("closed log misclassified: %v", err)
	}
}
