package consumersvc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
	"github.com/izp1012/meloncity/internal/store"
	"github.com/izp1012/meloncity/internal/store/kvstore"
	"github.com/izp1012/meloncity/internal/stream"
	"github.com/izp1012/meloncity/internal/stream/pebblestream"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

type frames struct {
	mu     sync.Mutex
	topics map[string][]any
}

func (f *frames) Publish(topic string, payload any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.topics == nil {
		f.topics = map[string][]any{}
	}
	f.topics[topic] = append(f.topics[topic], payload)
	return 1
}

func (f *frames) on(topic string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.topics[topic]...)
}

type fixture struct {
	log  *pebblestream.Log
	st   store.Store
	hub  *frames
	room chat.Room
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st, err := kvstore.Open(db, "test")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	l, err := pebblestream.Open(db, pebblestream.Options{Namespace: "test", Stream: "chat-stream"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()
	if _, err := st.PutUser(ctx, chat.User{ID: 1, Name: "alice"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	room, _, err := st.CreateRoom(ctx, chat.Room{Name: "general", CreatedBy: 1}, 1)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := l.EnsureGroup(ctx, DefaultGroup); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return fixture{log: l, st: st, hub: &frames{}, room: room}
}

func (f fixture) processor(opts Options) *Processor {
	if opts.Consumer == "" {
		opts.Consumer = "c1"
	}
	if opts.Block == 0 {
		opts.Block = 20 * time.Millisecond
	}
	return NewProcessor(f.log, f.st, f.hub, opts, logpkg.NewNopLogger())
}

func (f fixture) send(t *testing.T, content string) stream.ID {
	t.Helper()
	m := chat.StreamMessage{
		RoomID:     f.room.ID,
		SenderID:   1,
		SenderName: "alice",
		Content:    content,
		Type:       chat.TypeChat,
		Status:     chat.StatusSent,
		Timestamp:  time.Now().UTC(),
		TempID:     "tmp-" + content,
	}
	id, err := f.log.Append(context.Background(), m.Fields())
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return id
}

func (f fixture) pending(t *testing.T) int64 {
	t.Helper()
	sum, err := f.log.PendingSummary(context.Background(), DefaultGroup)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return sum.Count
}

func TestPollPersistsBroadcastsAndAcks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []stream.ID
	for i := 0; i < 3; i++ {
		ids = append(ids, f.send(t, fmt.Sprintf("m%d", i)))
	}
	p := f.processor(Options{})
	n, err := p.PollOnce(ctx)
	if err != nil || n != 3 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	msgs, err := f.st.ListMessages(ctx, f.room.ID, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("stored %d messages, want 3", len(msgs))
	}
	for i, m := range msgs {
		want := ids[len(ids)-1-i]
		if m.OriginStreamID != string(want) {
			t.Fatalf("message %d origin %s, want %s", i, m.OriginStreamID, want)
		}
		if m.Status != chat.StatusDelivered {
			t.Fatalf("message %d status %s", i, m.Status)
		}
	}
	if msgs[0].ID <= msgs[1].ID || msgs[1].ID <= msgs[2].ID {
		t.Fatalf("ids do not follow stream order: %d %d %d", msgs[2].ID, msgs[1].ID, msgs[0].ID)
	}
	room, err := f.st.GetRoom(ctx, f.room.ID)
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	if room.LastMessageID != msgs[0].ID || room.LastMessage != "m2" {
		t.Fatalf("last message cache = %d %q", room.LastMessageID, room.LastMessage)
	}
	got := f.hub.on(chat.RoomTopic(f.room.ID))
	if len(got) != 3 {
		t.Fatalf("broadcast %d frames, want 3", len(got))
	}
	first, ok := got[0].(chat.MessageFrame)
	if !ok || first.StreamID != string(ids[0]) || first.TempID != "tmp-m0" || first.ID == 0 {
		t.Fatalf("first frame = %#v", got[0])
	}
	if f.pending(t) != 0 {
		t.Fatalf("entries left pending")
	}
	if s := p.Stats(); s.Processed != 3 || s.Persisted != 3 || s.LastID != ids[2] {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRedeliveryAfterCrashIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.send(t, "hello")

	// A consumer read the entry and stored it, then died before acking.
	if _, err := f.log.ReadGroup(ctx, DefaultGroup, "crashed", 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, _, err := f.st.SaveMessage(ctx, chat.Message{
		RoomID: f.room.ID, SenderID: 1, SenderName: "alice", Content: "hello",
		Type: chat.TypeChat, Status: chat.StatusSent, CreatedAt: time.Now(), OriginStreamID: string(id),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	p := f.processor(Options{RecoverMinIdle: time.Nanosecond})
	n, err := p.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v", n, err)
	}
	msgs, _ := f.st.ListMessages(ctx, f.room.ID, 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages after redelivery, want 1", len(msgs))
	}
	if msgs[0].Status != chat.StatusDelivered {
		t.Fatalf("status = %s", msgs[0].Status)
	}
	if s := p.Stats(); s.Duplicates != 1 || s.Persisted != 0 {
		t.Fatalf("stats = %+v", s)
	}
	if f.pending(t) != 0 {
		t.Fatalf("recovered entry still pending")
	}
}

func TestPoisonAndPlaceholderEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.log.Append(ctx, stream.Fields{chat.FieldPlaceholder: "true"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	poison, err := f.log.Append(ctx, stream.Fields{chat.FieldRoomID: "abc", chat.FieldContent: "x"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	f.send(t, "fine")

	p := f.processor(Options{})
	if _, err := p.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if f.pending(t) != 0 {
		t.Fatalf("entries left pending")
	}
	dls, err := f.log.DeadLetters(ctx, DefaultGroup, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 1 || dls[0].Origin != poison {
		t.Fatalf("dead letters = %+v", dls)
	}
	if s := p.Stats(); s.Skipped != 1 || s.DeadLettered != 1 || s.Processed != 1 {
		t.Fatalf("stats = %+v", s)
	}
	msgs, _ := f.st.ListMessages(ctx, f.room.ID, 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
}

func TestMaxDeliveriesDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.send(t, "unlucky")
	if _, err := f.log.ReadGroup(ctx, DefaultGroup, "a", 1, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, _, err := f.log.Claim(ctx, DefaultGroup, "b", 0, stream.ZeroID, 10); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	p := f.processor(Options{MaxDeliveries: 5, RecoverMinIdle: time.Nanosecond})
	if _, err := p.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	dls, _ := f.log.DeadLetters(ctx, DefaultGroup, 10)
	if len(dls) != 1 || dls[0].Origin != id || dls[0].Deliveries <= 5 {
		t.Fatalf("dead letters = %+v", dls)
	}
	msgs, _ := f.st.ListMessages(ctx, f.room.ID, 0, 10)
	if len(msgs) != 0 {
		t.Fatalf("dead-lettered entry was persisted")
	}
	if f.pending(t) != 0 {
		t.Fatalf("dead-lettered entry still pending")
	}
}

func TestUnknownRoomIsDeadLettered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := chat.StreamMessage{RoomID: 999, SenderID: 1, Content: "lost", Type: chat.TypeChat, Status: chat.StatusSent, Timestamp: time.Now()}
	if _, err := f.log.Append(ctx, m.Fields()); err != nil {
		t.Fatalf("append: %v", err)
	}
	p := f.processor(Options{})
	if _, err := p.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	dls, _ := f.log.DeadLetters(ctx, DefaultGroup, 10)
	if len(dls) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dls))
	}
}

func TestSystemEntriesAreBroadcastOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := chat.StreamMessage{RoomID: f.room.ID, Content: "room created", Type: chat.TypeSystem, Status: chat.StatusSent, Timestamp: time.Now()}
	if _, err := f.log.Append(ctx, m.Fields()); err != nil {
		t.Fatalf("append: %v", err)
	}
	p := f.processor(Options{})
	if _, err := p.PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	msgs, _ := f.st.ListMessages(ctx, f.room.ID, 0, 10)
	if len(msgs) != 0 {
		t.Fatalf("system entry was persisted")
	}
	got := f.hub.on(chat.RoomTopic(f.room.ID))
	if len(got) != 1 || got[0].(chat.MessageFrame).ID != 0 {
		t.Fatalf("frames = %#v", got)
	}
}

func TestMissingGroup(t *testing.T) {
	f := newFixture(t)
	p := f.processor(Options{Group: "absent"})
	if _, err := p.PollOnce(context.Background()); !errors.Is(err, stream.ErrNoGroup) {
		t.Fatalf("poll on missing group = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGroupRunsUntilStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.send(t, "before start")
	if _, err := f.log.ReadGroup(ctx, DefaultGroup, "gone", 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}

	g := NewGroupWithLogger(f.log, f.st, f.hub, Options{Block: 20 * time.Millisecond, RecoverMinIdle: time.Nanosecond, Instance: "node-a"}, 2, logpkg.NewNopLogger())
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	names := map[string]bool{}
	for _, p := range g.Processors() {
		names[p.Name()] = true
	}
	if len(names) != 2 || !names["chat-consumer-node-a-0"] || !names["chat-consumer-node-a-1"] {
		t.Fatalf("consumer names = %v", names)
	}
	if err := g.Processors()[0].Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("double start = %v", err)
	}

	f.send(t, "after start")
	waitFor(t, "both messages", func() bool {
		msgs, _ := f.st.ListMessages(ctx, f.room.ID, 0, 10)
		return len(msgs) == 2
	})
	msgs, _ := f.st.ListMessages(ctx, f.room.ID, 0, 10)
	if msgs[1].OriginStreamID != string(stale) {
		t.Fatalf("recovered entry not stored first: %+v", msgs)
	}
	if !g.Healthy() {
		t.Fatalf("group unhealthy while running")
	}

	rep, err := g.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rep.Length != 2 || rep.Group != DefaultGroup || len(rep.Processors) != 2 {
		t.Fatalf("status = %+v", rep)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := g.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for _, p := range g.Processors() {
		select {
		case <-p.Done():
		default:
			t.Fatalf("processor %s still running", p.Name())
		}
	}
	if g.Healthy() || g.Err() != nil {
		t.Fatalf("healthy=%v err=%v after stop", g.Healthy(), g.Err())
	}
}

func TestFatalErrorStopsLoop(t *testing.T) {
	f := newFixture(t)
	p := f.processor(Options{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = f.log.Close()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("loop did not stop after the stream closed")
	}
	if err := p.Err(); !chat.IsFatal(err) {
		t.Fatalf("Err() = %v, want fatal", err)
	}
}

func TestComputeBackoff(t *testing.T) {
	pol := DefaultRetryPolicy()
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}
	for i, w := range want {
		if got := computeBackoff(pol, uint32(i+1)); got != w {
			t.Fatalf("attempt %d = %v, want %v", i+1, got, w)
		}
	}
	if got := computeBackoff(pol, 20); got != 30*time.Second {
		t.Fatalf("capped backoff = %v", got)
	}
	if got := computeBackoff(RetryPolicy{Type: BackoffFixed, Base: time.Second}, 7); got != time.Second {
		t.Fatalf("fixed backoff = %v", got)
	}
	if got := computeBackoff(RetryPolicy{Type: BackoffExpJitter, Base: time.Second, Cap: 2 * time.Second}, 3); got < 0 || got >= 2*time.Second {
		t.Fatalf("jitter backoff = %v", got)
	}
}

// failingStore rejects SaveMessage for one content value.
type failingStore struct {
	store.Store
	content string
}

func (s failingStore) SaveMessage(ctx context.Context, m chat.Message) (chat.Message, bool, error) {
	if m.Content == s.content {
		return chat.Message{}, false, errors.New("db timeout")
	}
	return s.Store.SaveMessage(ctx, m)
}

func TestFailedEntryDoesNotBlockBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := f.send(t, "bad")
	good := f.send(t, "good")

	p := NewProcessor(f.log, failingStore{Store: f.st, content: "bad"}, f.hub, Options{Consumer: "c1", Block: 20 * time.Millisecond}, logpkg.NewNopLogger())
	n, err := p.PollOnce(ctx)
	if err == nil || n != 1 {
		t.Fatalf("poll = %d, %v; want 1 and the persist error", n, err)
	}
	msgs, _ := f.st.ListMessages(ctx, f.room.ID, 0, 10)
	if len(msgs) != 1 || msgs[0].OriginStreamID != string(good) {
		t.Fatalf("stored = %+v, want only the entry after the failure", msgs)
	}
	sum, err := f.log.PendingSummary(ctx, DefaultGroup)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if sum.Count != 1 || sum.Oldest != bad {
		t.Fatalf("pending = %+v, want only %s", sum, bad)
	}
	if s := p.Stats(); s.Failed != 1 || s.Persisted != 1 || s.LastID != good {
		t.Fatalf("stats = %+v", s)
	}
	if got := f.hub.on(chat.RoomTopic(f.room.ID)); len(got) != 1 {
		t.Fatalf("broadcast %d frames, want 1", len(got))
	}

	// once the store recovers, the stranded entry is swept up
	retry := f.processor(Options{Consumer: "c2", ClaimMinIdle: time.Nanosecond})
	if n, err := retry.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	if f.pending(t) != 0 {
		t.Fatalf("entries left pending after sweep")
	}
}

func TestRecoverLeavesBusyPeersAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.send(t, "in flight")
	if _, err := f.log.ReadGroup(ctx, DefaultGroup, "peer", 10, 0); err != nil {
		t.Fatalf("read: %v", err)
	}
	p := f.processor(Options{})
	n, err := p.Recover(ctx)
	if err != nil || n != 0 {
		t.Fatalf("recover = %d, %v; a fresh delivery must not be taken over", n, err)
	}
	sum, _ := f.log.PendingSummary(ctx, DefaultGroup)
	if sum.Consumers["peer"] != 1 {
		t.Fatalf("pending owners = %v", sum.Consumers)
	}
	if o := (Options{}).withDefaults(); o.RecoverMinIdle < o.Block+time.Duration(o.Batch)*o.HandleTimeout {
		t.Fatalf("default recover idle %v undercuts a busy batch", o.RecoverMinIdle)
	}
}

func TestGroupSplitsEntriesWithoutDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const total = 40
	origins := map[string]bool{}
	for i := 0; i < total; i++ {
		origins[string(f.send(t, fmt.Sprintf("m%02d", i)))] = true
	}

	g := NewGroupWithLogger(f.log, f.st, f.hub, Options{Block: 20 * time.Millisecond, Batch: 3, Instance: "split"}, 2, logpkg.NewNopLogger())
	if err := g.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Stop(stopCtx)
	})
	waitFor(t, "every entry acknowledged", func() bool {
		sum, err := f.log.PendingSummary(ctx, DefaultGroup)
		if err != nil {
			return false
		}
		msgs, _ := f.st.ListMessages(ctx, f.room.ID, 0, total+10)
		return sum.Count == 0 && len(msgs) == total
	})

	msgs, err := f.st.ListMessages(ctx, f.room.ID, 0, total+10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	seen := map[string]int{}
	for _, m := range msgs {
		seen[m.OriginStreamID]++
	}
	for origin := range origins {
		if seen[origin] != 1 {
			t.Fatalf("origin %s persisted %d times", origin, seen[origin])
		}
	}
	var persisted, processed, dups uint64
	for _, p := range g.Processors() {
		s := p.Stats()
		persisted += s.Persisted
		processed += s.Processed
		dups += s.Duplicates
	}
	if dups != 0 || persisted != total || processed != total {
		t.Fatalf("persisted=%d processed=%d duplicates=%d, want %d/%d/0", persisted, processed, dups, total, total)
	}
	if frames := f.hub.on(chat.RoomTopic(f.room.ID)); len(frames) != total {
		t.Fatalf("broadcast %d frames, want %d", len(frames), total)
	}
}

// corruptLog reports one entry as undecodable, the way a backend does when
// the stored payload is damaged.
type corruptLog struct {
	*pebblestream.Log
	bad stream.ID
}

func (c corruptLog) ReadGroup(ctx context.Context, group, consumer string, count int, block time.Duration) ([]stream.Entry, error) {
	es, err := c.Log.ReadGroup(ctx, group, consumer, count, block)
	for i := range es {
		if es[i].ID == c.bad {
			es[i].Fields = stream.Fields{}
			es[i].Err = errors.New("invalid character 'n' looking for beginning of object key string")
		}
	}
	return es, err
}

func TestUndecodableEntryIsDeadLetteredWithCause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := f.send(t, "damaged")
	f.send(t, "fine")

	p := NewProcessor(corruptLog{Log: f.log, bad: bad}, f.st, f.hub, Options{Consumer: "c1", Block: 20 * time.Millisecond}, logpkg.NewNopLogger())
	if n, err := p.PollOnce(ctx); err != nil || n != 2 {
		t.Fatalf("poll: n=%d err=%v", n, err)
	}
	if f.pending(t) != 0 {
		t.Fatalf("entries left pending")
	}
	dls, err := f.log.DeadLetters(ctx, DefaultGroup, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 1 || dls[0].Origin != bad {
		t.Fatalf("dead letters = %+v", dls)
	}
	if !strings.Contains(dls[0].Reason, "poison entry") || !strings.Contains(dls[0].Reason, "invalid character") {
		t.Fatalf("reason lost the cause: %q", dls[0].Reason)
	}
	if s := p.Stats(); s.DeadLettered != 1 || s.Processed != 1 {
		t.Fatalf("stats = %+v", s)
	}
}
