package kvstore

import (
	"context"
	"testing"

	"github.com/izp1012/meloncity/internal/chat"
	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
	"github.com/izp1012/meloncity/internal/store"
	"github.com/izp1012/meloncity/internal/store/storetest"
)

func openDB(t *testing.T, dir string) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	return db
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		db := openDB(t, t.TempDir())
		t.Cleanup(func() { _ = db.Close() })
		s, err := Open(db, "test")
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		return s
	})
}

func TestIDsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	db := openDB(t, dir)
	s, _ := Open(db, "test")
	_, _ = s.PutUser(ctx, chat.User{ID: 1})
	r1, _, err := s.CreateRoom(ctx, chat.Room{Name: "a"}, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = db.Close()

	db = openDB(t, dir)
	t.Cleanup(func() { _ = db.Close() })
	s, _ = Open(db, "test")
	r2, _, err := s.CreateRoom(ctx, chat.Room{Name: "b"}, 1)
	if err != nil {
		t.Fatalf("create after reopen: %v", err)
	}
	if r2.ID <= r1.ID {
		t.Fatalf("room id reused after reopen: %d <= %d", r2.ID, r1.ID)
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	db := openDB(t, t.TempDir())
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	a, _ := Open(db, "a")
	b, _ := Open(db, "b")
	_, _ = a.PutUser(ctx, chat.User{ID: 1})
	if _, err := b.GetUser(ctx, 1); err != chat.ErrUserNotFound {
		t.Fatalf("user leaked across namespaces: %v", err)
	}
	if _, err := Open(db, "bad/ns"); err == nil {
		t.Fatalf("expected invalid namespace error")
	}
}

func TestClosedDatabaseIsFatal(t *testing.T) {
	db := openDB(t, t.TempDir())
	s, _ := Open(db, "test")
	_ = db.Close()
	_, err := s.PutUser(context.Background(), chat.User{ID: 1})
	if !chat.IsFatal(err) {
		t.Fatalf("want fatal error, got %v", err)
	}
}
