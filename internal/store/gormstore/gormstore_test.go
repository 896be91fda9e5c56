package gormstore

import (
	"path/filepath"
	"testing"

	"github.com/izp1012/meloncity/internal/store"
	"github.com/izp1012/meloncity/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "chat.db"), nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
