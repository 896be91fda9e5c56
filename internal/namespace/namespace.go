// Package namespace records which backends a data directory was initialised
// with, so a restart against a different stream or store is noticed.
package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
)

// Meta describes one chat deployment sharing a data directory.
type Meta struct {
	Name          string `json:"name"`
	CreatedAtMs   int64  `json:"createdAtMs"`
	Stream        string `json:"stream"`
	StreamBackend string `json:"streamBackend"`
	StoreBackend  string `json:"storeBackend"`
}

var nsMetaPrefix = []byte("nsmeta/")

func nsMetaKey(ns string) []byte {
	k := make([]byte, 0, len(nsMetaPrefix)+len(ns))
	k = append(k, nsMetaPrefix...)
	k = append(k, ns...)
	return k
}

// Get loads the record for name. ok is false when none exists.
func Get(db *pebblestore.DB, name string) (m Meta, ok bool, err error) {
	b, err := db.Get(nsMetaKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, false, fmt.Errorf("namespace %s: corrupt meta: %w", name, err)
	}
	return m, true, nil
}

// EnsureNamespace stores want if no record exists and returns the effective
// record. An existing record is returned unchanged; use Drift to compare.
func EnsureNamespace(db *pebblestore.DB, want Meta) (Meta, error) {
	if want.Name == "" {
		return Meta{}, errors.New("namespace: empty name")
	}
	if m, ok, err := Get(db, want.Name); err == nil && ok {
		return m, nil
	}
	// a corrupt record is rewritten
	if want.CreatedAtMs == 0 {
		want.CreatedAtMs = time.Now().UnixMilli()
	}
	b, err := json.Marshal(want)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(nsMetaKey(want.Name), b); err != nil {
		return Meta{}, err
	}
	return want, nil
}

// List returns every namespace record ordered by name.
func List(db *pebblestore.DB) ([]Meta, error) {
	var out []Meta
	var decodeErr error
	err := db.ScanPrefix(nsMetaPrefix, func(_, v []byte) bool {
		var m Meta
		if err := json.Unmarshal(v, &m); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// Drift lists the fields where have differs from want.
func Drift(have, want Meta) []string {
	var out []string
	if want.Stream != "" && have.Stream != want.Stream {
		out = append(out, fmt.Sprintf("stream %q -> %q", have.Stream, want.Stream))
	}
	if want.StreamBackend != "" && have.StreamBackend != want.StreamBackend {
		out = append(out, fmt.Sprintf("stream backend %q -> %q", have.StreamBackend, want.StreamBackend))
	}
	if want.StoreBackend != "" && have.StoreBackend != want.StoreBackend {
		out = append(out, fmt.Sprintf("store backend %q -> %q", have.StoreBackend, want.StoreBackend))
	}
	return out
}
