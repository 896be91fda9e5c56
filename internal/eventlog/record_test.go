package eventlog

import (
	"errors"
	"testing"
)

func TestRecordRoundtrip(t *testing.T) {
	rec := EncodeRecord([]byte("h"), []byte("payload"))
	dec, err := DecodeRecord(rec)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(dec.Header) != "h" || string(dec.Payload) != "payload" {
		t.Fatalf("roundtrip mismatch: %q %q", dec.Header, dec.Payload)
	}
}

func TestRecordCRCFail(t *testing.T) {
	rec := EncodeRecord([]byte("x"), []byte("y"))
	rec[len(rec)-1] ^= 0xFF
	if _, err := DecodeRecord(rec); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestRecordTruncated(t *testing.T) {
	rec := EncodeRecord([]byte("header"), []byte("payload"))
	if _, err := DecodeRecord(rec[:6]); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for truncated record, got %v", err)
	}
}

func TestTimeHeader(t *testing.T) {
	ms, ok := HeaderTime(TimeHeader(1700000000123))
	if !ok || ms != 1700000000123 {
		t.Fatalf("got %d %v", ms, ok)
	}
	if _, ok := HeaderTime([]byte{1, 2}); ok {
		t.Fatalf("short header must not decode")
	}
}
