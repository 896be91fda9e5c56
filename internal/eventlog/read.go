package eventlog

import (
	"encoding/binary"
	"errors"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/izp1012/meloncity/internal/storage/pebble"
)

// Token encodes a read position as seq (8 bytes big-endian).
type Token [8]byte

// TokenFromSeq builds a token positioned at seq.
func TokenFromSeq(seq uint64) Token { var t Token; binary.BigEndian.PutUint64(t[:], seq); return t }

// Seq returns the sequence encoded in the token.
func (t Token) Seq() uint64 { return binary.BigEndian.Uint64(t[:]) }

type ReadOptions struct {
	Start   Token // if zero, begin from the first (or last, when Reverse) entry
	Limit   int
	Reverse bool
}

type Item struct {
	Seq     uint64
	Header  []byte
	Payload []byte
}

func (l *Log) entryIter() (*pebble.Iterator, error) {
	low := KeyLogEntry(l.namespace, l.topic, 0)
	hi := KeyLogEntry(l.namespace, l.topic, ^uint64(0))
	return l.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: append(hi, 0x00)})
}

// Read returns up to Limit items starting at Start (inclusive) and the token of
// the next unread entry. Corrupt records are skipped.
func (l *Log) Read(opts ReadOptions) ([]Item, Token, error) {
	var next Token
	iter, err := l.entryIter()
	if err != nil {
		return nil, next, err
	}
	defer iter.Close()

	startSeq := opts.Start.Seq()
	startKey := KeyLogEntry(l.namespace, l.topic, startSeq)
	var ok bool
	switch {
	case opts.Reverse && startSeq == 0:
		ok = iter.Last()
	case opts.Reverse:
		ok = iter.SeekLT(append(startKey, 0x00))
	case startSeq == 0:
		ok = iter.First()
	default:
		ok = iter.SeekGE(startKey)
	}

	items := make([]Item, 0, max(1, opts.Limit))
	for ; ok && (opts.Limit <= 0 || len(items) < opts.Limit); ok = step(iter, opts.Reverse) {
		dec, derr := DecodeRecord(iter.Value())
		if derr != nil {
			continue
		}
		items = append(items, Item{Seq: seqSuffix(iter.Key()), Header: dec.Header, Payload: dec.Payload})
	}
	if ok {
		next = TokenFromSeq(seqSuffix(iter.Key()))
	}
	return items, next, iter.Error()
}

func step(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}

// Get loads a single entry.
func (l *Log) Get(seq uint64) (Item, error) {
	v, err := l.db.Get(KeyLogEntry(l.namespace, l.topic, seq))
	if err != nil {
		if errors.Is(err, pebblestore.ErrNotFound) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	dec, err := DecodeRecord(v)
	if err != nil {
		return Item{}, err
	}
	return Item{Seq: seq, Header: dec.Header, Payload: dec.Payload}, nil
}

// Stats counts live entries and their encoded bytes.
func (l *Log) Stats() (entries int64, bytes int64, err error) {
	iter, err := l.entryIter()
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		entries++
		bytes += int64(len(iter.Value()))
	}
	return entries, bytes, iter.Error()
}
