package id

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ID is a ULID: 48 bits of millisecond time followed by 80 bits of
// monotonic entropy. Its string form sorts in generation order.
type ID ulid.ULID

// String returns the 26-character Crockford base32 form.
func (i ID) String() string { return ulid.ULID(i).String() }

// Time returns the embedded timestamp.
func (i ID) Time() time.Time { return ulid.Time(ulid.ULID(i).Time()) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int { return ulid.ULID(i).Compare(ulid.ULID(other)) }

// Parse decodes the string form of an ID.
func Parse(s string) (ID, error) {
	u, err := ulid.ParseStrict(s)
	return ID(u), err
}

// Generator produces strictly increasing IDs per process. It is used for
// request and session correlation ids.
type Generator struct {
	mu      sync.Mutex
	lastMs  uint64
	entropy *ulid.MonotonicEntropy
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If the clock goes backwards it reuses the last
// millisecond. If the entropy overflows within one millisecond it waits for
// the next.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		ms := uint64(NowMs())
		if ms < g.lastMs {
			ms = g.lastMs
		}
		u, err := ulid.New(ms, g.entropy)
		if errors.Is(err, ulid.ErrMonotonicOverflow) {
			g.lastMs = ms + 1
			time.Sleep(time.Millisecond / 8)
			continue
		}
		if err != nil {
			// crypto/rand failures are not recoverable here
			panic(err)
		}
		g.lastMs = ms
		return ID(u)
	}
}
