// Package consumersvc drains the chat stream through a consumer group:
// every entry is persisted, cached as the room's last message, broadcast to
// the room topic, marked DELIVERED and only then acknowledged.
//
// Example:
//
//	g := consumersvc.NewGroup(log, st, hub, consumersvc.Options{Group: "chat-group"}, 2)
//	if err := g.Start(ctx); err != nil { ... }
//	defer g.Stop(shutdownCtx)
package consumersvc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/store"
	"github.com/izp1012/meloncity/internal/stream"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

const (
	DefaultGroup          = "chat-group"
	DefaultConsumerPrefix = "chat-consumer"
	DefaultBatch          = 10
	DefaultBlock          = 2 * time.Second
	DefaultMaxDeliveries  = 5
	DefaultClaimMinIdle   = 60 * time.Second
	DefaultSweepInterval  = 30 * time.Second
	DefaultHandleTimeout  = 5 * time.Second
)

// ErrAlreadyStarted is returned by Start on a running processor.
var ErrAlreadyStarted = errors.New("consumer: already started")

// Options tunes a Processor. Zero values use defaults.
type Options struct {
	Group    string
	Consumer string
	// Instance identifies this node within the group. Group names its
	// processors "<Consumer>-<Instance>-<n>" so a restarted node comes back
	// under the same consumer names. Defaults to the hostname.
	Instance string
	Batch    int
	Block    time.Duration
	// MaxDeliveries dead-letters entries delivered more often than this.
	MaxDeliveries int64
	// ClaimMinIdle is how long a peer's pending entry must sit before the
	// sweep takes it over.
	ClaimMinIdle  time.Duration
	SweepInterval time.Duration
	// HandleTimeout bounds the pipeline of a single entry.
	HandleTimeout time.Duration
	// RecoverMinIdle is how long a pending entry must sit before startup
	// recovery takes it over. The default never undercuts a live peer still
	// working through its last batch.
	RecoverMinIdle time.Duration
	Retry          RetryPolicy
	// SkipRecovery starts polling without first claiming pending entries.
	SkipRecovery bool
}

func (o Options) withDefaults() Options {
	if o.Group == "" {
		o.Group = DefaultGroup
	}
	if o.Consumer == "" {
		o.Consumer = DefaultConsumerPrefix
	}
	if o.Batch <= 0 {
		o.Batch = DefaultBatch
	}
	if o.Block <= 0 {
		o.Block = DefaultBlock
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = DefaultMaxDeliveries
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = DefaultClaimMinIdle
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.HandleTimeout <= 0 {
		o.HandleTimeout = DefaultHandleTimeout
	}
	if o.RecoverMinIdle <= 0 {
		o.RecoverMinIdle = o.ClaimMinIdle
		if busy := o.Block + time.Duration(o.Batch)*o.HandleTimeout; busy > o.RecoverMinIdle {
			o.RecoverMinIdle = busy
		}
	}
	if o.Retry.Type == "" {
		o.Retry = DefaultRetryPolicy()
	}
	return o
}

// Stats are a processor's counters since construction.
type Stats struct {
	Consumer     string    `json:"consumer"`
	Running      bool      `json:"running"`
	Processed    uint64    `json:"processed"`
	Persisted    uint64    `json:"persisted"`
	Duplicates   uint64    `json:"duplicates"`
	DeadLettered uint64    `json:"deadLettered"`
	Skipped      uint64    `json:"skipped"`
	Failed       uint64    `json:"failed"`
	LastID       stream.ID `json:"lastId,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Processor is one consumer of the group. It is a task handle: Start spawns
// the loop, Stop cancels it and waits, Done and Err report how it ended.
type Processor struct {
	log    stream.Log
	store  store.Store
	fanout chat.Broadcaster
	opts   Options
	logger logpkg.Logger
	now    func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	lastSweep time.Time

	processed    atomic.Uint64
	persisted    atomic.Uint64
	duplicates   atomic.Uint64
	deadLettered atomic.Uint64
	skipped      atomic.Uint64
	failed       atomic.Uint64
	lastID       atomic.Value
}

// NewProcessor returns a stopped processor. fanout may be nil.
func NewProcessor(log stream.Log, st store.Store, fanout chat.Broadcaster, opts Options, logger logpkg.Logger) *Processor {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logpkg.NewLogger().With(logpkg.Component("consumer"))
	}
	if fanout == nil {
		fanout = nopBroadcaster{}
	}
	return &Processor{
		log:    log,
		store:  st,
		fanout: fanout,
		opts:   opts,
		logger: logger.With(logpkg.Str("group", opts.Group), logpkg.Str("consumer", opts.Consumer)),
		now:    time.Now,
	}
}

type nopBroadcaster struct{}

func (nopBroadcaster) Publish(string, any) int { return 0 }

// Name returns the consumer name within the group.
func (p *Processor) Name() string { return p.opts.Consumer }

// Start ensures the group exists and launches the processing loop. The loop
// runs until ctx is cancelled, Stop is called or a fatal error occurs.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		select {
		case <-p.done:
		default:
			return ErrAlreadyStarted
		}
	}
	if err := p.log.EnsureGroup(ctx, p.opts.Group); err != nil {
		return fmt.Errorf("ensure group %s: %w", p.opts.Group, err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.err = nil
	p.lastSweep = p.now()
	go p.run(runCtx, p.done)
	p.logger.Info("consumer.started")
	return nil
}

// Stop cancels the loop and waits for it to finish or for ctx to expire.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		p.logger.Info("consumer.stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop consumer %s: %w", p.opts.Consumer, ctx.Err())
	}
}

// Done is closed when the loop has exited. It is nil before Start.
func (p *Processor) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err returns the fatal error that stopped the loop, if any.
func (p *Processor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Processor) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	s := Stats{
		Consumer:     p.opts.Consumer,
		Running:      p.running(),
		Processed:    p.processed.Load(),
		Persisted:    p.persisted.Load(),
		Duplicates:   p.duplicates.Load(),
		DeadLettered: p.deadLettered.Load(),
		Skipped:      p.skipped.Load(),
		Failed:       p.failed.Load(),
	}
	if id, ok := p.lastID.Load().(stream.ID); ok {
		s.LastID = id
	}
	if err := p.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

func (p *Processor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	var attempts uint32
	recovered := p.opts.SkipRecovery
	for ctx.Err() == nil {
		var err error
		switch {
		case !recovered:
			if _, err = p.Recover(ctx); err == nil {
				recovered = true
			}
		case p.now().Sub(p.lastSweep) >= p.opts.SweepInterval:
			p.lastSweep = p.now()
			_, err = p.Sweep(ctx)
		default:
			_, err = p.PollOnce(ctx)
		}
		if err == nil {
			attempts = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if chat.IsFatal(err) {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			p.logger.Error("consumer.fatal", logpkg.Err(err))
			return
		}
		if errors.Is(err, stream.ErrNoGroup) {
			p.logger.Warn("consumer.group_missing")
			gerr := p.log.EnsureGroup(ctx, p.opts.Group)
			if gerr == nil {
				continue
			}
			err = gerr
		}
		attempts++
		d := computeBackoff(p.opts.Retry, attempts)
		p.logger.Warn("consumer.retry", logpkg.Err(err), logpkg.Int("attempt", int(attempts)), logpkg.Dur("backoff", d))
		if !sleepCtx(ctx, d) {
			return
		}
	}
}

// PollOnce reads one batch of new entries and handles them in order. An
// entry that fails stays pending for a later sweep while the rest of the
// batch is still attempted; the first such failure is returned.
func (p *Processor) PollOnce(ctx context.Context) (int, error) {
	entries, err := p.log.ReadGroup(ctx, p.opts.Group, p.opts.Consumer, p.opts.Batch, p.opts.Block)
	if err != nil {
		return 0, err
	}
	return p.handleAll(ctx, entries)
}

// Recover takes over pending entries idle for at least RecoverMinIdle, which
// covers deliveries stranded by a crashed or restarted member, and handles
// them. It is run once before polling starts.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	n, err := p.claimWalk(ctx, p.opts.RecoverMinIdle)
	if err == nil && n > 0 {
		p.logger.Info("consumer.recovered", logpkg.Int("entries", n))
	}
	return n, err
}

// Sweep takes over entries that peers left pending longer than
// ClaimMinIdle.
func (p *Processor) Sweep(ctx context.Context) (int, error) {
	n, err := p.claimWalk(ctx, p.opts.ClaimMinIdle)
	if err == nil && n > 0 {
		p.logger.Info("consumer.swept", logpkg.Int("entries", n))
	}
	return n, err
}

func (p *Processor) claimWalk(ctx context.Context, minIdle time.Duration) (int, error) {
	total := 0
	start := stream.ZeroID
	var firstErr error
	for {
		entries, next, err := p.log.Claim(ctx, p.opts.Group, p.opts.Consumer, minIdle, start, p.opts.Batch)
		if err != nil {
			return total, err
		}
		n, err := p.handleAll(ctx, entries)
		total += n
		if err != nil {
			if stopsBatch(ctx, err) {
				return total, err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		if next == stream.ZeroID || next == "" {
			return total, firstErr
		}
		start = next
	}
}

// handleAll runs every entry through the pipeline and returns how many were
// acknowledged. Failed entries are left pending; only a fatal error or
// cancellation cuts the batch short.
func (p *Processor) handleAll(ctx context.Context, entries []stream.Entry) (int, error) {
	done := 0
	var firstErr error
	for _, e := range entries {
		hctx, cancel := context.WithTimeout(ctx, p.opts.HandleTimeout)
		err := p.handle(hctx, e)
		cancel()
		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("consumer.entry_failed", logpkg.Str("entry_id", string(e.ID)), logpkg.Err(err))
			if stopsBatch(ctx, err) {
				return done, err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done++
		p.lastID.Store(e.ID)
	}
	return done, firstErr
}

func stopsBatch(ctx context.Context, err error) bool {
	return ctx.Err() != nil || chat.IsFatal(err)
}

// handle runs the per-entry pipeline. A nil return means the entry was
// acknowledged.
func (p *Processor) handle(ctx context.Context, e stream.Entry) error {
	if e.Err != nil {
		return p.deadLetter(ctx, e, (&chat.PoisonEntryError{EntryID: string(e.ID), Field: "payload", Err: e.Err}).Error())
	}
	if chat.IsPlaceholder(e.Fields) {
		p.skipped.Add(1)
		return p.ack(ctx, e.ID)
	}
	if e.Deliveries > p.opts.MaxDeliveries {
		return p.deadLetter(ctx, e, fmt.Sprintf("delivered %d times, limit %d", e.Deliveries, p.opts.MaxDeliveries))
	}
	m, err := chat.DecodeEntry(string(e.ID), e.Fields)
	if err != nil {
		return p.deadLetter(ctx, e, err.Error())
	}

	frame := chat.NewMessageFrame(string(e.ID), m, 0)
	var saved chat.Message
	if m.Persistable() {
		var created bool
		saved, created, err = p.store.SaveMessage(ctx, chat.Message{
			RoomID:         m.RoomID,
			SenderID:       m.SenderID,
			SenderName:     m.SenderName,
			Content:        m.Content,
			Type:           m.Type,
			Status:         m.Status,
			CreatedAt:      m.Timestamp,
			OriginStreamID: string(e.ID),
		})
		if err != nil {
			return p.failEntry(ctx, e, "persist", err)
		}
		if created {
			p.persisted.Add(1)
		} else {
			p.duplicates.Add(1)
		}
		if _, err := p.store.UpdateLastMessage(ctx, saved.RoomID, saved.ID, saved.Content, saved.CreatedAt); err != nil {
			return p.failEntry(ctx, e, "update last message", err)
		}
		frame.ID = saved.ID
		frame.Status = saved.Status
	}

	p.fanout.Publish(chat.RoomTopic(m.RoomID), frame)

	if saved.ID != 0 {
		if _, _, err := p.store.AdvanceStatus(ctx, saved.ID, chat.StatusDelivered, p.now().UTC()); err != nil {
			return p.failEntry(ctx, e, "mark delivered", err)
		}
	}
	if err := p.ack(ctx, e.ID); err != nil {
		return err
	}
	p.processed.Add(1)
	return nil
}

// failEntry dead-letters entries the store rejects for good and returns
// everything else so the entry stays pending.
func (p *Processor) failEntry(ctx context.Context, e stream.Entry, op string, err error) error {
	if permanent(err) {
		return p.deadLetter(ctx, e, op+": "+err.Error())
	}
	return fmt.Errorf("%s %s: %w", op, e.ID, err)
}

func permanent(err error) bool {
	var ve *chat.ValidationError
	return errors.Is(err, chat.ErrRoomNotFound) ||
		errors.Is(err, chat.ErrUserNotFound) ||
		errors.Is(err, chat.ErrMessageNotFound) ||
		errors.As(err, &ve)
}

func (p *Processor) deadLetter(ctx context.Context, e stream.Entry, reason string) error {
	dlq, err := p.log.DeadLetter(ctx, p.opts.Group, e, reason)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", e.ID, err)
	}
	p.deadLettered.Add(1)
	p.logger.Warn("consumer.dead_lettered",
		logpkg.Str("entry_id", string(e.ID)),
		logpkg.Str("dlq_id", string(dlq)),
		logpkg.Int64("deliveries", e.Deliveries),
		logpkg.Str("reason", reason))
	return p.ack(ctx, e.ID)
}

func (p *Processor) ack(ctx context.Context, id stream.ID) error {
	if _, err := p.log.Ack(ctx, p.opts.Group, id); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}
