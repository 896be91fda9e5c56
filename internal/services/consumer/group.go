package consumersvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/store"
	"github.com/izp1012/meloncity/internal/stream"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Group runs several processors of one consumer group in this process.
type Group struct {
	log    stream.Log
	opts   Options
	procs  []*Processor
	logger logpkg.Logger
}

// NewGroup builds n processors named "<opts.Consumer>-<instance>-<i>". n
// below one is treated as one.
func NewGroup(log stream.Log, st store.Store, fanout chat.Broadcaster, opts Options, n int) *Group {
	return NewGroupWithLogger(log, st, fanout, opts, n, logpkg.NewLogger().With(logpkg.Component("consumer")))
}

// NewGroupWithLogger is NewGroup with an explicit logger.
func NewGroupWithLogger(log stream.Log, st store.Store, fanout chat.Broadcaster, opts Options, n int, logger logpkg.Logger) *Group {
	opts = opts.withDefaults()
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	instance := opts.Instance
	if instance == "" {
		instance = defaultInstance()
	}
	g := &Group{log: log, opts: opts, logger: logger}
	for i := 0; i < n; i++ {
		po := opts
		po.Consumer = fmt.Sprintf("%s-%s-%d", opts.Consumer, instance, i)
		po.SkipRecovery = true
		g.procs = append(g.procs, NewProcessor(log, st, fanout, po, logger))
	}
	return g
}

// defaultInstance is the hostname, or a random id when it is unavailable.
func defaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return strings.ReplaceAll(host, "/", "_")
}

// Processors returns the group's processors.
func (g *Group) Processors() []*Processor { return g.procs }

// Start ensures the group, recovers pending entries once through the first
// processor and then starts every processor.
func (g *Group) Start(ctx context.Context) error {
	if err := g.log.EnsureGroup(ctx, g.opts.Group); err != nil {
		return fmt.Errorf("ensure group %s: %w", g.opts.Group, err)
	}
	if !g.opts.SkipRecovery {
		if _, err := g.procs[0].Recover(ctx); err != nil {
			if chat.IsFatal(err) {
				return fmt.Errorf("recover pending entries: %w", err)
			}
			g.logger.Warn("consumer.recover_incomplete", logpkg.Err(err))
		}
	}
	for i, p := range g.procs {
		if err := p.Start(ctx); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), g.opts.Block*2)
			for _, started := range g.procs[:i] {
				_ = started.Stop(stopCtx)
			}
			cancel()
			return err
		}
	}
	g.logger.Info("consumer.group_started", logpkg.Str("group", g.opts.Group), logpkg.Int("consumers", len(g.procs)))
	return nil
}

// Stop stops every processor, waiting at most until ctx expires.
func (g *Group) Stop(ctx context.Context) error {
	var errs []error
	for _, p := range g.procs {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Err returns the first fatal error reported by a processor.
func (g *Group) Err() error {
	for _, p := range g.procs {
		if err := p.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Healthy reports whether every processor is running.
func (g *Group) Healthy() bool {
	for _, p := range g.procs {
		if !p.running() {
			return false
		}
	}
	return true
}

// Report describes the stream and the consumer group.
type Report struct {
	Stream     string                `json:"stream"`
	Length     int64                 `json:"length"`
	Group      string                `json:"group"`
	Groups     []stream.GroupInfo    `json:"groups"`
	Pending    stream.PendingSummary `json:"pending"`
	Processors []Stats               `json:"processors,omitempty"`
}

// Status reads the stream's state for group.
func Status(ctx context.Context, log stream.Log, group string) (Report, error) {
	info, err := log.Info(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("stream info: %w", err)
	}
	r := Report{Stream: info.Stream, Length: info.Length, Group: group, Groups: info.Groups}
	sum, err := log.PendingSummary(ctx, group)
	switch {
	case err == nil:
		r.Pending = sum
	case errors.Is(err, stream.ErrNoGroup):
		r.Pending = stream.PendingSummary{Consumers: map[string]int64{}}
	default:
		return Report{}, fmt.Errorf("pending summary: %w", err)
	}
	return r, nil
}

// Status reports the stream state plus this node's processor counters.
func (g *Group) Status(ctx context.Context) (Report, error) {
	r, err := Status(ctx, g.log, g.opts.Group)
	if err != nil {
		return Report{}, err
	}
	for _, p := range g.procs {
		r.Processors = append(r.Processors, p.Stats())
	}
	return r, nil
}
