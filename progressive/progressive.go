// Package progressive loads a set of named operations in priority tiers so
// the UI can render the important parts first. Operations whose names
// contain "primary" or "critical" run first, "secondary" or "important"
// next, everything else last. Each tier runs fully in parallel, tolerates
// per-operation failures, and publishes its partial results before the next
// tier starts.
package progressive

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sahayak/go-core/cache"
	"github.com/sahayak/go-core/orchestrator"
)

// ErrTierOrchestration marks a failure of the tier dispatch itself (as
// opposed to an individual operation failing). It aborts the whole load.
var ErrTierOrchestration = errors.New("progressive: tier orchestration failed")

// Operation is a single named remote call within a progressive load.
type Operation = orchestrator.Operation

// Tier is a priority bucket of operations.
type Tier int

const (
	TierPrimary Tier = iota
	TierSecondary
	TierTertiary
)

var tierOrder = []Tier{TierPrimary, TierSecondary, TierTertiary}

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}

// Classify maps an operation name to its tier by substring match.
func Classify(name string) Tier {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "primary") || strings.Contains(lower, "critical"):
		return TierPrimary
	case strings.Contains(lower, "secondary") || strings.Contains(lower, "important"):
		return TierSecondary
	default:
		return TierTertiary
	}
}

// TierResult carries one tier's partial results to progress subscribers.
// Failed operations are absent from Results.
type TierResult struct {
	Tier    Tier
	Results map[string]any
}

// Loader executes progressive loads through a Coordinator, so duplicate
// suppression and per-operation caching apply to every wrapped call.
type Loader struct {
	log   zerolog.Logger
	coord *orchestrator.Coordinator
	cfg   loaderConfig

	mutex  sync.Mutex
	subs   map[Tier][]chan TierResult
	closed bool
}

type loaderConfig struct {
	cacheOpts  []cache.CallOption
	cacheOps   bool
	bufferSize int
}

// Option configures a Loader.
type Option func(*loaderConfig)

// WithOperationCaching caches each operation's result under its own name
// with the given cache options (TTL, priority). Off by default.
func WithOperationCaching(opts ...cache.CallOption) Option {
	return func(c *loaderConfig) {
		c.cacheOps = true
		c.cacheOpts = opts
	}
}

// WithProgressBuffer sets the per-subscriber channel buffer. Defaults to 4.
func WithProgressBuffer(n int) Option {
	return func(c *loaderConfig) { c.bufferSize = n }
}

// New returns a Loader on top of the given coordinator.
func New(log zerolog.Logger, coord *orchestrator.Coordinator, opts ...Option) *Loader {
	cfg := loaderConfig{bufferSize: 4}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Loader{
		log:   log.With().Str("component", "progressive").Logger(),
		coord: coord,
		cfg:   cfg,
		subs:  make(map[Tier][]chan TierResult),
	}
}

// Execute partitions ops into tiers and resolves them tier by tier: every
// operation in a tier runs concurrently, a single operation's failure is
// logged and excluded without disturbing its siblings or later tiers, and
// the tier's partial results are published to subscribers before the next
// tier is issued. Only an orchestration failure (a panicking operation)
// aborts the call, with ErrTierOrchestration.
func (l *Loader) Execute(ctx context.Context, ops map[string]Operation) (map[string]any, error) {
	partitioned := make(map[Tier]map[string]Operation, len(tierOrder))
	for _, tier := range tierOrder {
		partitioned[tier] = make(map[string]Operation)
	}
	for name, op := range ops {
		partitioned[Classify(name)][name] = op
	}

	out := make(map[string]any, len(ops))
	for _, tier := range tierOrder {
		results, err := l.runTier(ctx, tier, partitioned[tier])
		if err != nil {
			return nil, errors.Wrapf(ErrTierOrchestration, "%s tier: %v", tier, err)
		}
		for name, val := range results {
			out[name] = val
		}
		l.publish(TierResult{Tier: tier, Results: results})
	}
	return out, nil
}

func (l *Loader) runTier(ctx context.Context, tier Tier, ops map[string]Operation) (map[string]any, error) {
	results := make(map[string]any, len(ops))
	if len(ops) == 0 {
		return results, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, op := range ops {
		name, op := name, op
		g.Go(func() (err error) {
			// A panicking operation is an orchestration failure, not a
			// tolerated per-operation one.
			defer func() {
				if r := recover(); r != nil {
					err = errors.Newf("operation %q panicked: %v", name, r)
				}
			}()
			var callOpts []orchestrator.CallOption
			if l.cfg.cacheOps {
				callOpts = append(callOpts, orchestrator.WithCache(name),
					orchestrator.WithCacheOptions(l.cfg.cacheOpts...))
			}
			val, _, err := l.coord.Execute(gctx, name, op, callOpts...)
			if err != nil {
				l.log.Warn().Err(err).Str("tier", tier.String()).Str("operation", name).
					Msg("operation failed, excluded from tier results")
				return nil
			}
			mu.Lock()
			results[name] = val
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Progress returns a channel receiving the named tier's results each time a
// load completes that tier. Publishing never blocks: if a subscriber falls
// behind, events are dropped for it.
func (l *Loader) Progress(tier Tier) <-chan TierResult {
	ch := make(chan TierResult, l.cfg.bufferSize)
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		close(ch)
		return ch
	}
	l.subs[tier] = append(l.subs[tier], ch)
	l.mutex.Unlock()
	return ch
}

func (l *Loader) publish(result TierResult) {
	l.mutex.Lock()
	subs := l.subs[result.Tier]
	closed := l.closed
	l.mutex.Unlock()
	if closed {
		return
	}
	for _, ch := range subs {
		select {
		case ch <- result:
		default:
			l.log.Debug().Str("tier", result.Tier.String()).Msg("slow progress subscriber, event dropped")
		}
	}
}

// Close closes every progress channel. Loads already executing finish but
// publish no further events.
func (l *Loader) Close() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, subs := range l.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	l.subs = make(map[Tier][]chan TierResult)
}
