// Package refresh keeps cached data fresh without blocking the UI. Each
// registered consumer gets one periodic timer that invokes a silent-refresh
// callback whenever the consumer's state is judged stale. Refresh failures
// are logged and swallowed — a background refresh must never surface an
// error to the user.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// StaleAfter is the fixed staleness threshold: data older than this is
// eligible for a background refresh.
const StaleAfter = 5 * time.Minute

// DefaultInterval is the default per-consumer tick interval.
const DefaultInterval = 2 * time.Minute

// State describes a consumer's data freshness at a point in time.
type State struct {
	LastUpdated time.Time
	Loading     bool
	Refreshing  bool
}

// IsStale reports whether the data is older than StaleAfter.
func (s State) IsStale(now time.Time) bool {
	return now.Sub(s.LastUpdated) > StaleAfter
}

// NeedsRefresh reports whether a silent refresh should run: stale data with
// no load or refresh already in progress.
func (s State) NeedsRefresh(now time.Time) bool {
	return s.IsStale(now) && !s.Loading && !s.Refreshing
}

// Consumer supplies the scheduler with a freshness probe and a
// silent-refresh callback. Both must be non-nil.
type Consumer struct {
	State   func() State
	Refresh func(ctx context.Context) error
}

// ErrSchedulerClosed is returned by Register after Close.
var ErrSchedulerClosed = errors.New("refresh: scheduler closed")

type registration struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns one refresh loop per registered consumer. Unregister and
// Close stop loops deterministically: they cancel the loop and wait for it
// to exit, so no timer outlives its consumer. Disposal stops new triggers
// only — a refresh callback already running is not preempted.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
	cfg    schedulerConfig

	mutex     sync.Mutex
	consumers map[string]*registration
	closed    bool
	once      sync.Once
}

type schedulerConfig struct {
	interval         time.Duration
	failureThreshold int
	cooldown         time.Duration
	clock            func() time.Time
}

// Option configures a Scheduler.
type Option func(*schedulerConfig)

// WithInterval sets the per-consumer tick interval. Defaults to
// DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(c *schedulerConfig) { c.interval = d }
}

// WithFailureThreshold sets how many consecutive refresh failures trigger a
// cooldown. Defaults to 3.
func WithFailureThreshold(n int) Option {
	return func(c *schedulerConfig) { c.failureThreshold = n }
}

// WithCooldown sets how long a consumer's refreshes pause after hitting the
// failure threshold. Defaults to 10 minutes.
func WithCooldown(d time.Duration) Option {
	return func(c *schedulerConfig) { c.cooldown = d }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *schedulerConfig) { c.clock = clock }
}

// New returns a Scheduler. Cancelling parent stops every loop.
func New(parent context.Context, log zerolog.Logger, opts ...Option) *Scheduler {
	cfg := schedulerConfig{
		interval:         DefaultInterval,
		failureThreshold: 3,
		cooldown:         10 * time.Minute,
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With().Str("component", "refresh").Logger(),
		cfg:       cfg,
		consumers: make(map[string]*registration),
	}
}

// Register starts a refresh loop for the consumer. Registering an id that
// is already present replaces the old loop (the old one is stopped first).
func (s *Scheduler) Register(id string, c Consumer) error {
	if c.State == nil || c.Refresh == nil {
		return errors.Newf("refresh: consumer %q must supply State and Refresh", id)
	}

	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return errors.Wrapf(ErrSchedulerClosed, "registering %q", id)
	}
	old := s.consumers[id]
	ctx, cancel := context.WithCancel(s.ctx)
	reg := &registration{cancel: cancel, done: make(chan struct{})}
	s.consumers[id] = reg
	s.mutex.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	go s.run(ctx, id, c, reg.done)
	s.log.Debug().Str("consumer", id).Msg("registered for background refresh")
	return nil
}

// Unregister stops the consumer's loop and waits for it to exit.
// Unregistering an unknown id is a no-op.
func (s *Scheduler) Unregister(id string) {
	s.mutex.Lock()
	reg := s.consumers[id]
	delete(s.consumers, id)
	s.mutex.Unlock()
	if reg == nil {
		return
	}
	reg.cancel()
	<-reg.done
	s.log.Debug().Str("consumer", id).Msg("unregistered from background refresh")
}

// Registered reports whether a consumer id currently has a loop.
func (s *Scheduler) Registered(id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.consumers[id]
	return ok
}

// Len returns the number of registered consumers.
func (s *Scheduler) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.consumers)
}

// Close stops every loop and rejects further registrations. Idempotent.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		s.mutex.Lock()
		s.closed = true
		regs := make([]*registration, 0, len(s.consumers))
		for _, reg := range s.consumers {
			regs = append(regs, reg)
		}
		s.consumers = make(map[string]*registration)
		s.mutex.Unlock()

		s.cancel()
		for _, reg := range regs {
			<-reg.done
		}
	})
}

func (s *Scheduler) run(ctx context.Context, id string, c Consumer, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.interval)
	defer ticker.Stop()

	failures := 0
	var cooldownUntil time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.cfg.clock()
			if now.Before(cooldownUntil) {
				continue
			}
			state, err := s.safeState(c)
			if err != nil {
				s.log.Warn().Err(err).Str("consumer", id).Msg("state probe failed")
				continue
			}
			if !state.NeedsRefresh(now) {
				continue
			}
			if err := s.safeRefresh(ctx, c); err != nil {
				failures++
				s.log.Warn().Err(err).Str("consumer", id).Int("consecutive", failures).
					Msg("silent refresh failed")
				if failures >= s.cfg.failureThreshold {
					cooldownUntil = now.Add(s.cfg.cooldown)
					failures = 0
					s.log.Debug().Str("consumer", id).Time("until", cooldownUntil).
						Msg("refresh cooldown engaged")
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *Scheduler) safeState(c Consumer) (state State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("state probe panic: %v", r)
		}
	}()
	return c.State(), nil
}

func (s *Scheduler) safeRefresh(ctx context.Context, c Consumer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("refresh panic: %v", r)
		}
	}()
	return c.Refresh(ctx)
}
