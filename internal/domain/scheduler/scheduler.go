// Package scheduler implements the Tick Loop: the cooperative loop that
// fires every tick_interval, elects a single active ticker across
// replicas via a distributed lock, and runs one tick's worth of channel
// parsing within an enforced deadline, per spec.md §4.1.
package scheduler

import (
	"context"
	"time"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/domain/dispatcher"
	"github.com/ilyasni/tgparser/internal/domain/schederr"
	"github.com/ilyasni/tgparser/internal/domain/selector"
	"github.com/ilyasni/tgparser/internal/infra/clock"
	"github.com/ilyasni/tgparser/internal/infra/logger"
	"github.com/ilyasni/tgparser/internal/infra/metrics"
	"github.com/ilyasni/tgparser/internal/ports"

	"go.uber.org/zap"
)

// lockKey identifies the single Tick Lock this service elects a ticker over.
const lockKey = "tgparser:tick-lock"

// Lease is the handle returned by a successful lock acquisition. Release
// is deferred immediately upon acquisition (scoped acquisition), covering
// panics via a recover in the caller.
type Lease struct {
	lock  ports.DistributedLock
	token string
}

// Release gives up the lease. Safe to call once; errors are logged, never
// propagated, since by the time Release runs the tick body has already run
// to completion or been aborted.
func (l Lease) Release(ctx context.Context) {
	if err := l.lock.Release(ctx, lockKey, l.token); err != nil {
		logger.Warnf("scheduler: lease release failed: %v", err)
	}
}

// Token returns the lease as a ports.LeaseToken, forwarded down to the
// Dispatcher and ultimately the watermark manager so a durable LPA write
// can re-verify the lease is still held immediately before it commits.
func (l Lease) Token() ports.LeaseToken {
	return ports.LeaseToken{Key: lockKey, Token: l.token}
}

// Dispatch is the subset of dispatcher.Dispatcher the Scheduler depends
// on, kept as an interface so tests can substitute a fake.
type Dispatch interface {
	Dispatch(ctx context.Context, pairs []channel.ChannelMode, deadline time.Time, lease ports.LeaseToken) (dispatcher.Summary, error)
}

// Select is the subset of selector.Selector the Scheduler depends on.
type Select interface {
	Select(ctx context.Context) ([]channel.ChannelMode, error)
}

// Scheduler runs the Tick Loop.
type Scheduler struct {
	lock       ports.DistributedLock
	selector   Select
	dispatcher Dispatch
	metrics    *metrics.Metrics
	clock      clock.Clock

	tickInterval   time.Duration
	lockTTL        time.Duration
	maxTickDuration time.Duration
}

// Config tunes the Tick Loop's timing.
type Config struct {
	TickInterval    time.Duration
	LockTTL         time.Duration // tick_interval * 1.5
	MaxTickDuration time.Duration // tick_interval * 1.5 * 0.9
}

// New builds a Scheduler.
func New(lock ports.DistributedLock, sel Select, dispatch Dispatch, m *metrics.Metrics, clk clock.Clock, cfg Config) *Scheduler {
	return &Scheduler{
		lock:            lock,
		selector:        sel,
		dispatcher:      dispatch,
		metrics:         m,
		clock:           clk,
		tickInterval:    cfg.TickInterval,
		lockTTL:         cfg.LockTTL,
		maxTickDuration: cfg.MaxTickDuration,
	}
}

// Run is the cooperative loop: wait for the next tick instant or
// cancellation, attempt the lock, run one tick body, repeat. It never
// returns an error; failures inside a tick are logged and the loop
// continues per spec.md §4.1.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	logger.Info("scheduler started", zap.Duration("tick_interval", s.tickInterval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopping: context canceled")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// RunOnce executes exactly one tick body, used by the `tick` CLI
// subcommand for manual/cron-driven invocation instead of the continuous loop.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runTick(ctx)
}

// runTick attempts the Tick Lock and, if acquired, runs the tick body
// under its scoped lease and the enforced max-tick-duration deadline.
// Panics inside the tick body are recovered so the lease is always
// released and the loop keeps running.
func (s *Scheduler) runTick(ctx context.Context) {
	lease, acquired, err := s.tryLock(ctx)
	if err != nil {
		logger.Errorf("scheduler: lock acquisition error: %v", err)
		s.metrics.ObserveTick(metrics.TickError)
		return
	}
	if !acquired {
		s.metrics.ObserveTick(metrics.TickContended)
		return
	}
	s.metrics.ObserveTick(metrics.TickAcquired)

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("scheduler: tick body panicked: %v", r)
			}
			lease.Release(ctx)
		}()

		deadline := s.clock.Now().Add(s.maxTickDuration)
		tickCtx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		s.runTickBody(tickCtx, deadline, lease.Token())
	}()
}

// runTickBody selects channels, dispatches parses and records the tick's
// outcome. Any error is logged, never propagated, matching the Tick Loop's
// "errors inside a tick are logged and never propagated out of the loop"
// contract.
func (s *Scheduler) runTickBody(ctx context.Context, deadline time.Time, lease ports.LeaseToken) {
	pairs, err := s.selector.Select(ctx)
	if err != nil {
		logger.Errorf("scheduler: channel selection failed: %v", err)
		return
	}

	summary, err := s.dispatcher.Dispatch(ctx, pairs, deadline, lease)
	if err != nil {
		logger.Errorf("scheduler: dispatch failed: %v", err)
		return
	}

	logger.Info("tick completed",
		zap.Int("parsed", len(summary.Parsed)),
		zap.Int("skipped", len(summary.Skipped)),
		zap.Int("failed", len(summary.Failed)),
	)
	for _, f := range summary.Failed {
		logger.Warnf("channel %s failed: kind=%s err=%v", f.ChannelID, f.Kind, f.Err)
	}

	s.metrics.ObserveTickSuccess(s.clock.Now())
}

// tryLock attempts to acquire the Tick Lock with TTL = tick_interval * 1.5.
// A contention error (another replica already holds it) is reported as
// acquired=false, err=nil so the caller can distinguish it from a real
// lock-store failure.
func (s *Scheduler) tryLock(ctx context.Context) (Lease, bool, error) {
	token, ok, err := s.lock.Acquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		if schederr.Classify(err) == schederr.KindLockContention {
			return Lease{}, false, nil
		}
		return Lease{}, false, err
	}
	if !ok {
		return Lease{}, false, nil
	}
	return Lease{lock: s.lock, token: token}, true, nil
}

