// Package dispatcher runs the Parse Orchestrator over the channels a tick
// selected, under a bounded worker pool, with per-channel retry and
// exponential backoff. Grounded on the teacher's token-bucket + backoff
// engine (internal/infra/throttle), generalized here to one throttler per
// channel instead of one shared bucket per outbound call — concurrency
// across channels is bounded by the worker pool, not by rate limiting.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/domain/parseorch"
	"github.com/ilyasni/tgparser/internal/domain/schederr"
	"github.com/ilyasni/tgparser/internal/infra/metrics"
	"github.com/ilyasni/tgparser/internal/infra/throttle"
	"github.com/ilyasni/tgparser/internal/ports"
)

// Parser is the subset of parseorch.Orchestrator the Dispatcher depends
// on, kept as an interface so tests can substitute a fake.
type Parser interface {
	Parse(ctx context.Context, ch channel.Channel, mode channel.ParseMode, deadline time.Time, lease ports.LeaseToken) (parseorch.Result, error)
}

// FailedChannel records one channel's failure for the tick summary.
type FailedChannel struct {
	ChannelID uuid.UUID
	Kind      schederr.Kind
	Err       error
}

// Summary reports what happened to every channel dispatched in a tick.
type Summary struct {
	Parsed  []uuid.UUID
	Skipped []uuid.UUID
	Failed  []FailedChannel
}

// Config tunes the Dispatcher's concurrency and retry behavior.
type Config struct {
	MaxConcurrency int
	RetryMax       int
	RetryBaseDelay time.Duration
	RetryCapDelay  time.Duration
	ParseTimeout   time.Duration
}

// Dispatcher executes parses under a bounded worker pool.
type Dispatcher struct {
	parser  Parser
	metrics *metrics.Metrics
	cfg     Config
}

// New builds a Dispatcher.
func New(parser Parser, m *metrics.Metrics, cfg Config) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Dispatcher{parser: parser, metrics: m, cfg: cfg}
}

// Dispatch runs parser.Parse for every pair, honoring deadline and the
// configured concurrency bound, retry policy and rate-limit handling per
// spec.md §4.3. Results for all channels, successful or not, are reflected
// in the returned Summary; Dispatch itself only errors if ctx is already
// done on entry. lease is the tick's lock token, forwarded to every Parse
// call so a durable LPA write can re-verify it's still held.
func (d *Dispatcher) Dispatch(ctx context.Context, pairs []channel.ChannelMode, deadline time.Time, lease ports.LeaseToken) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	work := make(chan channel.ChannelMode, len(pairs))
	for _, p := range pairs {
		work <- p
	}
	close(work)

	var (
		mu      sync.Mutex
		summary Summary
		wg      sync.WaitGroup
	)

	workers := d.cfg.MaxConcurrency
	if workers > len(pairs) && len(pairs) > 0 {
		workers = len(pairs)
	}
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pair := range work {
				outcome := d.runChannel(ctx, pair, deadline, lease)
				mu.Lock()
				switch {
				case outcome.failed != nil:
					summary.Failed = append(summary.Failed, *outcome.failed)
				case outcome.skipped:
					summary.Skipped = append(summary.Skipped, pair.Channel.ID)
				default:
					summary.Parsed = append(summary.Parsed, pair.Channel.ID)
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	return summary, nil
}

type channelOutcome struct {
	skipped bool
	failed  *FailedChannel
}

// metricsOutcome maps a parse Result's Outcome onto tgparser_parse_attempts_total's
// `outcome` label, so partial and rate-limited attempts are distinguishable
// from a clean success or an exhausted failure instead of collapsing to a
// binary success/failure (spec.md §6).
func metricsOutcome(o parseorch.Outcome) metrics.ParseOutcome {
	switch o {
	case parseorch.OutcomeOK:
		return metrics.ParseOutcomeSuccess
	case parseorch.OutcomePartial:
		return metrics.ParseOutcomePartial
	case parseorch.OutcomeRateLimited:
		return metrics.ParseOutcomeRateLimited
	default:
		return metrics.ParseOutcomeFailure
	}
}

// runChannel drives one channel's retry loop to completion, bounded by the
// tick deadline and the channel's own parse timeout.
func (d *Dispatcher) runChannel(ctx context.Context, pair channel.ChannelMode, tickDeadline time.Time, lease ports.LeaseToken) channelOutcome {
	if ctx.Err() != nil {
		return channelOutcome{skipped: true}
	}
	if time.Now().After(tickDeadline) {
		return channelOutcome{skipped: true}
	}

	channelLabel := pair.Channel.ID.String()
	rateLimitWaitExtractor := func(err error) (time.Duration, bool) {
		wait := schederr.RetryAfter(err)
		if wait <= 0 {
			return 0, false
		}
		d.metrics.ObserveRateLimitWait(channelLabel, wait)
		return wait, true
	}

	t := throttle.New(1,
		throttle.WithBurst(1),
		throttle.WithMaxRetries(d.cfg.RetryMax),
		throttle.WithBaseDelay(d.cfg.RetryBaseDelay),
		throttle.WithCapDelay(d.cfg.RetryCapDelay),
		throttle.WithWaitExtractors(rateLimitWaitExtractor),
	)
	t.Start(ctx)
	defer t.Stop()

	parseDeadline := tickDeadline
	if d.cfg.ParseTimeout > 0 {
		if byTimeout := time.Now().Add(d.cfg.ParseTimeout); byTimeout.Before(parseDeadline) {
			parseDeadline = byTimeout
		}
	}

	var lastResult parseorch.Result
	var attempts int
	callErr := t.Do(ctx, func() error {
		attempts++
		parseCtx, cancel := context.WithDeadline(ctx, parseDeadline)
		defer cancel()

		result, err := d.parser.Parse(parseCtx, pair.Channel, pair.Mode, parseDeadline, lease)
		lastResult = result
		if err != nil {
			kind := schederr.Classify(err)
			if attempts > 1 {
				d.metrics.ObserveRetry(kind.String())
			}
			return schederr.Wrap(err)
		}
		d.metrics.ObserveParse(pair.Mode.String(), string(metricsOutcome(result.Outcome)))
		return nil
	})

	if callErr != nil {
		kind := schederr.Classify(callErr)
		d.metrics.ObserveParse(pair.Mode.String(), string(metricsOutcome(lastResult.Outcome)))
		return channelOutcome{failed: &FailedChannel{ChannelID: pair.Channel.ID, Kind: kind, Err: callErr}}
	}

	return channelOutcome{}
}
