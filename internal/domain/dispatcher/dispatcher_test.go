package dispatcher_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/domain/dispatcher"
	"github.com/ilyasni/tgparser/internal/domain/parseorch"
	"github.com/ilyasni/tgparser/internal/domain/schederr"
	"github.com/ilyasni/tgparser/internal/infra/metrics"
	"github.com/ilyasni/tgparser/internal/ports"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegisterer(prometheus.NewRegistry())
}

var testLease = ports.LeaseToken{Key: "test-lock", Token: "test-token"}

// fakeParser fails a channel's first N attempts (by channel ID), then
// succeeds, so tests can exercise the Dispatcher's retry loop.
type fakeParser struct {
	mu         sync.Mutex
	failBefore map[uuid.UUID]int
	attempts   map[uuid.UUID]int
	errFn      func(ch channel.Channel) error
	concurrent int32
	maxSeen    int32
}

func newFakeParser() *fakeParser {
	return &fakeParser{failBefore: map[uuid.UUID]int{}, attempts: map[uuid.UUID]int{}}
}

func (p *fakeParser) Parse(_ context.Context, ch channel.Channel, _ channel.ParseMode, _ time.Time, _ ports.LeaseToken) (parseorch.Result, error) {
	cur := atomic.AddInt32(&p.concurrent, 1)
	defer atomic.AddInt32(&p.concurrent, -1)
	for {
		seen := atomic.LoadInt32(&p.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&p.maxSeen, seen, cur) {
			break
		}
	}

	p.mu.Lock()
	p.attempts[ch.ID]++
	attempt := p.attempts[ch.ID]
	failBefore := p.failBefore[ch.ID]
	p.mu.Unlock()

	if attempt <= failBefore {
		if p.errFn != nil {
			return parseorch.Result{Outcome: parseorch.OutcomeFailed}, p.errFn(ch)
		}
		return parseorch.Result{Outcome: parseorch.OutcomeFailed}, fmt.Errorf("transient failure attempt %d", attempt)
	}
	return parseorch.Result{Outcome: parseorch.OutcomeOK, MessageCount: 1}, nil
}

func TestDispatch_AllSucceed(t *testing.T) {
	t.Parallel()

	parser := newFakeParser()
	d := dispatcher.New(parser, newTestMetrics(), dispatcher.Config{MaxConcurrency: 2, RetryMax: 3})

	pairs := []channel.ChannelMode{
		{Channel: channel.Channel{ID: uuid.New()}, Mode: channel.ModeIncremental},
		{Channel: channel.Channel{ID: uuid.New()}, Mode: channel.ModeIncremental},
	}

	summary, err := d.Dispatch(context.Background(), pairs, time.Now().Add(time.Minute), testLease)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Parsed) != 2 || len(summary.Failed) != 0 {
		t.Errorf("got %+v, want both channels parsed", summary)
	}
}

func TestDispatch_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	parser := newFakeParser()
	chID := uuid.New()
	parser.failBefore[chID] = 2 // fails twice, succeeds on 3rd attempt

	d := dispatcher.New(parser, newTestMetrics(), dispatcher.Config{
		MaxConcurrency: 1,
		RetryMax:       5,
		RetryBaseDelay: time.Millisecond,
		RetryCapDelay:  10 * time.Millisecond,
	})

	pairs := []channel.ChannelMode{{Channel: channel.Channel{ID: chID}, Mode: channel.ModeIncremental}}
	summary, err := d.Dispatch(context.Background(), pairs, time.Now().Add(5*time.Second), testLease)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Parsed) != 1 {
		t.Errorf("got %+v, want channel eventually parsed", summary)
	}
	if parser.attempts[chID] != 3 {
		t.Errorf("attempts = %d, want 3", parser.attempts[chID])
	}
}

func TestDispatch_PermanentErrorStopsImmediately(t *testing.T) {
	t.Parallel()

	parser := newFakeParser()
	chID := uuid.New()
	parser.failBefore[chID] = 1000 // would never recover on its own
	parser.errFn = func(channel.Channel) error {
		return ports.PermanentError{Kind: "channel_deleted"}
	}

	d := dispatcher.New(parser, newTestMetrics(), dispatcher.Config{
		MaxConcurrency: 1,
		RetryMax:       10,
		RetryBaseDelay: time.Millisecond,
		RetryCapDelay:  10 * time.Millisecond,
	})

	pairs := []channel.ChannelMode{{Channel: channel.Channel{ID: chID}, Mode: channel.ModeIncremental}}
	summary, err := d.Dispatch(context.Background(), pairs, time.Now().Add(5*time.Second), testLease)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Failed) != 1 {
		t.Fatalf("got %+v, want one failed channel", summary)
	}
	if summary.Failed[0].Kind != schederr.KindPermanentUpstream {
		t.Errorf("kind = %v, want PermanentUpstream", summary.Failed[0].Kind)
	}
	if parser.attempts[chID] != 1 {
		t.Errorf("attempts = %d, want exactly 1 (no retry on permanent error)", parser.attempts[chID])
	}
}

func TestDispatch_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	parser := newFakeParser()
	chID := uuid.New()
	parser.failBefore[chID] = 1000

	d := dispatcher.New(parser, newTestMetrics(), dispatcher.Config{
		MaxConcurrency: 1,
		RetryMax:       2,
		RetryBaseDelay: time.Millisecond,
		RetryCapDelay:  5 * time.Millisecond,
	})

	pairs := []channel.ChannelMode{{Channel: channel.Channel{ID: chID}, Mode: channel.ModeIncremental}}
	summary, err := d.Dispatch(context.Background(), pairs, time.Now().Add(5*time.Second), testLease)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Failed) != 1 {
		t.Fatalf("got %+v, want one failed channel after exhausting retries", summary)
	}
}

func TestDispatch_RespectsMaxConcurrency(t *testing.T) {
	t.Parallel()

	parser := newFakeParser()
	const n = 8
	pairs := make([]channel.ChannelMode, n)
	for i := range pairs {
		pairs[i] = channel.ChannelMode{Channel: channel.Channel{ID: uuid.New()}, Mode: channel.ModeIncremental}
	}

	d := dispatcher.New(parser, newTestMetrics(), dispatcher.Config{MaxConcurrency: 3})
	summary, err := d.Dispatch(context.Background(), pairs, time.Now().Add(time.Minute), testLease)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Parsed) != n {
		t.Errorf("got %d parsed, want %d", len(summary.Parsed), n)
	}
	if atomic.LoadInt32(&parser.maxSeen) > 3 {
		t.Errorf("observed concurrency %d, want <= 3", parser.maxSeen)
	}
}

func TestDispatch_ErrorsWhenContextAlreadyDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	parser := newFakeParser()
	d := dispatcher.New(parser, newTestMetrics(), dispatcher.Config{MaxConcurrency: 1})
	_, err := d.Dispatch(ctx, []channel.ChannelMode{{Channel: channel.Channel{ID: uuid.New()}}}, time.Now().Add(time.Minute), testLease)
	if err == nil {
		t.Error("expected an error when ctx is already done")
	}
}
