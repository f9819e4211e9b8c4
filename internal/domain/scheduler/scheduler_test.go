package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/domain/dispatcher"
	"github.com/ilyasni/tgparser/internal/domain/schederr"
	"github.com/ilyasni/tgparser/internal/domain/scheduler"
	"github.com/ilyasni/tgparser/internal/infra/clock"
	"github.com/ilyasni/tgparser/internal/infra/metrics"
	"github.com/ilyasni/tgparser/internal/ports"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetricsWithRegisterer(prometheus.NewRegistry())
}

// fakeLock hands out the lease to exactly one caller at a time, honoring
// token-scoped Release like the real Redis SET NX PX + Lua-release pair.
type fakeLock struct {
	mu      sync.Mutex
	held    bool
	token   string
	seq     int64
	acquireErr error
}

func (f *fakeLock) Acquire(_ context.Context, _ string, _ time.Duration) (string, bool, error) {
	if f.acquireErr != nil {
		return "", false, f.acquireErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return "", false, nil
	}
	f.seq++
	f.token = fmt.Sprintf("tok-%d", f.seq)
	f.held = true
	return f.token, true, nil
}

func (f *fakeLock) Release(_ context.Context, _ string, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == token {
		f.held = false
	}
	return nil
}

func (f *fakeLock) Verify(_ context.Context, _, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held && f.token == token, nil
}

type fakeSelect struct {
	pairs []channel.ChannelMode
	err   error
	calls int32
}

func (f *fakeSelect) Select(context.Context) ([]channel.ChannelMode, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.pairs, f.err
}

type fakeDispatch struct {
	summary dispatcher.Summary
	err     error
	calls   int32
}

func (f *fakeDispatch) Dispatch(context.Context, []channel.ChannelMode, time.Time, ports.LeaseToken) (dispatcher.Summary, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.summary, f.err
}

func TestRunOnce_HappyPath(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Now())
	lock := &fakeLock{}
	sel := &fakeSelect{}
	disp := &fakeDispatch{}

	s := scheduler.New(lock, sel, disp, newTestMetrics(), clk, scheduler.Config{
		TickInterval:    time.Second,
		LockTTL:         2 * time.Second,
		MaxTickDuration: time.Second,
	})

	s.RunOnce(context.Background())

	if atomic.LoadInt32(&sel.calls) != 1 {
		t.Errorf("selector called %d times, want 1", sel.calls)
	}
	if atomic.LoadInt32(&disp.calls) != 1 {
		t.Errorf("dispatcher called %d times, want 1", disp.calls)
	}
	if lock.held {
		t.Error("lease should be released after the tick body completes")
	}
}

func TestRunOnce_LockContentionSkipsTick(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Now())
	lock := &fakeLock{held: true, token: "someone-else"}
	sel := &fakeSelect{}
	disp := &fakeDispatch{}

	s := scheduler.New(lock, sel, disp, newTestMetrics(), clk, scheduler.Config{
		TickInterval:    time.Second,
		LockTTL:         2 * time.Second,
		MaxTickDuration: time.Second,
	})

	s.RunOnce(context.Background())

	if atomic.LoadInt32(&sel.calls) != 0 {
		t.Error("selector must not run when the lock is contended")
	}
	if atomic.LoadInt32(&disp.calls) != 0 {
		t.Error("dispatcher must not run when the lock is contended")
	}
}

func TestRunOnce_LockAcquireErrorSkipsTick(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Now())
	lock := &fakeLock{acquireErr: schederr.ErrInternal}
	sel := &fakeSelect{}
	disp := &fakeDispatch{}

	s := scheduler.New(lock, sel, disp, newTestMetrics(), clk, scheduler.Config{
		TickInterval:    time.Second,
		LockTTL:         2 * time.Second,
		MaxTickDuration: time.Second,
	})

	s.RunOnce(context.Background())

	if atomic.LoadInt32(&sel.calls) != 0 {
		t.Error("selector must not run when lock acquisition errors")
	}
}

func TestRunOnce_SelectorErrorReleasesLease(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Now())
	lock := &fakeLock{}
	sel := &fakeSelect{err: schederr.ErrInternal}
	disp := &fakeDispatch{}

	s := scheduler.New(lock, sel, disp, newTestMetrics(), clk, scheduler.Config{
		TickInterval:    time.Second,
		LockTTL:         2 * time.Second,
		MaxTickDuration: time.Second,
	})

	s.RunOnce(context.Background())

	if atomic.LoadInt32(&disp.calls) != 0 {
		t.Error("dispatcher must not run when selection failed")
	}
	if lock.held {
		t.Error("lease must be released even when the tick body errors")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Now())
	lock := &fakeLock{}
	sel := &fakeSelect{}
	disp := &fakeDispatch{}

	s := scheduler.New(lock, sel, disp, newTestMetrics(), clk, scheduler.Config{
		TickInterval:    5 * time.Millisecond,
		LockTTL:         time.Second,
		MaxTickDuration: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if atomic.LoadInt32(&sel.calls) == 0 {
		t.Error("expected at least one tick to have run before cancellation")
	}
}
