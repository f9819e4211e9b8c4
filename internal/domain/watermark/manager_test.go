package watermark_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/domain/watermark"
	"github.com/ilyasni/tgparser/internal/infra/clock"
	"github.com/ilyasni/tgparser/internal/ports"
)

var testLease = ports.LeaseToken{Key: "test-lock", Token: "test-token"}

type fakeFastStore struct {
	hwm       map[uuid.UUID]channel.HWM
	getErr    error
	setErr    error
	setCalled []channel.HWM

	verifyAlways bool
	verifyToken  string
}

func newFakeFastStore() *fakeFastStore {
	return &fakeFastStore{hwm: map[uuid.UUID]channel.HWM{}, verifyAlways: true}
}

func (f *fakeFastStore) Acquire(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}
func (f *fakeFastStore) Release(context.Context, string, string) error { return nil }
func (f *fakeFastStore) Verify(_ context.Context, _, token string) (bool, error) {
	return token == f.verifyToken || f.verifyAlways, nil
}

func (f *fakeFastStore) GetHWM(_ context.Context, channelID uuid.UUID) (*channel.HWM, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	h, ok := f.hwm[channelID]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (f *fakeFastStore) SetHWM(_ context.Context, hwm channel.HWM) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.hwm[hwm.ChannelID] = hwm
	f.setCalled = append(f.setCalled, hwm)
	return nil
}

type fakeChannelRepo struct {
	lastParsedAt map[uuid.UUID]time.Time
	updateErr    error
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{lastParsedAt: map[uuid.UUID]time.Time{}}
}

func (f *fakeChannelRepo) ListActiveChannels(context.Context) ([]channel.Channel, error) {
	return nil, nil
}

func (f *fakeChannelRepo) UpdateLastParsedAt(_ context.Context, channelID uuid.UUID, ts time.Time) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if cur, ok := f.lastParsedAt[channelID]; ok && !ts.After(cur) {
		return nil
	}
	f.lastParsedAt[channelID] = ts
	return nil
}

func TestStartingPoint_Historical(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := watermark.New(newFakeFastStore(), newFakeChannelRepo(), clk, 48*time.Hour)

	got, err := m.StartingPoint(context.Background(), channel.Channel{ID: uuid.New()}, channel.ModeHistorical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := clk.Now().Add(-48 * time.Hour)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStartingPoint_Override_IgnoresWatermarks(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := newFakeFastStore()
	chID := uuid.New()
	fs.hwm[chID] = channel.HWM{ChannelID: chID, LastOKTimestamp: clk.Now().Add(-time.Hour)}
	lpa := clk.Now().Add(-30 * time.Minute)

	m := watermark.New(fs, newFakeChannelRepo(), clk, 48*time.Hour)
	got, err := m.StartingPoint(context.Background(), channel.Channel{ID: chID, LastParsedAt: &lpa}, channel.ModeOverride)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := clk.Now().Add(-48 * time.Hour)
	if !got.Equal(want) {
		t.Errorf("override should ignore HWM/LPA: got %v, want %v", got, want)
	}
}

func TestStartingPoint_Incremental(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hwmTime := base.Add(-2 * time.Hour)
	lpaTime := base.Add(-3 * time.Hour)

	cases := []struct {
		name   string
		hwm    *time.Time
		lpa    *time.Time
		want   time.Time
	}{
		{name: "neither present falls back to historical bootstrap", hwm: nil, lpa: nil, want: base.Add(-48 * time.Hour)},
		{name: "HWM only", hwm: &hwmTime, lpa: nil, want: hwmTime},
		{name: "LPA only", hwm: nil, lpa: &lpaTime, want: lpaTime},
		{name: "both present, HWM more recent wins", hwm: &hwmTime, lpa: &lpaTime, want: hwmTime},
		{name: "both present, LPA more recent wins", hwm: &lpaTime, lpa: &hwmTime, want: hwmTime},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			clk := clock.NewManual(base)
			fs := newFakeFastStore()
			chID := uuid.New()
			if tc.hwm != nil {
				fs.hwm[chID] = channel.HWM{ChannelID: chID, LastOKTimestamp: *tc.hwm}
			}

			m := watermark.New(fs, newFakeChannelRepo(), clk, 48*time.Hour)
			got, err := m.StartingPoint(context.Background(), channel.Channel{ID: chID, LastParsedAt: tc.lpa}, channel.ModeIncremental)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRecordBatchProgress_SetsHWM(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := newFakeFastStore()
	m := watermark.New(fs, newFakeChannelRepo(), clk, time.Hour)

	chID := uuid.New()
	postedAt := clk.Now().Add(-time.Minute)
	if err := m.RecordBatchProgress(context.Background(), chID, postedAt, 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := fs.GetHWM(context.Background(), chID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected HWM to be set")
	}
	if !got.LastOKTimestamp.Equal(postedAt) || got.LastOKMessageID != 42 {
		t.Errorf("got %+v, want timestamp %v and message id 42", got, postedAt)
	}
	if !got.UpdatedAt.Equal(clk.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, clk.Now())
	}
}

func TestHasHWM(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Now())
	fs := newFakeFastStore()
	m := watermark.New(fs, newFakeChannelRepo(), clk, time.Hour)

	chID := uuid.New()
	has, err := m.HasHWM(context.Background(), chID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if has {
		t.Error("expected no HWM recorded yet")
	}

	fs.hwm[chID] = channel.HWM{ChannelID: chID, LastOKTimestamp: clk.Now()}
	has, err = m.HasHWM(context.Background(), chID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !has {
		t.Error("expected HWM to be recorded")
	}
}

func TestFinalizeParse_MonotonicGuardDelegatedToRepo(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	repo := newFakeChannelRepo()
	m := watermark.New(newFakeFastStore(), repo, clk, time.Hour)

	chID := uuid.New()
	newer := clk.Now()
	older := clk.Now().Add(-time.Hour)

	if err := m.FinalizeParse(context.Background(), chID, newer, testLease); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.FinalizeParse(context.Background(), chID, older, testLease); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !repo.lastParsedAt[chID].Equal(newer) {
		t.Errorf("LPA regressed: got %v, want %v", repo.lastParsedAt[chID], newer)
	}
}

func TestFinalizeParse_LostLeaseIsRejected(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := newFakeFastStore()
	fs.verifyAlways = false
	fs.verifyToken = "someone-else-token"
	repo := newFakeChannelRepo()
	m := watermark.New(fs, repo, clk, time.Hour)

	chID := uuid.New()
	err := m.FinalizeParse(context.Background(), chID, clk.Now(), testLease)
	if err == nil {
		t.Fatal("expected an error when the lease is no longer held")
	}
	if _, ok := repo.lastParsedAt[chID]; ok {
		t.Error("LPA must not be written when the lease was lost")
	}
}
