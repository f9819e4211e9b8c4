package selector_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/domain/selector"
	"github.com/ilyasni/tgparser/internal/infra/clock"
)

type fakeChannelRepo struct {
	channels []channel.Channel
}

func (f *fakeChannelRepo) ListActiveChannels(context.Context) ([]channel.Channel, error) {
	return f.channels, nil
}

func (f *fakeChannelRepo) UpdateLastParsedAt(context.Context, uuid.UUID, time.Time) error {
	return nil
}

func TestSelect_ModeAssignment(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	fresh := now.Add(-time.Minute)
	stale := now.Add(-48 * time.Hour)

	repo := &fakeChannelRepo{channels: []channel.Channel{
		{ID: uuid.New(), LastParsedAt: nil},
		{ID: uuid.New(), LastParsedAt: &fresh},
		{ID: uuid.New(), LastParsedAt: &stale},
	}}

	sel := selector.New(repo, clk, selector.OverrideAuto, time.Hour, false)
	pairs, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("got %d pairs, want 3", len(pairs))
	}
	if pairs[0].Mode != channel.ModeHistorical {
		t.Errorf("nil LPA should select historical, got %v", pairs[0].Mode)
	}
	if pairs[1].Mode != channel.ModeIncremental {
		t.Errorf("fresh LPA should select incremental, got %v", pairs[1].Mode)
	}
	if pairs[2].Mode != channel.ModeHistorical {
		t.Errorf("stale LPA should select historical, got %v", pairs[2].Mode)
	}
}

func TestSelect_ModeOverrideForcesMode(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	fresh := now.Add(-time.Minute)

	repo := &fakeChannelRepo{channels: []channel.Channel{
		{ID: uuid.New(), LastParsedAt: &fresh},
	}}

	sel := selector.New(repo, clk, selector.OverrideHistorical, time.Hour, false)
	pairs, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pairs[0].Mode != channel.ModeHistorical {
		t.Errorf("PARSER_MODE_OVERRIDE=historical should force historical regardless of LPA, got %v", pairs[0].Mode)
	}
}

func TestSelect_OldestFirstOrdering(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	older := now.Add(-10 * time.Hour)
	newer := now.Add(-time.Hour)

	newerID := uuid.New()
	olderID := uuid.New()
	nilID := uuid.New()

	repo := &fakeChannelRepo{channels: []channel.Channel{
		{ID: newerID, LastParsedAt: &newer},
		{ID: olderID, LastParsedAt: &older},
		{ID: nilID, LastParsedAt: nil},
	}}

	sel := selector.New(repo, clk, selector.OverrideAuto, time.Hour, true)
	pairs, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []uuid.UUID{nilID, olderID, newerID}
	for i, w := range want {
		if pairs[i].Channel.ID != w {
			t.Errorf("position %d: got channel %v, want %v", i, pairs[i].Channel.ID, w)
		}
	}
}

func TestSelect_NoOrderingPreservesRepoOrder(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Now())
	firstID, secondID := uuid.New(), uuid.New()
	repo := &fakeChannelRepo{channels: []channel.Channel{
		{ID: firstID},
		{ID: secondID},
	}}

	sel := selector.New(repo, clk, selector.OverrideAuto, time.Hour, false)
	pairs, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pairs[0].Channel.ID != firstID || pairs[1].Channel.ID != secondID {
		t.Error("expected repo order preserved when oldestFirst is disabled")
	}
}
