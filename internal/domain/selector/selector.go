// Package selector decides, once per tick, which channels to parse and in
// which mode, per spec.md §4.2.
package selector

import (
	"context"
	"sort"
	"time"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/infra/clock"
	"github.com/ilyasni/tgparser/internal/ports"
)

// ModeOverride is the PARSER_MODE_OVERRIDE configuration value.
type ModeOverride string

const (
	OverrideAuto        ModeOverride = "auto"
	OverrideHistorical  ModeOverride = "historical"
	OverrideIncremental ModeOverride = "incremental"
)

// Selector produces the (channel, mode) pairs a tick will process.
type Selector struct {
	channelRepo  ports.ChannelRepository
	clock        clock.Clock
	modeOverride ModeOverride
	staleThreshold time.Duration
	oldestFirst  bool
}

// New builds a Selector. staleThreshold is PARSER_LPA_STALE_THRESHOLD_SEC;
// oldestFirst is the OQ2 resolution knob, PARSER_SELECTOR_OLDEST_FIRST.
func New(channelRepo ports.ChannelRepository, clk clock.Clock, modeOverride ModeOverride, staleThreshold time.Duration, oldestFirst bool) *Selector {
	return &Selector{
		channelRepo:    channelRepo,
		clock:          clk,
		modeOverride:   modeOverride,
		staleThreshold: staleThreshold,
		oldestFirst:    oldestFirst,
	}
}

// Select queries the active-channel snapshot and assigns each a mode per
// spec.md §4.2's ordered rules, then orders the result per the OQ2
// resolution: oldest LastParsedAt first when oldestFirst is set (nil LPA
// sorts first, as the most starved).
func (s *Selector) Select(ctx context.Context) ([]channel.ChannelMode, error) {
	channels, err := s.channelRepo.ListActiveChannels(ctx)
	if err != nil {
		return nil, err
	}

	pairs := make([]channel.ChannelMode, 0, len(channels))
	for _, ch := range channels {
		pairs = append(pairs, channel.ChannelMode{
			Channel: ch,
			Mode:    s.modeFor(ch),
		})
	}

	if s.oldestFirst {
		sort.SliceStable(pairs, func(i, j int) bool {
			return lpaOrZero(pairs[i].Channel) < lpaOrZero(pairs[j].Channel)
		})
	}

	return pairs, nil
}

// modeFor evaluates spec.md §4.2's ordered mode-decision rules for one channel.
func (s *Selector) modeFor(ch channel.Channel) channel.ParseMode {
	switch s.modeOverride {
	case OverrideHistorical:
		return channel.ModeHistorical
	case OverrideIncremental:
		return channel.ModeIncremental
	}

	if ch.LastParsedAt == nil {
		return channel.ModeHistorical
	}
	if s.clock.Now().Sub(*ch.LastParsedAt) > s.staleThreshold {
		return channel.ModeHistorical
	}
	return channel.ModeIncremental
}

// lpaOrZero returns a channel's LastParsedAt as a sortable unix value, with
// a nil LPA sorting before any set value (treated as maximally stale).
func lpaOrZero(ch channel.Channel) int64 {
	if ch.LastParsedAt == nil {
		return -1 << 62
	}
	return ch.LastParsedAt.UnixNano()
}
