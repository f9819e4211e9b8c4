// Package watermark is the authoritative owner of a channel's progress
// markers: the volatile high-water mark (HWM), held in the fast store for
// low-latency reads, and the durable Last Parsed At (LPA), held in the
// relational store. It reconciles the two across crashes and evictions.
package watermark

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/domain/schederr"
	"github.com/ilyasni/tgparser/internal/infra/clock"
	"github.com/ilyasni/tgparser/internal/ports"
)

// Manager computes starting points and records progress against the fast
// and relational stores.
type Manager struct {
	fastStore  ports.FastStore
	channelRepo ports.ChannelRepository
	clock      clock.Clock

	historicalLookback time.Duration
}

// New builds a Manager. historicalLookback is the default window for
// historical mode (PARSER_HISTORICAL_HOURS).
func New(fastStore ports.FastStore, channelRepo ports.ChannelRepository, clk clock.Clock, historicalLookback time.Duration) *Manager {
	return &Manager{
		fastStore:          fastStore,
		channelRepo:        channelRepo,
		clock:              clk,
		historicalLookback: historicalLookback,
	}
}

// StartingPoint computes the moment from which messages must be fetched
// for ch under mode, per spec.md §4.4.
func (m *Manager) StartingPoint(ctx context.Context, ch channel.Channel, mode channel.ParseMode) (time.Time, error) {
	switch mode {
	case channel.ModeHistorical, channel.ModeOverride:
		// ModeOverride is an operator-triggered full re-backfill: ignore HWM
		// and LPA the same way a cold-start historical parse does.
		return m.clock.Now().Add(-m.historicalLookback), nil

	case channel.ModeIncremental:
		return m.incrementalStartingPoint(ctx, ch)

	default:
		return time.Time{}, fmt.Errorf("watermark: unknown parse mode %v", mode)
	}
}

// incrementalStartingPoint implements spec.md §4.4's incremental-mode rule:
// max(HWM, LPA) when both present; whichever is present alone; historical
// bootstrap fallback if neither is present.
func (m *Manager) incrementalStartingPoint(ctx context.Context, ch channel.Channel) (time.Time, error) {
	hwm, err := m.fastStore.GetHWM(ctx, ch.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("watermark: get HWM: %w", err)
	}

	switch {
	case hwm != nil && ch.LastParsedAt != nil:
		if hwm.LastOKTimestamp.After(*ch.LastParsedAt) {
			return hwm.LastOKTimestamp, nil
		}
		return *ch.LastParsedAt, nil
	case hwm != nil:
		return hwm.LastOKTimestamp, nil
	case ch.LastParsedAt != nil:
		return *ch.LastParsedAt, nil
	default:
		// Defensive fallback: the Selector should already have chosen
		// historical for a channel with neither marker.
		return m.clock.Now().Add(-m.historicalLookback), nil
	}
}

// RecordBatchProgress updates a channel's HWM in the fast store after a
// page has been fully processed. Last-writer-wins within a tick — safe
// because only one replica ticks and each channel has at most one
// in-flight parse per tick (spec.md §4.4, §5).
func (m *Manager) RecordBatchProgress(ctx context.Context, channelID uuid.UUID, maxPostedAt time.Time, maxMessageID int64) error {
	return m.fastStore.SetHWM(ctx, channel.HWM{
		ChannelID:       channelID,
		LastOKTimestamp: maxPostedAt,
		LastOKMessageID: maxMessageID,
		UpdatedAt:       m.clock.Now(),
	})
}

// HasHWM reports whether a channel currently has a recorded high-water
// mark, used by the Parse Orchestrator's OQ1 check (advance LPA to now on
// an empty incremental parse only when HWM is present).
func (m *Manager) HasHWM(ctx context.Context, channelID uuid.UUID) (bool, error) {
	hwm, err := m.fastStore.GetHWM(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("watermark: get HWM: %w", err)
	}
	return hwm != nil, nil
}

// FinalizeParse writes LPA to the relational store. Idempotent: the
// repository applies a monotonic-guard UPDATE, so calling this with a
// value not after the stored LPA is a no-op. lease must still be the Tick
// Lock's current holder at the moment this runs — re-verified against the
// fast store immediately before the UPDATE, so a writer whose lease
// silently expired mid-tick (a GC pause or a slow write outlasting the
// lock TTL) can't commit a watermark another instance may already be
// parsing past.
func (m *Manager) FinalizeParse(ctx context.Context, channelID uuid.UUID, maxPostedAt time.Time, lease ports.LeaseToken) error {
	held, err := m.fastStore.Verify(ctx, lease.Key, lease.Token)
	if err != nil {
		return fmt.Errorf("watermark: verify lease before finalize: %w", err)
	}
	if !held {
		return fmt.Errorf("watermark: finalize LPA: %w: lease %q no longer held", schederr.ErrLockContended, lease.Key)
	}

	if err := m.channelRepo.UpdateLastParsedAt(ctx, channelID, maxPostedAt); err != nil {
		return fmt.Errorf("watermark: finalize LPA: %w", err)
	}
	return nil
}
