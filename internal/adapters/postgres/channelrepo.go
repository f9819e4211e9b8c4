// Package postgres implements the ChannelRepository port against the
// relational store, via jackc/pgx/v5. LPA writes use a monotonic-guard
// UPDATE so a stale or out-of-order writer can never regress a channel's
// watermark (spec.md §4.4).
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ilyasni/tgparser/internal/domain/channel"
)

// ChannelRepository implements ports.ChannelRepository against a pgx pool.
type ChannelRepository struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool.
func New(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

// ListActiveChannels returns every channel with active = true, one
// snapshot per tick per spec.md §4.2.
func (r *ChannelRepository) ListActiveChannels(ctx context.Context) ([]channel.Channel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, external_id, active, last_parsed_at
		FROM channels
		WHERE active = true
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active channels: %w", err)
	}
	defer rows.Close()

	var channels []channel.Channel
	for rows.Next() {
		var (
			ch           channel.Channel
			lastParsedAt *time.Time
		)
		if err := rows.Scan(&ch.ID, &ch.ExternalID, &ch.Active, &lastParsedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan channel row: %w", err)
		}
		ch.LastParsedAt = lastParsedAt
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate channel rows: %w", err)
	}
	return channels, nil
}

// UpdateLastParsedAt advances channelID's LPA to ts, unless the stored LPA
// is already at or after ts (monotonic-guard UPDATE, spec.md §4.4). A
// channel that doesn't exist is treated as a no-op, not an error — the
// Channel Selector's snapshot is already stale by the time Dispatch runs if
// that happens.
func (r *ChannelRepository) UpdateLastParsedAt(ctx context.Context, channelID uuid.UUID, ts time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE channels
		SET last_parsed_at = $2
		WHERE id = $1
		  AND (last_parsed_at IS NULL OR last_parsed_at < $2)
	`, channelID, ts)
	if err != nil && err != pgx.ErrNoRows {
		return fmt.Errorf("postgres: update LPA for %s: %w", channelID, err)
	}
	return nil
}
