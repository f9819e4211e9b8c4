// Package parseorch runs a single channel's parse from its starting point
// to the end of the currently available stream, publishing a
// PostParsedEvent per message and advancing watermarks, per spec.md §4.5.
package parseorch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/tgparser/internal/domain/channel"
	"github.com/ilyasni/tgparser/internal/domain/watermark"
	"github.com/ilyasni/tgparser/internal/ports"
)

// Outcome enumerates the terminal states of one parse attempt.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomePartial     Outcome = "partial"
	OutcomeFailed      Outcome = "failed"
	OutcomeRateLimited Outcome = "rate_limited"
)

// Result reports what a single Parse call accomplished.
type Result struct {
	MessageCount int
	MaxPostedAt  time.Time
	Outcome      Outcome
}

// Orchestrator drives one channel's parse.
type Orchestrator struct {
	source    ports.MessageSource
	publisher ports.EventPublisher
	watermark *watermark.Manager
	batchSize int
}

// New builds an Orchestrator.
func New(source ports.MessageSource, publisher ports.EventPublisher, wm *watermark.Manager, batchSize int) *Orchestrator {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Orchestrator{source: source, publisher: publisher, watermark: wm, batchSize: batchSize}
}

// Parse runs ch's parse under mode, stopping at deadline if reached before
// the stream is exhausted. lease is the tick's lock token, re-verified by
// the watermark manager immediately before any durable LPA write.
func (o *Orchestrator) Parse(ctx context.Context, ch channel.Channel, mode channel.ParseMode, deadline time.Time, lease ports.LeaseToken) (Result, error) {
	startingPoint, err := o.watermark.StartingPoint(ctx, ch, mode)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}

	since := startingPoint
	traceID := uuid.NewString()
	var (
		totalMessages int
		overallMaxPostedAt time.Time
		sawAnyPage    bool
	)

	for {
		if ctx.Err() != nil {
			return Result{MessageCount: totalMessages, MaxPostedAt: overallMaxPostedAt, Outcome: OutcomePartial}, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return Result{MessageCount: totalMessages, MaxPostedAt: overallMaxPostedAt, Outcome: OutcomePartial}, nil
		}

		page, err := o.source.FetchMessages(ctx, ch.ExternalID, since, o.batchSize)
		if err != nil {
			outcome := OutcomeFailed
			if _, ok := err.(ports.RateLimitError); ok {
				outcome = OutcomeRateLimited
			}
			return Result{MessageCount: totalMessages, MaxPostedAt: overallMaxPostedAt, Outcome: outcome}, err
		}
		sawAnyPage = true

		if len(page.Messages) > 0 {
			batchMaxPostedAt, batchMaxMessageID := batchMax(page.Messages)

			for _, msg := range page.Messages {
				msg.ChannelID = ch.ID
				msg.TraceID = traceID
				if err := o.publisher.Publish(ctx, msg); err != nil {
					return Result{MessageCount: totalMessages, MaxPostedAt: overallMaxPostedAt, Outcome: OutcomeFailed}, err
				}
				totalMessages++
			}

			if err := o.watermark.RecordBatchProgress(ctx, ch.ID, batchMaxPostedAt, batchMaxMessageID); err != nil {
				return Result{MessageCount: totalMessages, MaxPostedAt: overallMaxPostedAt, Outcome: OutcomeFailed}, err
			}
			if batchMaxPostedAt.After(overallMaxPostedAt) {
				overallMaxPostedAt = batchMaxPostedAt
			}
			// Include posted_at == since in the next fetch window to avoid an
			// off-by-one gap; downstream dedup absorbs the overlap (spec.md §4.5).
			since = batchMaxPostedAt
		}

		if !page.HasMore {
			break
		}
		if !page.NextSince.IsZero() {
			since = page.NextSince
		}
	}

	if totalMessages == 0 {
		// Empty stream since the starting point: only advance LPA to now when
		// mode is incremental and an HWM already exists (OQ1 resolution) —
		// keeps LPA fresh without fabricating progress on a cold-start empty
		// channel, where LPA must remain null.
		if mode == channel.ModeIncremental && sawAnyPage {
			hasHWM, err := o.watermark.HasHWM(ctx, ch.ID)
			if err != nil {
				return Result{Outcome: OutcomeFailed}, err
			}
			if hasHWM {
				if err := o.watermark.FinalizeParse(ctx, ch.ID, time.Now(), lease); err != nil {
					return Result{Outcome: OutcomeFailed}, err
				}
			}
		}
		return Result{MessageCount: 0, Outcome: OutcomeOK}, nil
	}

	if err := o.watermark.FinalizeParse(ctx, ch.ID, overallMaxPostedAt, lease); err != nil {
		return Result{MessageCount: totalMessages, MaxPostedAt: overallMaxPostedAt, Outcome: OutcomeFailed}, err
	}
	return Result{MessageCount: totalMessages, MaxPostedAt: overallMaxPostedAt, Outcome: OutcomeOK}, nil
}

// batchMax finds the message with the highest (posted_at, telegram_message_id)
// in a page, breaking posted_at ties toward the higher message ID (spec.md §4.5).
func batchMax(messages []channel.PostParsedEvent) (time.Time, int64) {
	var maxPostedAt time.Time
	var maxMessageID int64
	for _, msg := range messages {
		switch {
		case msg.PostedAt.After(maxPostedAt):
			maxPostedAt = msg.PostedAt
			maxMessageID = msg.TelegramMessageID
		case msg.PostedAt.Equal(maxPostedAt) && msg.TelegramMessageID > maxMessageID:
			maxMessageID = msg.TelegramMessageID
		}
	}
	return maxPostedAt, maxMessageID
}
