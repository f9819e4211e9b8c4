// Package ports declares the interfaces the scheduler's domain packages
// depend on and the adapters under internal/adapters implement: the
// channel repository, the fast store (distributed lock + HWM), the
// message source, and the event publisher. Keeping these in one package
// free of adapter imports lets domain code depend only on ports, never on
// pgx/redis/gotd directly.
package ports

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ilyasni/tgparser/internal/domain/channel"
)

// ChannelRepository is the durable store of tracked channels and their
// Last Parsed At watermark. Backed by adapters/postgres in production.
type ChannelRepository interface {
	// ListActiveChannels returns every channel currently eligible for parsing.
	ListActiveChannels(ctx context.Context) ([]channel.Channel, error)
	// UpdateLastParsedAt advances a channel's LPA with monotonic-guard
	// semantics: the write is a no-op if ts is not after the stored value.
	UpdateLastParsedAt(ctx context.Context, channelID uuid.UUID, ts time.Time) error
}

// DistributedLock is the Tick Lock: a lease held by exactly one scheduler
// instance for the duration of a tick, backed by a SET NX PX-style
// primitive in the fast store.
type DistributedLock interface {
	// Acquire attempts to take the lease identified by key for ttl. Returns
	// ok=false without error if another holder already has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release gives up the lease, only if token still matches the current
	// holder (prevents releasing a lease some other instance has since taken
	// over after this one's TTL expired).
	Release(ctx context.Context, key, token string) error
	// Verify reports whether token still matches key's current holder, a
	// read-only check with no side effects. Used to detect a lease that
	// silently expired mid-tick (a GC pause or a slow durable write can
	// outlast the lock TTL even though MaxTickDuration is tuned below it)
	// before a write gated by the lease is allowed to commit.
	Verify(ctx context.Context, key, token string) (bool, error)
}

// LeaseToken identifies the Tick Lock lease a durable write must still hold
// at the moment it commits. Passed by value down the
// scheduler->dispatcher->parseorch->watermark call chain so
// watermark.Manager.FinalizeParse can re-verify ownership immediately
// before its UPDATE, rather than trusting that the lease taken at tick
// start is still valid.
type LeaseToken struct {
	Key   string
	Token string
}

// FastStore is the low-latency store backing the volatile HWM and the Tick
// Lock. Backed by adapters/redisstore in production.
type FastStore interface {
	DistributedLock

	// GetHWM returns the channel's high-water mark, or nil if none recorded yet.
	GetHWM(ctx context.Context, channelID uuid.UUID) (*channel.HWM, error)
	// SetHWM stores the channel's high-water mark, overwriting any previous value.
	SetHWM(ctx context.Context, hwm channel.HWM) error
}

// MessagePage is one page of messages fetched from the message source,
// ordered oldest-first within the page.
type MessagePage struct {
	Messages []channel.PostParsedEvent
	HasMore  bool
	// NextSince is the cursor to pass as `since` on the next FetchMessages
	// call to continue from where this page left off.
	NextSince time.Time
}

// MessageSource is the upstream Telegram message source. Backed by
// adapters/telegramsource (gotd/td) in production.
type MessageSource interface {
	// FetchMessages returns up to pageSize messages for externalChannelID
	// posted at or after since, oldest first.
	FetchMessages(ctx context.Context, externalChannelID int64, since time.Time, pageSize int) (MessagePage, error)
}

// EventPublisher publishes a PostParsedEvent for each newly observed post.
// Backed by adapters/natspublisher in production. Dedup on (ChannelID,
// TelegramMessageID) is the consumer's responsibility.
type EventPublisher interface {
	Publish(ctx context.Context, event channel.PostParsedEvent) error
	// Flush blocks until all previously published events have left the
	// process. The scheduler's domain packages do not call it.
	Flush(ctx context.Context) error
}

// RateLimitError signals the message source asked the caller to wait
// before retrying (e.g. FLOOD_WAIT). Time spent waiting never counts
// against the Dispatcher's retry budget.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// PermanentError signals a failure retrying cannot fix: the channel was
// deleted, access was revoked, or the account is banned.
type PermanentError struct {
	Kind   string // e.g. "channel_deleted", "access_revoked", "account_banned"
	Detail string
}

func (e PermanentError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("permanent upstream error: %s", e.Kind)
	}
	return fmt.Sprintf("permanent upstream error: %s: %s", e.Kind, e.Detail)
}
