// Package schederr defines the scheduler's error taxonomy and the single
// boundary function, Classify, that maps an arbitrary error into one of
// its Kinds. Every component that needs to branch on "is this retryable"
// or "should this count against the retry budget" calls Classify instead
// of inspecting error types itself.
package schederr

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ilyasni/tgparser/internal/ports"
)

// Kind is a tagged variant over the ways a tick/parse attempt can fail.
type Kind int

const (
	// KindNone marks a nil error; Classify never returns it for a non-nil err.
	KindNone Kind = iota
	// KindLockContention: another instance already holds the Tick Lock.
	KindLockContention
	// KindTransientUpstream: a retryable failure talking to the message source
	// (network blip, 5xx-equivalent, timeout).
	KindTransientUpstream
	// KindRateLimited: the message source asked the caller to wait
	// (FLOOD_WAIT). Waiting does not consume a retry attempt.
	KindRateLimited
	// KindPermanentUpstream: the message source rejected the request in a way
	// retrying cannot fix (channel deleted, access revoked, banned account).
	KindPermanentUpstream
	// KindStorageError: the relational store or fast store failed.
	KindStorageError
	// KindInternalBug: an invariant was violated; should never happen in a
	// correct build, surfaced loudly rather than retried.
	KindInternalBug
)

// String renders the Kind for logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLockContention:
		return "lock_contention"
	case KindTransientUpstream:
		return "transient_upstream"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanentUpstream:
		return "permanent_upstream"
	case KindStorageError:
		return "storage_error"
	case KindInternalBug:
		return "internal_bug"
	default:
		return "unknown"
	}
}

// ErrLockContended reports that the Tick Lock's lease is not (or no
// longer) held by this instance. watermark.Manager.FinalizeParse wraps it
// when the tick's lease was lost before the LPA write.
var ErrLockContended = errors.New("schederr: tick lock already held")

// ErrInternal wraps invariant violations the core detects in itself.
var ErrInternal = errors.New("schederr: internal invariant violated")

// Classify maps err onto a Kind by inspecting, in order: nil, the typed
// ports errors (RateLimitError, PermanentError), the sentinel
// lock/internal errors, context cancellation/deadline, and finally the
// storage drivers' no-result sentinels (pgx.ErrNoRows, redis.Nil), which
// map to KindInternalBug. Anything unrecognized, including other driver
// errors, is treated as a transient upstream failure, the conservative
// default that allows a retry; Classify never returns KindStorageError.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var rateLimit ports.RateLimitError
	if errors.As(err, &rateLimit) {
		return KindRateLimited
	}

	var permanent ports.PermanentError
	if errors.As(err, &permanent) {
		return KindPermanentUpstream
	}

	if errors.Is(err, ErrLockContended) {
		return KindLockContention
	}
	if errors.Is(err, ErrInternal) {
		return KindInternalBug
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientUpstream
	}
	if errors.Is(err, context.Canceled) {
		return KindTransientUpstream
	}

	if errors.Is(err, pgx.ErrNoRows) {
		// Absence of a row is a caller-logic concern, not infrastructure
		// failure; callers that treat this as an error consider it a bug.
		return KindInternalBug
	}
	if errors.Is(err, redis.Nil) {
		return KindInternalBug
	}

	return KindTransientUpstream
}

// Retryable reports whether a Kind should be retried by the Dispatcher at
// all (permanent failures, internal bugs and lock contention never are).
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientUpstream, KindRateLimited, KindStorageError:
		return true
	default:
		return false
	}
}

// StopRetry implements throttle.StopRetryer for errors wrapped as
// classified, so the generic retry engine can stop immediately on
// non-retryable kinds without importing schederr itself.
type Classified struct {
	Kind Kind
	Err  error
}

func (c Classified) Error() string   { return c.Err.Error() }
func (c Classified) Unwrap() error   { return c.Err }
func (c Classified) StopRetry() bool { return !c.Kind.Retryable() }

// Wrap attaches a Kind classification to err, convenient at dispatch
// boundaries that feed a throttle.Throttler.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return Classified{Kind: Classify(err), Err: err}
}

// RetryAfter extracts the wait duration from a RateLimited error, if any,
// for logging/metrics; zero otherwise.
func RetryAfter(err error) time.Duration {
	var rateLimit ports.RateLimitError
	if errors.As(err, &rateLimit) {
		return rateLimit.RetryAfter
	}
	return 0
}
