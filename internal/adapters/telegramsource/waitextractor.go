package telegramsource

import (
	"math/rand/v2"
	"time"

	"github.com/gotd/td/tgerr"

	"github.com/ilyasni/tgparser/internal/ports"
)

// floodWaitJitterMax spreads retries of multiple channels that hit the same
// FLOOD_WAIT around the same moment, instead of all waking up at once.
const floodWaitJitterMax = 3 * time.Second

// asRateLimitError converts a gotd FLOOD_WAIT/FLOOD_PREMIUM_WAIT error into
// the scheduler's own ports.RateLimitError, so schederr.Classify can route
// it without telegramsource leaking gotd error types past its own boundary.
// Non-flood errors pass through unchanged.
func asRateLimitError(err error) error {
	wait, ok := tgerr.AsFloodWait(err)
	if !ok {
		return err
	}
	return ports.RateLimitError{RetryAfter: wait + jitter()}
}

func jitter() time.Duration {
	sec := int(floodWaitJitterMax / time.Second)
	if sec <= 0 {
		return 0
	}
	return time.Duration(rand.IntN(sec)) * time.Second
}
