// Package redisstore implements the FastStore port (Tick Lock + volatile
// HWM) against Redis, via go-redis/v9. The lock follows the SET NX PX +
// token-checked Lua release pattern (grounded on the lease-with-owner-token
// shape used by the pack's redislock manager), simplified here: the tick
// body's own deadline already bounds the lock's lifetime, so no background
// lease renewal is needed — the lock's TTL is simply tick_interval * 1.5.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ilyasni/tgparser/internal/domain/channel"
)

// releaseScript deletes key only if its current value still matches token,
// so one instance can never release a lease another instance has since
// acquired after this one's TTL expired.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Store implements ports.FastStore against a Redis client.
type Store struct {
	client  *redis.Client
	release *redis.Script
}

// New wraps an already-connected *redis.Client.
func New(client *redis.Client) *Store {
	return &Store{client: client, release: redis.NewScript(releaseScript)}
}

// Acquire implements ports.DistributedLock via SET key token NX PX ttl.
// Returns ok=false, err=nil when another holder already has the key —
// that's ordinary lock contention, not a failure.
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redisstore: acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes key only if token still matches, via releaseScript.
func (s *Store) Release(ctx context.Context, key, token string) error {
	_, err := s.release.Run(ctx, s.client, []string{key}, token).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redisstore: release %s: %w", key, err)
	}
	return nil
}

// Verify reports whether token still matches key's current value, without
// mutating anything. A nil (expired or never-set) key is not a match.
func (s *Store) Verify(ctx context.Context, key, token string) (bool, error) {
	cur, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redisstore: verify %s: %w", key, err)
	}
	return cur == token, nil
}

// hwmKey namespaces the Redis key holding a channel's HWM record. The
// record is stored as one JSON string value under this key, not as a
// Redis hash.
func hwmKey(channelID uuid.UUID) string {
	return fmt.Sprintf("tgparser:hwm:%s", channelID.String())
}

// hwmRecord is the JSON shape stored at hwmKey; kept separate from
// channel.HWM so wire format changes don't ripple into the domain type.
type hwmRecord struct {
	LastOKTimestamp time.Time `json:"last_ok_timestamp"`
	LastOKMessageID int64     `json:"last_ok_message_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GetHWM returns nil, nil when the channel has no recorded high-water mark
// (fast store evicted or never written) — the caller falls back to LPA.
func (s *Store) GetHWM(ctx context.Context, channelID uuid.UUID) (*channel.HWM, error) {
	raw, err := s.client.Get(ctx, hwmKey(channelID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get HWM for %s: %w", channelID, err)
	}

	var rec hwmRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("redisstore: decode HWM for %s: %w", channelID, err)
	}
	return &channel.HWM{
		ChannelID:       channelID,
		LastOKTimestamp: rec.LastOKTimestamp,
		LastOKMessageID: rec.LastOKMessageID,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

// SetHWM overwrites the channel's high-water mark. No TTL: HWM survives
// until evicted or explicitly superseded; its loss is tolerated by design
// (spec.md §4.4 recovery semantics), never relied upon to expire.
func (s *Store) SetHWM(ctx context.Context, hwm channel.HWM) error {
	raw, err := json.Marshal(hwmRecord{
		LastOKTimestamp: hwm.LastOKTimestamp,
		LastOKMessageID: hwm.LastOKMessageID,
		UpdatedAt:       hwm.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("redisstore: encode HWM for %s: %w", hwm.ChannelID, err)
	}
	if err := s.client.Set(ctx, hwmKey(hwm.ChannelID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set HWM for %s: %w", hwm.ChannelID, err)
	}
	return nil
}
