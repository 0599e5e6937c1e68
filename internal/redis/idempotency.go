package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// pendingTTL bounds how long an interrupted booking keeps its key claimed.
const pendingTTL = time.Minute

// IdempotencyStore maps Idempotency-Key headers to the appointment they
// created. A key moves from "pending" to the appointment id once the booking
// commits and expires after ttl.
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, ttl: ttl}
}

func idempotencyKey(key string) string {
	return "idempotency:booking:" + key
}

// Reserve claims key. If another request already holds it, the stored value
// is returned: an appointment id, or "pending" while that request runs.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (string, bool, error) {
	k := idempotencyKey(key)
	ok, err := s.client.SetNX(ctx, k, pendingMarker, s.pendingTTL()).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return "", true, nil
	}

	val, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = s.client.SetNX(ctx, k, pendingMarker, s.pendingTTL()).Result()
		if err != nil {
			return "", false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		return "", ok, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	return val, false, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key, appointmentID string) error {
	if err := s.client.Set(ctx, idempotencyKey(key), appointmentID, s.ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Release frees a key whose booking failed, unless it already completed.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	_, err := releaseScript.Run(ctx, s.client, []string{idempotencyKey(key)}, pendingMarker).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) pendingTTL() time.Duration {
	if s.ttl > 0 && s.ttl < pendingTTL {
		return s.ttl
	}
	return pendingTTL
}
