package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

const generationKey = "availability:generation"

// cachedRead is what one guarded Get produces.
type cachedRead struct {
	data      []byte
	versioned string
	hit       bool
}

// AvailabilityCache stores computed availability under a generation number.
// Invalidate bumps the generation so every older entry becomes unreachable
// at once and simply ages out.
//
// Reads and writes go through a circuit breaker: while Redis is failing the
// cache reports errors immediately and the resolver computes from Postgres.
// Invalidate is never short-circuited.
type AvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration

	reads  *gobreaker.CircuitBreaker[cachedRead]
	writes *gobreaker.CircuitBreaker[struct{}]
}

type CacheOption func(*gobreaker.Settings)

// WithBreaker overrides when the breaker opens and how long it stays open.
func WithBreaker(failures uint32, openFor time.Duration) CacheOption {
	return func(s *gobreaker.Settings) {
		s.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures }
		s.Timeout = openFor
	}
}

func NewAvailabilityCache(client *redis.Client, ttl time.Duration, opts ...CacheOption) *AvailabilityCache {
	settings := gobreaker.Settings{
		Name:        "availability-cache",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &AvailabilityCache{
		client: client,
		ttl:    ttl,
		reads:  gobreaker.NewCircuitBreaker[cachedRead](settings),
		writes: gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

// State reports the read breaker state for diagnostics.
func (c *AvailabilityCache) State() gobreaker.State {
	return c.reads.State()
}

func (c *AvailabilityCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache generation: %w", err)
	}
	return gen, nil
}

func (c *AvailabilityCache) Get(ctx context.Context, key string) ([]byte, string, bool, error) {
	res, err := c.reads.Execute(func() (cachedRead, error) {
		gen, err := c.generation(ctx)
		if err != nil {
			return cachedRead{}, err
		}
		versioned := "availability:v" + strconv.FormatInt(gen, 10) + ":" + key

		data, err := c.client.Get(ctx, versioned).Bytes()
		if errors.Is(err, redis.Nil) {
			return cachedRead{versioned: versioned}, nil
		}
		if err != nil {
			return cachedRead{}, fmt.Errorf("read availability cache: %w", err)
		}
		return cachedRead{data: data, versioned: versioned, hit: true}, nil
	})
	if err != nil {
		return nil, "", false, err
	}
	return res.data, res.versioned, res.hit, nil
}

func (c *AvailabilityCache) Set(ctx context.Context, versioned string, value []byte) error {
	_, err := c.writes.Execute(func() (struct{}, error) {
		if err := c.client.Set(ctx, versioned, value, c.ttl).Err(); err != nil {
			return struct{}{}, fmt.Errorf("write availability cache: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (c *AvailabilityCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("bump cache generation: %w", err)
	}
	return nil
}
