// Package kv is the key/value store adapter backed by Redis.
//
// It covers the four primitives the hot path needs: TTL strings (cache
// shortcuts, policy mirrors), atomic set-if-absent (resource locks),
// counters (rate and burn accounting), and pub/sub (cross-instance control
// events). Callers on fail-open paths treat every error as advisory.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store wraps a Redis client. Safe for concurrent use; go-redis pools
// connections internally.
type Store struct {
	client *redis.Client
}

// New connects to Redis using a redis:// URL and verifies the connection.
func New(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kv: ping: %w", err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Get returns the string value at key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: get %s: %w", key, err)
	}
	return v, nil
}

// Set writes a string with a TTL. A zero TTL means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

// SetNX atomically sets key to value with a TTL if the key is absent.
// Returns true when the write won.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv: del: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of a key. Returns 0 with no error for
// keys without an expiry, and ErrNotFound for absent keys.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: pttl %s: %w", key, err)
	}
	switch {
	case d == -2*time.Millisecond: // go-redis encodes "no key" as -2ms
		return 0, ErrNotFound
	case d < 0:
		return 0, nil
	default:
		return d, nil
	}
}

// IncrBy adds delta to a counter and refreshes its TTL when the counter is
// new. Used for rate:{agent}:{window} and cost:{scope}:{bucket} keys.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: incrby %s: %w", key, err)
	}
	if n == delta && ttl > 0 {
		// First increment created the key; bound its lifetime.
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("kv: expire %s: %w", key, err)
		}
	}
	return n, nil
}

// IncrByFloat adds a float delta to a counter, creating it with a TTL.
func (s *Store) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	f, err := s.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: incrbyfloat %s: %w", key, err)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return f, fmt.Errorf("kv: expire %s: %w", key, err)
		}
	}
	return f, nil
}

// GetFloat returns a counter value, or 0 for absent keys.
func (s *Store) GetFloat(ctx context.Context, key string) (float64, error) {
	f, err := s.client.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv: get float %s: %w", key, err)
	}
	return f, nil
}

// GetInt returns an integer counter value, or 0 for absent keys.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv: get int %s: %w", key, err)
	}
	return n, nil
}

// Publish broadcasts a message on a channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("kv: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw payloads for the given channels.
// Messages are dropped if the consumer falls behind; the subscription is
// closed when ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context, channels ...string) <-chan []byte {
	sub := s.client.Subscribe(ctx, channels...)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()
	return out
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client's connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
