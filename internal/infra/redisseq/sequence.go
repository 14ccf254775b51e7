// Package redisseq implements the identifier counters on Redis.
package redisseq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ledger:seq:"

// Connect opens a client from a redis:// URL and checks it with PING.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// Sequence implements port.SequenceStore with one INCR counter per scope.
// INCR is atomic across every process sharing the Redis instance.
type Sequence struct {
	rdb redis.Cmdable
}

// New wraps a connected client.
func New(rdb redis.Cmdable) *Sequence {
	return &Sequence{rdb: rdb}
}

// Key is the Redis key holding the counter of scope.
func Key(scope string) string {
	return keyPrefix + scope
}

// Next increments the counter of scope, creating it at 1.
func (s *Sequence) Next(ctx context.Context, scope string) (int64, error) {
	n, err := s.rdb.Incr(ctx, Key(scope)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", Key(scope), err)
	}
	return n, nil
}
