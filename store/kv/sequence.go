package kv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// raiseScript sets KEYS[1] to ARGV[1] unless it is already at or above it.
var raiseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur < tonumber(ARGV[1]) then
	redis.call('SET', KEYS[1], ARGV[1])
end
return 0
`)

// Sequence implements history.Allocator with INCR on one key.
type Sequence struct {
	client *redis.Client
	key    string
}

// NewSequence returns the entry id sequence stored next to s's keys.
func NewSequence(s *Store) *Sequence {
	return &Sequence{client: s.client, key: s.sequenceKey()}
}

func (q *Sequence) Next(ctx context.Context) (int64, error) {
	id, err := q.client.Incr(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", q.key, err)
	}
	return id, nil
}

func (q *Sequence) Seed(ctx context.Context, floor int64) error {
	if err := raiseScript.Run(ctx, q.client, []string{q.key}, floor).Err(); err != nil {
		return fmt.Errorf("seed %s: %w", q.key, err)
	}
	return nil
}
