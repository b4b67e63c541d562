package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteScript moves every delayed member scored at or before ARGV[1] to the
// ready list in one step so two promoters never duplicate a job.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// RedisQueue keeps ready jobs in a list and delayed jobs in a sorted set
// scored by their ready time in milliseconds.
type RedisQueue struct {
	rdb        *redis.Client
	readyKey   string
	delayedKey string
	batch      int
	now        func() time.Time
}

func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "dispatcher:jobs:"
	}
	return &RedisQueue{
		rdb:        rdb,
		readyKey:   prefix + "ready",
		delayedKey: prefix + "delayed",
		batch:      500,
		now:        time.Now,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	if delay <= 0 {
		if err := q.rdb.LPush(ctx, q.readyKey, data).Err(); err != nil {
			return fmt.Errorf("enqueue job %s: %w", job.MessageID, err)
		}
		return nil
	}

	readyAt := q.now().Add(delay).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(readyAt), Member: data}).Err(); err != nil {
		return fmt.Errorf("schedule job %s: %w", job.MessageID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	data, err := q.rdb.RPop(ctx, q.readyKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Job{}, ErrEmpty
		}
		return Job{}, fmt.Errorf("dequeue job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)

	n, err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey, q.readyKey}, now, q.batch).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due jobs: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey)
	delayed := pipe.ZCard(ctx, q.delayedKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(ready.Val() + delayed.Val()), nil
}
