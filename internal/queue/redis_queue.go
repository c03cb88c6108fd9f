package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"device-dispatch/internal/config"
)

// priorityBand folds priority into the ready-zset score. Epoch milliseconds
// stay below 1e13 for a few centuries, so score = createdMs - priority*1e13
// orders by priority descending, then creation time ascending.
const priorityBand = 1e13

// RedisQueue coordinates ready, in-flight, and scheduled task sets in Redis,
// one ready zset per dispatch category.
type RedisQueue struct {
	client         *redis.Client
	categories     []string
	inflightKey    string
	scheduledKey   string
	taskMetaPrefix string
	visibilityTTL  time.Duration
	dlqKey         string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient builds a queue around an existing client, used by
// tests running against miniredis.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	categories := cfg.Categories
	if len(categories) == 0 {
		categories = []string{"message"}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "dispatch:dlq"
	}
	return &RedisQueue{
		client:         client,
		categories:     categories,
		inflightKey:    "dispatch:inflight",
		scheduledKey:   "dispatch:scheduled",
		taskMetaPrefix: "dispatch:taskmeta:",
		visibilityTTL:  visibility,
		dlqKey:         dlq,
	}
}

func (q *RedisQueue) readyKey(category string) string {
	return fmt.Sprintf("dispatch:ready:%s", category)
}

func (q *RedisQueue) metaKey(taskID string) string {
	return q.taskMetaPrefix + taskID
}

func readyScore(priority int, createdAt time.Time) float64 {
	return float64(createdAt.UnixMilli()) - float64(priority)*priorityBand
}

// Enqueue inserts a task into either the scheduled set or its category's
// ready set. A future scheduledAt keeps the task out of reach of every
// worker until promoted.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID, category string, priority int, createdAt time.Time, scheduledAt *time.Time) error {
	score := readyScore(priority, createdAt)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(taskID), "category", category, "score", strconv.FormatFloat(score, 'f', -1, 64))
	if scheduledAt != nil && scheduledAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(scheduledAt.UnixMilli()), Member: taskID})
	} else {
		pipe.ZAdd(ctx, q.readyKey(category), redis.Z{Score: score, Member: taskID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue parks a task in the scheduled set for a deferred retry. Its
// original ready score is kept in the meta hash, so priority ordering holds
// once the retry is due.
func (q *RedisQueue) Requeue(ctx context.Context, taskID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID}).Err()
}

// PromoteScheduled moves due scheduled tasks into their ready sets. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		category, score := q.readMeta(ctx, id)
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.ZAdd(ctx, q.readyKey(category), redis.Z{Score: score, Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) readMeta(ctx context.Context, taskID string) (string, float64) {
	category := "message"
	score := float64(time.Now().UnixMilli())
	vals, err := q.client.HMGet(ctx, q.metaKey(taskID), "category", "score").Result()
	if err != nil || len(vals) < 2 {
		return category, score
	}
	if s, ok := vals[0].(string); ok && s != "" {
		category = s
	}
	if s, ok := vals[1].(string); ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			score = f
		}
	}
	return category, score
}

// Claim pops the best-ranked ready task for a category and leases it in the
// inflight set. Pop-and-lease runs as one Lua script, so under concurrent
// claims exactly one caller receives any given task.
func (q *RedisQueue) Claim(ctx context.Context, category string) (string, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey(category), q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return taskID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight task.
func (q *RedisQueue) ExtendLease(ctx context.Context, taskID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: taskID,
	}).Err()
}

// IncrAttempts bumps the queue's own delivery attempt counter for a task.
// This counter drives backoff and exhaustion; the task's persisted
// retry_count is maintained separately by the store.
func (q *RedisQueue) IncrAttempts(ctx context.Context, taskID string) (int64, error) {
	return q.client.HIncrBy(ctx, q.metaKey(taskID), "attempts", 1).Result()
}

// ReleaseLease drops the in-flight lease but keeps the task meta, for tasks
// heading back through the scheduled set on a retry.
func (q *RedisQueue) ReleaseLease(ctx context.Context, taskID string) error {
	return q.client.ZRem(ctx, q.inflightKey, taskID).Err()
}

// Ack removes a task from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the tasks.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		category, score := q.readMeta(ctx, id)
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.ZAdd(ctx, q.readyKey(category), redis.Z{Score: score, Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove drops a task from ready, scheduled, and in-flight sets. Used on
// cancellation and when the device pull endpoint claims a task directly.
func (q *RedisQueue) Remove(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	for _, c := range q.categories {
		pipe.ZRem(ctx, q.readyKey(c), taskID)
	}
	pipe.ZRem(ctx, q.inflightKey, taskID)
	pipe.ZRem(ctx, q.scheduledKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.dlqKey, taskID).Err()
}

// DLQPeek reads the latest dead-lettered task IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total size of all ready sets.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.categories))
	for _, c := range q.categories {
		cmds = append(cmds, pipe.ZCard(ctx, q.readyKey(c)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var claimScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if popped[1] then
  redis.call('ZADD', KEYS[2], ARGV[1], popped[1])
  return popped[1]
end
return nil
`)
