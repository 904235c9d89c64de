// Package queue implements the Task Queue contract (spec.md §4.3): at-least-once
// dispatch of "deliver event E" work items to any available worker replica,
// with ETA-based delay for backoff and a visibility timeout for crash recovery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"webhook-delivery-pipeline/internal/config"
)

// Queue coordinates ready, scheduled, and in-flight event IDs in Redis.
type Queue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
}

// New builds a queue client from config.
func New(cfg config.Config) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.QueueVisibility
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	return &Queue{
		client:        client,
		readyKey:      "webhooks:queue:ready",
		inflightKey:   "webhooks:queue:inflight",
		scheduledKey:  "webhooks:queue:scheduled",
		visibilityTTL: visibility,
	}
}

// Enqueue records a work item visible to exactly one worker at now >= notBefore.
func (q *Queue) Enqueue(ctx context.Context, eventID string, notBefore time.Time) error {
	if notBefore.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(notBefore.UnixMilli()), Member: eventID}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, eventID).Err()
}

// PromoteScheduled moves due scheduled items into the ready queue. Returns how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
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
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// dequeueScript atomically pops the next ready item and places it in the
// in-flight sorted set scored by its visibility deadline.
var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

// Dequeue pops one ready event ID and places it into the in-flight set with a
// visibility deadline. Returns "" if nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	eventID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return eventID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight item.
func (q *Queue) ExtendLease(ctx context.Context, eventID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: eventID,
	}).Err()
}

// Ack removes an event from in-flight tracking after successful consumption.
func (q *Queue) Ack(ctx context.Context, eventID string) error {
	return q.client.ZRem(ctx, q.inflightKey, eventID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them to ready.
// This is the queue's own crash-recovery mechanism; C1's stale-claim reaper
// is a defense-in-depth backstop in case this path is itself lost.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
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
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Handler processes one dequeued event. A nil return acknowledges the item;
// a non-nil return leaves it in-flight so the visibility timeout redelivers it.
type Handler func(ctx context.Context, eventID string) error

// Consume is a long-lived subscription: it repeatedly dequeues and invokes
// handler once per successful consumption. On handler failure or a worker
// crash, the item becomes redeliverable within the visibility timeout because
// it is never Ack'd. It returns when ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, pollInterval time.Duration, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		eventID, err := q.Dequeue(ctx)
		if err != nil || eventID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		if err := handler(ctx, eventID); err == nil {
			_ = q.Ack(ctx, eventID)
		}
	}
}
