package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Dispatch asks a worker to advance one run by exactly one lead.
type Dispatch struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	WorkerToken string `json:"worker_token"`
	Attempt     int    `json:"attempt,omitempty"`
}

// Delivery is a leased dispatch. It must be acked, retried or dead-lettered.
type Delivery struct {
	Dispatch
	member string
}

// Option customises a RedisQueue.
type Option func(*RedisQueue)

// WithPrefix namespaces every queue key.
func WithPrefix(prefix string) Option {
	return func(q *RedisQueue) { q.prefix = prefix }
}

// WithVisibility sets how long a dequeued dispatch stays invisible before it is reclaimed.
func WithVisibility(d time.Duration) Option {
	return func(q *RedisQueue) {
		if d > 0 {
			q.visibilityTTL = d
		}
	}
}

// WithClock replaces time.Now for lease and schedule arithmetic.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) { q.now = now }
}

// RedisQueue coordinates ready, in-flight, and scheduled dispatches in Redis.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	visibilityTTL time.Duration
	now           func() time.Time
}

// NewRedisQueue builds a queue over an existing client.
func NewRedisQueue(client *redis.Client, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:        client,
		prefix:        "leadrun:queue:",
		visibilityTTL: 5 * time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) readyKey() string     { return q.prefix + "ready" }
func (q *RedisQueue) inflightKey() string  { return q.prefix + "inflight" }
func (q *RedisQueue) scheduledKey() string { return q.prefix + "scheduled" }
func (q *RedisQueue) dlqKey() string       { return q.prefix + "dlq" }

func encode(d Dispatch) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode dispatch: %w", err)
	}
	return string(b), nil
}

// Enqueue inserts a dispatch into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, d Dispatch, runAt time.Time) error {
	if d.RunID == "" {
		return errors.New("enqueue: run id required")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	member, err := encode(d)
	if err != nil {
		return err
	}
	if runAt.After(q.now()) {
		return q.client.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: member}).Err()
	}
	return q.client.RPush(ctx, q.readyKey(), member).Err()
}

// DequeueWithLease pops the oldest ready dispatch and tracks it as in-flight until
// the visibility timeout. It returns nil when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Delivery, error) {
	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey(), q.inflightKey()}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	member, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	var d Dispatch
	if err := json.Unmarshal([]byte(member), &d); err != nil {
		// Poison messages go straight to the DLQ so they are not redelivered forever.
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.inflightKey(), member)
		pipe.RPush(ctx, q.dlqKey(), member)
		if _, perr := pipe.Exec(ctx); perr != nil {
			return nil, perr
		}
		return nil, fmt.Errorf("decode dispatch: %w", err)
	}
	return &Delivery{Dispatch: d, member: member}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight dispatch.
func (q *RedisQueue) ExtendLease(ctx context.Context, dl *Delivery, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey(), redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: dl.member,
	}).Err()
}

// Ack removes a dispatch from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, dl *Delivery) error {
	return q.client.ZRem(ctx, q.inflightKey(), dl.member).Err()
}

// Retry moves an in-flight dispatch back to the scheduled set with its attempt bumped.
func (q *RedisQueue) Retry(ctx context.Context, dl *Delivery, runAt time.Time) error {
	next := dl.Dispatch
	next.Attempt++
	member, err := encode(next)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), dl.member)
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: member})
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetter parks an in-flight dispatch for operational inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, dl *Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), dl.member)
	pipe.RPush(ctx, q.dlqKey(), dl.member)
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled dispatches into the ready queue. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.move(ctx, q.scheduledKey(), now, limit)
}

// RequeueExpired reclaims in-flight leases that timed out. It returns how many were requeued.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.move(ctx, q.inflightKey(), now, limit)
}

func (q *RedisQueue) move(ctx context.Context, from string, now time.Time, limit int64) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := moveDueScript.Run(ctx, q.client, []string{from, q.readyKey()}, now.UnixMilli(), limit).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DLQPeek reads the oldest dead-lettered dispatches.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]Dispatch, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey(), 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Dispatch, 0, len(raw))
	for _, m := range raw {
		var d Dispatch
		if json.Unmarshal([]byte(m), &d) == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey()).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

// moveDueScript pops members scored at or below ARGV[1] from KEYS[1] onto KEYS[2].
// ZREM guards against two sweepers moving the same member.
var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, m in ipairs(due) do
  if redis.call('ZREM', KEYS[1], m) == 1 then
    redis.call('RPUSH', KEYS[2], m)
    moved = moved + 1
  end
end
return moved
`)

// Trigger enqueues a step for runID after delay.
func (q *RedisQueue) Trigger(ctx context.Context, runID, workerToken string, delay time.Duration) error {
	return q.Enqueue(ctx, Dispatch{RunID: runID, WorkerToken: workerToken}, q.now().Add(delay))
}
