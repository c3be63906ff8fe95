package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	deliveryQueueKey = "webhook:delivery:queue"
	leaseSetKey      = "webhook:delivery:leases"
)

// DefaultLease is how long a claimed job stays invisible to other workers
const DefaultLease = 5 * time.Minute

// claimScript pops the earliest ready member and leases it until ARGV[2] in
// one step, so a crash between the two never drops a job
var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
	return false
end
redis.call('ZREM', KEYS[1], items[1])
redis.call('ZADD', KEYS[2], ARGV[2], items[1])
return items[1]
`)

// reclaimScript moves every lease that expired by ARGV[1] back into the queue
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(expired) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('ZADD', KEYS[2], ARGV[1], member)
end
return #expired
`)

// RedisQueue is a durable delay queue on a Redis sorted set scored by the
// time a job becomes ready. Claimed jobs sit in a second sorted set scored by
// lease expiry until completed; only expired leases are ever reclaimed.
type RedisQueue struct {
	client *redis.Client
	lease  time.Duration
	now    func() time.Time
}

// NewRedisQueue wraps an existing client. lease must exceed the longest
// delivery attempt; zero means DefaultLease.
func NewRedisQueue(client *redis.Client, lease time.Duration) *RedisQueue {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &RedisQueue{client: client, lease: lease, now: time.Now}
}

// NewRedisQueueFromURL connects to Redis and checks the connection
func NewRedisQueueFromURL(redisURL string, lease time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisQueue(client, lease), nil
}

// Client returns the underlying client
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Lease returns the claim visibility timeout
func (q *RedisQueue) Lease() time.Duration {
	return q.lease
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	now := q.now()
	cp := *job
	cp.claim = ""
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = now.UTC()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to marshal queue job: %w", err)
	}
	score := float64(now.Add(delay).UnixNano())
	if err := q.client.ZAdd(ctx, deliveryQueueKey, redis.Z{Score: score, Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.now()
	member, err := claimScript.Run(ctx, q.client, []string{deliveryQueueKey, leaseSetKey},
		strconv.FormatInt(now.UnixNano(), 10),
		strconv.FormatInt(now.Add(q.lease).UnixNano(), 10),
	).Text()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(member), &job); err != nil {
		// drop unreadable members rather than reclaiming them forever
		q.client.ZRem(ctx, leaseSetKey, member)
		return nil, fmt.Errorf("failed to unmarshal queue job: %w", err)
	}
	job.claim = member
	return &job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	if job.claim == "" {
		return nil
	}
	if err := q.client.ZRem(ctx, leaseSetKey, job.claim).Err(); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, deliveryQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// ProcessingCount returns the number of claimed, uncompleted jobs
func (q *RedisQueue) ProcessingCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, leaseSetKey).Result()
}

// Recover moves jobs whose lease expired back into the queue as ready. Claims
// held by live workers are left alone.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	now := strconv.FormatInt(q.now().UnixNano(), 10)
	n, err := reclaimScript.Run(ctx, q.client, []string{leaseSetKey, deliveryQueueKey}, now).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired jobs: %w", err)
	}
	if n > 0 {
		log.Info().Int("jobs", n).Msg("Reclaimed delivery jobs with expired leases")
	}
	return n, nil
}
