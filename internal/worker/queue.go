package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kind names the provider work a Task asks for.
type Kind string

const (
	KindSchedule Kind = "schedule"
	KindCancel   Kind = "cancel"
)

// Task is one unit of provider work: a list of scheduled email ids to
// schedule or cancel at the provider, in order.
type Task struct {
	Kind       Kind        `json:"kind"`
	IDs        []uuid.UUID `json:"ids"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// ErrQueueFull is returned by MemoryQueue.Push when the buffer is full. The
// rows stay in the database and the sweeps pick them up.
var ErrQueueFull = errors.New("worker: queue is full")

// Queue hands tasks from request handlers to the Runner.
type Queue interface {
	Push(ctx context.Context, t Task) error
	// Pop blocks until a task is available or ctx is done.
	Pop(ctx context.Context) (Task, error)
	Len(ctx context.Context) (int, error)
}

// ─── MEMORY ───────────────────────────────────────────────────────────────────

// MemoryQueue is a buffered channel. Tasks are lost on restart; the retry
// and cancel sweeps recover them from the database.
type MemoryQueue struct {
	ch chan Task
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan Task, size)}
}

// Push never blocks the caller.
func (q *MemoryQueue) Push(_ context.Context, t Task) error {
	select {
	case q.ch <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (Task, error) {
	select {
	case <-ctx.Done():
		return Task{}, ctx.Err()
	case t := <-q.ch:
		return t, nil
	}
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	return len(q.ch), nil
}

// ─── REDIS ────────────────────────────────────────────────────────────────────

// DefaultRedisKey is the list tasks are pushed to.
const DefaultRedisKey = "emailflows:tasks"

// RedisQueue is a Redis list: RPUSH to enqueue, BLPOP to dequeue. Tasks
// survive a restart of this process.
type RedisQueue struct {
	client *redis.Client
	key    string

	// pollTimeout bounds each BLPOP so Pop notices ctx cancellation.
	pollTimeout time.Duration
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key, pollTimeout: time.Second}
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("worker: parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("worker: ping redis: %w", err)
	}
	return client, nil
}

func (q *RedisQueue) Push(ctx context.Context, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("worker: encode task: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("worker: push task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		res, err := q.client.BLPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("worker: pop task: %w", err)
		}
		// res is [key, value].
		var t Task
		if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
			return Task{}, fmt.Errorf("worker: decode task: %w", err)
		}
		return t, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("worker: queue length: %w", err)
	}
	return int(n), nil
}
