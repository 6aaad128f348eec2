// Package jobs is the work distribution layer: a producer creates one
// autoscaler and one launcher job per group per interval, consumers pop and
// run them with a per-queue timeout and zero retries. A failed or stalled
// job is simply recreated on the next producer pass.
package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
)

// The three logical queues.
const (
	QueueAutoscaler = "autoscaler"
	QueueLauncher   = "launcher"
	QueueSanity     = "sanity"
)

// Job is the unit of work: which group to process, on which queue.
type Job struct {
	ID        string `json:"id"`
	Queue     string `json:"queue"`
	GroupName string `json:"groupName"`
	CreatedAt int64  `json:"createdAt"`
}

// Queue is the transport contract shared by the two profiles. Dequeue blocks
// up to the poll timeout and returns nil when nothing arrived.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error)
	Waiting(ctx context.Context, queue string) (int, error)
}

const queueKeyPrefix = "jobs:"

// RedisQueue is the shared-queue profile: every replica consumes from the
// same lists.
type RedisQueue struct {
	client redis.UniversalClient
}

// NewRedisQueue creates a redis-backed queue.
func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apierr.NewStoreError("marshal job", job.Queue, err)
	}
	if err := q.client.LPush(ctx, queueKeyPrefix+job.Queue, data).Err(); err != nil {
		return apierr.NewStoreError("lpush", queueKeyPrefix+job.Queue, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BRPop(ctx, timeout, queueKeyPrefix+queue).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierr.NewStoreError("brpop", queueKeyPrefix+queue, err)
	}
	// BRPOP returns [key, value].
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, apierr.NewStoreError("unmarshal job", queueKeyPrefix+queue, err)
	}
	return &job, nil
}

func (q *RedisQueue) Waiting(ctx context.Context, queue string) (int, error) {
	length, err := q.client.LLen(ctx, queueKeyPrefix+queue).Result()
	if err != nil {
		return 0, apierr.NewStoreError("llen", queueKeyPrefix+queue, err)
	}
	return int(length), nil
}

// MemoryQueue is the in-process profile for single-replica deployments and
// tests.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]chan Job
	size   int
}

// NewMemoryQueue creates an in-process queue with the given per-queue buffer.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{queues: make(map[string]chan Job), size: size}
}

func (q *MemoryQueue) channel(queue string) chan Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[queue]
	if !ok {
		ch = make(chan Job, q.size)
		q.queues[queue] = ch
	}
	return ch
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.channel(job.Queue) <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return apierr.NewStoreError("enqueue", job.Queue, context.DeadlineExceeded)
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case job := <-q.channel(queue):
		return &job, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Waiting(_ context.Context, queue string) (int, error) {
	return len(q.channel(queue)), nil
}
