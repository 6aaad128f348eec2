package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/internal/logging"
	"github.com/mediainfra/fleet-autoscaler/pkg/metrics"
)

// Handler processes one group. The boolean mirrors the component contract:
// true when the pass did work.
type Handler func(ctx context.Context, group string) (bool, error)

// Consumer drains one queue. Each job runs under its own wall-clock timeout
// and logging context; failures are logged and counted, never retried here.
type Consumer struct {
	queue       Queue
	queueName   string
	handler     Handler
	timeout     time.Duration
	pollTimeout time.Duration
	logger      *zap.Logger
}

// NewConsumer creates a consumer for one queue.
func NewConsumer(queue Queue, queueName string, handler Handler, timeout time.Duration, logger *zap.Logger) *Consumer {
	return &Consumer{
		queue:       queue,
		queueName:   queueName,
		handler:     handler,
		timeout:     timeout,
		pollTimeout: time.Second,
		logger:      logger.Named("consumer").With(zap.String("queue", queueName)),
	}
}

// Run consumes until the context is canceled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := c.queue.Dequeue(ctx, c.queueName, c.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("dequeue failed", zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}
		c.process(ctx, job)
	}
}

func (c *Consumer) process(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	jobCtx = logging.WithRequestID(jobCtx)
	jobCtx = logging.WithGroup(jobCtx, job.GroupName)
	logger := logging.FromContext(jobCtx, c.logger).Sugar()

	start := time.Now()
	acted, err := c.handler(jobCtx, job.GroupName)
	metrics.JobDuration.WithLabelValues(c.queueName).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.JobFailures.WithLabelValues(c.queueName).Inc()
		logger.Errorw("job failed", "jobId", job.ID, "error", err)
		return
	}
	logger.Infow("job done", "jobId", job.ID, "acted", acted,
		"durationMs", time.Since(start).Milliseconds())
}
