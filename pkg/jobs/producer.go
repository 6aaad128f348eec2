package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/lock"
	"github.com/mediainfra/fleet-autoscaler/pkg/metrics"
)

// Producer creates the per-group job batches. Across replicas at most one
// producer runs per interval: the job-creation lock plus a grace key armed
// after every successful pass.
type Producer struct {
	queue  Queue
	groups *groups.Manager
	locks  lock.Manager
	logger *zap.SugaredLogger
}

// NewProducer creates a producer.
func NewProducer(queue Queue, g *groups.Manager, locks lock.Manager, logger *zap.Logger) *Producer {
	return &Producer{
		queue:  queue,
		groups: g,
		locks:  locks,
		logger: logger.Sugar().Named("producer"),
	}
}

// Produce enqueues one autoscaler and one launcher job per group. Skipping
// (grace in effect, lock held) is not an error.
func (p *Producer) Produce(ctx context.Context) error {
	return p.produce(ctx, p.groups.IsGroupJobsCreationAllowed, p.groups.SetGroupJobsCreationGracePeriod,
		QueueAutoscaler, QueueLauncher)
}

// ProduceSanity enqueues one sanity job per group on its own cadence.
func (p *Producer) ProduceSanity(ctx context.Context) error {
	return p.produce(ctx, p.groups.IsSanityJobsCreationAllowed, p.groups.SetSanityJobsCreationGracePeriod,
		QueueSanity)
}

func (p *Producer) produce(
	ctx context.Context,
	allowed func(context.Context) (bool, error),
	armGrace func(context.Context) error,
	queues ...string,
) error {
	ok, err := allowed(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	creationLock, err := p.locks.LockJobCreation(ctx)
	if err != nil {
		if apierr.IsLockUnavailable(err) {
			p.logger.Debugw("job creation lock held elsewhere")
			return nil
		}
		return err
	}
	defer func() {
		if err := creationLock.Release(ctx); err != nil {
			p.logger.Warnw("job creation lock release failed", "error", err)
		}
	}()

	// Another replica may have produced between the gate check and the lock.
	ok, err = allowed(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	names, err := p.groups.GetAllGroupNames(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, name := range names {
		for _, queue := range queues {
			if err := p.queue.Enqueue(ctx, Job{
				ID:        uuid.NewString(),
				Queue:     queue,
				GroupName: name,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
	}
	for _, queue := range queues {
		if waiting, err := p.queue.Waiting(ctx, queue); err == nil {
			metrics.QueueWaiting.WithLabelValues(queue).Set(float64(waiting))
		}
	}
	p.logger.Infow("jobs produced", "groups", len(names), "queues", queues)
	return armGrace(ctx)
}
