package loops

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/cloud"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/jobs"
	"github.com/mediainfra/fleet-autoscaler/pkg/metrics"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

// MetricsLoop refreshes the per-group Prometheus gauges on a timer. It only
// reads; nothing here affects scaling decisions.
type MetricsLoop struct {
	groups   *groups.Manager
	tracker  *tracker.InstanceTracker
	scaling  *cloud.ScalingManager
	store    store.Store
	queue    jobs.Queue
	strategy cloud.RetryStrategy
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewMetricsLoop creates a metrics loop.
func NewMetricsLoop(
	g *groups.Manager,
	t *tracker.InstanceTracker,
	scaling *cloud.ScalingManager,
	s store.Store,
	queue jobs.Queue,
	strategy cloud.RetryStrategy,
	interval time.Duration,
	logger *zap.Logger,
) *MetricsLoop {
	return &MetricsLoop{
		groups:   g,
		tracker:  t,
		scaling:  scaling,
		store:    s,
		queue:    queue,
		strategy: strategy,
		interval: interval,
		logger:   logger.Sugar().Named("metrics-loop"),
	}
}

// Run refreshes until the context is canceled.
func (l *MetricsLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.RefreshOnce(ctx); err != nil {
				l.logger.Warnw("gauge refresh failed", "error", err)
			}
		}
	}
}

// RefreshOnce updates every gauge from current state.
func (l *MetricsLoop) RefreshOnce(ctx context.Context) error {
	allGroups, err := l.groups.GetAllGroups(ctx)
	if err != nil {
		return err
	}
	metrics.GroupsManaged.Set(float64(len(allGroups)))

	for _, group := range allGroups {
		metrics.RecordGroupGauges(group)

		inventory, err := l.tracker.TrimCurrent(ctx, group.Name, false)
		if err != nil {
			l.logger.Warnw("inventory read failed", "group", group.Name, "error", err)
			continue
		}
		running := 0
		for _, state := range inventory {
			if !state.Status.Provisioning && !state.ShuttingDown() {
				running++
			}
		}

		cloudCount := 0
		if instances, err := l.scaling.Enumerate(ctx, group, l.strategy); err == nil {
			cloudCount = len(instances)
		} else {
			l.logger.Warnw("cloud enumeration failed", "group", group.Name, "error", err)
		}

		untracked, err := l.GetUnTrackedCount(ctx, group.Name)
		if err != nil {
			l.logger.Warnw("untracked count read failed", "group", group.Name, "error", err)
		}

		metrics.RecordInventoryGauges(group.Name, len(inventory), running, cloudCount, untracked)
	}

	for _, queue := range []string{jobs.QueueAutoscaler, jobs.QueueLauncher, jobs.QueueSanity} {
		if waiting, err := l.queue.Waiting(ctx, queue); err == nil {
			metrics.QueueWaiting.WithLabelValues(queue).Set(float64(waiting))
		}
	}
	return nil
}

// GetUnTrackedCount reads the sanity loop's published count; zero when none
// is live.
func (l *MetricsLoop) GetUnTrackedCount(ctx context.Context, group string) (int, error) {
	value, ok, err := l.store.GetValue(ctx, store.UntrackedCountKey(group))
	if err != nil || !ok {
		return 0, err
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return 0, nil
	}
	return count, nil
}
