// Package autoscaler adjusts each group's desired count from summarized
// metric windows. It owns the target; the launcher owns convergence toward
// it, which is why a pass where actual differs from desired waits instead of
// adjusting.
package autoscaler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/lock"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

// Processor runs one autoscaling evaluation per group per job.
type Processor struct {
	locks   lock.Manager
	groups  *groups.Manager
	tracker *tracker.InstanceTracker
	audit   *audit.Manager
	logger  *zap.SugaredLogger
}

// NewProcessor creates an autoscale processor.
func NewProcessor(
	locks lock.Manager,
	g *groups.Manager,
	t *tracker.InstanceTracker,
	a *audit.Manager,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		locks:   locks,
		groups:  g,
		tracker: t,
		audit:   a,
		logger:  logger.Sugar().Named("autoscaler"),
	}
}

// ProcessAutoscalingByGroup evaluates one group under its lock. The boolean
// is "this pass made progress": true after an adjustment and also while
// waiting for the launcher to converge actual onto desired; false when the
// pass was skipped (lock held, autoscale disabled, grace in effect, empty
// inventory).
func (p *Processor) ProcessAutoscalingByGroup(ctx context.Context, groupName string) (bool, error) {
	groupLock, err := p.locks.LockGroup(ctx, groupName)
	if err != nil {
		if apierr.IsLockUnavailable(err) {
			p.logger.Warnw("group lock unavailable, skipping", "group", groupName)
			return false, nil
		}
		return false, err
	}
	defer func() {
		if err := groupLock.Release(ctx); err != nil {
			p.logger.Warnw("group lock release failed", "group", groupName, "error", err)
		}
	}()

	group, err := p.groups.GetGroup(ctx, groupName)
	if err != nil {
		return false, err
	}
	if !group.EnableAutoScale {
		p.logger.Infow("autoscale disabled", "group", groupName)
		return false, nil
	}
	allowed, err := p.groups.AllowAutoscaling(ctx, groupName)
	if err != nil {
		return false, err
	}
	if !allowed {
		p.logger.Debugw("autoscale grace in effect", "group", groupName)
		return false, nil
	}

	if err := p.audit.UpdateLastAutoScalerRun(ctx, groupName); err != nil {
		return false, err
	}

	inventory, err := p.tracker.TrimCurrent(ctx, groupName, true)
	if err != nil {
		return false, err
	}
	count := len(inventory)
	if count == 0 {
		p.logger.Infow("no live instances, no metric basis", "group", groupName)
		return false, nil
	}

	opts := &group.ScalingOptions
	if count != opts.DesiredCount {
		p.logger.Infow("waiting for launcher to converge",
			"group", groupName, "count", count, "desired", opts.DesiredCount)
		return true, nil
	}

	windows := opts.ScaleUpPeriodsCount
	if opts.ScaleDownPeriodsCount > windows {
		windows = opts.ScaleDownPeriodsCount
	}
	buckets, err := p.tracker.GetMetricInventoryPerPeriod(ctx, groupName, windows, opts.ScalePeriod)
	if err != nil {
		return false, err
	}
	metrics := p.tracker.GetSummaryMetricPerPeriod(group, buckets, windows)
	if len(metrics) == 0 {
		p.logger.Warnw("no metric summaries in window", "group", groupName)
		return true, nil
	}

	family := group.Type.Family()
	if window, ok := unanimousWindow(metrics, opts.ScaleUpPeriodsCount, func(metric float64) bool {
		return scaleUpBucketCondition(family, count, metric, opts)
	}); ok {
		return true, p.adjust(ctx, group, audit.ActionIncreaseDesiredCount,
			opts.DesiredCount+opts.ScaleUpQuantity, window)
	}

	if window, ok := unanimousWindow(metrics, opts.ScaleDownPeriodsCount, func(metric float64) bool {
		return scaleDownBucketCondition(family, count, metric, opts)
	}); ok {
		return true, p.adjust(ctx, group, audit.ActionDecreaseDesiredCount,
			opts.DesiredCount-opts.ScaleDownQuantity, window)
	}

	p.logger.Infow("no action needed", "group", groupName, "metrics", metrics)
	return true, nil
}

// adjust audits the change, persists the clamped desired count and arms the
// grace gate. The audit write precedes the group update so a replay can
// reconstruct cause and effect.
func (p *Processor) adjust(ctx context.Context, group *model.InstanceGroup, action audit.AutoscalerActionType, newDesired int, window []float64) error {
	opts := &group.ScalingOptions
	old := opts.DesiredCount
	opts.SetDesiredCount(newDesired)
	if opts.DesiredCount == old {
		p.logger.Infow("desired already at bound, no change",
			"group", group.Name, "desired", old)
		return nil
	}

	if err := p.audit.SaveAutoScalerAction(ctx, group.Name, audit.AutoscalerActionPayload{
		Timestamp:       time.Now().UnixMilli(),
		ActionType:      action,
		Count:           len(window),
		OldDesiredCount: old,
		NewDesiredCount: opts.DesiredCount,
		ScaleMetrics:    window,
	}); err != nil {
		return err
	}
	if err := p.groups.UpsertGroup(ctx, group); err != nil {
		return err
	}
	return p.groups.SetAutoscaleGracePeriod(ctx, group)
}

// unanimousWindow returns the first periods summaries when every one of them
// satisfies the condition. Short-circuits on the first dissent.
func unanimousWindow(metrics []float64, periods int, condition func(float64) bool) ([]float64, bool) {
	if periods <= 0 || len(metrics) < periods {
		return nil, false
	}
	window := metrics[:periods]
	for _, metric := range window {
		if !condition(metric) {
			return nil, false
		}
	}
	return window, true
}

// scaleUpBucketCondition is the per-bucket scale-up predicate. "Available"
// rises with slack while "stress" falls with slack, so the threshold
// comparison flips between the families.
func scaleUpBucketCondition(family model.MetricFamily, count int, metric float64, opts *model.ScalingOptions) bool {
	if count < opts.MinDesired {
		return true
	}
	if count >= opts.MaxDesired {
		return false
	}
	if family == model.FamilyAvailability {
		return metric < opts.ScaleUpThreshold
	}
	return metric >= opts.ScaleUpThreshold
}

// scaleDownBucketCondition is the per-bucket scale-down predicate.
func scaleDownBucketCondition(family model.MetricFamily, count int, metric float64, opts *model.ScalingOptions) bool {
	if count <= opts.MinDesired {
		return false
	}
	if family == model.FamilyAvailability {
		return metric > opts.ScaleDownThreshold
	}
	return metric < opts.ScaleDownThreshold
}
