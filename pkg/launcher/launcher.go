// Package launcher converges each group's actual instance count onto its
// desired count: launching through the cloud adapter on the way up, marking
// shutdown intent on selected victims on the way down.
package launcher

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/cloud"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/lock"
	"github.com/mediainfra/fleet-autoscaler/pkg/metrics"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

// Config bounds the untracked-instance throttle.
type Config struct {
	// MaxThrottleThreshold caps the per-group throttle at
	// min(maxDesired+1, MaxThrottleThreshold).
	MaxThrottleThreshold int
}

// DefaultConfig returns the launcher limits used when none are configured.
func DefaultConfig() Config {
	return Config{MaxThrottleThreshold: 40}
}

// Launcher reconciles group size.
type Launcher struct {
	locks   lock.Manager
	groups  *groups.Manager
	tracker *tracker.InstanceTracker
	scaling *cloud.ScalingManager
	store   store.Store
	audit   *audit.Manager
	config  Config
	logger  *zap.SugaredLogger
}

// NewLauncher creates a launcher.
func NewLauncher(
	locks lock.Manager,
	g *groups.Manager,
	t *tracker.InstanceTracker,
	scaling *cloud.ScalingManager,
	s store.Store,
	a *audit.Manager,
	config Config,
	logger *zap.Logger,
) *Launcher {
	return &Launcher{
		locks:   locks,
		groups:  g,
		tracker: t,
		scaling: scaling,
		store:   s,
		audit:   a,
		config:  config,
		logger:  logger.Sugar().Named("launcher"),
	}
}

// LaunchOrShutdownInstancesByGroup runs one reconcile pass under the group
// lock. True means the pass changed the fleet; false means nothing to do or
// the pass was skipped.
func (l *Launcher) LaunchOrShutdownInstancesByGroup(ctx context.Context, groupName string) (bool, error) {
	groupLock, err := l.locks.LockGroup(ctx, groupName)
	if err != nil {
		if apierr.IsLockUnavailable(err) {
			l.logger.Warnw("group lock unavailable, skipping", "group", groupName)
			return false, nil
		}
		return false, err
	}
	defer func() {
		if err := groupLock.Release(ctx); err != nil {
			l.logger.Warnw("group lock release failed", "group", groupName, "error", err)
		}
	}()

	group, err := l.groups.GetGroup(ctx, groupName)
	if err != nil {
		return false, err
	}
	if !group.EnableLaunch {
		l.logger.Infow("launch disabled", "group", groupName)
		return false, nil
	}
	if err := l.audit.UpdateLastLauncherRun(ctx, groupName); err != nil {
		return false, err
	}

	inventory, err := l.tracker.TrimCurrent(ctx, groupName, true)
	if err != nil {
		return false, err
	}
	count := len(inventory)
	opts := &group.ScalingOptions

	switch {
	case count < opts.DesiredCount && count < opts.MaxDesired:
		return l.scaleUp(ctx, group, count)
	case count > opts.DesiredCount && count > opts.MinDesired:
		return l.scaleDown(ctx, group, inventory)
	default:
		l.logger.Infow("group at size", "group", groupName,
			"count", count, "desired", opts.DesiredCount)
		return false, nil
	}
}

func (l *Launcher) scaleUp(ctx context.Context, group *model.InstanceGroup, count int) (bool, error) {
	opts := &group.ScalingOptions
	target := opts.DesiredCount
	if opts.MaxDesired < target {
		target = opts.MaxDesired
	}
	want := target - count

	if group.EnableUntrackedThrottle {
		untracked, err := l.untrackedCount(ctx, group.Name)
		if err != nil {
			return false, err
		}
		threshold := opts.MaxDesired + 1
		if l.config.MaxThrottleThreshold < threshold {
			threshold = l.config.MaxThrottleThreshold
		}
		if untracked >= threshold {
			metrics.InstanceErrors.WithLabelValues(metrics.SanitizeLabel(group.Name)).Inc()
			return false, &apierr.ThrottledError{
				Group:     group.Name,
				Untracked: untracked,
				Threshold: threshold,
			}
		}
	}

	protected, err := l.groups.IsScaleDownProtected(ctx, group.Name)
	if err != nil {
		return false, err
	}

	launched, err := l.scaling.ScaleUp(ctx, group, count, want, protected)
	if launched > 0 {
		metrics.InstancesLaunched.WithLabelValues(metrics.SanitizeLabel(group.Name)).Add(float64(launched))
	}
	if auditErr := l.audit.SaveLauncherAction(ctx, group.Name, audit.LauncherActionPayload{
		Timestamp:     time.Now().UnixMilli(),
		ActionType:    audit.ActionScaleUp,
		Count:         count,
		DesiredCount:  opts.DesiredCount,
		ScaleQuantity: launched,
	}); auditErr != nil {
		return launched > 0, auditErr
	}
	if err != nil {
		metrics.InstanceErrors.WithLabelValues(metrics.SanitizeLabel(group.Name)).Inc()
		return launched > 0, err
	}
	if launched < want {
		metrics.InstanceErrors.WithLabelValues(metrics.SanitizeLabel(group.Name)).Inc()
		return launched > 0, apierr.NewCloudError(group.Cloud, "scale up short", nil)
	}
	l.logger.Infow("scaled up", "group", group.Name, "launched", launched)
	return true, nil
}

func (l *Launcher) scaleDown(ctx context.Context, group *model.InstanceGroup, inventory []*model.InstanceState) (bool, error) {
	victims, err := l.selectVictims(ctx, group, inventory)
	if err != nil {
		return false, err
	}
	if len(victims) == 0 {
		l.logger.Errorw("no eligible scale-down victims", "group", group.Name)
		return false, nil
	}

	if err := l.scaling.ScaleDown(ctx, group, victims); err != nil {
		metrics.InstanceErrors.WithLabelValues(metrics.SanitizeLabel(group.Name)).Inc()
		return false, err
	}
	metrics.InstancesDownscaled.WithLabelValues(metrics.SanitizeLabel(group.Name)).Add(float64(len(victims)))
	if err := l.audit.SaveLauncherAction(ctx, group.Name, audit.LauncherActionPayload{
		Timestamp:     time.Now().UnixMilli(),
		ActionType:    audit.ActionScaleDown,
		Count:         len(inventory),
		DesiredCount:  group.ScalingOptions.DesiredCount,
		ScaleQuantity: len(victims),
	}); err != nil {
		return true, err
	}
	l.logger.Infow("scaled down", "group", group.Name, "victims", victims)
	return true, nil
}

func (l *Launcher) untrackedCount(ctx context.Context, group string) (int, error) {
	value, ok, err := l.store.GetValue(ctx, store.UntrackedCountKey(group))
	if err != nil || !ok {
		return 0, err
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		l.logger.Warnw("unreadable untracked count", "group", group, "value", value)
		return 0, nil
	}
	return count, nil
}
