// Package loops holds the two background reconciliation timers that are not
// part of the scaling decision path: the sanity loop that counts
// cloud-visible instances the tracker does not know, and the metrics loop
// that refreshes the Prometheus gauges.
package loops

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/cloud"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/metrics"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

// SanityConfig sets the untracked-count publication parameters.
type SanityConfig struct {
	// ServiceLevelMetricsTTL bounds the published count; a stale count
	// disappears rather than throttling launches forever.
	ServiceLevelMetricsTTL time.Duration
	RetryStrategy          cloud.RetryStrategy
}

// DefaultSanityConfig returns the sanity parameters used when none are
// configured.
func DefaultSanityConfig() SanityConfig {
	return SanityConfig{
		ServiceLevelMetricsTTL: 10 * time.Minute,
		RetryStrategy:          cloud.DefaultRetryStrategy(),
	}
}

// SanityLoop compares the provider's view of a group with the tracker's and
// publishes the difference. The launcher's throttle consumes the published
// count.
type SanityLoop struct {
	groups  *groups.Manager
	tracker *tracker.InstanceTracker
	scaling *cloud.ScalingManager
	store   store.Store
	config  SanityConfig
	logger  *zap.SugaredLogger
}

// NewSanityLoop creates a sanity loop.
func NewSanityLoop(
	g *groups.Manager,
	t *tracker.InstanceTracker,
	scaling *cloud.ScalingManager,
	s store.Store,
	config SanityConfig,
	logger *zap.Logger,
) *SanityLoop {
	return &SanityLoop{
		groups:  g,
		tracker: t,
		scaling: scaling,
		store:   s,
		config:  config,
		logger:  logger.Sugar().Named("sanity"),
	}
}

// ReportUntrackedInstances is the sanity job handler: count the instances
// the cloud still runs but the tracker has no state for, and publish the
// count under the group's service-metrics key.
func (l *SanityLoop) ReportUntrackedInstances(ctx context.Context, groupName string) (bool, error) {
	group, err := l.groups.GetGroup(ctx, groupName)
	if err != nil {
		return false, err
	}

	cloudInstances, err := l.scaling.Enumerate(ctx, group, l.config.RetryStrategy)
	if err != nil {
		return false, err
	}
	inventory, err := l.tracker.TrimCurrent(ctx, groupName, false)
	if err != nil {
		return false, err
	}

	untracked := CountUntracked(cloudInstances, inventory)
	if err := l.store.SetValue(ctx, store.UntrackedCountKey(groupName),
		strconv.Itoa(untracked), l.config.ServiceLevelMetricsTTL); err != nil {
		return false, err
	}
	metrics.GroupUntrackedCount.WithLabelValues(metrics.SanitizeLabel(groupName)).Set(float64(untracked))
	if untracked > 0 {
		l.logger.Warnw("untracked instances detected",
			"group", groupName, "untracked", untracked, "cloud", len(cloudInstances))
	}
	return true, nil
}

// CountUntracked counts cloud instances in Provisioning or Running with no
// tracker state.
func CountUntracked(cloudInstances []model.CloudInstance, inventory []*model.InstanceState) int {
	tracked := make(map[string]bool, len(inventory))
	for _, state := range inventory {
		tracked[state.InstanceID] = true
	}
	untracked := 0
	for _, instance := range cloudInstances {
		if instance.CloudStatus != model.CloudStatusProvisioning &&
			instance.CloudStatus != model.CloudStatusRunning {
			continue
		}
		if !tracked[instance.InstanceID] {
			untracked++
		}
	}
	return untracked
}
