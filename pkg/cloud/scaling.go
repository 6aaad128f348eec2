package cloud

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/shutdown"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
)

// ProtectedModeLaunch is the marker value for instances protected at launch.
const ProtectedModeLaunch = "launch-protected"

// ScalingManager executes the launcher's decisions against the provider:
// scale-up launches through the group's adapter and records provisioning
// state, scale-down only marks shutdown intent. In dry-run mode both paths
// log and report success without touching the provider or the inventory.
type ScalingManager struct {
	selector  *Selector
	store     store.Store
	shutdowns *shutdown.Manager
	audit     *audit.Manager
	dryRun    bool
	logger    *zap.SugaredLogger

	// ProtectedTTL fallback when the group does not set one.
	defaultProtectedTTL time.Duration
}

// NewScalingManager creates a scaling manager.
func NewScalingManager(
	selector *Selector,
	s store.Store,
	shutdowns *shutdown.Manager,
	a *audit.Manager,
	dryRun bool,
	logger *zap.Logger,
) *ScalingManager {
	return &ScalingManager{
		selector:            selector,
		store:               s,
		shutdowns:           shutdowns,
		audit:               a,
		dryRun:              dryRun,
		logger:              logger.Sugar().Named("scaling"),
		defaultProtectedTTL: 15 * time.Minute,
	}
}

// ScaleUp launches want instances, saves a provisioning state for each
// success, optionally protects them from scale-down, and audits the launch
// requests. Returns how many launches succeeded; partial failure is the
// caller's error to raise.
func (m *ScalingManager) ScaleUp(ctx context.Context, group *model.InstanceGroup, currentCount, want int, protected bool) (int, error) {
	if m.dryRun {
		m.logger.Infow("dry run: skipping launch",
			"group", group.Name, "want", want, "protected", protected)
		return want, nil
	}

	manager, err := m.selector.ForGroup(group)
	if err != nil {
		return 0, err
	}

	results := manager.LaunchInstances(ctx, group, currentCount, want)
	launched := Successes(results)
	for _, result := range results {
		if result.Err != nil {
			m.logger.Errorw("launch attempt failed", "group", group.Name, "error", result.Err)
		}
	}

	now := time.Now().UnixMilli()
	for _, id := range launched {
		state := &model.InstanceState{
			InstanceID:   id,
			InstanceType: group.Type,
			Status:       model.InstanceStatus{Provisioning: true},
			Timestamp:    now,
			Metadata:     model.InstanceMetadata{Group: group.Name},
		}
		if err := m.store.SaveInstanceStatus(ctx, group.Name, state); err != nil {
			return len(launched), err
		}
	}

	if protected && len(launched) > 0 {
		ttl := time.Duration(group.ProtectedTTLSec) * time.Second
		if ttl <= 0 {
			ttl = m.defaultProtectedTTL
		}
		for _, id := range launched {
			if err := m.store.SetScaleDownProtected(ctx, id, ProtectedModeLaunch, ttl); err != nil {
				return len(launched), err
			}
		}
	}

	if len(launched) > 0 {
		if err := m.audit.SaveLaunchEvents(ctx, group.Name, launched); err != nil {
			return len(launched), err
		}
	}
	return len(launched), nil
}

// ScaleDown marks the victims for shutdown. The side-cars observe the marker
// on their next poll and exit on their own schedule; nothing is terminated
// here.
func (m *ScalingManager) ScaleDown(ctx context.Context, group *model.InstanceGroup, victims []string) error {
	if m.dryRun {
		m.logger.Infow("dry run: skipping shutdown marking",
			"group", group.Name, "victims", victims)
		return nil
	}
	return m.shutdowns.SetShutdownStatus(ctx, group.Name, victims)
}

// Enumerate lists the group's cloud instances under the retry strategy,
// terminated entries filtered out.
func (m *ScalingManager) Enumerate(ctx context.Context, group *model.InstanceGroup, strategy RetryStrategy) ([]model.CloudInstance, error) {
	manager, err := m.selector.ForGroup(group)
	if err != nil {
		return nil, err
	}
	instances, err := EnumerateWithRetry(ctx, manager, group, strategy)
	if err != nil {
		return nil, err
	}
	return FilterTerminated(instances), nil
}
