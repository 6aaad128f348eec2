// Package groups manages the policy units: group CRUD with desired-value
// validation, the TTL-based grace gates that pace the control loops, and
// group-wide scale-down protection.
package groups

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/metrics"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
)

// Grace keys. The group-scoped one carries the group name; the two
// job-creation gates are process-wide.
const (
	autoscaleGracePrefix       = "autoScaleGracePeriod:"
	groupJobsCreationGraceKey  = "groupJobsCreationGracePeriod"
	sanityJobsCreationGraceKey = "sanityJobsCreationGracePeriod"
	groupProtectedPrefix       = "group:scaleDownProtected:"
	graceMarkerValue           = "false"
	protectedMarkerValue       = "launch-protected"
)

// Config sets the gate lifetimes not owned by individual groups.
type Config struct {
	GroupJobsCreationGracePeriod  time.Duration
	SanityJobsCreationGracePeriod time.Duration
}

// DefaultConfig returns the gate lifetimes used when none are configured.
func DefaultConfig() Config {
	return Config{
		GroupJobsCreationGracePeriod:  30 * time.Second,
		SanityJobsCreationGracePeriod: 60 * time.Second,
	}
}

// Manager is the group CRUD and gate layer.
type Manager struct {
	store  store.Store
	config Config
	logger *zap.SugaredLogger
}

// NewManager creates a group manager.
func NewManager(s store.Store, config Config, logger *zap.Logger) *Manager {
	return &Manager{store: s, config: config, logger: logger.Sugar().Named("groups")}
}

// GetGroup loads one group.
func (m *Manager) GetGroup(ctx context.Context, name string) (*model.InstanceGroup, error) {
	return m.store.GetInstanceGroup(ctx, name)
}

// GetAllGroups loads every group.
func (m *Manager) GetAllGroups(ctx context.Context) ([]*model.InstanceGroup, error) {
	return m.store.GetAllInstanceGroups(ctx)
}

// GetAllGroupNames lists the group names.
func (m *Manager) GetAllGroupNames(ctx context.Context) ([]string, error) {
	return m.store.GetAllInstanceGroupNames(ctx)
}

// UpsertGroup validates and stores a group definition.
func (m *Manager) UpsertGroup(ctx context.Context, group *model.InstanceGroup) error {
	if group.Name == "" {
		return apierr.NewValidation("group name is required")
	}
	opts := group.ScalingOptions
	if !model.HasValidDesiredValues(opts.MinDesired, opts.DesiredCount, opts.MaxDesired) {
		return apierr.NewValidation("desired values out of order: min=%d desired=%d max=%d",
			opts.MinDesired, opts.DesiredCount, opts.MaxDesired)
	}
	return m.store.UpsertInstanceGroup(ctx, group)
}

// DeleteGroup removes a group and its metric labels.
func (m *Manager) DeleteGroup(ctx context.Context, name string) error {
	if err := m.store.DeleteInstanceGroup(ctx, name); err != nil {
		return err
	}
	metrics.DeleteGroup(name)
	return nil
}

// DesiredUpdate is the admin partial update: any subset of the three bounds.
type DesiredUpdate struct {
	MinDesired   *int `json:"minDesired,omitempty"`
	MaxDesired   *int `json:"maxDesired,omitempty"`
	DesiredCount *int `json:"desiredCount,omitempty"`
}

// SetDesired applies a partial desired-values update, validating the merged
// combination before writing. Success arms the group's autoscale grace.
func (m *Manager) SetDesired(ctx context.Context, name string, update DesiredUpdate) (*model.InstanceGroup, error) {
	group, err := m.store.GetInstanceGroup(ctx, name)
	if err != nil {
		return nil, err
	}

	min := group.ScalingOptions.MinDesired
	max := group.ScalingOptions.MaxDesired
	desired := group.ScalingOptions.DesiredCount
	if update.MinDesired != nil {
		min = *update.MinDesired
	}
	if update.MaxDesired != nil {
		max = *update.MaxDesired
	}
	if update.DesiredCount != nil {
		desired = *update.DesiredCount
	}
	if !model.HasValidDesiredValues(min, desired, max) {
		return nil, apierr.NewValidation("desired values out of order: min=%d desired=%d max=%d",
			min, desired, max)
	}

	group.ScalingOptions.MinDesired = min
	group.ScalingOptions.MaxDesired = max
	group.ScalingOptions.DesiredCount = desired
	if err := m.store.UpsertInstanceGroup(ctx, group); err != nil {
		return nil, err
	}
	if err := m.SetAutoscaleGracePeriod(ctx, group); err != nil {
		return nil, err
	}
	m.logger.Infow("desired values updated",
		"group", name, "min", min, "desired", desired, "max", max)
	return group, nil
}

// ScalingActivitiesUpdate toggles the two control loops for a group.
type ScalingActivitiesUpdate struct {
	EnableAutoScale *bool `json:"enableAutoScale,omitempty"`
	EnableLaunch    *bool `json:"enableLaunch,omitempty"`
}

// SetScalingActivities applies a partial enable/disable update.
func (m *Manager) SetScalingActivities(ctx context.Context, name string, update ScalingActivitiesUpdate) (*model.InstanceGroup, error) {
	group, err := m.store.GetInstanceGroup(ctx, name)
	if err != nil {
		return nil, err
	}
	if update.EnableAutoScale != nil {
		group.EnableAutoScale = *update.EnableAutoScale
	}
	if update.EnableLaunch != nil {
		group.EnableLaunch = *update.EnableLaunch
	}
	if err := m.store.UpsertInstanceGroup(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

// LaunchProtectedRequest is the admin "give me N protected instances" action.
type LaunchProtectedRequest struct {
	Count                   int    `json:"count"`
	ProtectedTTLSec         int    `json:"protectedTTLSec"`
	InstanceConfigurationID string `json:"instanceConfigurationId,omitempty"`
}

// LaunchProtected bumps the group's desired count by the requested amount,
// optionally overrides the provisioning template, arms autoscale grace and
// the group-wide scale-down protection. The launcher converges on the new
// desired count and protects the instances it launches.
func (m *Manager) LaunchProtected(ctx context.Context, name string, req LaunchProtectedRequest) (*model.InstanceGroup, error) {
	if req.Count <= 0 {
		return nil, apierr.NewValidation("count must be positive, got %d", req.Count)
	}
	group, err := m.store.GetInstanceGroup(ctx, name)
	if err != nil {
		return nil, err
	}

	if req.InstanceConfigurationID != "" {
		group.InstanceConfigurationID = req.InstanceConfigurationID
	}
	if req.ProtectedTTLSec > 0 {
		group.ProtectedTTLSec = req.ProtectedTTLSec
	}
	group.ScalingOptions.SetDesiredCount(group.ScalingOptions.DesiredCount + req.Count)

	if err := m.store.UpsertInstanceGroup(ctx, group); err != nil {
		return nil, err
	}
	if err := m.SetAutoscaleGracePeriod(ctx, group); err != nil {
		return nil, err
	}
	ttl := time.Duration(group.ProtectedTTLSec) * time.Second
	if err := m.store.SetValue(ctx, groupProtectedPrefix+name, protectedMarkerValue, ttl); err != nil {
		return nil, err
	}
	m.logger.Infow("launch-protected requested",
		"group", name, "count", req.Count, "newDesired", group.ScalingOptions.DesiredCount)
	return group, nil
}

// AllowAutoscaling reports whether the group's autoscale grace has lapsed.
func (m *Manager) AllowAutoscaling(ctx context.Context, group string) (bool, error) {
	held, err := m.store.CheckValue(ctx, autoscaleGracePrefix+group)
	if err != nil {
		return false, err
	}
	return !held, nil
}

// SetAutoscaleGracePeriod suppresses further autoscaler adjustments for the
// group's configured grace window.
func (m *Manager) SetAutoscaleGracePeriod(ctx context.Context, group *model.InstanceGroup) error {
	ttl := time.Duration(group.GracePeriodTTLSec) * time.Second
	if ttl <= 0 {
		return nil
	}
	return m.store.SetValue(ctx, autoscaleGracePrefix+group.Name, graceMarkerValue, ttl)
}

// IsGroupJobsCreationAllowed reports whether the producer may run.
func (m *Manager) IsGroupJobsCreationAllowed(ctx context.Context) (bool, error) {
	held, err := m.store.CheckValue(ctx, groupJobsCreationGraceKey)
	if err != nil {
		return false, err
	}
	return !held, nil
}

// SetGroupJobsCreationGracePeriod arms the producer gate after a successful
// production pass.
func (m *Manager) SetGroupJobsCreationGracePeriod(ctx context.Context) error {
	return m.store.SetValue(ctx, groupJobsCreationGraceKey, graceMarkerValue, m.config.GroupJobsCreationGracePeriod)
}

// IsSanityJobsCreationAllowed reports whether the sanity producer may run.
func (m *Manager) IsSanityJobsCreationAllowed(ctx context.Context) (bool, error) {
	held, err := m.store.CheckValue(ctx, sanityJobsCreationGraceKey)
	if err != nil {
		return false, err
	}
	return !held, nil
}

// SetSanityJobsCreationGracePeriod arms the sanity producer gate.
func (m *Manager) SetSanityJobsCreationGracePeriod(ctx context.Context) error {
	return m.store.SetValue(ctx, sanityJobsCreationGraceKey, graceMarkerValue, m.config.SanityJobsCreationGracePeriod)
}

// IsScaleDownProtected reports whether the group-wide protection marker holds.
func (m *Manager) IsScaleDownProtected(ctx context.Context, group string) (bool, error) {
	return m.store.CheckValue(ctx, groupProtectedPrefix+group)
}

// SeedIfEmpty upserts every seed group when the store holds none.
func (m *Manager) SeedIfEmpty(ctx context.Context, seeds []*model.InstanceGroup) error {
	exists, err := m.store.ExistsAtLeastOneGroup(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	for _, seed := range seeds {
		if err := m.UpsertGroup(ctx, seed); err != nil {
			return err
		}
	}
	m.logger.Infow("seeded initial groups", "count", len(seeds))
	return nil
}

// Reset re-applies the seed list. Existing groups keep their current
// desiredCount so a reset does not fight the autoscaler's target.
func (m *Manager) Reset(ctx context.Context, seeds []*model.InstanceGroup) error {
	for _, seed := range seeds {
		applied := *seed
		existing, err := m.store.GetInstanceGroup(ctx, seed.Name)
		if err == nil {
			applied.ScalingOptions.SetDesiredCount(existing.ScalingOptions.DesiredCount)
		} else if !apierr.IsNotFound(err) {
			return err
		}
		if err := m.UpsertGroup(ctx, &applied); err != nil {
			return err
		}
	}
	m.logger.Infow("groups reset from seeds", "count", len(seeds))
	return nil
}
