// Package store holds the InstanceStore contract and its two profiles: a
// Redis-backed durable store for multi-replica deployments and an in-process
// store for single-replica or test use. The store is the only layer that
// performs I/O for durable state.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// Key layout. Both profiles share it so that audit, grace timers and
// service-level metrics read identically regardless of backend.
const (
	groupKeyPrefix          = "group:"
	statusKeyPrefix         = "instances:status:"
	metricKeyPrefix         = "metric:"
	shutdownKeyPrefix       = "instance:shutdown:"
	shutdownConfirmPrefix   = "instance:shutdownConfirmation:"
	protectedKeyPrefix      = "instance:scaleDownProtected:"
	reconfigureKeyPrefix    = "instance:reconfigure:"
	shutdownMarkerValue     = "shutdown"
)

// GroupKey returns the storage key for a group definition.
func GroupKey(name string) string { return groupKeyPrefix + name }

// StatusKey returns the hash key holding per-instance states for a group.
func StatusKey(group string) string { return statusKeyPrefix + group }

// MetricKey returns the storage key for one metric sample.
func MetricKey(group, instanceID string, timestamp int64) string {
	return fmt.Sprintf("%s%s:%s:%d", metricKeyPrefix, group, instanceID, timestamp)
}

// MetricPrefix returns the scan prefix for all metric samples of a group.
func MetricPrefix(group string) string { return metricKeyPrefix + group + ":" }

// ShutdownKey returns the shutdown-intent marker key for an instance.
func ShutdownKey(instanceID string) string { return shutdownKeyPrefix + instanceID }

// ShutdownConfirmationKey returns the shutdown-confirmation key for an instance.
func ShutdownConfirmationKey(instanceID string) string {
	return shutdownConfirmPrefix + instanceID
}

// ProtectedKey returns the scale-down protection key for an instance.
func ProtectedKey(instanceID string) string { return protectedKeyPrefix + instanceID }

// ReconfigureKey returns the reconfigure-date key for an instance.
func ReconfigureKey(instanceID string) string { return reconfigureKeyPrefix + instanceID }

// UntrackedCountKey returns the service-metrics key where the sanity loop
// publishes a group's untracked-instance count for the launcher's throttle.
func UntrackedCountKey(group string) string {
	return fmt.Sprintf("service-metrics:%s:untracked-count", group)
}

// TTLConfig sets the retention tiers for instance state and metrics.
type TTLConfig struct {
	// IdleTTL applies to running instances that stopped reporting.
	IdleTTL time.Duration

	// ProvisioningTTL applies while an instance has only the launcher's
	// provisional state. Longer than IdleTTL because boot takes a while.
	ProvisioningTTL time.Duration

	// ShutdownStatusTTL applies to instances that are shutting down.
	ShutdownStatusTTL time.Duration

	// MetricTTL bounds metric sample retention.
	MetricTTL time.Duration
}

// DefaultTTLConfig returns the retention tiers used when none are configured.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		IdleTTL:           90 * time.Second,
		ProvisioningTTL:   15 * time.Minute,
		ShutdownStatusTTL: 5 * time.Minute,
		MetricTTL:         25 * time.Minute,
	}
}

// EffectiveTTL picks the retention tier for one instance state.
func (c TTLConfig) EffectiveTTL(state *model.InstanceState) time.Duration {
	switch {
	case state.Status.Provisioning:
		return c.ProvisioningTTL
	case state.ShuttingDown():
		return c.ShutdownStatusTTL
	default:
		return c.IdleTTL
	}
}

// Expired reports whether a state's report time plus its retention tier has
// passed.
func (c TTLConfig) Expired(state *model.InstanceState, now time.Time) bool {
	ttl := c.EffectiveTTL(state)
	return time.UnixMilli(state.Timestamp).Add(ttl).Before(now)
}

// Store is the mapping-style capability consumed by every state-holding
// component. Implementations guarantee per-key atomicity only; multi-key
// invariants are maintained by caller-side ordering.
type Store interface {
	// Group definitions.
	GetInstanceGroup(ctx context.Context, name string) (*model.InstanceGroup, error)
	UpsertInstanceGroup(ctx context.Context, group *model.InstanceGroup) error
	DeleteInstanceGroup(ctx context.Context, name string) error
	GetAllInstanceGroupNames(ctx context.Context) ([]string, error)
	GetAllInstanceGroups(ctx context.Context) ([]*model.InstanceGroup, error)
	ExistsAtLeastOneGroup(ctx context.Context) (bool, error)

	// Per-instance state. SaveInstanceStatus is serialized only at the
	// per-instance cell; FilterOutAndTrimExpiredStates deletes rows whose
	// retention tier has lapsed and returns the survivors.
	FetchInstanceStates(ctx context.Context, group string) ([]*model.InstanceState, error)
	SaveInstanceStatus(ctx context.Context, group string, state *model.InstanceState) error
	FilterOutAndTrimExpiredStates(ctx context.Context, group string, states []*model.InstanceState) ([]*model.InstanceState, error)

	// Metric samples, retained for TTLConfig.MetricTTL. Reads never return
	// samples past their TTL.
	WriteInstanceMetric(ctx context.Context, group string, metric model.InstanceMetric) error
	GetInstanceMetrics(ctx context.Context, group string) ([]model.InstanceMetric, error)

	// Shutdown intent and confirmation markers.
	SetShutdownStatuses(ctx context.Context, instanceIDs []string, ttl time.Duration) error
	GetShutdownStatus(ctx context.Context, instanceID string) (bool, error)
	GetShutdownStatuses(ctx context.Context, instanceIDs []string) ([]bool, error)
	SetShutdownConfirmations(ctx context.Context, instanceIDs []string, confirmation string, ttl time.Duration) error
	GetShutdownConfirmation(ctx context.Context, instanceID string) (string, error)
	GetShutdownConfirmations(ctx context.Context, instanceIDs []string) ([]string, error)

	// Scale-down protection markers.
	SetScaleDownProtected(ctx context.Context, instanceID, mode string, ttl time.Duration) error
	AreScaleDownProtected(ctx context.Context, instanceIDs []string) ([]bool, error)

	// Reconfigure markers.
	SetReconfigureDates(ctx context.Context, instanceIDs []string, date string, ttl time.Duration) error
	UnsetReconfigureDate(ctx context.Context, instanceID string) error
	GetReconfigureDate(ctx context.Context, instanceID string) (string, error)
	GetReconfigureDates(ctx context.Context, instanceIDs []string) ([]string, error)

	// Generic TTL-keyed values: grace timers, audit entries, service-level
	// metrics. CheckValue is the grace-gate primitive. ListValues returns
	// the live values under a key prefix (cursor-scanned, so bulk reads
	// stay bounded).
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
	GetValue(ctx context.Context, key string) (string, bool, error)
	CheckValue(ctx context.Context, key string) (bool, error)
	DeleteValue(ctx context.Context, key string) error
	ListValues(ctx context.Context, prefix string) ([]string, error)
}

// partitionExpired splits states into survivors and expired ones.
func partitionExpired(ttls TTLConfig, states []*model.InstanceState, now time.Time) (valid, expired []*model.InstanceState) {
	for _, state := range states {
		if ttls.Expired(state, now) {
			expired = append(expired, state)
		} else {
			valid = append(valid, state)
		}
	}
	return valid, expired
}
