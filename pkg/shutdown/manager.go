// Package shutdown holds the intent-marker managers. Both follow the same
// pattern: mark intent on N instances with a TTL, let side-cars poll and
// confirm, and record confirmations with their own TTL. Marking is
// idempotent; storage is delegated to the InstanceStore and every marking
// emits an audit event.
package shutdown

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
)

// Config sets the marker lifetimes.
type Config struct {
	ShutdownTTL    time.Duration
	ReconfigureTTL time.Duration
}

// DefaultConfig returns the marker lifetimes used when none are configured.
func DefaultConfig() Config {
	return Config{
		ShutdownTTL:    10 * time.Minute,
		ReconfigureTTL: 10 * time.Minute,
	}
}

// Manager marks shutdown intent and records side-car confirmations.
type Manager struct {
	store  store.Store
	audit  *audit.Manager
	config Config
	logger *zap.SugaredLogger
}

// NewManager creates a shutdown manager.
func NewManager(s store.Store, a *audit.Manager, config Config, logger *zap.Logger) *Manager {
	return &Manager{store: s, audit: a, config: config, logger: logger.Sugar().Named("shutdown")}
}

// SetShutdownStatus marks the shutdown intent for every instance and then
// writes one termination event per instance to the audit log. The side-car
// observes the marker on its next poll and exits on its own schedule.
func (m *Manager) SetShutdownStatus(ctx context.Context, group string, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	if err := m.store.SetShutdownStatuses(ctx, instanceIDs, m.config.ShutdownTTL); err != nil {
		return err
	}
	m.logger.Infow("marked instances for shutdown", "group", group, "instances", instanceIDs)
	return m.audit.SaveShutdownEvents(ctx, group, instanceIDs)
}

// GetShutdownStatus reports whether one instance carries a live marker.
func (m *Manager) GetShutdownStatus(ctx context.Context, instanceID string) (bool, error) {
	return m.store.GetShutdownStatus(ctx, instanceID)
}

// GetShutdownStatuses reports the live markers for many instances, in input
// order.
func (m *Manager) GetShutdownStatuses(ctx context.Context, instanceIDs []string) ([]bool, error) {
	return m.store.GetShutdownStatuses(ctx, instanceIDs)
}

// SetShutdownConfirmation records that an instance acknowledged its shutdown
// marker. Written by the tracker when a report arrives for an already-marked
// instance, or by the administrative confirm endpoint.
func (m *Manager) SetShutdownConfirmation(ctx context.Context, group string, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	confirmation := time.Now().UTC().Format(time.RFC3339)
	if err := m.store.SetShutdownConfirmations(ctx, instanceIDs, confirmation, m.config.ShutdownTTL); err != nil {
		return err
	}
	for _, id := range instanceIDs {
		if err := m.audit.SaveShutdownConfirmationEvent(ctx, group, id, confirmation); err != nil {
			return err
		}
	}
	return nil
}

// GetShutdownConfirmation returns an instance's confirmation time, empty when
// none exists.
func (m *Manager) GetShutdownConfirmation(ctx context.Context, instanceID string) (string, error) {
	return m.store.GetShutdownConfirmation(ctx, instanceID)
}

// GetShutdownConfirmations returns confirmations for many instances, in
// input order; unconfirmed instances yield empty strings.
func (m *Manager) GetShutdownConfirmations(ctx context.Context, instanceIDs []string) ([]string, error) {
	return m.store.GetShutdownConfirmations(ctx, instanceIDs)
}

// ReconfigureManager marks reconfigure intent and clears it once side-cars
// confirm completion.
type ReconfigureManager struct {
	store  store.Store
	audit  *audit.Manager
	config Config
	logger *zap.SugaredLogger
}

// NewReconfigureManager creates a reconfigure manager.
func NewReconfigureManager(s store.Store, a *audit.Manager, config Config, logger *zap.Logger) *ReconfigureManager {
	return &ReconfigureManager{store: s, audit: a, config: config, logger: logger.Sugar().Named("reconfigure")}
}

// SetReconfigureDate marks every instance for reconfiguration as of now and
// audits the request.
func (m *ReconfigureManager) SetReconfigureDate(ctx context.Context, group string, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	date := time.Now().UTC().Format(time.RFC3339)
	if err := m.store.SetReconfigureDates(ctx, instanceIDs, date, m.config.ReconfigureTTL); err != nil {
		return err
	}
	m.logger.Infow("marked instances for reconfigure", "group", group, "instances", instanceIDs, "date", date)
	return m.audit.SaveReconfigureEvents(ctx, group, instanceIDs, date)
}

// UnsetReconfigureDate clears an instance's marker after its side-car
// reported a reconfigureComplete at or past the stored date.
func (m *ReconfigureManager) UnsetReconfigureDate(ctx context.Context, group, instanceID string) error {
	if err := m.store.UnsetReconfigureDate(ctx, instanceID); err != nil {
		return err
	}
	return m.audit.SaveUnsetReconfigureEvent(ctx, group, instanceID)
}

// GetReconfigureDate returns an instance's pending reconfigure date, empty
// when none is pending.
func (m *ReconfigureManager) GetReconfigureDate(ctx context.Context, instanceID string) (string, error) {
	return m.store.GetReconfigureDate(ctx, instanceID)
}

// GetReconfigureDates returns pending dates for many instances, in input
// order.
func (m *ReconfigureManager) GetReconfigureDates(ctx context.Context, instanceIDs []string) ([]string, error) {
	return m.store.GetReconfigureDates(ctx, instanceIDs)
}
