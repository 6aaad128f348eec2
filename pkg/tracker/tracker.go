// Package tracker is the metrics and inventory core: it ingests side-car
// reports, maintains each group's live inventory, and segments metric
// history into the time buckets the autoscaler evaluates.
package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/shutdown"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
)

// DefaultGroup is the fallback when a report carries no group metadata.
const DefaultGroup = "default"

// InstanceTracker ingests reports and answers inventory queries.
// Ingestion does not take the group lock: it writes only the reporting
// instance's cell, and TrimCurrent always re-reads.
type InstanceTracker struct {
	store       store.Store
	shutdowns   *shutdown.Manager
	reconfigure *shutdown.ReconfigureManager
	audit       *audit.Manager
	logger      *zap.SugaredLogger
}

// NewInstanceTracker creates a tracker.
func NewInstanceTracker(
	s store.Store,
	shutdowns *shutdown.Manager,
	reconfigure *shutdown.ReconfigureManager,
	a *audit.Manager,
	logger *zap.Logger,
) *InstanceTracker {
	return &InstanceTracker{
		store:       s,
		shutdowns:   shutdowns,
		reconfigure: reconfigure,
		audit:       a,
		logger:      logger.Sugar().Named("tracker"),
	}
}

// Stats ingests one side-car report: it materializes an InstanceState,
// parses the stats by instance type, confirms a pending shutdown marker if
// one exists, settles reconfigure completion, and tracks the state.
func (t *InstanceTracker) Stats(ctx context.Context, report *model.StatsReport, shutdownStatus bool) error {
	state := &model.InstanceState{
		InstanceID:   report.Instance.InstanceID,
		InstanceType: report.Instance.InstanceType,
		Metadata: model.InstanceMetadata{
			Group:     report.Instance.Group,
			Name:      report.Instance.Name,
			Version:   report.Instance.Version,
			PublicIP:  report.Instance.PublicIP,
			PrivateIP: report.Instance.PrivateIP,
		},
		ShutdownError:    report.ShutdownError,
		ReconfigureError: report.ReconfigureError,
		StatsError:       report.StatsError,
		LastReconfigured: report.ReconfigureComplete,
	}
	if report.Timestamp != nil {
		state.Timestamp = *report.Timestamp
	}

	if report.Stats.Empty() || report.StatsError {
		t.logger.Warnw("report carries no usable stats",
			"instance", report.Instance.InstanceID,
			"statsError", report.StatsError)
	} else {
		t.parseStats(state, report)
	}

	marked, err := t.shutdowns.GetShutdownStatus(ctx, state.InstanceID)
	if err != nil {
		return err
	}
	if marked {
		group := state.Metadata.Group
		if group == "" {
			group = DefaultGroup
		}
		if err := t.shutdowns.SetShutdownConfirmation(ctx, group, []string{state.InstanceID}); err != nil {
			return err
		}
	}

	if report.ReconfigureComplete != "" {
		if err := t.settleReconfigure(ctx, state, report.ReconfigureComplete); err != nil {
			return err
		}
	}

	state.IsShuttingDown = marked || state.ShuttingDown()
	return t.Track(ctx, state, shutdownStatus)
}

// parseStats fills the status variant matching the reporting instance's
// type family.
func (t *InstanceTracker) parseStats(state *model.InstanceState, report *model.StatsReport) {
	stats := report.Stats
	switch report.Instance.InstanceType {
	case model.GroupTypeRecorder, model.GroupTypeAvailability:
		state.Status.Availability = stats.Status
	case model.GroupTypeNomad:
		allocated := 0.0
		if stats.AllocatedCPU != nil {
			allocated = *stats.AllocatedCPU
		}
		unallocated := 0.0
		if stats.UnallocatedCPU != nil {
			unallocated = *stats.UnallocatedCPU
		}
		level := 0.0
		if allocated+unallocated > 0 {
			level = allocated / (allocated + unallocated)
		}
		state.Status.Nomad = &model.NomadStatus{
			StressLevel:            level,
			AllocatedCPU:           allocated,
			UnallocatedCPU:         unallocated,
			EligibleForScheduling:  stats.EligibleForScheduling == "eligible",
			TotalTaskGroupsRunning: stats.TotalTaskGroupsRunning,
		}
	default:
		status := &model.StressStatus{
			Participants:     stats.Participants,
			AllocatedCPU:     stats.AllocatedCPU,
			Connections:      stats.Connections,
			GracefulShutdown: stats.GracefulShutdown,
		}
		if stats.StressLevel != nil {
			status.StressLevel = *stats.StressLevel
		}
		state.Status.Stress = status
	}
}

// settleReconfigure clears a pending reconfigure marker once the side-car
// reports completion at or past the stored date.
func (t *InstanceTracker) settleReconfigure(ctx context.Context, state *model.InstanceState, complete string) error {
	stored, err := t.reconfigure.GetReconfigureDate(ctx, state.InstanceID)
	if err != nil {
		return err
	}
	if stored == "" || complete < stored {
		return nil
	}
	group := state.Metadata.Group
	if group == "" {
		group = DefaultGroup
	}
	return t.reconfigure.UnsetReconfigureDate(ctx, group, state.InstanceID)
}

// Track persists the state, derives one scalar metric point when the
// instance is live, and appends a latest-status audit event.
func (t *InstanceTracker) Track(ctx context.Context, state *model.InstanceState, shutdownStatus bool) error {
	if shutdownStatus {
		state.ShutdownStatus = true
		state.IsShuttingDown = true
	}
	group := state.Metadata.Group
	if group == "" {
		group = DefaultGroup
		state.Metadata.Group = group
	}
	if state.Timestamp == 0 {
		state.Timestamp = time.Now().UnixMilli()
	}

	if err := t.store.SaveInstanceStatus(ctx, group, state); err != nil {
		return err
	}

	if !state.Status.Provisioning && !state.IsShuttingDown && !state.ShuttingDown() {
		if value, ok := metricValue(state); ok {
			metric := model.InstanceMetric{
				InstanceID: state.InstanceID,
				Timestamp:  state.Timestamp,
				Value:      value,
			}
			if err := t.store.WriteInstanceMetric(ctx, group, metric); err != nil {
				return err
			}
		}
	}

	return t.audit.SaveLatestStatus(ctx, group, state)
}

// metricValue derives the scalar load figure from a state: idleness for the
// availability family, stress level for the stress family. Reports with no
// parsed status produce no metric.
func metricValue(state *model.InstanceState) (float64, bool) {
	switch {
	case state.Status.Availability != nil:
		if state.Status.Availability.BusyStatus == model.BusyStatusIdle {
			return 1, true
		}
		return 0, true
	case state.Status.Nomad != nil:
		return state.Status.Nomad.StressLevel, true
	case state.Status.Stress != nil:
		return state.Status.Stress.StressLevel, true
	default:
		return 0, false
	}
}

// GetMetricInventoryPerPeriod returns periodsCount buckets of metric
// samples, bucket 0 being the newest, with momentary reporter gaps
// repaired by carry-forward.
func (t *InstanceTracker) GetMetricInventoryPerPeriod(ctx context.Context, group string, periodsCount, periodSeconds int) ([][]model.InstanceMetric, error) {
	metrics, err := t.store.GetInstanceMetrics(ctx, group)
	if err != nil {
		return nil, err
	}
	buckets := bucketMetrics(metrics, time.Now().UnixMilli(), periodsCount, periodSeconds)
	carryForward(buckets, periodSeconds)
	return buckets, nil
}

// GetSummaryMetricPerPeriod reduces up to periodCount buckets to one scalar
// each, dispatching the reduction on the group's metric family. Buckets
// without samples yield no entry.
func (t *InstanceTracker) GetSummaryMetricPerPeriod(group *model.InstanceGroup, buckets [][]model.InstanceMetric, periodCount int) []float64 {
	family := group.Type.Family()
	summaries := make([]float64, 0, periodCount)
	for idx, bucket := range buckets {
		if idx >= periodCount {
			break
		}
		if summary, ok := summarizeBucket(bucket, family); ok {
			summaries = append(summaries, summary)
		}
	}
	return summaries
}

// TrimCurrent returns the group's live inventory: states past their
// retention tier are deleted, and, when filterShutdown is set, instances
// that are shutting down or already confirmed shutdown are excluded.
func (t *InstanceTracker) TrimCurrent(ctx context.Context, group string, filterShutdown bool) ([]*model.InstanceState, error) {
	states, err := t.store.FetchInstanceStates(ctx, group)
	if err != nil {
		return nil, err
	}
	valid, err := t.store.FilterOutAndTrimExpiredStates(ctx, group, states)
	if err != nil {
		return nil, err
	}
	if !filterShutdown || len(valid) == 0 {
		return valid, nil
	}

	ids := make([]string, 0, len(valid))
	for _, state := range valid {
		ids = append(ids, state.InstanceID)
	}
	marked, err := t.shutdowns.GetShutdownStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}
	confirmations, err := t.shutdowns.GetShutdownConfirmations(ctx, ids)
	if err != nil {
		return nil, err
	}

	live := make([]*model.InstanceState, 0, len(valid))
	for i, state := range valid {
		if marked[i] || confirmations[i] != "" || state.ShuttingDown() {
			continue
		}
		live = append(live, state)
	}
	return live, nil
}
