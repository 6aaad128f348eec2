// Package report composes the operator-facing group report: tracker states
// merged with a cloud listing, bulk-enriched with the shutdown, protection
// and reconfigure markers, plus aggregate counters.
package report

import (
	"context"
	"sort"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/shutdown"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

// Scale statuses shown per instance row.
const (
	StatusProvisioning = "provisioning"
	StatusIdle         = "idle"
	StatusBusy         = "busy"
	StatusExpired      = "expired"
	StatusRunning      = "running"
	StatusUntracked    = "untracked"
)

// InstanceRow is one line of the group report.
type InstanceRow struct {
	InstanceID           string   `json:"instanceId"`
	DisplayName          string   `json:"displayName,omitempty"`
	ScaleStatus          string   `json:"scaleStatus"`
	CloudStatus          string   `json:"cloudStatus,omitempty"`
	StressLevel          *float64 `json:"stressLevel,omitempty"`
	IsShuttingDown       bool     `json:"isShuttingDown"`
	ShutdownComplete     string   `json:"shutdownComplete,omitempty"`
	LastReconfigured     string   `json:"lastReconfigured,omitempty"`
	ReconfigureScheduled string   `json:"reconfigureScheduled,omitempty"`
	IsScaleDownProtected bool     `json:"isScaleDownProtected"`
}

// GroupReport is the full operator view of one group.
type GroupReport struct {
	Group        string        `json:"group"`
	DesiredCount int           `json:"desiredCount"`
	MinDesired   int           `json:"minDesired"`
	MaxDesired   int           `json:"maxDesired"`
	Instances    []InstanceRow `json:"instances"`

	TrackedCount      int `json:"trackedCount"`
	CloudCount        int `json:"cloudCount"`
	ProvisioningCount int `json:"provisioningCount"`
	AvailableCount    int `json:"availableCount"`
	BusyCount         int `json:"busyCount"`
	ExpiredCount      int `json:"expiredCount"`
	ShuttingDownCount int `json:"shuttingDownCount"`
	UnTrackedCount    int `json:"unTrackedCount"`
}

// Reporter builds group reports.
type Reporter struct {
	groups      *groups.Manager
	tracker     *tracker.InstanceTracker
	shutdowns   *shutdown.Manager
	reconfigure *shutdown.ReconfigureManager
	store       store.Store
	logger      *zap.SugaredLogger
}

// NewReporter creates a reporter.
func NewReporter(
	g *groups.Manager,
	t *tracker.InstanceTracker,
	sm *shutdown.Manager,
	rm *shutdown.ReconfigureManager,
	s store.Store,
	logger *zap.Logger,
) *Reporter {
	return &Reporter{
		groups:      g,
		tracker:     t,
		shutdowns:   sm,
		reconfigure: rm,
		store:       s,
		logger:      logger.Sugar().Named("report"),
	}
}

// GenerateReport merges tracker inventory with an optional cloud listing and
// enriches the rows with the per-instance markers. Passing a nil listing
// skips the cloud columns and the untracked rows.
func (r *Reporter) GenerateReport(ctx context.Context, groupName string, cloudInstances []model.CloudInstance) (*GroupReport, error) {
	group, err := r.groups.GetGroup(ctx, groupName)
	if err != nil {
		return nil, err
	}
	inventory, err := r.tracker.TrimCurrent(ctx, groupName, false)
	if err != nil {
		return nil, err
	}

	cloudByID := make(map[string]model.CloudInstance, len(cloudInstances))
	for _, instance := range cloudInstances {
		cloudByID[instance.InstanceID] = instance
	}

	rows := make([]InstanceRow, 0, len(inventory))
	for _, state := range inventory {
		row := InstanceRow{
			InstanceID:       state.InstanceID,
			ScaleStatus:      scaleStatus(state),
			IsShuttingDown:   state.ShuttingDown(),
			LastReconfigured: state.LastReconfigured,
		}
		if state.Status.Stress != nil {
			level := state.Status.Stress.StressLevel
			row.StressLevel = &level
		}
		if cloudInstance, ok := cloudByID[state.InstanceID]; ok {
			row.DisplayName = cloudInstance.DisplayName
			row.CloudStatus = cloudInstance.CloudStatus
		}
		rows = append(rows, row)
	}

	// Cloud instances the tracker does not know about.
	tracked := make(map[string]bool, len(inventory))
	for _, state := range inventory {
		tracked[state.InstanceID] = true
	}
	for _, instance := range cloudInstances {
		if tracked[instance.InstanceID] {
			continue
		}
		if instance.CloudStatus != model.CloudStatusProvisioning &&
			instance.CloudStatus != model.CloudStatusRunning {
			continue
		}
		rows = append(rows, InstanceRow{
			InstanceID:  instance.InstanceID,
			DisplayName: instance.DisplayName,
			ScaleStatus: StatusUntracked,
			CloudStatus: instance.CloudStatus,
		})
	}

	if err := r.enrich(ctx, rows); err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].InstanceID < rows[j].InstanceID })

	report := &GroupReport{
		Group:        groupName,
		DesiredCount: group.ScalingOptions.DesiredCount,
		MinDesired:   group.ScalingOptions.MinDesired,
		MaxDesired:   group.ScalingOptions.MaxDesired,
		Instances:    rows,
		TrackedCount: len(inventory),
		CloudCount:   len(cloudInstances),
	}
	for _, row := range rows {
		switch row.ScaleStatus {
		case StatusProvisioning:
			report.ProvisioningCount++
		case StatusIdle:
			report.AvailableCount++
		case StatusBusy:
			report.BusyCount++
		case StatusExpired:
			report.ExpiredCount++
		case StatusUntracked:
			report.UnTrackedCount++
		}
		if row.IsShuttingDown {
			report.ShuttingDownCount++
		}
	}
	return report, nil
}

// enrich bulk-loads the shutdown, confirmation, protection and reconfigure
// markers into the rows.
func (r *Reporter) enrich(ctx context.Context, rows []InstanceRow) error {
	if len(rows) == 0 {
		return nil
	}
	ids := lo.Map(rows, func(row InstanceRow, _ int) string { return row.InstanceID })

	marked, err := r.shutdowns.GetShutdownStatuses(ctx, ids)
	if err != nil {
		return err
	}
	confirmations, err := r.shutdowns.GetShutdownConfirmations(ctx, ids)
	if err != nil {
		return err
	}
	protections, err := r.store.AreScaleDownProtected(ctx, ids)
	if err != nil {
		return err
	}
	reconfigures, err := r.reconfigure.GetReconfigureDates(ctx, ids)
	if err != nil {
		return err
	}

	for i := range rows {
		rows[i].IsShuttingDown = rows[i].IsShuttingDown || marked[i]
		rows[i].ShutdownComplete = confirmations[i]
		rows[i].IsScaleDownProtected = protections[i]
		rows[i].ReconfigureScheduled = reconfigures[i]
	}
	return nil
}

func scaleStatus(state *model.InstanceState) string {
	switch {
	case state.Status.Provisioning:
		return StatusProvisioning
	case state.Status.Availability != nil:
		switch state.Status.Availability.BusyStatus {
		case model.BusyStatusIdle:
			return StatusIdle
		case model.BusyStatusExpired:
			return StatusExpired
		default:
			return StatusBusy
		}
	default:
		return StatusRunning
	}
}
