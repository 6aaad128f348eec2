package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/shutdown"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

type fixture struct {
	store       store.Store
	groups      *groups.Manager
	shutdowns   *shutdown.Manager
	reconfigure *shutdown.ReconfigureManager
	reporter    *Reporter
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	s := store.NewMemoryStore(store.DefaultTTLConfig())
	a := audit.NewManager(s, time.Hour, logger)
	sm := shutdown.NewManager(s, a, shutdown.DefaultConfig(), logger)
	rm := shutdown.NewReconfigureManager(s, a, shutdown.DefaultConfig(), logger)
	tr := tracker.NewInstanceTracker(s, sm, rm, a, logger)
	g := groups.NewManager(s, groups.DefaultConfig(), logger)
	return &fixture{
		store:       s,
		groups:      g,
		shutdowns:   sm,
		reconfigure: rm,
		reporter:    NewReporter(g, tr, sm, rm, s, logger),
	}
}

func saveState(t *testing.T, f *fixture, state *model.InstanceState) {
	state.Timestamp = time.Now().UnixMilli()
	state.Metadata.Group = "recorder-us"
	require.NoError(t, f.store.SaveInstanceStatus(context.Background(), "recorder-us", state))
}

func upsertGroup(t *testing.T, f *fixture) {
	require.NoError(t, f.groups.UpsertGroup(context.Background(), &model.InstanceGroup{
		Name:  "recorder-us",
		Type:  model.GroupTypeRecorder,
		Cloud: "local",
		ScalingOptions: model.ScalingOptions{
			MinDesired: 1, MaxDesired: 5, DesiredCount: 3,
		},
	}))
}

// TestGenerateReport tests the merge, enrichment and counters in one pass
func TestGenerateReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	upsertGroup(t, f)

	saveState(t, f, &model.InstanceState{
		InstanceID:   "i-idle",
		InstanceType: model.GroupTypeRecorder,
		Status: model.InstanceStatus{
			Availability: &model.AvailabilityStatus{BusyStatus: model.BusyStatusIdle},
		},
	})
	saveState(t, f, &model.InstanceState{
		InstanceID:   "i-busy",
		InstanceType: model.GroupTypeRecorder,
		Status: model.InstanceStatus{
			Availability: &model.AvailabilityStatus{BusyStatus: model.BusyStatusBusy},
		},
	})
	saveState(t, f, &model.InstanceState{
		InstanceID:   "i-new",
		InstanceType: model.GroupTypeRecorder,
		Status:       model.InstanceStatus{Provisioning: true},
	})

	require.NoError(t, f.shutdowns.SetShutdownStatus(ctx, "recorder-us", []string{"i-busy"}))
	require.NoError(t, f.store.SetScaleDownProtected(ctx, "i-idle", "launch-protected", time.Minute))
	require.NoError(t, f.reconfigure.SetReconfigureDate(ctx, "recorder-us", []string{"i-idle"}))

	cloudInstances := []model.CloudInstance{
		{InstanceID: "i-idle", DisplayName: "recorder-0", CloudStatus: model.CloudStatusRunning},
		{InstanceID: "i-ghost", DisplayName: "recorder-9", CloudStatus: model.CloudStatusRunning},
		{InstanceID: "i-gone", CloudStatus: model.CloudStatusTerminated},
	}

	report, err := f.reporter.GenerateReport(ctx, "recorder-us", cloudInstances)
	require.NoError(t, err)

	assert.Equal(t, 3, report.DesiredCount)
	assert.Equal(t, 3, report.TrackedCount)
	assert.Equal(t, 3, report.CloudCount)
	assert.Equal(t, 1, report.ProvisioningCount)
	assert.Equal(t, 1, report.AvailableCount)
	assert.Equal(t, 1, report.BusyCount)
	assert.Equal(t, 1, report.UnTrackedCount)
	assert.Equal(t, 1, report.ShuttingDownCount)

	rows := make(map[string]InstanceRow, len(report.Instances))
	for _, row := range report.Instances {
		rows[row.InstanceID] = row
	}
	require.Len(t, rows, 4)

	idle := rows["i-idle"]
	assert.Equal(t, StatusIdle, idle.ScaleStatus)
	assert.Equal(t, "recorder-0", idle.DisplayName)
	assert.Equal(t, model.CloudStatusRunning, idle.CloudStatus)
	assert.True(t, idle.IsScaleDownProtected)
	assert.NotEmpty(t, idle.ReconfigureScheduled)

	busy := rows["i-busy"]
	assert.Equal(t, StatusBusy, busy.ScaleStatus)
	assert.True(t, busy.IsShuttingDown)

	ghost := rows["i-ghost"]
	assert.Equal(t, StatusUntracked, ghost.ScaleStatus)
	assert.Equal(t, "recorder-9", ghost.DisplayName)

	_, hasTerminated := rows["i-gone"]
	assert.False(t, hasTerminated, "terminated cloud entries are not rows")
}

// TestGenerateReport_NoCloudListing tests the tracker-only report
func TestGenerateReport_NoCloudListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	upsertGroup(t, f)
	saveState(t, f, &model.InstanceState{
		InstanceID:   "i-1",
		InstanceType: model.GroupTypeRecorder,
		Status: model.InstanceStatus{
			Availability: &model.AvailabilityStatus{BusyStatus: model.BusyStatusIdle},
		},
	})

	report, err := f.reporter.GenerateReport(ctx, "recorder-us", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TrackedCount)
	assert.Zero(t, report.CloudCount)
	assert.Zero(t, report.UnTrackedCount)
	require.Len(t, report.Instances, 1)
	assert.Empty(t, report.Instances[0].CloudStatus)
}

// TestGenerateReport_MissingGroup tests the not-found edge
func TestGenerateReport_MissingGroup(t *testing.T) {
	f := newFixture(t)
	_, err := f.reporter.GenerateReport(context.Background(), "missing", nil)
	assert.Error(t, err)
}

// TestGenerateReport_StressLevelColumn tests the stress family column
func TestGenerateReport_StressLevelColumn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.groups.UpsertGroup(ctx, &model.InstanceGroup{
		Name:  "bridge-us",
		Type:  model.GroupTypeBridge,
		Cloud: "local",
		ScalingOptions: model.ScalingOptions{
			MinDesired: 1, MaxDesired: 5, DesiredCount: 1,
		},
	}))
	require.NoError(t, f.store.SaveInstanceStatus(ctx, "bridge-us", &model.InstanceState{
		InstanceID:   "i-1",
		InstanceType: model.GroupTypeBridge,
		Timestamp:    time.Now().UnixMilli(),
		Metadata:     model.InstanceMetadata{Group: "bridge-us"},
		Status:       model.InstanceStatus{Stress: &model.StressStatus{StressLevel: 0.7}},
	}))

	report, err := f.reporter.GenerateReport(ctx, "bridge-us", nil)
	require.NoError(t, err)
	require.Len(t, report.Instances, 1)
	row := report.Instances[0]
	assert.Equal(t, StatusRunning, row.ScaleStatus)
	require.NotNil(t, row.StressLevel)
	assert.Equal(t, 0.7, *row.StressLevel)
}
