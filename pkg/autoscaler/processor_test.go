package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/lock"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/shutdown"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

type fixture struct {
	store     store.Store
	locks     lock.Manager
	groups    *groups.Manager
	tracker   *tracker.InstanceTracker
	audit     *audit.Manager
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	s := store.NewMemoryStore(store.DefaultTTLConfig())
	a := audit.NewManager(s, time.Hour, logger)
	sm := shutdown.NewManager(s, a, shutdown.DefaultConfig(), logger)
	rm := shutdown.NewReconfigureManager(s, a, shutdown.DefaultConfig(), logger)
	tr := tracker.NewInstanceTracker(s, sm, rm, a, logger)
	g := groups.NewManager(s, groups.DefaultConfig(), logger)
	locks := lock.NewLocalManager(lock.DefaultConfig())
	return &fixture{
		store:     s,
		locks:     locks,
		groups:    g,
		tracker:   tr,
		audit:     a,
		processor: NewProcessor(locks, g, tr, a, logger),
	}
}

func stressGroup(desired int) *model.InstanceGroup {
	return &model.InstanceGroup{
		Name:              "bridge-us",
		Type:              model.GroupTypeBridge,
		Cloud:             "local",
		EnableAutoScale:   true,
		EnableLaunch:      true,
		GracePeriodTTLSec: 60,
		ScalingOptions: model.ScalingOptions{
			MinDesired:            1,
			MaxDesired:            3,
			DesiredCount:          desired,
			ScaleUpQuantity:       1,
			ScaleDownQuantity:     1,
			ScaleUpThreshold:      0.8,
			ScaleDownThreshold:    0.3,
			ScalePeriod:           60,
			ScaleUpPeriodsCount:   2,
			ScaleDownPeriodsCount: 2,
		},
	}
}

func availabilityGroup(desired int) *model.InstanceGroup {
	group := stressGroup(desired)
	group.Name = "recorder-us"
	group.Type = model.GroupTypeRecorder
	group.ScalingOptions.MaxDesired = 5
	group.ScalingOptions.ScaleUpThreshold = 1
	group.ScalingOptions.ScaleDownThreshold = 2
	return group
}

// seedInventory persists count live states and, per instance, one metric
// sample in each of the two newest buckets.
func seedInventory(t *testing.T, f *fixture, group *model.InstanceGroup, count int, metricValue float64) {
	ctx := context.Background()
	now := time.Now().UnixMilli()
	period := int64(group.ScalingOptions.ScalePeriod) * 1000
	for i := 0; i < count; i++ {
		id := string(rune('a' + i))
		state := &model.InstanceState{
			InstanceID:   "i-" + id,
			InstanceType: group.Type,
			Timestamp:    now,
			Metadata:     model.InstanceMetadata{Group: group.Name},
		}
		if group.Type.Family() == model.FamilyStress {
			state.Status.Stress = &model.StressStatus{StressLevel: metricValue}
		} else {
			state.Status.Availability = &model.AvailabilityStatus{BusyStatus: model.BusyStatusIdle}
		}
		require.NoError(t, f.store.SaveInstanceStatus(ctx, group.Name, state))
		for bucket := int64(0); bucket < 2; bucket++ {
			require.NoError(t, f.store.WriteInstanceMetric(ctx, group.Name, model.InstanceMetric{
				InstanceID: state.InstanceID,
				Timestamp:  now - bucket*period - 10_000,
				Value:      metricValue,
			}))
		}
	}
}

// TestProcess_ScaleUpOnSustainedStress tests the full scale-up path: two
// unanimous windows raise desired, audit the window, and arm the grace gate
func TestProcess_ScaleUpOnSustainedStress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	group := stressGroup(2)
	require.NoError(t, f.groups.UpsertGroup(ctx, group))
	seedInventory(t, f, group, 2, 0.9)

	acted, err := f.processor.ProcessAutoscalingByGroup(ctx, "bridge-us")
	require.NoError(t, err)
	assert.True(t, acted)

	updated, err := f.groups.GetGroup(ctx, "bridge-us")
	require.NoError(t, err)
	assert.Equal(t, 3, updated.ScalingOptions.DesiredCount)

	record, err := f.audit.GenerateAudit(ctx, "bridge-us")
	require.NoError(t, err)
	require.NotNil(t, record.AutoscalerAction)
	payload := record.AutoscalerAction.AutoscalerAction
	assert.Equal(t, audit.ActionIncreaseDesiredCount, payload.ActionType)
	assert.Equal(t, 2, payload.OldDesiredCount)
	assert.Equal(t, 3, payload.NewDesiredCount)
	assert.Equal(t, []float64{0.9, 0.9}, payload.ScaleMetrics)

	// The grace gate blocks the immediate follow-up pass.
	acted, err = f.processor.ProcessAutoscalingByGroup(ctx, "bridge-us")
	require.NoError(t, err)
	assert.False(t, acted)
}

// TestProcess_ScaleDownOnIdleness tests the availability-family direction
// flip: a high idle summary drives desired down
func TestProcess_ScaleDownOnIdleness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	group := availabilityGroup(3)
	require.NoError(t, f.groups.UpsertGroup(ctx, group))
	// 3 idle recorders: per-bucket summary = 3 > scaleDownThreshold 2.
	seedInventory(t, f, group, 3, 1)

	acted, err := f.processor.ProcessAutoscalingByGroup(ctx, "recorder-us")
	require.NoError(t, err)
	assert.True(t, acted)

	updated, err := f.groups.GetGroup(ctx, "recorder-us")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.ScalingOptions.DesiredCount)

	record, err := f.audit.GenerateAudit(ctx, "recorder-us")
	require.NoError(t, err)
	require.NotNil(t, record.AutoscalerAction)
	assert.Equal(t, audit.ActionDecreaseDesiredCount, record.AutoscalerAction.AutoscalerAction.ActionType)
}

// TestProcess_WaitForLauncher tests that a count/desired mismatch returns
// progress with no audit action and no grace key
func TestProcess_WaitForLauncher(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	group := stressGroup(3)
	require.NoError(t, f.groups.UpsertGroup(ctx, group))
	seedInventory(t, f, group, 2, 0.9)

	acted, err := f.processor.ProcessAutoscalingByGroup(ctx, "bridge-us")
	require.NoError(t, err)
	assert.True(t, acted)

	record, err := f.audit.GenerateAudit(ctx, "bridge-us")
	require.NoError(t, err)
	assert.Nil(t, record.AutoscalerAction, "waiting must not audit an action")

	allowed, err := f.groups.AllowAutoscaling(ctx, "bridge-us")
	require.NoError(t, err)
	assert.True(t, allowed, "waiting must not arm the grace gate")

	updated, err := f.groups.GetGroup(ctx, "bridge-us")
	require.NoError(t, err)
	assert.Equal(t, 3, updated.ScalingOptions.DesiredCount)
}

// TestProcess_WindowDissentBlocksAction tests window unanimity: one calm
// bucket vetoes the scale-up
func TestProcess_WindowDissentBlocksAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	group := stressGroup(2)
	require.NoError(t, f.groups.UpsertGroup(ctx, group))
	now := time.Now().UnixMilli()

	for _, id := range []string{"i-a", "i-b"} {
		state := &model.InstanceState{
			InstanceID:   id,
			InstanceType: group.Type,
			Timestamp:    now,
			Metadata:     model.InstanceMetadata{Group: group.Name},
			Status:       model.InstanceStatus{Stress: &model.StressStatus{StressLevel: 0.9}},
		}
		require.NoError(t, f.store.SaveInstanceStatus(ctx, group.Name, state))
		// Newest bucket stressed, older bucket calm.
		require.NoError(t, f.store.WriteInstanceMetric(ctx, group.Name, model.InstanceMetric{
			InstanceID: id, Timestamp: now - 10_000, Value: 0.9,
		}))
		require.NoError(t, f.store.WriteInstanceMetric(ctx, group.Name, model.InstanceMetric{
			InstanceID: id, Timestamp: now - 70_000, Value: 0.5,
		}))
	}

	acted, err := f.processor.ProcessAutoscalingByGroup(ctx, "bridge-us")
	require.NoError(t, err)
	assert.True(t, acted, "pass ran to completion")

	updated, err := f.groups.GetGroup(ctx, "bridge-us")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.ScalingOptions.DesiredCount, "no change on dissent")
}

// TestProcess_Skips tests the skip paths: lock held, disabled, missing,
// empty inventory
func TestProcess_Skips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	group := stressGroup(2)
	require.NoError(t, f.groups.UpsertGroup(ctx, group))

	held, err := f.locks.LockGroup(ctx, "bridge-us")
	require.NoError(t, err)
	acted, err := f.processor.ProcessAutoscalingByGroup(ctx, "bridge-us")
	require.NoError(t, err)
	assert.False(t, acted, "lock held")
	require.NoError(t, held.Release(ctx))

	acted, err = f.processor.ProcessAutoscalingByGroup(ctx, "bridge-us")
	require.NoError(t, err)
	assert.False(t, acted, "empty inventory")

	_, err = f.groups.SetScalingActivities(ctx, "bridge-us", groups.ScalingActivitiesUpdate{
		EnableAutoScale: func() *bool { v := false; return &v }(),
	})
	require.NoError(t, err)
	acted, err = f.processor.ProcessAutoscalingByGroup(ctx, "bridge-us")
	require.NoError(t, err)
	assert.False(t, acted, "autoscale disabled")

	_, err = f.processor.ProcessAutoscalingByGroup(ctx, "missing")
	assert.Error(t, err)
}

// TestScaleBucketConditions tests the family predicate table
func TestScaleBucketConditions(t *testing.T) {
	stressOpts := &model.ScalingOptions{
		MinDesired:         1,
		MaxDesired:         5,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
	}
	// Availability thresholds are idle counts, not load levels.
	availOpts := &model.ScalingOptions{
		MinDesired:         1,
		MaxDesired:         5,
		ScaleUpThreshold:   1,
		ScaleDownThreshold: 2,
	}

	tests := []struct {
		name     string
		family   model.MetricFamily
		opts     *model.ScalingOptions
		count    int
		metric   float64
		up, down bool
	}{
		{"StressHot", model.FamilyStress, stressOpts, 3, 0.9, true, false},
		{"StressCalm", model.FamilyStress, stressOpts, 3, 0.1, false, true},
		{"StressMiddle", model.FamilyStress, stressOpts, 3, 0.5, false, false},
		{"StressAtMax", model.FamilyStress, stressOpts, 5, 0.9, false, false},
		{"StressBelowMin", model.FamilyStress, stressOpts, 0, 0.0, true, false},
		{"AvailabilityScarce", model.FamilyAvailability, availOpts, 3, 0.5, true, false},
		{"AvailabilityFlush", model.FamilyAvailability, availOpts, 3, 2.5, false, true},
		{"AvailabilityAtMin", model.FamilyAvailability, availOpts, 1, 2.5, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.up, scaleUpBucketCondition(tt.family, tt.count, tt.metric, tt.opts), "up")
			assert.Equal(t, tt.down, scaleDownBucketCondition(tt.family, tt.count, tt.metric, tt.opts), "down")
		})
	}
}
