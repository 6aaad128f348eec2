package loops

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/cloud"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/jobs"
	"github.com/mediainfra/fleet-autoscaler/pkg/metrics"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/shutdown"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

type fixture struct {
	store   store.Store
	groups  *groups.Manager
	tracker *tracker.InstanceTracker
	local   *cloud.LocalManager
	scaling *cloud.ScalingManager
	queue   *jobs.MemoryQueue
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	s := store.NewMemoryStore(store.DefaultTTLConfig())
	a := audit.NewManager(s, time.Hour, logger)
	sm := shutdown.NewManager(s, a, shutdown.DefaultConfig(), logger)
	rm := shutdown.NewReconfigureManager(s, a, shutdown.DefaultConfig(), logger)
	local := cloud.NewLocalManager()
	selector := cloud.NewSelector()
	selector.Register("local", local)
	return &fixture{
		store:   s,
		groups:  groups.NewManager(s, groups.DefaultConfig(), logger),
		tracker: tracker.NewInstanceTracker(s, sm, rm, a, logger),
		local:   local,
		scaling: cloud.NewScalingManager(selector, s, sm, a, false, logger),
		queue:   jobs.NewMemoryQueue(16),
	}
}

func testGroup() *model.InstanceGroup {
	return &model.InstanceGroup{
		Name:         "bridge-us",
		Type:         model.GroupTypeBridge,
		Cloud:        "local",
		EnableLaunch: true,
		ScalingOptions: model.ScalingOptions{
			MinDesired: 1, MaxDesired: 5, DesiredCount: 2,
		},
	}
}

func trackState(t *testing.T, f *fixture, id string) {
	require.NoError(t, f.store.SaveInstanceStatus(context.Background(), "bridge-us", &model.InstanceState{
		InstanceID:   id,
		InstanceType: model.GroupTypeBridge,
		Timestamp:    time.Now().UnixMilli(),
		Metadata:     model.InstanceMetadata{Group: "bridge-us"},
		Status:       model.InstanceStatus{Stress: &model.StressStatus{StressLevel: 0.5}},
	}))
}

// TestCountUntracked tests the provisioning/running filter against tracker
// state
func TestCountUntracked(t *testing.T) {
	inventory := []*model.InstanceState{{InstanceID: "i-1"}}
	cloudInstances := []model.CloudInstance{
		{InstanceID: "i-1", CloudStatus: model.CloudStatusRunning},      // tracked
		{InstanceID: "i-2", CloudStatus: model.CloudStatusRunning},      // untracked
		{InstanceID: "i-3", CloudStatus: model.CloudStatusProvisioning}, // untracked
		{InstanceID: "i-4", CloudStatus: model.CloudStatusTerminated},   // ignored
	}
	assert.Equal(t, 2, CountUntracked(cloudInstances, inventory))
}

// TestSanityLoop_PublishesUntrackedCount tests the cloud-vs-tracker diff and
// its published key
func TestSanityLoop_PublishesUntrackedCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	group := testGroup()
	require.NoError(t, f.groups.UpsertGroup(ctx, group))

	results := f.local.LaunchInstances(ctx, group, 0, 3)
	require.Len(t, cloud.Successes(results), 3)
	trackState(t, f, results[0].InstanceID)

	loop := NewSanityLoop(f.groups, f.tracker, f.scaling, f.store, DefaultSanityConfig(), zaptest.NewLogger(t))
	acted, err := loop.ReportUntrackedInstances(ctx, "bridge-us")
	require.NoError(t, err)
	assert.True(t, acted)

	value, ok, err := f.store.GetValue(ctx, store.UntrackedCountKey("bridge-us"))
	require.NoError(t, err)
	require.True(t, ok)
	count, err := strconv.Atoi(value)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	gauge := testutil.ToFloat64(metrics.GroupUntrackedCount.WithLabelValues("bridge-us"))
	assert.Equal(t, 2.0, gauge)
}

// TestSanityLoop_MissingGroup tests that the handler fails on unknown groups
func TestSanityLoop_MissingGroup(t *testing.T) {
	f := newFixture(t)
	loop := NewSanityLoop(f.groups, f.tracker, f.scaling, f.store, DefaultSanityConfig(), zaptest.NewLogger(t))
	_, err := loop.ReportUntrackedInstances(context.Background(), "missing")
	assert.Error(t, err)
}

// TestMetricsLoop_RefreshOnce tests the gauge sweep across group, inventory
// and queue gauges
func TestMetricsLoop_RefreshOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	group := testGroup()
	require.NoError(t, f.groups.UpsertGroup(ctx, group))
	trackState(t, f, "i-1")
	trackState(t, f, "i-2")
	require.NoError(t, f.store.SetValue(ctx, store.UntrackedCountKey("bridge-us"), "1", time.Minute))
	require.NoError(t, f.queue.Enqueue(ctx, jobs.Job{ID: "1", Queue: jobs.QueueLauncher, GroupName: "bridge-us"}))

	loop := NewMetricsLoop(f.groups, f.tracker, f.scaling, f.store, f.queue,
		cloud.DefaultRetryStrategy(), time.Minute, zaptest.NewLogger(t))
	require.NoError(t, loop.RefreshOnce(ctx))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GroupsManaged))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.GroupDesiredCount.WithLabelValues("bridge-us")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.GroupInstanceCount.WithLabelValues("bridge-us")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.GroupRunningCount.WithLabelValues("bridge-us")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GroupUntrackedCount.WithLabelValues("bridge-us")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueueWaiting.WithLabelValues(jobs.QueueLauncher)))
}

// TestGetUnTrackedCount tests absent and garbage values degrade to zero
func TestGetUnTrackedCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	loop := NewMetricsLoop(f.groups, f.tracker, f.scaling, f.store, f.queue,
		cloud.DefaultRetryStrategy(), time.Minute, zaptest.NewLogger(t))

	count, err := loop.GetUnTrackedCount(ctx, "bridge-us")
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, f.store.SetValue(ctx, store.UntrackedCountKey("bridge-us"), "junk", time.Minute))
	count, err = loop.GetUnTrackedCount(ctx, "bridge-us")
	require.NoError(t, err)
	assert.Zero(t, count)
}
