package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/cloud"
	"github.com/mediainfra/fleet-autoscaler/pkg/groups"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/report"
	"github.com/mediainfra/fleet-autoscaler/pkg/shutdown"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
	"github.com/mediainfra/fleet-autoscaler/pkg/tracker"
)

type fixture struct {
	server    *Server
	store     store.Store
	groups    *groups.Manager
	shutdowns *shutdown.Manager
	tracker   *tracker.InstanceTracker
}

func newFixture(t *testing.T, config ServerConfig) *fixture {
	logger := zaptest.NewLogger(t)
	s := store.NewMemoryStore(store.DefaultTTLConfig())
	a := audit.NewManager(s, time.Hour, logger)
	sm := shutdown.NewManager(s, a, shutdown.DefaultConfig(), logger)
	rm := shutdown.NewReconfigureManager(s, a, shutdown.DefaultConfig(), logger)
	tr := tracker.NewInstanceTracker(s, sm, rm, a, logger)
	g := groups.NewManager(s, groups.DefaultConfig(), logger)
	reporter := report.NewReporter(g, tr, sm, rm, s, logger)

	selector := cloud.NewSelector()
	selector.Register("local", cloud.NewLocalManager())
	scaling := cloud.NewScalingManager(selector, s, sm, a, false, logger)

	config.Logger = logger
	server := NewServer(config, tr, g, sm, rm, reporter, a, scaling)
	return &fixture{server: server, store: s, groups: g, shutdowns: sm, tracker: tr}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func recorderGroup(name string) *model.InstanceGroup {
	return &model.InstanceGroup{
		Name:  name,
		Type:  model.GroupTypeRecorder,
		Cloud: "local",
		ScalingOptions: model.ScalingOptions{
			MinDesired: 1, MaxDesired: 5, DesiredCount: 2,
		},
	}
}

// TestStatsIngestion tests that /stats ingests a report and returns a verdict
func TestStatsIngestion(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	rec := f.do(t, http.MethodPost, "/stats", model.StatsReport{
		Instance: model.InstanceDetails{
			InstanceID:   "i-1",
			InstanceType: model.GroupTypeRecorder,
			Group:        "recorder-us",
		},
		Stats: &model.ReportStats{
			Status: &model.AvailabilityStatus{BusyStatus: model.BusyStatusIdle},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var verdict model.SidecarVerdict
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&verdict))
	assert.False(t, verdict.Shutdown)
	assert.False(t, verdict.Reconfigure)

	states, err := f.tracker.TrimCurrent(context.Background(), "recorder-us", false)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "i-1", states[0].InstanceID)
}

// TestStatsIngestion_NeverFails tests the benign verdict on garbage input
func TestStatsIngestion_NeverFails(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/stats", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/stats", model.StatsReport{})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/stats", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// TestPollVerdict tests that /poll reflects the shutdown and reconfigure markers
func TestPollVerdict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServerConfig{})

	require.NoError(t, f.shutdowns.SetShutdownStatus(ctx, "recorder-us", []string{"i-1"}))

	rec := f.do(t, http.MethodPost, "/poll", map[string]interface{}{
		"instance": map[string]string{"instanceId": "i-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var verdict model.SidecarVerdict
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&verdict))
	assert.True(t, verdict.Shutdown)
	assert.False(t, verdict.Reconfigure)
}

// TestAuthToken tests the bearer middleware
func TestAuthToken(t *testing.T) {
	f := newFixture(t, ServerConfig{AuthToken: "sekrit"})

	rec := f.do(t, http.MethodGet, "/groups", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/groups", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/groups", nil, "Authorization", "Bearer sekrit")
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for probes.
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestGroupCRUD tests create, read, list and delete over HTTP
func TestGroupCRUD(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	rec := f.do(t, http.MethodPut, "/groups/recorder-us", recorderGroup("recorder-us"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/groups/recorder-us", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var group model.InstanceGroup
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&group))
	assert.Equal(t, 2, group.ScalingOptions.DesiredCount)

	rec = f.do(t, http.MethodGet, "/groups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []model.InstanceGroup
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	assert.Len(t, all, 1)

	rec = f.do(t, http.MethodDelete, "/groups/recorder-us", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/groups/recorder-us", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestGroupPut_NameMismatch tests that the path name must match the body
func TestGroupPut_NameMismatch(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	rec := f.do(t, http.MethodPut, "/groups/recorder-us", recorderGroup("other"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestSetDesired tests the partial update and its validation mapping
func TestSetDesired(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	require.NoError(t, f.groups.UpsertGroup(context.Background(), recorderGroup("recorder-us")))

	rec := f.do(t, http.MethodPut, "/groups/recorder-us/desired", map[string]int{"desiredCount": 4})
	require.Equal(t, http.StatusOK, rec.Code)
	var group model.InstanceGroup
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&group))
	assert.Equal(t, 4, group.ScalingOptions.DesiredCount)

	// Out of bounds against the stored min/max.
	rec = f.do(t, http.MethodPut, "/groups/recorder-us/desired", map[string]int{"desiredCount": 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/groups/missing/desired", map[string]int{"desiredCount": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestScalingActivities tests the enable-flags endpoint
func TestScalingActivities(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	require.NoError(t, f.groups.UpsertGroup(context.Background(), recorderGroup("recorder-us")))

	rec := f.do(t, http.MethodPut, "/groups/recorder-us/scaling-activities", map[string]bool{
		"enableAutoScale": true,
		"enableLaunch":    true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var group model.InstanceGroup
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&group))
	assert.True(t, group.EnableAutoScale)
	assert.True(t, group.EnableLaunch)
}

// TestLaunchProtected tests the protected-launch action endpoint
func TestLaunchProtected(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	require.NoError(t, f.groups.UpsertGroup(context.Background(), recorderGroup("recorder-us")))

	rec := f.do(t, http.MethodPost, "/groups/recorder-us/actions/launch-protected", map[string]int{"count": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	var group model.InstanceGroup
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&group))
	assert.Equal(t, 4, group.ScalingOptions.DesiredCount)
}

// TestReset tests that POST /groups/reset re-applies the seed definitions
func TestReset(t *testing.T) {
	ctx := context.Background()
	seed := recorderGroup("recorder-us")
	f := newFixture(t, ServerConfig{Seeds: []*model.InstanceGroup{seed}})

	require.NoError(t, f.groups.UpsertGroup(ctx, recorderGroup("stale-group")))

	rec := f.do(t, http.MethodPost, "/groups/reset", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/groups/recorder-us", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestReportEndpoint tests the merged report over HTTP
func TestReportEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServerConfig{Seeds: nil, RetryStrategy: cloud.DefaultRetryStrategy()})
	require.NoError(t, f.groups.UpsertGroup(ctx, recorderGroup("recorder-us")))
	require.NoError(t, f.store.SaveInstanceStatus(ctx, "recorder-us", &model.InstanceState{
		InstanceID:   "i-1",
		InstanceType: model.GroupTypeRecorder,
		Timestamp:    time.Now().UnixMilli(),
		Metadata:     model.InstanceMetadata{Group: "recorder-us"},
		Status: model.InstanceStatus{
			Availability: &model.AvailabilityStatus{BusyStatus: model.BusyStatusIdle},
		},
	}))

	rec := f.do(t, http.MethodGet, "/groups/recorder-us/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep report.GroupReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rep))
	assert.Equal(t, 1, rep.TrackedCount)
	require.Len(t, rep.Instances, 1)
	assert.Equal(t, "i-1", rep.Instances[0].InstanceID)

	rec = f.do(t, http.MethodGet, "/groups/missing/report", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestAuditEndpoint tests the per-group audit fold over HTTP
func TestAuditEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServerConfig{})
	require.NoError(t, f.groups.UpsertGroup(ctx, recorderGroup("recorder-us")))
	require.NoError(t, f.shutdowns.SetShutdownStatus(ctx, "recorder-us", []string{"i-1"}))

	rec := f.do(t, http.MethodGet, "/groups/recorder-us/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var record audit.GroupAuditRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&record))
	require.Len(t, record.Instances, 1)
	assert.Equal(t, "i-1", record.Instances[0].InstanceID)
}

// TestUnknownSubtree tests the fallthrough 404
func TestUnknownSubtree(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	rec := f.do(t, http.MethodGet, "/groups/recorder-us/bogus", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
