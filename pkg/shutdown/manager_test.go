package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediainfra/fleet-autoscaler/pkg/audit"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
)

func newTestManagers(t *testing.T) (*Manager, *ReconfigureManager, *audit.Manager) {
	s := store.NewMemoryStore(store.DefaultTTLConfig())
	a := audit.NewManager(s, time.Hour, zaptest.NewLogger(t))
	return NewManager(s, a, DefaultConfig(), zaptest.NewLogger(t)),
		NewReconfigureManager(s, a, DefaultConfig(), zaptest.NewLogger(t)), a
}

// TestManager_SetShutdownStatus tests marking and auditing shutdown intent
func TestManager_SetShutdownStatus(t *testing.T) {
	ctx := context.Background()
	m, _, a := newTestManagers(t)

	require.NoError(t, m.SetShutdownStatus(ctx, "bridge-us", []string{"i-1", "i-2"}))

	statuses, err := m.GetShutdownStatuses(ctx, []string{"i-1", "i-2", "i-3"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false}, statuses)

	// Marking is idempotent.
	require.NoError(t, m.SetShutdownStatus(ctx, "bridge-us", []string{"i-1"}))
	status, err := m.GetShutdownStatus(ctx, "i-1")
	require.NoError(t, err)
	assert.True(t, status)

	record, err := a.GenerateAudit(ctx, "bridge-us")
	require.NoError(t, err)
	require.Len(t, record.Instances, 2)
	assert.NotNil(t, record.Instances[0].RequestToTerminate)
}

// TestManager_ShutdownConfirmation tests the confirmation round trip
func TestManager_ShutdownConfirmation(t *testing.T) {
	ctx := context.Background()
	m, _, a := newTestManagers(t)

	require.NoError(t, m.SetShutdownStatus(ctx, "bridge-us", []string{"i-1"}))
	require.NoError(t, m.SetShutdownConfirmation(ctx, "bridge-us", []string{"i-1"}))

	confirmation, err := m.GetShutdownConfirmation(ctx, "i-1")
	require.NoError(t, err)
	assert.NotEmpty(t, confirmation)
	_, err = time.Parse(time.RFC3339, confirmation)
	assert.NoError(t, err)

	record, err := a.GenerateAudit(ctx, "bridge-us")
	require.NoError(t, err)
	require.Len(t, record.Instances, 1)
	assert.NotNil(t, record.Instances[0].ShutdownConfirmation)
}

// TestManager_EmptyInput tests that empty batches are no-ops
func TestManager_EmptyInput(t *testing.T) {
	ctx := context.Background()
	m, r, _ := newTestManagers(t)

	require.NoError(t, m.SetShutdownStatus(ctx, "bridge-us", nil))
	require.NoError(t, m.SetShutdownConfirmation(ctx, "bridge-us", nil))
	require.NoError(t, r.SetReconfigureDate(ctx, "bridge-us", nil))
}

// TestReconfigureManager_RoundTrip tests mark, read and clear
func TestReconfigureManager_RoundTrip(t *testing.T) {
	ctx := context.Background()
	_, r, a := newTestManagers(t)

	require.NoError(t, r.SetReconfigureDate(ctx, "bridge-us", []string{"i-1", "i-2"}))

	dates, err := r.GetReconfigureDates(ctx, []string{"i-1", "i-2"})
	require.NoError(t, err)
	assert.NotEmpty(t, dates[0])
	assert.Equal(t, dates[0], dates[1])

	require.NoError(t, r.UnsetReconfigureDate(ctx, "bridge-us", "i-1"))
	date, err := r.GetReconfigureDate(ctx, "i-1")
	require.NoError(t, err)
	assert.Empty(t, date)

	record, err := a.GenerateAudit(ctx, "bridge-us")
	require.NoError(t, err)
	require.Len(t, record.Instances, 2)
	assert.NotNil(t, record.Instances[0].Reconfigure)
	assert.NotNil(t, record.Instances[0].UnsetReconfigure)
	assert.Nil(t, record.Instances[1].UnsetReconfigure)
}
