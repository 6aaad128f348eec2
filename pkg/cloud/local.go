package cloud

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// LocalManager is the in-process adapter for the single-replica profile and
// for tests: launches synthesize instances that only exist in its own map.
type LocalManager struct {
	mu        sync.Mutex
	instances map[string][]model.CloudInstance
}

// NewLocalManager creates an empty local adapter.
func NewLocalManager() *LocalManager {
	return &LocalManager{instances: make(map[string][]model.CloudInstance)}
}

// LaunchInstances synthesizes quantity instances in the Running state.
func (m *LocalManager) LaunchInstances(ctx context.Context, group *model.InstanceGroup, currentCount, quantity int) []LaunchResult {
	return LaunchConcurrently(ctx, quantity, func(_ context.Context, index int) (string, error) {
		id := uuid.NewString()
		m.mu.Lock()
		m.instances[group.Name] = append(m.instances[group.Name], model.CloudInstance{
			InstanceID:  id,
			DisplayName: fmt.Sprintf("%s-%d", group.Name, currentCount+index),
			CloudStatus: model.CloudStatusRunning,
		})
		m.mu.Unlock()
		return id, nil
	})
}

// GetInstances lists the synthesized instances of a group.
func (m *LocalManager) GetInstances(_ context.Context, group *model.InstanceGroup) ([]model.CloudInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instances := make([]model.CloudInstance, len(m.instances[group.Name]))
	copy(instances, m.instances[group.Name])
	return instances, nil
}

// Terminate flips a synthesized instance to Terminated. Used by tests and the
// local sanity flow.
func (m *LocalManager) Terminate(group, instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.instances[group] {
		if m.instances[group][i].InstanceID == instanceID {
			m.instances[group][i].CloudStatus = model.CloudStatusTerminated
		}
	}
}
