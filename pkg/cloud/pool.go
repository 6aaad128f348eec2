package cloud

import (
	"context"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// PoolAPI is the provider surface of pool-style clouds: no per-instance
// launch call, only a target size and a listing.
type PoolAPI interface {
	GetPoolSize(ctx context.Context, group *model.InstanceGroup) (int, error)
	SetPoolSize(ctx context.Context, group *model.InstanceGroup, size int) error
	ListPool(ctx context.Context, group *model.InstanceGroup) ([]model.CloudInstance, error)
}

// PoolManager adapts a PoolAPI to the InstanceManager contract. New instance
// ids are discovered by diffing the pool listing before and after the size
// change.
type PoolManager struct {
	cloud string
	api   PoolAPI
}

// NewPoolManager creates a pool adapter for the named cloud.
func NewPoolManager(cloud string, api PoolAPI) *PoolManager {
	return &PoolManager{cloud: cloud, api: api}
}

// LaunchInstances grows the pool by quantity and reports the newly attached
// ids. When the provider attaches fewer instances than requested, the
// shortfall is reported as failed attempts.
func (m *PoolManager) LaunchInstances(ctx context.Context, group *model.InstanceGroup, currentCount, quantity int) []LaunchResult {
	if quantity <= 0 {
		return nil
	}
	fail := func(err error) []LaunchResult {
		results := make([]LaunchResult, quantity)
		for i := range results {
			results[i] = LaunchResult{Err: err}
		}
		return results
	}

	before, err := m.api.ListPool(ctx, group)
	if err != nil {
		return fail(apierr.NewCloudError(m.cloud, "list pool", err))
	}
	size, err := m.api.GetPoolSize(ctx, group)
	if err != nil {
		return fail(apierr.NewCloudError(m.cloud, "get pool size", err))
	}
	if err := m.api.SetPoolSize(ctx, group, size+quantity); err != nil {
		return fail(apierr.NewCloudError(m.cloud, "set pool size", err))
	}
	after, err := m.api.ListPool(ctx, group)
	if err != nil {
		return fail(apierr.NewCloudError(m.cloud, "list pool", err))
	}

	known := make(map[string]bool, len(before))
	for _, instance := range before {
		known[instance.InstanceID] = true
	}

	results := make([]LaunchResult, 0, quantity)
	for _, instance := range after {
		if len(results) == quantity {
			break
		}
		if !known[instance.InstanceID] {
			results = append(results, LaunchResult{InstanceID: instance.InstanceID})
		}
	}
	for len(results) < quantity {
		results = append(results, LaunchResult{
			Err: apierr.NewCloudError(m.cloud, "pool grew short of requested size", nil),
		})
	}
	return results
}

// GetInstances lists the pool.
func (m *PoolManager) GetInstances(ctx context.Context, group *model.InstanceGroup) ([]model.CloudInstance, error) {
	instances, err := m.api.ListPool(ctx, group)
	if err != nil {
		return nil, apierr.NewCloudError(m.cloud, "list pool", err)
	}
	return instances, nil
}
