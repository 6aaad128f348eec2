// Package cloud holds the provider adapter contract and the scaling manager
// built on top of it. Adapters only launch and enumerate; shutdown is marker
// based and never calls the provider directly.
package cloud

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// RetryStrategy bounds an adapter's enumeration retries.
type RetryStrategy struct {
	MaxTimeInSeconds     int
	MaxDelayInSeconds    int
	RetryableStatusCodes []int
}

// DefaultRetryStrategy returns the enumeration retry policy used when none is
// configured.
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxTimeInSeconds:     30,
		MaxDelayInSeconds:    5,
		RetryableStatusCodes: []int{429, 500, 502, 503, 504},
	}
}

// LaunchResult is one attempted launch: either a new instance id or the
// failure that prevented it.
type LaunchResult struct {
	InstanceID string
	Err        error
}

// OK reports whether the attempt produced an instance.
func (r LaunchResult) OK() bool { return r.Err == nil && r.InstanceID != "" }

// InstanceManager is the per-provider capability. LaunchInstances returns one
// result per attempted launch; failures never abort partial successes.
// GetInstances enumerates everything the provider still knows about,
// including terminated instances; callers filter.
type InstanceManager interface {
	LaunchInstances(ctx context.Context, group *model.InstanceGroup, currentCount, quantity int) []LaunchResult
	GetInstances(ctx context.Context, group *model.InstanceGroup) ([]model.CloudInstance, error)
}

// Selector routes a group to the adapter registered for its cloud.
type Selector struct {
	managers map[string]InstanceManager
}

// NewSelector creates an empty selector.
func NewSelector() *Selector {
	return &Selector{managers: make(map[string]InstanceManager)}
}

// Register binds an adapter to a cloud name.
func (s *Selector) Register(cloud string, manager InstanceManager) {
	s.managers[cloud] = manager
}

// ForGroup returns the adapter for a group's cloud.
func (s *Selector) ForGroup(group *model.InstanceGroup) (InstanceManager, error) {
	manager, ok := s.managers[group.Cloud]
	if !ok {
		return nil, apierr.NewNotFound("cloud adapter", group.Cloud)
	}
	return manager, nil
}

// EnumerateWithRetry calls GetInstances under the retry strategy. Adapters
// stay retry-free; every caller that tolerates transient provider errors goes
// through here. The strategy's max time bounds the whole call, its max delay
// caps the backoff between attempts.
func EnumerateWithRetry(ctx context.Context, manager InstanceManager, group *model.InstanceGroup, strategy RetryStrategy) ([]model.CloudInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(strategy.MaxTimeInSeconds)*time.Second)
	defer cancel()

	attempts := 1
	if strategy.MaxDelayInSeconds > 0 {
		attempts = strategy.MaxTimeInSeconds / strategy.MaxDelayInSeconds
	}
	if attempts < 1 {
		attempts = 1
	}

	var instances []model.CloudInstance
	err := retry.Do(
		func() error {
			var err error
			instances, err = manager.GetInstances(ctx, group)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.MaxDelay(time.Duration(strategy.MaxDelayInSeconds)*time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, apierr.NewCloudError(group.Cloud, "enumerate instances", err)
	}
	return instances, nil
}

// FilterTerminated drops provider entries that are already terminated.
func FilterTerminated(instances []model.CloudInstance) []model.CloudInstance {
	alive := make([]model.CloudInstance, 0, len(instances))
	for _, instance := range instances {
		if instance.CloudStatus != model.CloudStatusTerminated {
			alive = append(alive, instance)
		}
	}
	return alive
}
