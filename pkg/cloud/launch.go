package cloud

import (
	"context"
	"sync"
)

// LaunchConcurrently runs one launch attempt per index in parallel and
// collects the results in index order. Adapters that can only create one
// instance per provider call build their LaunchInstances on this.
func LaunchConcurrently(ctx context.Context, quantity int, launch func(ctx context.Context, index int) (string, error)) []LaunchResult {
	if quantity <= 0 {
		return nil
	}
	results := make([]LaunchResult, quantity)
	var wg sync.WaitGroup
	for i := 0; i < quantity; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			id, err := launch(ctx, index)
			results[index] = LaunchResult{InstanceID: id, Err: err}
		}(i)
	}
	wg.Wait()
	return results
}

// Successes returns the instance ids of the launches that worked.
func Successes(results []LaunchResult) []string {
	ids := make([]string, 0, len(results))
	for _, result := range results {
		if result.OK() {
			ids = append(ids, result.InstanceID)
		}
	}
	return ids
}
