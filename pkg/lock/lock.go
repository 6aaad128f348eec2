// Package lock provides the distributed mutexes that serialize per-group
// processing and job production across control-plane replicas. Locks carry
// a TTL so a crashed holder releases by expiry.
package lock

import (
	"context"
	"time"
)

const (
	groupLockPrefix    = "lock:group:"
	jobCreationLockKey = "lock:jobCreation"
)

// Lock is a held mutex. Release is idempotent; releasing a lock that
// already expired is not an error.
type Lock interface {
	Release(ctx context.Context) error
}

// Manager hands out the two lock kinds the control plane uses. Acquisition
// failure surfaces as apierr.ErrLockUnavailable and means "skip this cycle";
// callers never retry inside the same call.
type Manager interface {
	// LockGroup takes the exclusive per-group processing lock.
	LockGroup(ctx context.Context, group string) (Lock, error)

	// LockJobCreation takes the global producer lock so only one replica
	// creates job batches per interval.
	LockJobCreation(ctx context.Context) (Lock, error)
}

// Config sets the lock lifetimes.
type Config struct {
	GroupLockTTL       time.Duration
	JobCreationLockTTL time.Duration
}

// DefaultConfig returns the lock lifetimes used when none are configured.
func DefaultConfig() Config {
	return Config{
		GroupLockTTL:       180 * time.Second,
		JobCreationLockTTL: 60 * time.Second,
	}
}
