package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
)

// LocalManager is the single-replica profile: in-process locks with the
// same TTL expiry semantics as the Redis profile, so a handler that dies
// without releasing does not wedge the group forever.
type LocalManager struct {
	mu     sync.Mutex
	held   map[string]localEntry
	config Config
}

type localEntry struct {
	token     string
	expiresAt time.Time
}

var _ Manager = (*LocalManager)(nil)

// NewLocalManager creates an in-process lock manager.
func NewLocalManager(config Config) *LocalManager {
	return &LocalManager{
		held:   make(map[string]localEntry),
		config: config,
	}
}

type localLock struct {
	manager *LocalManager
	key     string
	token   string
}

func (l *localLock) Release(_ context.Context) error {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()
	if entry, ok := l.manager.held[l.key]; ok && entry.token == l.token {
		delete(l.manager.held, l.key)
	}
	return nil
}

// LockGroup takes the per-group lock or fails with ErrLockUnavailable.
func (m *LocalManager) LockGroup(_ context.Context, group string) (Lock, error) {
	return m.tryLock(groupLockPrefix+group, m.config.GroupLockTTL)
}

// LockJobCreation takes the producer lock or fails with ErrLockUnavailable.
func (m *LocalManager) LockJobCreation(_ context.Context) (Lock, error) {
	return m.tryLock(jobCreationLockKey, m.config.JobCreationLockTTL)
}

func (m *LocalManager) tryLock(key string, ttl time.Duration) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if entry, ok := m.held[key]; ok && entry.expiresAt.After(now) {
		return nil, apierr.ErrLockUnavailable
	}

	token := uuid.New().String()
	m.held[key] = localEntry{token: token, expiresAt: now.Add(ttl)}
	return &localLock{manager: m, key: key, token: token}, nil
}
