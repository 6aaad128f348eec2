package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// MemoryStore is the in-process profile: a hierarchical TTL cache with the
// same key layout as the Redis profile. Used when a single replica runs,
// and as the substrate for component tests.
type MemoryStore struct {
	cache *gocache.Cache
	ttls  TTLConfig
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-process store. The janitor compacts expired
// entries every minute.
func NewMemoryStore(ttls TTLConfig) *MemoryStore {
	return &MemoryStore{
		cache: gocache.New(gocache.NoExpiration, time.Minute),
		ttls:  ttls,
	}
}

func ttlOrNone(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func (s *MemoryStore) memberStatusKey(group, instanceID string) string {
	return StatusKey(group) + ":" + instanceID
}

// keysWithPrefix returns live keys under a prefix, sorted for determinism.
func (s *MemoryStore) keysWithPrefix(prefix string) []string {
	var keys []string
	for key := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *MemoryStore) GetInstanceGroup(_ context.Context, name string) (*model.InstanceGroup, error) {
	raw, found := s.cache.Get(GroupKey(name))
	if !found {
		return nil, apierr.NewNotFound("group", name)
	}
	var group model.InstanceGroup
	if err := json.Unmarshal([]byte(raw.(string)), &group); err != nil {
		return nil, apierr.NewStoreError("unmarshal", GroupKey(name), err)
	}
	return &group, nil
}

func (s *MemoryStore) UpsertInstanceGroup(_ context.Context, group *model.InstanceGroup) error {
	data, err := json.Marshal(group)
	if err != nil {
		return apierr.NewStoreError("marshal", GroupKey(group.Name), err)
	}
	s.cache.Set(GroupKey(group.Name), string(data), gocache.NoExpiration)
	return nil
}

func (s *MemoryStore) DeleteInstanceGroup(_ context.Context, name string) error {
	s.cache.Delete(GroupKey(name))
	return nil
}

func (s *MemoryStore) GetAllInstanceGroupNames(_ context.Context) ([]string, error) {
	keys := s.keysWithPrefix(groupKeyPrefix)
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, groupKeyPrefix))
	}
	return names, nil
}

func (s *MemoryStore) GetAllInstanceGroups(ctx context.Context) ([]*model.InstanceGroup, error) {
	names, err := s.GetAllInstanceGroupNames(ctx)
	if err != nil {
		return nil, err
	}
	groups := make([]*model.InstanceGroup, 0, len(names))
	for _, name := range names {
		group, err := s.GetInstanceGroup(ctx, name)
		if apierr.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (s *MemoryStore) ExistsAtLeastOneGroup(ctx context.Context) (bool, error) {
	names, err := s.GetAllInstanceGroupNames(ctx)
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

func (s *MemoryStore) FetchInstanceStates(_ context.Context, group string) ([]*model.InstanceState, error) {
	prefix := StatusKey(group) + ":"
	var states []*model.InstanceState
	for _, key := range s.keysWithPrefix(prefix) {
		raw, found := s.cache.Get(key)
		if !found {
			continue
		}
		var state model.InstanceState
		if err := json.Unmarshal([]byte(raw.(string)), &state); err != nil {
			return nil, apierr.NewStoreError("unmarshal", key, err)
		}
		states = append(states, &state)
	}
	return states, nil
}

func (s *MemoryStore) SaveInstanceStatus(_ context.Context, group string, state *model.InstanceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return apierr.NewStoreError("marshal", s.memberStatusKey(group, state.InstanceID), err)
	}
	s.cache.Set(s.memberStatusKey(group, state.InstanceID), string(data), gocache.NoExpiration)
	return nil
}

func (s *MemoryStore) FilterOutAndTrimExpiredStates(_ context.Context, group string, states []*model.InstanceState) ([]*model.InstanceState, error) {
	valid, expired := partitionExpired(s.ttls, states, time.Now())
	for _, state := range expired {
		s.cache.Delete(s.memberStatusKey(group, state.InstanceID))
	}
	return valid, nil
}

func (s *MemoryStore) WriteInstanceMetric(_ context.Context, group string, metric model.InstanceMetric) error {
	data, err := json.Marshal(metric)
	if err != nil {
		return apierr.NewStoreError("marshal", MetricPrefix(group), err)
	}
	key := MetricKey(group, metric.InstanceID, metric.Timestamp)
	s.cache.Set(key, string(data), ttlOrNone(s.ttls.MetricTTL))
	return nil
}

func (s *MemoryStore) GetInstanceMetrics(_ context.Context, group string) ([]model.InstanceMetric, error) {
	var metrics []model.InstanceMetric
	for _, key := range s.keysWithPrefix(MetricPrefix(group)) {
		raw, found := s.cache.Get(key)
		if !found {
			continue
		}
		var metric model.InstanceMetric
		if err := json.Unmarshal([]byte(raw.(string)), &metric); err != nil {
			return nil, apierr.NewStoreError("unmarshal", key, err)
		}
		metrics = append(metrics, metric)
	}
	return metrics, nil
}

func (s *MemoryStore) SetShutdownStatuses(_ context.Context, instanceIDs []string, ttl time.Duration) error {
	for _, id := range instanceIDs {
		s.cache.Set(ShutdownKey(id), shutdownMarkerValue, ttlOrNone(ttl))
	}
	return nil
}

func (s *MemoryStore) GetShutdownStatus(_ context.Context, instanceID string) (bool, error) {
	_, found := s.cache.Get(ShutdownKey(instanceID))
	return found, nil
}

func (s *MemoryStore) GetShutdownStatuses(ctx context.Context, instanceIDs []string) ([]bool, error) {
	statuses := make([]bool, len(instanceIDs))
	for i, id := range instanceIDs {
		status, err := s.GetShutdownStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		statuses[i] = status
	}
	return statuses, nil
}

func (s *MemoryStore) SetShutdownConfirmations(_ context.Context, instanceIDs []string, confirmation string, ttl time.Duration) error {
	for _, id := range instanceIDs {
		s.cache.Set(ShutdownConfirmationKey(id), confirmation, ttlOrNone(ttl))
	}
	return nil
}

func (s *MemoryStore) GetShutdownConfirmation(_ context.Context, instanceID string) (string, error) {
	raw, found := s.cache.Get(ShutdownConfirmationKey(instanceID))
	if !found {
		return "", nil
	}
	return raw.(string), nil
}

func (s *MemoryStore) GetShutdownConfirmations(ctx context.Context, instanceIDs []string) ([]string, error) {
	confirmations := make([]string, len(instanceIDs))
	for i, id := range instanceIDs {
		confirmation, err := s.GetShutdownConfirmation(ctx, id)
		if err != nil {
			return nil, err
		}
		confirmations[i] = confirmation
	}
	return confirmations, nil
}

func (s *MemoryStore) SetScaleDownProtected(_ context.Context, instanceID, mode string, ttl time.Duration) error {
	s.cache.Set(ProtectedKey(instanceID), mode, ttlOrNone(ttl))
	return nil
}

func (s *MemoryStore) AreScaleDownProtected(_ context.Context, instanceIDs []string) ([]bool, error) {
	protected := make([]bool, len(instanceIDs))
	for i, id := range instanceIDs {
		_, found := s.cache.Get(ProtectedKey(id))
		protected[i] = found
	}
	return protected, nil
}

func (s *MemoryStore) SetReconfigureDates(_ context.Context, instanceIDs []string, date string, ttl time.Duration) error {
	for _, id := range instanceIDs {
		s.cache.Set(ReconfigureKey(id), date, ttlOrNone(ttl))
	}
	return nil
}

func (s *MemoryStore) UnsetReconfigureDate(_ context.Context, instanceID string) error {
	s.cache.Delete(ReconfigureKey(instanceID))
	return nil
}

func (s *MemoryStore) GetReconfigureDate(_ context.Context, instanceID string) (string, error) {
	raw, found := s.cache.Get(ReconfigureKey(instanceID))
	if !found {
		return "", nil
	}
	return raw.(string), nil
}

func (s *MemoryStore) GetReconfigureDates(ctx context.Context, instanceIDs []string) ([]string, error) {
	dates := make([]string, len(instanceIDs))
	for i, id := range instanceIDs {
		date, err := s.GetReconfigureDate(ctx, id)
		if err != nil {
			return nil, err
		}
		dates[i] = date
	}
	return dates, nil
}

func (s *MemoryStore) SetValue(_ context.Context, key, value string, ttl time.Duration) error {
	s.cache.Set(key, value, ttlOrNone(ttl))
	return nil
}

func (s *MemoryStore) GetValue(_ context.Context, key string) (string, bool, error) {
	raw, found := s.cache.Get(key)
	if !found {
		return "", false, nil
	}
	return raw.(string), true, nil
}

func (s *MemoryStore) CheckValue(_ context.Context, key string) (bool, error) {
	_, found := s.cache.Get(key)
	return found, nil
}

func (s *MemoryStore) DeleteValue(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *MemoryStore) ListValues(_ context.Context, prefix string) ([]string, error) {
	var values []string
	for _, key := range s.keysWithPrefix(prefix) {
		raw, found := s.cache.Get(key)
		if !found {
			continue
		}
		values = append(values, raw.(string))
	}
	return values, nil
}
