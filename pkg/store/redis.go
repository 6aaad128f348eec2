package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// scanCount bounds how many keys or hash fields one SCAN round trip returns.
const scanCount = 100

// RedisStore is the durable profile, shared by all control-plane replicas.
// Per-group instance states live in one hash; markers and metric samples
// are plain keys with server-side TTLs.
type RedisStore struct {
	client redis.UniversalClient
	ttls   TTLConfig
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store on an existing client.
func NewRedisStore(client redis.UniversalClient, ttls TTLConfig) *RedisStore {
	return &RedisStore{client: client, ttls: ttls}
}

// scanKeys walks the keyspace under a prefix with a bounded cursor.
func (s *RedisStore) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanCount).Result()
		if err != nil {
			return nil, apierr.NewStoreError("scan", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// mgetStrings fetches many keys in bounded chunks; missing keys come back
// as empty strings in position.
func (s *RedisStore) mgetStrings(ctx context.Context, keys []string) ([]string, error) {
	values := make([]string, 0, len(keys))
	for _, chunk := range lo.Chunk(keys, scanCount) {
		raw, err := s.client.MGet(ctx, chunk...).Result()
		if err != nil {
			return nil, apierr.NewStoreError("mget", chunk[0], err)
		}
		for _, item := range raw {
			if item == nil {
				values = append(values, "")
				continue
			}
			values = append(values, item.(string))
		}
	}
	return values, nil
}

func (s *RedisStore) GetInstanceGroup(ctx context.Context, name string) (*model.InstanceGroup, error) {
	raw, err := s.client.Get(ctx, GroupKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apierr.NewNotFound("group", name)
	}
	if err != nil {
		return nil, apierr.NewStoreError("get", GroupKey(name), err)
	}
	var group model.InstanceGroup
	if err := json.Unmarshal([]byte(raw), &group); err != nil {
		return nil, apierr.NewStoreError("unmarshal", GroupKey(name), err)
	}
	return &group, nil
}

func (s *RedisStore) UpsertInstanceGroup(ctx context.Context, group *model.InstanceGroup) error {
	data, err := json.Marshal(group)
	if err != nil {
		return apierr.NewStoreError("marshal", GroupKey(group.Name), err)
	}
	if err := s.client.Set(ctx, GroupKey(group.Name), data, 0).Err(); err != nil {
		return apierr.NewStoreError("set", GroupKey(group.Name), err)
	}
	return nil
}

func (s *RedisStore) DeleteInstanceGroup(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, GroupKey(name)).Err(); err != nil {
		return apierr.NewStoreError("del", GroupKey(name), err)
	}
	return nil
}

func (s *RedisStore) GetAllInstanceGroupNames(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, groupKeyPrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, key[len(groupKeyPrefix):])
	}
	return names, nil
}

func (s *RedisStore) GetAllInstanceGroups(ctx context.Context) ([]*model.InstanceGroup, error) {
	keys, err := s.scanKeys(ctx, groupKeyPrefix)
	if err != nil {
		return nil, err
	}
	raw, err := s.mgetStrings(ctx, keys)
	if err != nil {
		return nil, err
	}
	groups := make([]*model.InstanceGroup, 0, len(raw))
	for i, item := range raw {
		if item == "" {
			continue
		}
		var group model.InstanceGroup
		if err := json.Unmarshal([]byte(item), &group); err != nil {
			return nil, apierr.NewStoreError("unmarshal", keys[i], err)
		}
		groups = append(groups, &group)
	}
	return groups, nil
}

func (s *RedisStore) ExistsAtLeastOneGroup(ctx context.Context) (bool, error) {
	// One bounded SCAN round trip is enough: any match proves existence.
	batch, cursor, err := s.client.Scan(ctx, 0, groupKeyPrefix+"*", 1).Result()
	if err != nil {
		return false, apierr.NewStoreError("scan", groupKeyPrefix, err)
	}
	for len(batch) == 0 && cursor != 0 {
		batch, cursor, err = s.client.Scan(ctx, cursor, groupKeyPrefix+"*", scanCount).Result()
		if err != nil {
			return false, apierr.NewStoreError("scan", groupKeyPrefix, err)
		}
	}
	return len(batch) > 0, nil
}

func (s *RedisStore) FetchInstanceStates(ctx context.Context, group string) ([]*model.InstanceState, error) {
	var states []*model.InstanceState
	var cursor uint64
	for {
		batch, next, err := s.client.HScan(ctx, StatusKey(group), cursor, "*", scanCount).Result()
		if err != nil {
			return nil, apierr.NewStoreError("hscan", StatusKey(group), err)
		}
		// HSCAN yields alternating field, value pairs.
		for i := 1; i < len(batch); i += 2 {
			var state model.InstanceState
			if err := json.Unmarshal([]byte(batch[i]), &state); err != nil {
				return nil, apierr.NewStoreError("unmarshal", StatusKey(group), err)
			}
			states = append(states, &state)
		}
		cursor = next
		if cursor == 0 {
			return states, nil
		}
	}
}

func (s *RedisStore) SaveInstanceStatus(ctx context.Context, group string, state *model.InstanceState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return apierr.NewStoreError("marshal", StatusKey(group), err)
	}
	if err := s.client.HSet(ctx, StatusKey(group), state.InstanceID, data).Err(); err != nil {
		return apierr.NewStoreError("hset", StatusKey(group), err)
	}
	return nil
}

func (s *RedisStore) FilterOutAndTrimExpiredStates(ctx context.Context, group string, states []*model.InstanceState) ([]*model.InstanceState, error) {
	valid, expired := partitionExpired(s.ttls, states, time.Now())
	if len(expired) > 0 {
		fields := make([]string, 0, len(expired))
		for _, state := range expired {
			fields = append(fields, state.InstanceID)
		}
		if err := s.client.HDel(ctx, StatusKey(group), fields...).Err(); err != nil {
			return nil, apierr.NewStoreError("hdel", StatusKey(group), err)
		}
	}
	return valid, nil
}

func (s *RedisStore) WriteInstanceMetric(ctx context.Context, group string, metric model.InstanceMetric) error {
	data, err := json.Marshal(metric)
	if err != nil {
		return apierr.NewStoreError("marshal", MetricPrefix(group), err)
	}
	key := MetricKey(group, metric.InstanceID, metric.Timestamp)
	if err := s.client.Set(ctx, key, data, s.ttls.MetricTTL).Err(); err != nil {
		return apierr.NewStoreError("set", key, err)
	}
	return nil
}

func (s *RedisStore) GetInstanceMetrics(ctx context.Context, group string) ([]model.InstanceMetric, error) {
	keys, err := s.scanKeys(ctx, MetricPrefix(group))
	if err != nil {
		return nil, err
	}
	raw, err := s.mgetStrings(ctx, keys)
	if err != nil {
		return nil, err
	}
	metrics := make([]model.InstanceMetric, 0, len(raw))
	for i, item := range raw {
		if item == "" {
			// Expired between SCAN and MGET.
			continue
		}
		var metric model.InstanceMetric
		if err := json.Unmarshal([]byte(item), &metric); err != nil {
			return nil, apierr.NewStoreError("unmarshal", keys[i], err)
		}
		metrics = append(metrics, metric)
	}
	return metrics, nil
}

func (s *RedisStore) SetShutdownStatuses(ctx context.Context, instanceIDs []string, ttl time.Duration) error {
	for _, id := range instanceIDs {
		if err := s.client.Set(ctx, ShutdownKey(id), shutdownMarkerValue, ttl).Err(); err != nil {
			return apierr.NewStoreError("set", ShutdownKey(id), err)
		}
	}
	return nil
}

func (s *RedisStore) GetShutdownStatus(ctx context.Context, instanceID string) (bool, error) {
	count, err := s.client.Exists(ctx, ShutdownKey(instanceID)).Result()
	if err != nil {
		return false, apierr.NewStoreError("exists", ShutdownKey(instanceID), err)
	}
	return count > 0, nil
}

func (s *RedisStore) GetShutdownStatuses(ctx context.Context, instanceIDs []string) ([]bool, error) {
	keys := make([]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		keys = append(keys, ShutdownKey(id))
	}
	values, err := s.mgetStrings(ctx, keys)
	if err != nil {
		return nil, err
	}
	statuses := make([]bool, len(values))
	for i, value := range values {
		statuses[i] = value != ""
	}
	return statuses, nil
}

func (s *RedisStore) SetShutdownConfirmations(ctx context.Context, instanceIDs []string, confirmation string, ttl time.Duration) error {
	for _, id := range instanceIDs {
		if err := s.client.Set(ctx, ShutdownConfirmationKey(id), confirmation, ttl).Err(); err != nil {
			return apierr.NewStoreError("set", ShutdownConfirmationKey(id), err)
		}
	}
	return nil
}

func (s *RedisStore) GetShutdownConfirmation(ctx context.Context, instanceID string) (string, error) {
	raw, err := s.client.Get(ctx, ShutdownConfirmationKey(instanceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", apierr.NewStoreError("get", ShutdownConfirmationKey(instanceID), err)
	}
	return raw, nil
}

func (s *RedisStore) GetShutdownConfirmations(ctx context.Context, instanceIDs []string) ([]string, error) {
	keys := make([]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		keys = append(keys, ShutdownConfirmationKey(id))
	}
	return s.mgetStrings(ctx, keys)
}

func (s *RedisStore) SetScaleDownProtected(ctx context.Context, instanceID, mode string, ttl time.Duration) error {
	if err := s.client.Set(ctx, ProtectedKey(instanceID), mode, ttl).Err(); err != nil {
		return apierr.NewStoreError("set", ProtectedKey(instanceID), err)
	}
	return nil
}

func (s *RedisStore) AreScaleDownProtected(ctx context.Context, instanceIDs []string) ([]bool, error) {
	keys := make([]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		keys = append(keys, ProtectedKey(id))
	}
	values, err := s.mgetStrings(ctx, keys)
	if err != nil {
		return nil, err
	}
	protected := make([]bool, len(values))
	for i, value := range values {
		protected[i] = value != ""
	}
	return protected, nil
}

func (s *RedisStore) SetReconfigureDates(ctx context.Context, instanceIDs []string, date string, ttl time.Duration) error {
	for _, id := range instanceIDs {
		if err := s.client.Set(ctx, ReconfigureKey(id), date, ttl).Err(); err != nil {
			return apierr.NewStoreError("set", ReconfigureKey(id), err)
		}
	}
	return nil
}

func (s *RedisStore) UnsetReconfigureDate(ctx context.Context, instanceID string) error {
	if err := s.client.Del(ctx, ReconfigureKey(instanceID)).Err(); err != nil {
		return apierr.NewStoreError("del", ReconfigureKey(instanceID), err)
	}
	return nil
}

func (s *RedisStore) GetReconfigureDate(ctx context.Context, instanceID string) (string, error) {
	raw, err := s.client.Get(ctx, ReconfigureKey(instanceID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", apierr.NewStoreError("get", ReconfigureKey(instanceID), err)
	}
	return raw, nil
}

func (s *RedisStore) GetReconfigureDates(ctx context.Context, instanceIDs []string) ([]string, error) {
	keys := make([]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		keys = append(keys, ReconfigureKey(id))
	}
	return s.mgetStrings(ctx, keys)
}

func (s *RedisStore) SetValue(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return apierr.NewStoreError("set", key, err)
	}
	return nil
}

func (s *RedisStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apierr.NewStoreError("get", key, err)
	}
	return raw, true, nil
}

func (s *RedisStore) CheckValue(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, apierr.NewStoreError("exists", key, err)
	}
	return count > 0, nil
}

func (s *RedisStore) DeleteValue(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return apierr.NewStoreError("del", key, err)
	}
	return nil
}

func (s *RedisStore) ListValues(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.scanKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	values, err := s.mgetStrings(ctx, keys)
	if err != nil {
		return nil, err
	}
	live := values[:0]
	for _, value := range values {
		if value != "" {
			live = append(live, value)
		}
	}
	return live, nil
}
