// Package audit keeps an append-only, TTL-bounded event log per group and
// instance. Desired-count changes are audited before they are applied so a
// replay can reconstruct cause and effect.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mediainfra/fleet-autoscaler/pkg/apierr"
	"github.com/mediainfra/fleet-autoscaler/pkg/model"
	"github.com/mediainfra/fleet-autoscaler/pkg/store"
)

// groupScope is the pseudo instance id for group-level events.
const groupScope = "group"

// Event is one audit log entry. At most one of the payload pointers is set,
// matching the event type.
type Event struct {
	Timestamp  int64     `json:"timestamp"`
	Type       EventType `json:"type"`
	InstanceID string    `json:"instanceId,omitempty"`

	State            *model.InstanceState     `json:"state,omitempty"`
	AutoscalerAction *AutoscalerActionPayload `json:"autoscalerAction,omitempty"`
	LauncherAction   *LauncherActionPayload   `json:"launcherAction,omitempty"`
	Detail           string                   `json:"detail,omitempty"`
}

// InstanceAuditRecord folds a single instance's events, keeping the most
// recent timestamp of each kind.
type InstanceAuditRecord struct {
	InstanceID           string `json:"instanceId"`
	RequestToLaunch      *Event `json:"requestToLaunch,omitempty"`
	LatestStatus         *Event `json:"latestStatus,omitempty"`
	RequestToTerminate   *Event `json:"requestToTerminate,omitempty"`
	ShutdownConfirmation *Event `json:"shutdownConfirmation,omitempty"`
	Reconfigure          *Event `json:"reconfigure,omitempty"`
	UnsetReconfigure     *Event `json:"unsetReconfigure,omitempty"`
}

// GroupAuditRecord carries the group-scoped events alongside the per-instance
// records.
type GroupAuditRecord struct {
	Group             string                `json:"group"`
	LastAutoScalerRun *Event                `json:"lastAutoScalerRun,omitempty"`
	LastLauncherRun   *Event                `json:"lastLauncherRun,omitempty"`
	AutoscalerAction  *Event                `json:"autoscalerAction,omitempty"`
	LauncherAction    *Event                `json:"launcherAction,omitempty"`
	Instances         []InstanceAuditRecord `json:"instances"`
}

// Manager writes and folds audit events. Storage is delegated to the
// InstanceStore; each entry carries the configured TTL.
type Manager struct {
	store  store.Store
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewManager creates an audit manager.
func NewManager(s store.Store, ttl time.Duration, logger *zap.Logger) *Manager {
	return &Manager{store: s, ttl: ttl, logger: logger.Sugar().Named("audit")}
}

func auditKey(group, scope string, kind EventType) string {
	return fmt.Sprintf("audit:%s:%s:%s", group, scope, kind)
}

func auditPrefix(group string) string {
	return fmt.Sprintf("audit:%s:", group)
}

func (m *Manager) write(ctx context.Context, group, scope string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return apierr.NewStoreError("marshal", auditKey(group, scope, event.Type), err)
	}
	return m.store.SetValue(ctx, auditKey(group, scope, event.Type), string(data), m.ttl)
}

// UpdateLastAutoScalerRun stamps the group's last autoscaler pass.
func (m *Manager) UpdateLastAutoScalerRun(ctx context.Context, group string) error {
	return m.write(ctx, group, groupScope, Event{
		Timestamp: time.Now().UnixMilli(),
		Type:      EventLastAutoScalerRun,
	})
}

// UpdateLastLauncherRun stamps the group's last launcher pass.
func (m *Manager) UpdateLastLauncherRun(ctx context.Context, group string) error {
	return m.write(ctx, group, groupScope, Event{
		Timestamp: time.Now().UnixMilli(),
		Type:      EventLastLauncherRun,
	})
}

// SaveLatestStatus records the most recent side-car report for an instance.
func (m *Manager) SaveLatestStatus(ctx context.Context, group string, state *model.InstanceState) error {
	return m.write(ctx, group, state.InstanceID, Event{
		Timestamp:  state.Timestamp,
		Type:       EventLatestStatus,
		InstanceID: state.InstanceID,
		State:      state,
	})
}

// SaveLaunchEvents records a launch request per instance.
func (m *Manager) SaveLaunchEvents(ctx context.Context, group string, instanceIDs []string) error {
	now := time.Now().UnixMilli()
	for _, id := range instanceIDs {
		if err := m.write(ctx, group, id, Event{
			Timestamp:  now,
			Type:       EventRequestToLaunch,
			InstanceID: id,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SaveShutdownEvents records a termination request per instance.
func (m *Manager) SaveShutdownEvents(ctx context.Context, group string, instanceIDs []string) error {
	now := time.Now().UnixMilli()
	for _, id := range instanceIDs {
		if err := m.write(ctx, group, id, Event{
			Timestamp:  now,
			Type:       EventRequestToTerminate,
			InstanceID: id,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SaveShutdownConfirmationEvent records a side-car's shutdown confirmation.
func (m *Manager) SaveShutdownConfirmationEvent(ctx context.Context, group, instanceID, confirmation string) error {
	return m.write(ctx, group, instanceID, Event{
		Timestamp:  time.Now().UnixMilli(),
		Type:       EventShutdownConfirmation,
		InstanceID: instanceID,
		Detail:     confirmation,
	})
}

// SaveReconfigureEvents records a reconfigure request per instance.
func (m *Manager) SaveReconfigureEvents(ctx context.Context, group string, instanceIDs []string, date string) error {
	now := time.Now().UnixMilli()
	for _, id := range instanceIDs {
		if err := m.write(ctx, group, id, Event{
			Timestamp:  now,
			Type:       EventReconfigure,
			InstanceID: id,
			Detail:     date,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SaveUnsetReconfigureEvent records the completion of a reconfigure.
func (m *Manager) SaveUnsetReconfigureEvent(ctx context.Context, group, instanceID string) error {
	return m.write(ctx, group, instanceID, Event{
		Timestamp:  time.Now().UnixMilli(),
		Type:       EventUnsetReconfigure,
		InstanceID: instanceID,
	})
}

// SaveAutoScalerAction records a desired-count change with its metric window.
func (m *Manager) SaveAutoScalerAction(ctx context.Context, group string, payload AutoscalerActionPayload) error {
	m.logger.Infow("autoscaler action",
		"group", group,
		"actionType", payload.ActionType,
		"oldDesiredCount", payload.OldDesiredCount,
		"newDesiredCount", payload.NewDesiredCount)
	return m.write(ctx, group, groupScope, Event{
		Timestamp:        payload.Timestamp,
		Type:             EventAutoScalerAction,
		AutoscalerAction: &payload,
	})
}

// SaveLauncherAction records a launcher reconcile action.
func (m *Manager) SaveLauncherAction(ctx context.Context, group string, payload LauncherActionPayload) error {
	m.logger.Infow("launcher action",
		"group", group,
		"actionType", payload.ActionType,
		"count", payload.Count,
		"desiredCount", payload.DesiredCount)
	return m.write(ctx, group, groupScope, Event{
		Timestamp:      payload.Timestamp,
		Type:           EventLauncherAction,
		LauncherAction: &payload,
	})
}

// GenerateAudit returns the group's live audit events folded per instance,
// with each instance's events applied in ascending timestamp order so the
// most recent of each kind wins.
func (m *Manager) GenerateAudit(ctx context.Context, group string) (*GroupAuditRecord, error) {
	values, err := m.store.ListValues(ctx, auditPrefix(group))
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(values))
	for _, value := range values {
		var event Event
		if err := json.Unmarshal([]byte(value), &event); err != nil {
			m.logger.Warnw("skipping unreadable audit entry", "group", group, "error", err)
			continue
		}
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })

	record := &GroupAuditRecord{Group: group}
	byInstance := make(map[string]*InstanceAuditRecord)
	var order []string

	for i := range events {
		event := events[i]
		switch event.Type {
		case EventLastAutoScalerRun:
			record.LastAutoScalerRun = &events[i]
			continue
		case EventLastLauncherRun:
			record.LastLauncherRun = &events[i]
			continue
		case EventAutoScalerAction:
			record.AutoscalerAction = &events[i]
			continue
		case EventLauncherAction:
			record.LauncherAction = &events[i]
			continue
		}

		if event.InstanceID == "" {
			continue
		}
		instance, ok := byInstance[event.InstanceID]
		if !ok {
			instance = &InstanceAuditRecord{InstanceID: event.InstanceID}
			byInstance[event.InstanceID] = instance
			order = append(order, event.InstanceID)
		}
		switch event.Type {
		case EventRequestToLaunch:
			instance.RequestToLaunch = &events[i]
		case EventLatestStatus:
			instance.LatestStatus = &events[i]
		case EventRequestToTerminate:
			instance.RequestToTerminate = &events[i]
		case EventShutdownConfirmation:
			instance.ShutdownConfirmation = &events[i]
		case EventReconfigure:
			instance.Reconfigure = &events[i]
		case EventUnsetReconfigure:
			instance.UnsetReconfigure = &events[i]
		}
	}

	sort.Strings(order)
	for _, id := range order {
		record.Instances = append(record.Instances, *byInstance[id])
	}
	return record, nil
}
