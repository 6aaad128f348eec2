package launcher

import (
	"context"
	"sort"

	"github.com/samber/lo"

	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// selectVictims picks the instances to mark for shutdown: the overage above
// max(min, desired), never a protected instance, ordered so the cheapest
// terminations go first.
func (l *Launcher) selectVictims(ctx context.Context, group *model.InstanceGroup, inventory []*model.InstanceState) ([]string, error) {
	opts := &group.ScalingOptions
	floor := opts.DesiredCount
	if opts.MinDesired > floor {
		floor = opts.MinDesired
	}
	quantity := len(inventory) - floor
	if quantity <= 0 {
		return nil, nil
	}

	ids := lo.Map(inventory, func(s *model.InstanceState, _ int) string { return s.InstanceID })
	protected, err := l.store.AreScaleDownProtected(ctx, ids)
	if err != nil {
		return nil, err
	}
	candidates := make([]*model.InstanceState, 0, len(inventory))
	for i, state := range inventory {
		if !protected[i] {
			candidates = append(candidates, state)
		}
	}

	var ordered []*model.InstanceState
	if group.Type.Family() == model.FamilyAvailability {
		ordered = orderAvailabilityVictims(candidates)
	} else {
		ordered = orderStressVictims(candidates)
	}

	if len(ordered) > quantity {
		ordered = ordered[:quantity]
	}
	if len(ordered) < quantity {
		l.logger.Warnw("fewer victims than requested",
			"group", group.Name, "requested", quantity, "selected", len(ordered))
	}
	return lo.Map(ordered, func(s *model.InstanceState, _ int) string { return s.InstanceID }), nil
}

// orderAvailabilityVictims prefers not to kill busy workers: side-car-less
// instances first, then idle, then expired, busy last.
func orderAvailabilityVictims(candidates []*model.InstanceState) []*model.InstanceState {
	var statusless, idle, expired, busy []*model.InstanceState
	for _, state := range candidates {
		status := state.Status.Availability
		switch {
		case state.Status.Provisioning || status == nil:
			statusless = append(statusless, state)
		case status.BusyStatus == model.BusyStatusIdle:
			idle = append(idle, state)
		case status.BusyStatus == model.BusyStatusExpired:
			expired = append(expired, state)
		default:
			busy = append(busy, state)
		}
	}
	ordered := make([]*model.InstanceState, 0, len(candidates))
	ordered = append(ordered, statusless...)
	ordered = append(ordered, idle...)
	ordered = append(ordered, expired...)
	ordered = append(ordered, busy...)
	return ordered
}

// orderStressVictims puts side-car-less instances first (cheapest to cancel),
// then running ones by load ascending.
func orderStressVictims(candidates []*model.InstanceState) []*model.InstanceState {
	statusless := lo.Filter(candidates, func(s *model.InstanceState, _ int) bool {
		return s.Status.Provisioning || (s.Status.Stress == nil && s.Status.Nomad == nil)
	})
	running := lo.Filter(candidates, func(s *model.InstanceState, _ int) bool {
		return !s.Status.Provisioning && (s.Status.Stress != nil || s.Status.Nomad != nil)
	})
	sort.SliceStable(running, func(i, j int) bool {
		return running[i].ScaleDownMetric() < running[j].ScaleDownMetric()
	})
	return append(statusless, running...)
}
