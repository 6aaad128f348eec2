package model

// GroupType identifies the worker role an instance group manages.
type GroupType string

const (
	GroupTypeRecorder      GroupType = "recorder"
	GroupTypeBridge        GroupType = "bridge"
	GroupTypeGateway       GroupType = "gateway"
	GroupTypeGenericStress GroupType = "generic-stress"
	GroupTypeAvailability  GroupType = "availability"
	GroupTypeNomad         GroupType = "nomad"
)

// MetricFamily selects how per-instance metrics are summarized and how
// scaling thresholds are interpreted. "Available" rises with slack while
// "stress" falls with slack, so threshold comparisons flip between them.
type MetricFamily string

const (
	// FamilyAvailability summarizes by summing per-instance means
	// (the metric is a count of idle workers).
	FamilyAvailability MetricFamily = "availability"

	// FamilyStress summarizes by averaging per-instance means
	// (the metric is a load level in [0,1]).
	FamilyStress MetricFamily = "stress"
)

// Family maps a group type onto its metric family.
func (t GroupType) Family() MetricFamily {
	switch t {
	case GroupTypeRecorder, GroupTypeAvailability:
		return FamilyAvailability
	default:
		return FamilyStress
	}
}

// ScalingOptions holds the per-group controller parameters.
//
// Invariant: MinDesired <= DesiredCount <= MaxDesired. SetDesiredCount
// clamps into range; all mutation paths go through it.
type ScalingOptions struct {
	MinDesired   int `json:"minDesired"`
	MaxDesired   int `json:"maxDesired"`
	DesiredCount int `json:"desiredCount"`

	ScaleUpQuantity   int `json:"scaleUpQuantity"`
	ScaleDownQuantity int `json:"scaleDownQuantity"`

	ScaleUpThreshold   float64 `json:"scaleUpThreshold"`
	ScaleDownThreshold float64 `json:"scaleDownThreshold"`

	// ScalePeriod is the metric bucket width in seconds.
	ScalePeriod int `json:"scalePeriod"`

	// ScaleUpPeriodsCount / ScaleDownPeriodsCount are how many consecutive
	// buckets must all agree before the autoscaler acts. A single bucket
	// never triggers action on its own when these are > 1.
	ScaleUpPeriodsCount   int `json:"scaleUpPeriodsCount"`
	ScaleDownPeriodsCount int `json:"scaleDownPeriodsCount"`
}

// SetDesiredCount clamps the desired count into [MinDesired, MaxDesired].
func (o *ScalingOptions) SetDesiredCount(desired int) {
	if desired > o.MaxDesired {
		desired = o.MaxDesired
	}
	if desired < o.MinDesired {
		desired = o.MinDesired
	}
	o.DesiredCount = desired
}

// InstanceGroup is the policy unit: a named cohort of instances sharing a
// type, region, cloud, provisioning template and scaling policy.
type InstanceGroup struct {
	Name        string    `json:"name"`
	Type        GroupType `json:"type"`
	Region      string    `json:"region"`
	Environment string    `json:"environment"`
	Cloud       string    `json:"cloud"`

	// CompartmentID is the provider-side tenant/compartment the group
	// launches into.
	CompartmentID string `json:"compartmentId"`

	// InstanceConfigurationID is an opaque provisioning template key.
	InstanceConfigurationID string `json:"instanceConfigurationId"`

	EnableAutoScale         bool `json:"enableAutoScale"`
	EnableLaunch            bool `json:"enableLaunch"`
	EnableScheduler         bool `json:"enableScheduler"`
	EnableUntrackedThrottle bool `json:"enableUntrackedThrottle"`

	// GracePeriodTTLSec suppresses further autoscaler adjustments for this
	// long after a desired-count change.
	GracePeriodTTLSec int `json:"gracePeriodTTLSec"`

	// ProtectedTTLSec is how long launch-protected instances keep their
	// scale-down protection.
	ProtectedTTLSec int `json:"protectedTTLSec"`

	ScalingOptions ScalingOptions `json:"scalingOptions"`

	Tags map[string]string `json:"tags,omitempty"`
}

// HasValidDesiredValues reports whether min <= desired <= max holds for the
// given combination. Used to validate admin desired-count updates before
// they are applied.
func HasValidDesiredValues(min, desired, max int) bool {
	return min <= desired && desired <= max
}
