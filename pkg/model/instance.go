package model

// BusyStatus is the coarse occupancy reported by availability-family
// side-cars (recorders).
type BusyStatus string

const (
	BusyStatusBusy    BusyStatus = "busy"
	BusyStatusIdle    BusyStatus = "idle"
	BusyStatusExpired BusyStatus = "expired"
)

// HealthStatus is the side-car's own health verdict.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// AvailabilityStatus is the status variant for recorder-family workers.
type AvailabilityStatus struct {
	BusyStatus BusyStatus   `json:"busyStatus"`
	Health     HealthStatus `json:"health,omitempty"`
}

// StressStatus is the status variant for bridge/gateway/generic workers.
// Optional fields are pointers so that "not reported" is distinguishable
// from zero; victim selection falls through them in order.
type StressStatus struct {
	StressLevel      float64  `json:"stress_level"`
	Participants     *float64 `json:"participants,omitempty"`
	AllocatedCPU     *float64 `json:"allocatedCPU,omitempty"`
	Connections      *float64 `json:"connections,omitempty"`
	GracefulShutdown bool     `json:"graceful_shutdown,omitempty"`
}

// NomadStatus is derived from nomad-flavored reports.
type NomadStatus struct {
	StressLevel            float64 `json:"stress_level"`
	AllocatedCPU           float64 `json:"allocatedCPU"`
	UnallocatedCPU         float64 `json:"unallocatedCPU"`
	EligibleForScheduling  bool    `json:"eligibleForScheduling"`
	TotalTaskGroupsRunning int     `json:"totalTaskGroupsRunning,omitempty"`
}

// InstanceStatus is a tagged variant: exactly one of the pointers is set,
// or Provisioning is true, or nothing is known (side-car reported with
// empty stats).
type InstanceStatus struct {
	Provisioning bool                `json:"provisioning"`
	Availability *AvailabilityStatus `json:"availabilityStatus,omitempty"`
	Stress       *StressStatus       `json:"stress,omitempty"`
	Nomad        *NomadStatus        `json:"nomad,omitempty"`
}

// InstanceMetadata carries the side-car supplied identity fields.
type InstanceMetadata struct {
	Group     string `json:"group"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	PublicIP  string `json:"publicIp,omitempty"`
	PrivateIP string `json:"privateIp,omitempty"`
}

// InstanceState is the current view of one worker, keyed by InstanceID.
type InstanceState struct {
	InstanceID   string           `json:"instanceId"`
	InstanceType GroupType        `json:"instanceType"`
	Status       InstanceStatus   `json:"status"`
	Timestamp    int64            `json:"timestamp"` // epoch millis of the report
	Metadata     InstanceMetadata `json:"metadata"`

	// Flags set by the control plane, not by the side-car.
	ShutdownStatus   bool   `json:"shutdownStatus,omitempty"`
	ShutdownComplete string `json:"shutdownComplete,omitempty"` // ISO confirmation time
	ReconfigureError bool   `json:"reconfigureError,omitempty"`
	ShutdownError    bool   `json:"shutdownError,omitempty"`
	StatsError       bool   `json:"statsError,omitempty"`
	LastReconfigured string `json:"lastReconfigured,omitempty"`

	IsShuttingDown bool `json:"isShuttingDown,omitempty"`
}

// ShuttingDown reports whether the instance must be treated as on its way
// out: explicitly marked, self-reporting graceful shutdown, or a nomad
// client that is no longer eligible for scheduling. Such instances are
// excluded from scale-down candidates and from scaling inventory.
func (s *InstanceState) ShuttingDown() bool {
	if s.ShutdownStatus {
		return true
	}
	if s.Status.Stress != nil && s.Status.Stress.GracefulShutdown {
		return true
	}
	if s.Status.Nomad != nil && !s.Status.Nomad.EligibleForScheduling {
		return true
	}
	return false
}

// ScaleDownMetric is the per-instance load figure used to order stress-family
// scale-down victims: first defined of participants, allocated CPU,
// connections, stress level; zero when nothing was reported.
func (s *InstanceState) ScaleDownMetric() float64 {
	st := s.Status.Stress
	if st == nil {
		if s.Status.Nomad != nil {
			return s.Status.Nomad.AllocatedCPU
		}
		return 0
	}
	switch {
	case st.Participants != nil:
		return *st.Participants
	case st.AllocatedCPU != nil:
		return *st.AllocatedCPU
	case st.Connections != nil:
		return *st.Connections
	default:
		return st.StressLevel
	}
}

// InstanceMetric is one reported load sample for one instance.
type InstanceMetric struct {
	InstanceID string  `json:"instanceId"`
	Timestamp  int64   `json:"timestamp"` // epoch millis
	Value      float64 `json:"value"`
}

// CloudInstance is the provider-side view of an instance.
type CloudInstance struct {
	InstanceID  string `json:"instanceId"`
	DisplayName string `json:"displayName"`
	CloudStatus string `json:"cloudStatus"`
}

// Cloud lifecycle states the control plane cares about.
const (
	CloudStatusProvisioning = "Provisioning"
	CloudStatusRunning      = "Running"
	CloudStatusTerminated   = "Terminated"
)
