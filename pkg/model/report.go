package model

// InstanceDetails identifies an instance in a side-car report or a bulk
// shutdown/reconfigure request.
type InstanceDetails struct {
	InstanceID   string    `json:"instanceId"`
	InstanceType GroupType `json:"instanceType"`
	Cloud        string    `json:"cloud,omitempty"`

	Group     string `json:"group,omitempty"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
	PublicIP  string `json:"publicIp,omitempty"`
	PrivateIP string `json:"privateIp,omitempty"`
}

// ReportStats is the union of the stats shapes side-cars send. The tracker
// picks fields by the reporting instance's type; unknown fields are ignored.
type ReportStats struct {
	// Availability family.
	Status *AvailabilityStatus `json:"status,omitempty"`

	// Stress family.
	StressLevel      *float64 `json:"stress_level,omitempty"`
	Participants     *float64 `json:"participants,omitempty"`
	AllocatedCPU     *float64 `json:"allocatedCPU,omitempty"`
	Connections      *float64 `json:"connections,omitempty"`
	GracefulShutdown bool     `json:"graceful_shutdown,omitempty"`

	// Nomad family.
	UnallocatedCPU         *float64 `json:"unallocatedCPU,omitempty"`
	EligibleForScheduling  string   `json:"eligibleForScheduling,omitempty"`
	TotalTaskGroupsRunning int      `json:"totalTaskGroupsRunning,omitempty"`
}

// Empty reports whether the side-car sent no usable stats.
func (s *ReportStats) Empty() bool {
	if s == nil {
		return true
	}
	return s.Status == nil && s.StressLevel == nil && s.AllocatedCPU == nil &&
		s.Participants == nil && s.Connections == nil && s.UnallocatedCPU == nil
}

// StatsReport is the body of a side-car POST /stats request.
type StatsReport struct {
	Instance InstanceDetails `json:"instance"`

	// Timestamp defaults to the ingestion time when absent.
	Timestamp *int64 `json:"timestamp,omitempty"`

	Stats *ReportStats `json:"stats,omitempty"`

	ShutdownStatus      bool   `json:"shutdownStatus,omitempty"`
	ShutdownError       bool   `json:"shutdownError,omitempty"`
	ReconfigureError    bool   `json:"reconfigureError,omitempty"`
	StatsError          bool   `json:"statsError,omitempty"`
	ReconfigureComplete string `json:"reconfigureComplete,omitempty"`
}

// SidecarVerdict is the response to every side-car request; it drives the
// side-car's next action.
type SidecarVerdict struct {
	Shutdown    bool `json:"shutdown"`
	Reconfigure bool `json:"reconfigure"`
}
