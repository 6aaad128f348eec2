package metrics

import (
	"regexp"

	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// MaxLabelLength caps label values to keep cardinality sane.
const MaxLabelLength = 128

// labelSanitizeRegex matches characters that are NOT allowed in label values.
var labelSanitizeRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\.]`)

// SanitizeLabel normalizes a group name for use as a Prometheus label value:
// invalid characters become underscores and overlong values are truncated.
func SanitizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	value = labelSanitizeRegex.ReplaceAllString(value, "_")
	if len(value) > MaxLabelLength {
		value = value[:MaxLabelLength]
	}
	return value
}

// RecordGroupGauges refreshes the policy gauges for one group.
func RecordGroupGauges(g *model.InstanceGroup) {
	group := SanitizeLabel(g.Name)
	GroupDesiredCount.WithLabelValues(group).Set(float64(g.ScalingOptions.DesiredCount))
	GroupMinDesired.WithLabelValues(group).Set(float64(g.ScalingOptions.MinDesired))
	GroupMaxDesired.WithLabelValues(group).Set(float64(g.ScalingOptions.MaxDesired))
}

// RecordInventoryGauges refreshes the population gauges for one group.
func RecordInventoryGauges(groupName string, tracked, running, cloud, untracked int) {
	group := SanitizeLabel(groupName)
	GroupInstanceCount.WithLabelValues(group).Set(float64(tracked))
	GroupRunningCount.WithLabelValues(group).Set(float64(running))
	GroupCloudCount.WithLabelValues(group).Set(float64(cloud))
	GroupUntrackedCount.WithLabelValues(group).Set(float64(untracked))
}
