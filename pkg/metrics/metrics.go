package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace is the metrics namespace for the autoscaler
	Namespace = "autoscaling"
)

var (
	// InstancesLaunched counts instances launched per group
	InstancesLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "instance_launched_total",
			Help:      "Total number of instances launched",
		},
		[]string{"group"},
	)

	// InstancesDownscaled counts instances selected for scale-down per group
	InstancesDownscaled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "instance_downscaled_total",
			Help:      "Total number of instances selected for scale-down",
		},
		[]string{"group"},
	)

	// InstanceErrors counts launcher and autoscaler failures per group
	InstanceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "instance_errors_total",
			Help:      "Total number of instance scaling errors",
		},
		[]string{"group"},
	)

	// GroupsManaged tracks how many instance groups the control plane manages
	GroupsManaged = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "groups_managed",
			Help:      "Number of instance groups currently managed",
		},
	)

	// GroupDesiredCount tracks the desired instance count per group
	GroupDesiredCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "desired_count",
			Help:      "Desired instance count of a group",
		},
		[]string{"group"},
	)

	// GroupMinDesired tracks the configured minimum per group
	GroupMinDesired = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "min_desired",
			Help:      "Minimum desired instance count of a group",
		},
		[]string{"group"},
	)

	// GroupMaxDesired tracks the configured maximum per group
	GroupMaxDesired = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "max_desired",
			Help:      "Maximum desired instance count of a group",
		},
		[]string{"group"},
	)

	// GroupInstanceCount tracks the tracked live inventory size per group
	GroupInstanceCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "instance_count",
			Help:      "Number of tracked instances in a group",
		},
		[]string{"group"},
	)

	// GroupRunningCount tracks the non-provisioning inventory size per group
	GroupRunningCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "running_instance_count",
			Help:      "Number of tracked running (non-provisioning) instances in a group",
		},
		[]string{"group"},
	)

	// GroupCloudCount tracks the cloud-visible inventory size per group
	GroupCloudCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "cloud_instance_count",
			Help:      "Number of cloud-visible instances in a group",
		},
		[]string{"group"},
	)

	// GroupUntrackedCount tracks cloud instances with no tracker state per group
	GroupUntrackedCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "untracked_instance_count",
			Help:      "Number of cloud instances not reporting to the tracker",
		},
		[]string{"group"},
	)

	// QueueWaiting tracks jobs waiting per logical queue
	QueueWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_waiting",
			Help:      "Number of jobs waiting in a queue",
		},
		[]string{"queue"},
	)

	// JobDuration tracks handler execution time per job kind
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "job_duration_seconds",
			Help:      "Time taken by job handlers",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		},
		[]string{"queue"},
	)

	// JobFailures counts failed jobs per job kind
	JobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "job_failures_total",
			Help:      "Total number of failed jobs",
		},
		[]string{"queue"},
	)
)

// RegisterMetrics registers all metrics with the default registry
func RegisterMetrics() {
	prometheus.MustRegister(
		InstancesLaunched,
		InstancesDownscaled,
		InstanceErrors,
		GroupsManaged,
		GroupDesiredCount,
		GroupMinDesired,
		GroupMaxDesired,
		GroupInstanceCount,
		GroupRunningCount,
		GroupCloudCount,
		GroupUntrackedCount,
		QueueWaiting,
		JobDuration,
		JobFailures,
	)
}

// ResetMetrics resets all metrics (useful for testing)
func ResetMetrics() {
	InstancesLaunched.Reset()
	InstancesDownscaled.Reset()
	InstanceErrors.Reset()
	GroupsManaged.Set(0)
	GroupDesiredCount.Reset()
	GroupMinDesired.Reset()
	GroupMaxDesired.Reset()
	GroupInstanceCount.Reset()
	GroupRunningCount.Reset()
	GroupCloudCount.Reset()
	GroupUntrackedCount.Reset()
	QueueWaiting.Reset()
	JobDuration.Reset()
	JobFailures.Reset()
}

// DeleteGroup drops all label series for a deleted group. Removal is
// explicit because deleted groups would otherwise keep exporting their
// last values forever.
func DeleteGroup(group string) {
	labels := prometheus.Labels{"group": group}
	InstancesLaunched.Delete(labels)
	InstancesDownscaled.Delete(labels)
	InstanceErrors.Delete(labels)
	GroupDesiredCount.Delete(labels)
	GroupMinDesired.Delete(labels)
	GroupMaxDesired.Delete(labels)
	GroupInstanceCount.Delete(labels)
	GroupRunningCount.Delete(labels)
	GroupCloudCount.Delete(labels)
	GroupUntrackedCount.Delete(labels)
}
