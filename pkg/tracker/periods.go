package tracker

import (
	"github.com/samber/lo"

	"github.com/mediainfra/fleet-autoscaler/pkg/model"
)

// bucketMetrics segments raw samples into periodsCount buckets of
// periodSeconds each, bucket 0 being the newest. Samples older than the
// window are dropped.
func bucketMetrics(metrics []model.InstanceMetric, nowMillis int64, periodsCount, periodSeconds int) [][]model.InstanceMetric {
	buckets := make([][]model.InstanceMetric, periodsCount)
	periodMillis := int64(periodSeconds) * 1000
	for _, metric := range metrics {
		idx := (nowMillis - metric.Timestamp) / periodMillis
		if idx >= 0 && idx < int64(periodsCount) {
			buckets[idx] = append(buckets[idx], metric)
		}
	}
	return buckets
}

// newestPointOf returns the most recent sample an instance has in a bucket.
func newestPointOf(bucket []model.InstanceMetric, instanceID string) (model.InstanceMetric, bool) {
	var newest model.InstanceMetric
	found := false
	for _, metric := range bucket {
		if metric.InstanceID != instanceID {
			continue
		}
		if !found || metric.Timestamp > newest.Timestamp {
			newest = metric
			found = true
		}
	}
	return newest, found
}

func presentIn(bucket []model.InstanceMetric, instanceID string) bool {
	_, found := newestPointOf(bucket, instanceID)
	return found
}

// carryForward repairs momentary reporter gaps. An instance missing from a
// bucket gets the older bucket's most recent point copied in, re-stamped into
// the target bucket's time range, provided it is present in the immediately
// older bucket and (unless this is the newest bucket) in the immediately
// newer one too. Instances that never reported on either side are not
// invented.
func carryForward(buckets [][]model.InstanceMetric, periodSeconds int) {
	if len(buckets) < 2 {
		return
	}
	periodMillis := int64(periodSeconds) * 1000

	instanceIDs := lo.Uniq(lo.FlatMap(buckets, func(bucket []model.InstanceMetric, _ int) []string {
		return lo.Map(bucket, func(m model.InstanceMetric, _ int) string { return m.InstanceID })
	}))

	for idx := len(buckets) - 2; idx >= 0; idx-- {
		for _, id := range instanceIDs {
			if presentIn(buckets[idx], id) {
				continue
			}
			point, olderHas := newestPointOf(buckets[idx+1], id)
			if !olderHas {
				continue
			}
			if idx > 0 && !presentIn(buckets[idx-1], id) {
				continue
			}
			point.Timestamp += periodMillis
			buckets[idx] = append(buckets[idx], point)
		}
	}
}

// summarizeBucket reduces one bucket to a scalar: per-instance means first,
// then either their sum (availability family, metric is an idle count) or
// their mean (stress family, metric is a load level).
func summarizeBucket(bucket []model.InstanceMetric, family model.MetricFamily) (float64, bool) {
	if len(bucket) == 0 {
		return 0, false
	}
	sums := make(map[string]float64)
	counts := make(map[string]float64)
	for _, metric := range bucket {
		sums[metric.InstanceID] += metric.Value
		counts[metric.InstanceID]++
	}

	total := 0.0
	for id, sum := range sums {
		total += sum / counts[id]
	}
	if family == model.FamilyAvailability {
		return total, true
	}
	return total / float64(len(sums)), true
}
