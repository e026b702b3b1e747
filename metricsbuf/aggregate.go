package metricsbuf

import (
	"fmt"
	"time"
)

// bucketKeyInfo identifies one (kind, name, bucket) group.
type bucketKeyInfo struct {
	kind        kind
	name        string
	bucketSize  time.Duration
	bucketStart time.Time
}

// aggregation holds the running statistics for one bucketKeyInfo
// (spec.md §4.8: "counters emit sum; gauges emit count/total/last/min/max;
// timers emit count/total/min/max").
type aggregation struct {
	count int64
	total float64
	last  float64
	min   float64
	max   float64
}

// aggregate groups batch by (kind, name, bucket_start) for bucketSize and
// folds each group's samples into an aggregation.
func aggregate(batch []sample, bucketSize time.Duration) map[bucketKeyInfo]*aggregation {
	out := make(map[bucketKeyInfo]*aggregation)
	for _, s := range batch {
		key := bucketKeyInfo{
			kind:        s.kind,
			name:        s.name,
			bucketSize:  bucketSize,
			bucketStart: s.at.UTC().Truncate(bucketSize),
		}
		agg, ok := out[key]
		if !ok {
			agg = &aggregation{min: s.value, max: s.value}
			out[key] = agg
		}
		agg.count++
		agg.total += s.value
		agg.last = s.value
		if s.value < agg.min {
			agg.min = s.value
		}
		if s.value > agg.max {
			agg.max = s.value
		}
	}
	return out
}

// cacheKey renders the persisted metrics key format (spec.md §6:
// "m:<type>:<name>:<bucket_minutes>:<yy-MM-dd-hh-mm>[:suffix]").
func cacheKey(bk bucketKeyInfo, suffix string) string {
	minutes := int(bk.bucketSize / time.Minute)
	ts := bk.bucketStart.Format("06-01-02-15-04")
	key := fmt.Sprintf("m:%s:%s:%d:%s", bk.kind, bk.name, minutes, ts)
	if suffix != "" {
		key += ":" + suffix
	}
	return key
}
