package models

import (
	"math"
	"sort"
	"time"
)

// Period is the width of an aggregation bucket.
type Period string

const (
	PeriodHourly Period = "hourly"
	PeriodDaily  Period = "daily"
)

// AggregationBucket is a statistical summary of raw readings for one sensor
// field over one period. Buckets are keyed by (Period, SensorID, SensorType,
// BucketStart) and rewritten in place on re-run.
type AggregationBucket struct {
	Period      Period     `json:"period"`
	SensorID    string     `json:"sensor_id"`
	SensorType  SensorType `json:"sensor_type"`
	BucketStart time.Time  `json:"bucket_start"`
	Min         float64    `json:"min"`
	Max         float64    `json:"max"`
	Avg         float64    `json:"avg"`
	StdDev      float64    `json:"stddev"`
	Count       int64      `json:"count"`
	Unit        string     `json:"unit,omitempty"`
	LocationID  string     `json:"location_id,omitempty"`
	RelicsID    string     `json:"relics_id,omitempty"`
}

type groupKey struct {
	sensorID   string
	sensorType SensorType
}

// Summarize groups readings by (sensor id, sensor type) and returns one bucket
// per group, sorted by sensor id then type. StdDev is the population standard
// deviation, matching PostgreSQL stddev_pop.
func Summarize(readings []SensorReading, period Period, bucketStart time.Time) []AggregationBucket {
	type acc struct {
		bucket AggregationBucket
		mean   float64
		m2     float64
	}

	groups := make(map[groupKey]*acc)
	for _, r := range readings {
		k := groupKey{r.SensorID, r.SensorType}
		a, ok := groups[k]
		if !ok {
			a = &acc{bucket: AggregationBucket{
				Period:      period,
				SensorID:    r.SensorID,
				SensorType:  r.SensorType,
				BucketStart: bucketStart,
				Min:         r.Value,
				Max:         r.Value,
				Unit:        r.Unit,
				LocationID:  r.LocationID,
				RelicsID:    r.RelicsID,
			}}
			groups[k] = a
		}

		// Welford's online update
		a.bucket.Count++
		delta := r.Value - a.mean
		a.mean += delta / float64(a.bucket.Count)
		a.m2 += delta * (r.Value - a.mean)

		a.bucket.Min = math.Min(a.bucket.Min, r.Value)
		a.bucket.Max = math.Max(a.bucket.Max, r.Value)
		if a.bucket.LocationID == "" {
			a.bucket.LocationID = r.LocationID
		}
		if a.bucket.RelicsID == "" {
			a.bucket.RelicsID = r.RelicsID
		}
	}

	out := make([]AggregationBucket, 0, len(groups))
	for _, a := range groups {
		a.bucket.Avg = a.mean
		a.bucket.StdDev = math.Sqrt(a.m2 / float64(a.bucket.Count))
		out = append(out, a.bucket)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SensorID != out[j].SensorID {
			return out[i].SensorID < out[j].SensorID
		}
		return out[i].SensorType < out[j].SensorType
	})
	return out
}
