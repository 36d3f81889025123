// Package metric implements bounded-cardinality streaming aggregation and
// deterministic experiment variant assignment. Buckets keep running
// count/sum/min/max/avg so dashboards never need raw event logs.
package metric

import (
	"errors"
	"time"
)

// Key identifies one aggregation bucket
type Key struct {
	MetricType   string
	MetricName   string
	HourBucket   time.Time
	DefinitionID string
	TemplateID   string
	ScopeSlug    string
}

// HourBucket floors a timestamp to its UTC hour
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Bucket is one hourly aggregate
type Bucket struct {
	key   Key
	count int64
	sum   float64
	min   float64
	max   float64
	avg   float64
}

// NewBucket creates a bucket from its first recorded value
func NewBucket(key Key, value float64) (*Bucket, error) {
	if key.MetricType == "" || key.MetricName == "" || key.ScopeSlug == "" {
		return nil, errors.New("metric type, name, and scope are required")
	}
	key.HourBucket = HourBucket(key.HourBucket)
	return &Bucket{
		key:   key,
		count: 1,
		sum:   value,
		min:   value,
		max:   value,
		avg:   value,
	}, nil
}

// ReconstructBucket rebuilds a bucket from persisted data
func ReconstructBucket(key Key, count int64, sum, minV, maxV, avg float64) *Bucket {
	return &Bucket{key: key, count: count, sum: sum, min: minV, max: maxV, avg: avg}
}

// Record folds one more value into the aggregate incrementally
func (b *Bucket) Record(value float64) {
	b.avg = (b.sum + value) / float64(b.count+1)
	b.sum += value
	b.count++
	if value < b.min {
		b.min = value
	}
	if value > b.max {
		b.max = value
	}
}

// Getters
func (b *Bucket) Key() Key       { return b.key }
func (b *Bucket) Count() int64   { return b.count }
func (b *Bucket) Sum() float64   { return b.sum }
func (b *Bucket) Min() float64   { return b.min }
func (b *Bucket) Max() float64   { return b.max }
func (b *Bucket) Avg() float64   { return b.avg }
