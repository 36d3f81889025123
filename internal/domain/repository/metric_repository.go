package repository

import (
	"context"

	"github.com/compasshq/journeyd/internal/domain/model/metric"
)

// MetricRepository stores hourly aggregation buckets and experiment results.
// Record is an upsert: first write seeds the bucket, later writes in the
// same bucket fold the value in incrementally.
type MetricRepository interface {
	// Record folds one value into its bucket
	Record(ctx context.Context, key metric.Key, value float64) error

	// Find retrieves one bucket; returns (nil, nil) if absent
	Find(ctx context.Context, key metric.Key) (*metric.Bucket, error)

	// ListByScope lists buckets for a scope ordered by hour
	ListByScope(ctx context.Context, scopeSlug string) ([]*metric.Bucket, error)

	// SaveOutcome records a realized experiment outcome
	SaveOutcome(ctx context.Context, o *metric.Outcome) error

	// FindOutcomes returns all outcomes of one experiment
	FindOutcomes(ctx context.Context, experimentID string) ([]*metric.Outcome, error)
}
