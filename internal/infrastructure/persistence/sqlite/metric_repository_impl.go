package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/compasshq/journeyd/internal/domain/model/metric"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// MetricRepositoryImpl implements repository.MetricRepository with SQLite.
// Record is a single-statement upsert: the first write in an hour seeds the
// bucket, later writes fold the value into the running aggregates in place.
type MetricRepositoryImpl struct {
	db *sql.DB
}

// NewMetricRepository creates a new SQLite-based metric repository
func NewMetricRepository(db *sql.DB) repository.MetricRepository {
	return &MetricRepositoryImpl{db: db}
}

// Record folds one value into its bucket
func (r *MetricRepositoryImpl) Record(ctx context.Context, key metric.Key, value float64) error {
	key.HourBucket = metric.HourBucket(key.HourBucket)

	db := executorFrom(ctx, r.db)
	_, err := db.ExecContext(ctx, `
		INSERT INTO metric_buckets
			(metric_type, metric_name, hour_bucket, definition_id, template_id, scope_slug,
			 count, sum, min, max, avg)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT (metric_type, metric_name, hour_bucket, definition_id, template_id, scope_slug)
		DO UPDATE SET
			avg = (metric_buckets.sum + excluded.sum) / (metric_buckets.count + 1),
			sum = metric_buckets.sum + excluded.sum,
			count = metric_buckets.count + 1,
			min = MIN(metric_buckets.min, excluded.min),
			max = MAX(metric_buckets.max, excluded.max)
	`,
		key.MetricType, key.MetricName, formatTime(key.HourBucket),
		key.DefinitionID, key.TemplateID, key.ScopeSlug,
		value, value, value, value,
	)
	if err != nil {
		return fmt.Errorf("upsert metric bucket: %w", err)
	}
	return nil
}

// Find retrieves one bucket; returns (nil, nil) if absent
func (r *MetricRepositoryImpl) Find(ctx context.Context, key metric.Key) (*metric.Bucket, error) {
	key.HourBucket = metric.HourBucket(key.HourBucket)

	db := executorFrom(ctx, r.db)
	row := db.QueryRowContext(ctx, `
		SELECT metric_type, metric_name, hour_bucket, definition_id, template_id, scope_slug,
		       count, sum, min, max, avg
		FROM metric_buckets
		WHERE metric_type = ? AND metric_name = ? AND hour_bucket = ?
		  AND definition_id = ? AND template_id = ? AND scope_slug = ?
	`,
		key.MetricType, key.MetricName, formatTime(key.HourBucket),
		key.DefinitionID, key.TemplateID, key.ScopeSlug,
	)

	b, err := scanBucket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ListByScope lists buckets for a scope ordered by hour
func (r *MetricRepositoryImpl) ListByScope(ctx context.Context, scopeSlug string) ([]*metric.Bucket, error) {
	db := executorFrom(ctx, r.db)
	rows, err := db.QueryContext(ctx, `
		SELECT metric_type, metric_name, hour_bucket, definition_id, template_id, scope_slug,
		       count, sum, min, max, avg
		FROM metric_buckets
		WHERE scope_slug = ?
		ORDER BY hour_bucket, metric_type, metric_name
	`, scopeSlug)
	if err != nil {
		return nil, fmt.Errorf("query metric buckets: %w", err)
	}
	defer rows.Close()

	var out []*metric.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveOutcome records a realized experiment outcome
func (r *MetricRepositoryImpl) SaveOutcome(ctx context.Context, o *metric.Outcome) error {
	db := executorFrom(ctx, r.db)
	_, err := db.ExecContext(ctx, `
		INSERT INTO experiment_outcomes
			(experiment_id, entity_id, variant, success, value, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		o.ExperimentID(), o.EntityID(), o.Variant(),
		boolToInt(o.Success()), o.Value(), formatTime(o.RecordedAt()),
	)
	if err != nil {
		return fmt.Errorf("insert experiment outcome: %w", err)
	}
	return nil
}

// FindOutcomes returns all outcomes of one experiment
func (r *MetricRepositoryImpl) FindOutcomes(ctx context.Context, experimentID string) ([]*metric.Outcome, error) {
	db := executorFrom(ctx, r.db)
	rows, err := db.QueryContext(ctx, `
		SELECT experiment_id, entity_id, variant, success, value, recorded_at
		FROM experiment_outcomes
		WHERE experiment_id = ?
		ORDER BY recorded_at
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("query experiment outcomes: %w", err)
	}
	defer rows.Close()

	var out []*metric.Outcome
	for rows.Next() {
		var (
			expID, entityID, variant, recordedAtStr string
			success                                 int
			value                                   float64
		)
		if err := rows.Scan(&expID, &entityID, &variant, &success, &value, &recordedAtStr); err != nil {
			return nil, err
		}
		recordedAt, err := parseTime(recordedAtStr)
		if err != nil {
			return nil, err
		}
		out = append(out, metric.ReconstructOutcome(expID, entityID, variant, success == 1, value, recordedAt))
	}
	return out, rows.Err()
}

func scanBucket(row rowScanner) (*metric.Bucket, error) {
	var (
		key                 metric.Key
		hourStr             string
		count               int64
		sum, minV, maxV, avg float64
	)
	if err := row.Scan(
		&key.MetricType, &key.MetricName, &hourStr,
		&key.DefinitionID, &key.TemplateID, &key.ScopeSlug,
		&count, &sum, &minV, &maxV, &avg,
	); err != nil {
		return nil, err
	}
	hour, err := parseTime(hourStr)
	if err != nil {
		return nil, err
	}
	key.HourBucket = hour

	return metric.ReconstructBucket(key, count, sum, minV, maxV, avg), nil
}
