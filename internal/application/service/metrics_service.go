package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/compasshq/journeyd/internal/domain/model/metric"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// MetricsService records time-bucketed aggregates and experiment outcomes
type MetricsService struct {
	metricRepo repository.MetricRepository
	logger     zerolog.Logger
}

// NewMetricsService creates a new metrics service
func NewMetricsService(metricRepo repository.MetricRepository, logger zerolog.Logger) *MetricsService {
	return &MetricsService{metricRepo: metricRepo, logger: logger}
}

// Record folds one value into its hourly bucket
func (s *MetricsService) Record(ctx context.Context, key metric.Key, value float64) error {
	if key.HourBucket.IsZero() {
		key.HourBucket = time.Now()
	}
	key.HourBucket = metric.HourBucket(key.HourBucket)
	if err := s.metricRepo.Record(ctx, key, value); err != nil {
		return fmt.Errorf("record metric %s/%s: %w", key.MetricType, key.MetricName, err)
	}
	return nil
}

// Find retrieves one bucket
func (s *MetricsService) Find(ctx context.Context, key metric.Key) (*metric.Bucket, error) {
	key.HourBucket = metric.HourBucket(key.HourBucket)
	return s.metricRepo.Find(ctx, key)
}

// ListByScope lists buckets for a scope ordered by hour
func (s *MetricsService) ListByScope(ctx context.Context, scopeSlug string) ([]*metric.Bucket, error) {
	return s.metricRepo.ListByScope(ctx, scopeSlug)
}

// AssignVariant deterministically assigns an entity to an experiment variant
func (s *MetricsService) AssignVariant(experimentID, entityID string, variants []string) (string, error) {
	return metric.AssignVariant(experimentID, entityID, variants)
}

// RecordOutcome persists a realized experiment outcome for later comparison
func (s *MetricsService) RecordOutcome(ctx context.Context, experimentID, entityID, variant string, success bool, value float64) error {
	outcome, err := metric.NewOutcome(experimentID, entityID, variant, success, value)
	if err != nil {
		return err
	}
	if err := s.metricRepo.SaveOutcome(ctx, outcome); err != nil {
		return fmt.Errorf("save experiment outcome: %w", err)
	}
	return nil
}

// FindOutcomes returns all outcomes of one experiment
func (s *MetricsService) FindOutcomes(ctx context.Context, experimentID string) ([]*metric.Outcome, error) {
	return s.metricRepo.FindOutcomes(ctx, experimentID)
}
