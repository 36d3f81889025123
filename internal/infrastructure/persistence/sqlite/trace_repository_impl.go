package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/trace"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// TraceRepositoryImpl implements repository.TraceRepository with SQLite.
// Write-once: traces are only ever inserted and read back.
type TraceRepositoryImpl struct {
	db *sql.DB
}

// NewTraceRepository creates a new SQLite-based trace repository
func NewTraceRepository(db *sql.DB) repository.TraceRepository {
	return &TraceRepositoryImpl{db: db}
}

// Append inserts one reasoning trace
func (r *TraceRepositoryImpl) Append(ctx context.Context, t *trace.ReasoningTrace) error {
	evidenceJSON, err := json.Marshal(t.Evidence())
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	pathsJSON, err := json.Marshal(t.PathsConsidered())
	if err != nil {
		return fmt.Errorf("marshal paths: %w", err)
	}
	factorsJSON, err := json.Marshal(t.TimeFactors())
	if err != nil {
		return fmt.Errorf("marshal time factors: %w", err)
	}

	db := executorFrom(ctx, r.db)
	_, err = db.ExecContext(ctx, `
		INSERT INTO reasoning_traces
			(id, instance_id, step_slug, evidence, confidence_score,
			 paths_considered, selected_path, time_factors, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID(),
		t.InstanceID().String(),
		t.StepSlug(),
		string(evidenceJSON),
		t.ConfidenceScore(),
		string(pathsJSON),
		t.SelectedPath(),
		string(factorsJSON),
		formatTime(t.RecordedAt()),
	)
	if err != nil {
		return fmt.Errorf("insert reasoning trace: %w", err)
	}
	return nil
}

// FindByInstance returns all traces for an instance in recording order
func (r *TraceRepositoryImpl) FindByInstance(ctx context.Context, instanceID model.InstanceID) ([]*trace.ReasoningTrace, error) {
	db := executorFrom(ctx, r.db)
	rows, err := db.QueryContext(ctx, `
		SELECT id, instance_id, step_slug, evidence, confidence_score,
		       paths_considered, selected_path, time_factors, recorded_at
		FROM reasoning_traces
		WHERE instance_id = ? ORDER BY id
	`, instanceID.String())
	if err != nil {
		return nil, fmt.Errorf("query reasoning traces: %w", err)
	}
	defer rows.Close()

	var out []*trace.ReasoningTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrace(row rowScanner) (*trace.ReasoningTrace, error) {
	var (
		id, instanceIDStr, stepSlug             string
		evidenceJSON, pathsJSON, factorsJSON    string
		selectedPath, recordedAtStr             string
		confidence                              float64
	)
	if err := row.Scan(
		&id, &instanceIDStr, &stepSlug, &evidenceJSON, &confidence,
		&pathsJSON, &selectedPath, &factorsJSON, &recordedAtStr,
	); err != nil {
		return nil, err
	}

	instanceID, err := model.NewInstanceIDFromString(instanceIDStr)
	if err != nil {
		return nil, err
	}
	var evidence []trace.Evidence
	if err := json.Unmarshal([]byte(evidenceJSON), &evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	var paths []trace.Path
	if err := json.Unmarshal([]byte(pathsJSON), &paths); err != nil {
		return nil, fmt.Errorf("unmarshal paths: %w", err)
	}
	var factors trace.TimeFactors
	if err := json.Unmarshal([]byte(factorsJSON), &factors); err != nil {
		return nil, fmt.Errorf("unmarshal time factors: %w", err)
	}
	recordedAt, err := parseTime(recordedAtStr)
	if err != nil {
		return nil, err
	}

	return trace.Reconstruct(
		id, instanceID, stepSlug,
		evidence, confidence, paths, selectedPath, factors, recordedAt,
	), nil
}
