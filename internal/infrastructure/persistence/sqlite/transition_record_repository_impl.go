package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/model/record"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

const transitionColumns = `id, instance_id, from_state, to_state, trigger_type,
	trigger_data, step_index, step_slug, success, context_snapshot, occurred_at`

// TransitionRecordRepositoryImpl implements the append-only transition
// history. There is no UPDATE or DELETE statement in this file on purpose.
type TransitionRecordRepositoryImpl struct {
	db *sql.DB
}

// NewTransitionRecordRepository creates a new SQLite-based history repository
func NewTransitionRecordRepository(db *sql.DB) repository.TransitionRecordRepository {
	return &TransitionRecordRepositoryImpl{db: db}
}

// Append inserts one transition record
func (r *TransitionRecordRepositoryImpl) Append(ctx context.Context, rec *record.TransitionRecord) error {
	triggerJSON, err := marshalJSON(rec.TriggerData())
	if err != nil {
		return err
	}
	snapshotJSON, err := marshalJSON(rec.ContextSnapshot())
	if err != nil {
		return err
	}

	db := executorFrom(ctx, r.db)
	_, err = db.ExecContext(ctx, `
		INSERT INTO transition_records (`+transitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID(),
		rec.InstanceID().String(),
		rec.FromState().String(),
		rec.ToState().String(),
		rec.TriggerType().String(),
		triggerJSON,
		rec.StepIndex(),
		rec.StepSlug(),
		boolToInt(rec.Success()),
		snapshotJSON,
		formatTime(rec.OccurredAt()),
	)
	if err != nil {
		return fmt.Errorf("insert transition record: %w", err)
	}
	return nil
}

// FindByInstance returns the full history in chronological order.
// Record IDs are ULIDs, so ordering by id is ordering by time.
func (r *TransitionRecordRepositoryImpl) FindByInstance(ctx context.Context, instanceID model.InstanceID) ([]*record.TransitionRecord, error) {
	db := executorFrom(ctx, r.db)
	rows, err := db.QueryContext(ctx, `
		SELECT `+transitionColumns+` FROM transition_records
		WHERE instance_id = ? ORDER BY id
	`, instanceID.String())
	if err != nil {
		return nil, fmt.Errorf("query transition records: %w", err)
	}
	defer rows.Close()

	return collectTransitions(rows)
}

// FindLatest returns up to n records in reverse chronological order
func (r *TransitionRecordRepositoryImpl) FindLatest(ctx context.Context, instanceID model.InstanceID, n int) ([]*record.TransitionRecord, error) {
	db := executorFrom(ctx, r.db)
	rows, err := db.QueryContext(ctx, `
		SELECT `+transitionColumns+` FROM transition_records
		WHERE instance_id = ? ORDER BY id DESC LIMIT ?
	`, instanceID.String(), n)
	if err != nil {
		return nil, fmt.Errorf("query latest transition records: %w", err)
	}
	defer rows.Close()

	return collectTransitions(rows)
}

func collectTransitions(rows *sql.Rows) ([]*record.TransitionRecord, error) {
	var out []*record.TransitionRecord
	for rows.Next() {
		rec, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTransition(row rowScanner) (*record.TransitionRecord, error) {
	var (
		id, instanceIDStr, fromState, toState, triggerType string
		triggerJSON, stepSlug, snapshotJSON, occurredAtStr string
		stepIndex, success                                 int
	)
	if err := row.Scan(
		&id, &instanceIDStr, &fromState, &toState, &triggerType,
		&triggerJSON, &stepIndex, &stepSlug, &success, &snapshotJSON, &occurredAtStr,
	); err != nil {
		return nil, err
	}

	instanceID, err := model.NewInstanceIDFromString(instanceIDStr)
	if err != nil {
		return nil, err
	}
	triggerData, err := unmarshalMap(triggerJSON)
	if err != nil {
		return nil, err
	}
	snapshot, err := unmarshalMap(snapshotJSON)
	if err != nil {
		return nil, err
	}
	occurredAt, err := parseTime(occurredAtStr)
	if err != nil {
		return nil, err
	}

	return record.ReconstructTransitionRecord(
		id, instanceID,
		journey.State(fromState), journey.State(toState),
		model.TriggerType(triggerType),
		triggerData,
		stepIndex, stepSlug,
		success == 1,
		snapshot,
		occurredAt,
	), nil
}
