package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

const instanceColumns = `id, definition_id, scope, entity_id, current_state, previous_state,
	context, status, current_step_index, steps_completed, steps_total,
	can_rollback, rollback_stack, retry_count, max_retries,
	next_step_at, created_at, updated_at`

// InstanceRepositoryImpl implements repository.InstanceRepository with SQLite
type InstanceRepositoryImpl struct {
	db *sql.DB
}

// NewInstanceRepository creates a new SQLite-based instance repository
func NewInstanceRepository(db *sql.DB) repository.InstanceRepository {
	return &InstanceRepositoryImpl{db: db}
}

// Save persists a newly created instance
func (r *InstanceRepositoryImpl) Save(ctx context.Context, inst *instance.Instance) error {
	contextJSON, err := marshalJSON(inst.Context())
	if err != nil {
		return err
	}
	stackJSON, err := json.Marshal(inst.RollbackStack())
	if err != nil {
		return fmt.Errorf("marshal rollback stack: %w", err)
	}

	db := executorFrom(ctx, r.db)
	_, err = db.ExecContext(ctx, `
		INSERT INTO journey_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ID().String(),
		inst.DefinitionID().String(),
		inst.Scope().String(),
		inst.EntityID(),
		inst.CurrentState().String(),
		inst.PreviousState().String(),
		contextJSON,
		inst.Status().String(),
		inst.CurrentStepIndex(),
		inst.StepsCompleted(),
		inst.StepsTotal(),
		boolToInt(inst.CanRollback()),
		string(stackJSON),
		inst.RetryCount(),
		inst.MaxRetries(),
		formatTime(inst.NextStepAt()),
		formatTime(inst.CreatedAt()),
		formatTime(inst.UpdatedAt()),
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// Update persists the mutable fields of an existing instance
func (r *InstanceRepositoryImpl) Update(ctx context.Context, inst *instance.Instance) error {
	contextJSON, err := marshalJSON(inst.Context())
	if err != nil {
		return err
	}
	stackJSON, err := json.Marshal(inst.RollbackStack())
	if err != nil {
		return fmt.Errorf("marshal rollback stack: %w", err)
	}

	db := executorFrom(ctx, r.db)
	result, err := db.ExecContext(ctx, `
		UPDATE journey_instances SET
			current_state = ?, previous_state = ?, context = ?, status = ?,
			current_step_index = ?, steps_completed = ?,
			can_rollback = ?, rollback_stack = ?, retry_count = ?,
			next_step_at = ?, updated_at = ?
		WHERE id = ?
	`,
		inst.CurrentState().String(),
		inst.PreviousState().String(),
		contextJSON,
		inst.Status().String(),
		inst.CurrentStepIndex(),
		inst.StepsCompleted(),
		boolToInt(inst.CanRollback()),
		string(stackJSON),
		inst.RetryCount(),
		formatTime(inst.NextStepAt()),
		formatTime(inst.UpdatedAt()),
		inst.ID().String(),
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domerr.ErrInstanceNotFound.WithDetails(map[string]interface{}{
			"instance_id": inst.ID().String(),
		})
	}
	return nil
}

// FindByID retrieves an instance; returns ErrInstanceNotFound if absent
func (r *InstanceRepositoryImpl) FindByID(ctx context.Context, id model.InstanceID) (*instance.Instance, error) {
	db := executorFrom(ctx, r.db)
	row := db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM journey_instances WHERE id = ?
	`, id.String())

	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, domerr.ErrInstanceNotFound.WithDetails(map[string]interface{}{
			"instance_id": id.String(),
		})
	}
	return inst, err
}

// ListByStatus lists instances in a scope with the given status
func (r *InstanceRepositoryImpl) ListByStatus(ctx context.Context, scope model.Scope, status model.InstanceStatus) ([]*instance.Instance, error) {
	db := executorFrom(ctx, r.db)
	rows, err := db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM journey_instances
		WHERE scope = ? AND status = ?
		ORDER BY id
	`, scope.String(), status.String())
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

// ClaimDue atomically claims up to limit due instances. A single UPDATE
// stamps a fresh claim token onto the winners, so two workers polling at
// once never take the same row; the claimed set is then read back by token.
func (r *InstanceRepositoryImpl) ClaimDue(ctx context.Context, scope model.Scope, limit int, now time.Time) ([]*instance.Instance, error) {
	if limit < 1 {
		return nil, nil
	}
	token := uuid.New().String()

	db := executorFrom(ctx, r.db)
	_, err := db.ExecContext(ctx, `
		UPDATE journey_instances
		SET claim_token = ?, status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM journey_instances
			WHERE scope = ? AND status IN (?, ?) AND next_step_at <= ?
			ORDER BY next_step_at
			LIMIT ?
		)
	`,
		token,
		model.StatusRunning.String(),
		formatTime(now),
		scope.String(),
		model.StatusPending.String(),
		model.StatusPaused.String(),
		formatTime(now),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due instances: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM journey_instances WHERE claim_token = ?
	`, token)
	if err != nil {
		return nil, fmt.Errorf("load claimed instances: %w", err)
	}
	defer rows.Close()

	return collectInstances(rows)
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*instance.Instance, error) {
	var (
		idStr, defIDStr, scopeStr, entityID      string
		currentState, previousState, contextJSON string
		statusStr, stackJSON                     string
		stepIndex, stepsCompleted, stepsTotal    int
		canRollback, retryCount, maxRetries      int
		nextStepAtStr, createdAtStr, updatedAtStr string
	)
	if err := row.Scan(
		&idStr, &defIDStr, &scopeStr, &entityID,
		&currentState, &previousState, &contextJSON, &statusStr,
		&stepIndex, &stepsCompleted, &stepsTotal,
		&canRollback, &stackJSON, &retryCount, &maxRetries,
		&nextStepAtStr, &createdAtStr, &updatedAtStr,
	); err != nil {
		return nil, err
	}

	id, err := model.NewInstanceIDFromString(idStr)
	if err != nil {
		return nil, err
	}
	defID, err := model.NewDefinitionIDFromString(defIDStr)
	if err != nil {
		return nil, err
	}
	scope, err := model.NewScope(scopeStr)
	if err != nil {
		return nil, err
	}
	instContext, err := unmarshalMap(contextJSON)
	if err != nil {
		return nil, err
	}
	var stack []instance.RollbackEntry
	if stackJSON != "" {
		if err := json.Unmarshal([]byte(stackJSON), &stack); err != nil {
			return nil, fmt.Errorf("unmarshal rollback stack: %w", err)
		}
	}
	nextStepAt, err := parseTime(nextStepAtStr)
	if err != nil {
		return nil, err
	}
	createdAt, err := parseTime(createdAtStr)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime(updatedAtStr)
	if err != nil {
		return nil, err
	}

	return instance.Reconstruct(
		id, defID, scope, entityID,
		journey.State(currentState), journey.State(previousState),
		instContext,
		model.InstanceStatus(statusStr),
		stepIndex, stepsCompleted, stepsTotal,
		canRollback == 1,
		stack,
		retryCount, maxRetries,
		nextStepAt, createdAt, updatedAt,
	), nil
}

func collectInstances(rows *sql.Rows) ([]*instance.Instance, error) {
	var out []*instance.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
