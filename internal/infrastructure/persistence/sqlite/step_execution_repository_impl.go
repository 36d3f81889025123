package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/record"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

const executionColumns = `id, instance_id, step_index, step_slug, step_type, status,
	input, output, retries_attempted, error_kind, error_message,
	parent_execution_id, parallel_group_id, started_at, finished_at`

// StepExecutionRepositoryImpl implements repository.StepExecutionRepository with SQLite
type StepExecutionRepositoryImpl struct {
	db *sql.DB
}

// NewStepExecutionRepository creates a new SQLite-based execution repository
func NewStepExecutionRepository(db *sql.DB) repository.StepExecutionRepository {
	return &StepExecutionRepositoryImpl{db: db}
}

// Save persists a new execution record
func (r *StepExecutionRepositoryImpl) Save(ctx context.Context, exec *record.StepExecution) error {
	inputJSON, err := marshalJSON(exec.Input())
	if err != nil {
		return err
	}
	outputJSON, err := marshalJSON(exec.Output())
	if err != nil {
		return err
	}

	db := executorFrom(ctx, r.db)
	_, err = db.ExecContext(ctx, `
		INSERT INTO step_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID(),
		exec.InstanceID().String(),
		exec.StepIndex(),
		exec.StepSlug(),
		exec.StepType().String(),
		exec.Status().String(),
		inputJSON,
		outputJSON,
		exec.RetriesAttempted(),
		exec.ErrorKind(),
		exec.ErrorMessage(),
		exec.ParentExecutionID(),
		exec.ParallelGroupID(),
		formatNullableTime(exec.StartedAt()),
		formatNullableTime(exec.FinishedAt()),
	)
	if err != nil {
		return fmt.Errorf("insert step execution: %w", err)
	}
	return nil
}

// Update persists status/output/retry changes of an execution
func (r *StepExecutionRepositoryImpl) Update(ctx context.Context, exec *record.StepExecution) error {
	outputJSON, err := marshalJSON(exec.Output())
	if err != nil {
		return err
	}

	db := executorFrom(ctx, r.db)
	result, err := db.ExecContext(ctx, `
		UPDATE step_executions SET
			status = ?, output = ?, retries_attempted = ?,
			error_kind = ?, error_message = ?,
			parent_execution_id = ?, parallel_group_id = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?
	`,
		exec.Status().String(),
		outputJSON,
		exec.RetriesAttempted(),
		exec.ErrorKind(),
		exec.ErrorMessage(),
		exec.ParentExecutionID(),
		exec.ParallelGroupID(),
		formatNullableTime(exec.StartedAt()),
		formatNullableTime(exec.FinishedAt()),
		exec.ID(),
	)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("step execution not found: %s", exec.ID())
	}
	return nil
}

// FindByInstance returns all executions for an instance in start order
func (r *StepExecutionRepositoryImpl) FindByInstance(ctx context.Context, instanceID model.InstanceID) ([]*record.StepExecution, error) {
	db := executorFrom(ctx, r.db)
	rows, err := db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM step_executions
		WHERE instance_id = ? ORDER BY id
	`, instanceID.String())
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// FindOpenForStep returns the most recent non-final execution for a step
// index, or nil if every prior attempt reached a final status
func (r *StepExecutionRepositoryImpl) FindOpenForStep(ctx context.Context, instanceID model.InstanceID, stepIndex int) (*record.StepExecution, error) {
	db := executorFrom(ctx, r.db)
	row := db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM step_executions
		WHERE instance_id = ? AND step_index = ? AND status IN (?, ?)
		ORDER BY id DESC LIMIT 1
	`,
		instanceID.String(), stepIndex,
		model.StepStatusPending.String(), model.StepStatusRunning.String(),
	)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

// FindByGroup returns the executions of one parallel fan-out group
func (r *StepExecutionRepositoryImpl) FindByGroup(ctx context.Context, groupID string) ([]*record.StepExecution, error) {
	db := executorFrom(ctx, r.db)
	rows, err := db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM step_executions
		WHERE parallel_group_id = ? ORDER BY id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query execution group: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]*record.StepExecution, error) {
	var out []*record.StepExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*record.StepExecution, error) {
	var (
		id, instanceIDStr, stepSlug, stepType, status string
		inputJSON, outputJSON                         string
		errorKind, errorMessage                       string
		parentExecID, groupID                         string
		stepIndex, retries                            int
		startedAtStr, finishedAtStr                   sql.NullString
	)
	if err := row.Scan(
		&id, &instanceIDStr, &stepIndex, &stepSlug, &stepType, &status,
		&inputJSON, &outputJSON, &retries, &errorKind, &errorMessage,
		&parentExecID, &groupID, &startedAtStr, &finishedAtStr,
	); err != nil {
		return nil, err
	}

	instanceID, err := model.NewInstanceIDFromString(instanceIDStr)
	if err != nil {
		return nil, err
	}
	input, err := unmarshalMap(inputJSON)
	if err != nil {
		return nil, err
	}
	output, err := unmarshalMap(outputJSON)
	if err != nil {
		return nil, err
	}
	startedAt, err := parseNullableTime(startedAtStr)
	if err != nil {
		return nil, err
	}
	finishedAt, err := parseNullableTime(finishedAtStr)
	if err != nil {
		return nil, err
	}

	return record.ReconstructStepExecution(
		id, instanceID, stepIndex, stepSlug,
		model.StepType(stepType), model.StepStatus(status),
		input, output, retries,
		errorKind, errorMessage,
		parentExecID, groupID,
		startedAt, finishedAt,
	), nil
}
