package journey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
)

// snapshotDocument is the JSON bundle archived for a terminal instance
type snapshotDocument struct {
	ExportedAt  time.Time            `json:"exported_at"`
	Instance    snapshotInstance     `json:"instance"`
	Transitions []snapshotTransition `json:"transitions"`
	Traces      []snapshotTrace      `json:"traces"`
}

type snapshotInstance struct {
	ID             string                   `json:"id"`
	DefinitionID   string                   `json:"definition_id"`
	DefinitionSlug string                   `json:"definition_slug"`
	Version        int                      `json:"version"`
	Scope          string                   `json:"scope"`
	EntityID       string                   `json:"entity_id"`
	FinalState     string                   `json:"final_state"`
	Status         string                   `json:"status"`
	StepsCompleted int                      `json:"steps_completed"`
	StepsTotal     int                      `json:"steps_total"`
	Context        map[string]interface{}   `json:"context"`
	RollbackStack  []instance.RollbackEntry `json:"rollback_stack,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

type snapshotTransition struct {
	ID          string                 `json:"id"`
	FromState   string                 `json:"from_state"`
	ToState     string                 `json:"to_state"`
	Trigger     string                 `json:"trigger"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	StepIndex   int                    `json:"step_index"`
	StepSlug    string                 `json:"step_slug,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

type snapshotTrace struct {
	ID              string    `json:"id"`
	StepSlug        string    `json:"step_slug"`
	ConfidenceScore float64   `json:"confidence_score"`
	SelectedPath    string    `json:"selected_path,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// buildSnapshot assembles the audit bundle for one terminal instance:
// the final instance view, its full transition history, and all traces
func (u *AdvanceUseCase) buildSnapshot(ctx context.Context, inst *instance.Instance, def *journey.Definition) ([]byte, error) {
	records, err := u.historyRepo.FindByInstance(ctx, inst.ID())
	if err != nil {
		return nil, fmt.Errorf("load transition history: %w", err)
	}
	traces, err := u.traceRepo.FindByInstance(ctx, inst.ID())
	if err != nil {
		return nil, fmt.Errorf("load reasoning traces: %w", err)
	}

	doc := snapshotDocument{
		ExportedAt: time.Now().UTC(),
		Instance: snapshotInstance{
			ID:             inst.ID().String(),
			DefinitionID:   inst.DefinitionID().String(),
			DefinitionSlug: def.Slug(),
			Version:        def.Version().Value(),
			Scope:          inst.Scope().String(),
			EntityID:       inst.EntityID(),
			FinalState:     inst.CurrentState().String(),
			Status:         inst.Status().String(),
			StepsCompleted: inst.StepsCompleted(),
			StepsTotal:     inst.StepsTotal(),
			Context:        inst.Context(),
			RollbackStack:  inst.RollbackStack(),
			CreatedAt:      inst.CreatedAt(),
			UpdatedAt:      inst.UpdatedAt(),
		},
	}
	for _, rec := range records {
		doc.Transitions = append(doc.Transitions, snapshotTransition{
			ID:          rec.ID(),
			FromState:   rec.FromState().String(),
			ToState:     rec.ToState().String(),
			Trigger:     rec.TriggerType().String(),
			TriggerData: rec.TriggerData(),
			StepIndex:   rec.StepIndex(),
			StepSlug:    rec.StepSlug(),
			OccurredAt:  rec.OccurredAt(),
		})
	}
	for _, t := range traces {
		doc.Traces = append(doc.Traces, snapshotTrace{
			ID:              t.ID(),
			StepSlug:        t.StepSlug(),
			ConfidenceScore: t.ConfidenceScore(),
			SelectedPath:    t.SelectedPath(),
			RecordedAt:      t.RecordedAt(),
		})
	}

	return json.Marshal(doc)
}
