// Package repository defines the persistence contracts the orchestrator
// requires. Implementations live under internal/infrastructure.
package repository

import (
	"context"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
)

// DefinitionRepository stores immutable versioned journey definitions.
// Publishing a new version inserts a new row; rows are never mutated in
// place (Deactivate only flips the active flag used by FindLatest).
type DefinitionRepository interface {
	// Save persists a newly published definition version
	Save(ctx context.Context, def *journey.Definition) error

	// FindByID retrieves the exact definition version an instance is bound to
	FindByID(ctx context.Context, id model.DefinitionID) (*journey.Definition, error)

	// Find retrieves a specific version of a definition
	Find(ctx context.Context, scope model.Scope, slug string, version model.Version) (*journey.Definition, error)

	// FindLatest retrieves the latest active version of a definition
	FindLatest(ctx context.Context, scope model.Scope, slug string) (*journey.Definition, error)

	// LatestVersion returns the highest published version for a slug, 0 if none
	LatestVersion(ctx context.Context, scope model.Scope, slug string) (int, error)

	// Deactivate marks a version inactive so FindLatest skips it
	Deactivate(ctx context.Context, id model.DefinitionID) error
}
