// Package journey holds the orchestrator use cases: publishing definitions,
// creating instances, advancing them step by step, rolling back, and
// cancelling.
package journey

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// PublishDefinitionUseCase validates a YAML journey document and publishes
// it as a new immutable version
type PublishDefinitionUseCase struct {
	definitionRepo repository.DefinitionRepository
	fs             afero.Fs
	logger         zerolog.Logger
}

// NewPublishDefinitionUseCase creates a new PublishDefinitionUseCase
func NewPublishDefinitionUseCase(
	definitionRepo repository.DefinitionRepository,
	fs afero.Fs,
	logger zerolog.Logger,
) *PublishDefinitionUseCase {
	return &PublishDefinitionUseCase{
		definitionRepo: definitionRepo,
		fs:             fs,
		logger:         logger,
	}
}

// PublishResult reports the published version
type PublishResult struct {
	DefinitionID model.DefinitionID
	Slug         string
	Version      model.Version
}

// ExecuteFile publishes the definition document at the given path
func (u *PublishDefinitionUseCase) ExecuteFile(ctx context.Context, scope model.Scope, path string) (*PublishResult, error) {
	data, err := afero.ReadFile(u.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read definition file %s: %w", path, err)
	}
	return u.Execute(ctx, scope, data)
}

// Execute publishes a YAML definition document. The new version is the
// highest existing version plus one; prior versions are left untouched so
// running instances keep the exact graph they bound to.
func (u *PublishDefinitionUseCase) Execute(ctx context.Context, scope model.Scope, data []byte) (*PublishResult, error) {
	doc, err := journey.ParseDocument(data)
	if err != nil {
		return nil, err
	}

	slug := journey.NormalizeSlug(doc.Slug)
	latest, err := u.definitionRepo.LatestVersion(ctx, scope, slug)
	if err != nil {
		return nil, fmt.Errorf("look up latest version of %s: %w", slug, err)
	}
	version, err := model.NewVersion(latest + 1)
	if err != nil {
		return nil, err
	}

	def, err := journey.NewDefinitionFromDocument(scope, version, doc)
	if err != nil {
		return nil, err
	}

	if err := u.definitionRepo.Save(ctx, def); err != nil {
		return nil, fmt.Errorf("save definition %s %s: %w", slug, version, err)
	}

	u.logger.Info().
		Str("scope", scope.String()).
		Str("slug", def.Slug()).
		Str("version", def.Version().String()).
		Msg("definition published")

	return &PublishResult{DefinitionID: def.ID(), Slug: def.Slug(), Version: def.Version()}, nil
}

// DeactivateDefinitionUseCase retires one published version so new
// instances stop binding to it
type DeactivateDefinitionUseCase struct {
	definitionRepo repository.DefinitionRepository
	logger         zerolog.Logger
}

// NewDeactivateDefinitionUseCase creates a new DeactivateDefinitionUseCase
func NewDeactivateDefinitionUseCase(definitionRepo repository.DefinitionRepository, logger zerolog.Logger) *DeactivateDefinitionUseCase {
	return &DeactivateDefinitionUseCase{definitionRepo: definitionRepo, logger: logger}
}

// Execute marks the given version inactive. Instances already bound to it
// are unaffected; they resolve the definition by ID, not by latest-active.
func (u *DeactivateDefinitionUseCase) Execute(ctx context.Context, scope model.Scope, slug string, version model.Version) error {
	def, err := u.definitionRepo.Find(ctx, scope, journey.NormalizeSlug(slug), version)
	if err != nil {
		return err
	}
	if def == nil {
		return domerr.ErrDefinitionNotFound.WithDetails(map[string]interface{}{
			"slug":    slug,
			"version": version.Value(),
		})
	}
	if err := u.definitionRepo.Deactivate(ctx, def.ID()); err != nil {
		return fmt.Errorf("deactivate definition %s %s: %w", slug, version, err)
	}
	u.logger.Info().
		Str("slug", def.Slug()).
		Str("version", version.String()).
		Msg("definition deactivated")
	return nil
}
