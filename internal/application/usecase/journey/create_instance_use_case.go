package journey

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// CreateInstanceInput describes a new journey instance to start
type CreateInstanceInput struct {
	Scope          model.Scope
	Slug           string
	Version        int // 0 binds to the latest active version
	EntityID       string
	InitialContext map[string]interface{}
	MaxRetries     int
}

// CreateInstanceUseCase starts a journey instance bound to an exact
// definition version
type CreateInstanceUseCase struct {
	definitionRepo repository.DefinitionRepository
	instanceRepo   repository.InstanceRepository
	logger         zerolog.Logger
}

// NewCreateInstanceUseCase creates a new CreateInstanceUseCase
func NewCreateInstanceUseCase(
	definitionRepo repository.DefinitionRepository,
	instanceRepo repository.InstanceRepository,
	logger zerolog.Logger,
) *CreateInstanceUseCase {
	return &CreateInstanceUseCase{
		definitionRepo: definitionRepo,
		instanceRepo:   instanceRepo,
		logger:         logger,
	}
}

// Execute resolves the definition, validates required context, and persists
// the new instance in its initial state
func (u *CreateInstanceUseCase) Execute(ctx context.Context, input CreateInstanceInput) (*instance.Instance, error) {
	slug := journey.NormalizeSlug(input.Slug)

	var def *journey.Definition
	var err error
	if input.Version > 0 {
		version, verr := model.NewVersion(input.Version)
		if verr != nil {
			return nil, verr
		}
		def, err = u.definitionRepo.Find(ctx, input.Scope, slug, version)
	} else {
		def, err = u.definitionRepo.FindLatest(ctx, input.Scope, slug)
	}
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, domerr.ErrDefinitionNotFound.WithDetails(map[string]interface{}{
			"scope":   input.Scope.String(),
			"slug":    slug,
			"version": input.Version,
		})
	}

	inst, err := instance.New(def, input.EntityID, input.InitialContext, input.MaxRetries)
	if err != nil {
		return nil, err
	}

	if err := u.instanceRepo.Save(ctx, inst); err != nil {
		return nil, fmt.Errorf("save instance: %w", err)
	}

	u.logger.Info().
		Str("instance_id", inst.ID().String()).
		Str("slug", def.Slug()).
		Str("version", def.Version().String()).
		Str("entity_id", input.EntityID).
		Msg("instance created")

	return inst, nil
}
