package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// DefinitionRepositoryImpl implements repository.DefinitionRepository with SQLite.
// The definition graph is stored as its JSON document; the indexed columns
// exist only for lookup.
type DefinitionRepositoryImpl struct {
	db *sql.DB
}

// NewDefinitionRepository creates a new SQLite-based definition repository
func NewDefinitionRepository(db *sql.DB) repository.DefinitionRepository {
	return &DefinitionRepositoryImpl{db: db}
}

// Save persists a newly published definition version
func (r *DefinitionRepositoryImpl) Save(ctx context.Context, def *journey.Definition) error {
	doc, err := json.Marshal(journey.DocumentFromDefinition(def))
	if err != nil {
		return fmt.Errorf("marshal definition document: %w", err)
	}

	db := executorFrom(ctx, r.db)
	_, err = db.ExecContext(ctx, `
		INSERT INTO journey_definitions (id, scope, slug, version, document, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		def.ID().String(),
		def.Scope().String(),
		def.Slug(),
		def.Version().Value(),
		string(doc),
		boolToInt(def.IsActive()),
		formatTime(def.CreatedAt()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return domerr.ErrDefinitionInvalid.WithDetails(map[string]interface{}{
				"slug":    def.Slug(),
				"version": def.Version().Value(),
				"problems": []string{
					fmt.Sprintf("version %d already published", def.Version().Value()),
				},
			})
		}
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

// FindByID retrieves the exact definition version an instance is bound to
func (r *DefinitionRepositoryImpl) FindByID(ctx context.Context, id model.DefinitionID) (*journey.Definition, error) {
	db := executorFrom(ctx, r.db)
	row := db.QueryRowContext(ctx, `
		SELECT id, scope, slug, version, document, active, created_at
		FROM journey_definitions WHERE id = ?
	`, id.String())

	def, err := r.scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, domerr.ErrDefinitionNotFound.WithDetails(map[string]interface{}{
			"definition_id": id.String(),
		})
	}
	return def, err
}

// Find retrieves a specific version of a definition
func (r *DefinitionRepositoryImpl) Find(ctx context.Context, scope model.Scope, slug string, version model.Version) (*journey.Definition, error) {
	db := executorFrom(ctx, r.db)
	row := db.QueryRowContext(ctx, `
		SELECT id, scope, slug, version, document, active, created_at
		FROM journey_definitions WHERE scope = ? AND slug = ? AND version = ?
	`, scope.String(), slug, version.Value())

	def, err := r.scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return def, err
}

// FindLatest retrieves the latest active version of a definition
func (r *DefinitionRepositoryImpl) FindLatest(ctx context.Context, scope model.Scope, slug string) (*journey.Definition, error) {
	db := executorFrom(ctx, r.db)
	row := db.QueryRowContext(ctx, `
		SELECT id, scope, slug, version, document, active, created_at
		FROM journey_definitions
		WHERE scope = ? AND slug = ? AND active = 1
		ORDER BY version DESC LIMIT 1
	`, scope.String(), slug)

	def, err := r.scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return def, err
}

// LatestVersion returns the highest published version for a slug, 0 if none
func (r *DefinitionRepositoryImpl) LatestVersion(ctx context.Context, scope model.Scope, slug string) (int, error) {
	db := executorFrom(ctx, r.db)
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM journey_definitions WHERE scope = ? AND slug = ?
	`, scope.String(), slug).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query latest version: %w", err)
	}
	return int(version.Int64), nil
}

// Deactivate marks a version inactive so FindLatest skips it
func (r *DefinitionRepositoryImpl) Deactivate(ctx context.Context, id model.DefinitionID) error {
	db := executorFrom(ctx, r.db)
	result, err := db.ExecContext(ctx,
		"UPDATE journey_definitions SET active = 0 WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("deactivate definition: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domerr.ErrDefinitionNotFound.WithDetails(map[string]interface{}{
			"definition_id": id.String(),
		})
	}
	return nil
}

// scanDefinition rebuilds a definition from one row
func (r *DefinitionRepositoryImpl) scanDefinition(row *sql.Row) (*journey.Definition, error) {
	var (
		idStr, scopeStr, slug, docJSON, createdAtStr string
		version, active                              int
	)
	if err := row.Scan(&idStr, &scopeStr, &slug, &version, &docJSON, &active, &createdAtStr); err != nil {
		return nil, err
	}

	var doc journey.Document
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal definition document: %w", err)
	}

	id, err := model.NewDefinitionIDFromString(idStr)
	if err != nil {
		return nil, err
	}
	scope, err := model.NewScope(scopeStr)
	if err != nil {
		return nil, err
	}
	ver, err := model.NewVersion(version)
	if err != nil {
		return nil, err
	}
	createdAt, err := parseTime(createdAtStr)
	if err != nil {
		return nil, err
	}

	return journey.ReconstructDefinitionFromDocument(id, scope, ver, &doc, active == 1, createdAt)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
