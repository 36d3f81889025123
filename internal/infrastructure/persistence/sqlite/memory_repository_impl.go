package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/compasshq/journeyd/internal/domain/model/memory"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

const memoryColumns = `memory_type, scope_type, scope_id, key, value,
	relevance_score, access_count, expires_at, created_at, updated_at`

// MemoryRepositoryImpl implements repository.MemoryRepository with SQLite
type MemoryRepositoryImpl struct {
	db *sql.DB
}

// NewMemoryRepository creates a new SQLite-based memory repository
func NewMemoryRepository(db *sql.DB) repository.MemoryRepository {
	return &MemoryRepositoryImpl{db: db}
}

// Find retrieves an entry; returns (nil, nil) if absent
func (r *MemoryRepositoryImpl) Find(ctx context.Context, key repository.MemoryKey) (*memory.Entry, error) {
	db := executorFrom(ctx, r.db)
	row := db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+` FROM memory_entries
		WHERE memory_type = ? AND scope_type = ? AND scope_id = ? AND key = ?
	`, key.MemoryType, key.ScopeType, key.ScopeID, key.Key)

	e, err := scanMemoryEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// Save inserts a new entry. An expired row with the same key may still be
// present until the reaper runs; the upsert replaces it.
func (r *MemoryRepositoryImpl) Save(ctx context.Context, e *memory.Entry) error {
	valueJSON, err := marshalJSON(e.Value())
	if err != nil {
		return err
	}

	db := executorFrom(ctx, r.db)
	_, err = db.ExecContext(ctx, `
		INSERT INTO memory_entries (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (memory_type, scope_type, scope_id, key) DO UPDATE SET
			value = excluded.value,
			relevance_score = excluded.relevance_score,
			access_count = excluded.access_count,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		e.MemoryType(), e.ScopeType(), e.ScopeID(), e.Key(),
		valueJSON,
		e.RelevanceScore(),
		e.AccessCount(),
		formatExpiry(e.ExpiresAt()),
		formatTime(e.CreatedAt()),
		formatTime(e.UpdatedAt()),
	)
	if err != nil {
		return fmt.Errorf("insert memory entry: %w", err)
	}
	return nil
}

// Update persists a reinforced or decayed entry
func (r *MemoryRepositoryImpl) Update(ctx context.Context, e *memory.Entry) error {
	valueJSON, err := marshalJSON(e.Value())
	if err != nil {
		return err
	}

	db := executorFrom(ctx, r.db)
	result, err := db.ExecContext(ctx, `
		UPDATE memory_entries SET
			value = ?, relevance_score = ?, access_count = ?,
			expires_at = ?, updated_at = ?
		WHERE memory_type = ? AND scope_type = ? AND scope_id = ? AND key = ?
	`,
		valueJSON,
		e.RelevanceScore(),
		e.AccessCount(),
		formatExpiry(e.ExpiresAt()),
		formatTime(e.UpdatedAt()),
		e.MemoryType(), e.ScopeType(), e.ScopeID(), e.Key(),
	)
	if err != nil {
		return fmt.Errorf("update memory entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("memory entry not found: %s/%s/%s/%s",
			e.MemoryType(), e.ScopeType(), e.ScopeID(), e.Key())
	}
	return nil
}

// DeleteExpired removes entries whose expiry has passed, returning the count
func (r *MemoryRepositoryImpl) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	db := executorFrom(ctx, r.db)
	result, err := db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired memory entries: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// ListByScope lists entries for one scope in relevance order
func (r *MemoryRepositoryImpl) ListByScope(ctx context.Context, scopeType, scopeID string) ([]*memory.Entry, error) {
	db := executorFrom(ctx, r.db)
	rows, err := db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memory_entries
		WHERE scope_type = ? AND scope_id = ?
		ORDER BY relevance_score DESC, updated_at DESC
	`, scopeType, scopeID)
	if err != nil {
		return nil, fmt.Errorf("query memory entries: %w", err)
	}
	defer rows.Close()

	var out []*memory.Entry
	for rows.Next() {
		e, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanMemoryEntry(row rowScanner) (*memory.Entry, error) {
	var (
		memoryType, scopeType, scopeID, key, valueJSON string
		relevance                                      float64
		accessCount                                    int
		expiresAtStr                                   sql.NullString
		createdAtStr, updatedAtStr                     string
	)
	if err := row.Scan(
		&memoryType, &scopeType, &scopeID, &key, &valueJSON,
		&relevance, &accessCount, &expiresAtStr, &createdAtStr, &updatedAtStr,
	); err != nil {
		return nil, err
	}

	value, err := unmarshalMap(valueJSON)
	if err != nil {
		return nil, err
	}
	var expiresAt *time.Time
	if expiresAtStr.Valid && expiresAtStr.String != "" {
		t, err := parseTime(expiresAtStr.String)
		if err != nil {
			return nil, err
		}
		expiresAt = &t
	}
	createdAt, err := parseTime(createdAtStr)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime(updatedAtStr)
	if err != nil {
		return nil, err
	}

	return memory.Reconstruct(
		memoryType, scopeType, scopeID, key,
		value, relevance, accessCount,
		expiresAt, createdAt, updatedAt,
	), nil
}

func formatExpiry(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
