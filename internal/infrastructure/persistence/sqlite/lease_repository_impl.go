package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	domerr "github.com/compasshq/journeyd/internal/domain/errors"
	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/lease"
	"github.com/compasshq/journeyd/internal/domain/repository"
)

// LeaseRepositoryImpl implements repository.LeaseRepository with SQLite.
// The instance_id PRIMARY KEY makes Acquire a compare-and-swap: after the
// expired row is cleared, exactly one contender's INSERT survives the
// UNIQUE constraint.
type LeaseRepositoryImpl struct {
	db *sql.DB
}

// NewLeaseRepository creates a new SQLite-based lease repository
func NewLeaseRepository(db *sql.DB) repository.LeaseRepository {
	return &LeaseRepositoryImpl{db: db}
}

// Acquire attempts to take the lease for an instance.
// Returns (nil, nil) when an unexpired lease is held elsewhere.
func (r *LeaseRepositoryImpl) Acquire(ctx context.Context, instanceID model.InstanceID, ttl time.Duration) (*lease.Lease, error) {
	db := executorFrom(ctx, r.db)
	now := time.Now().UTC()

	existing, err := r.Find(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.IsExpired() {
			return nil, nil
		}
		// Clear the expired row. If another contender already deleted and
		// re-inserted, the guard below loses the race via the constraint.
		if _, err := db.ExecContext(ctx,
			`DELETE FROM instance_leases WHERE instance_id = ? AND expires_at < ?`,
			instanceID.String(), formatTime(now),
		); err != nil {
			return nil, fmt.Errorf("clear expired lease: %w", err)
		}
	}

	ls, err := lease.New(instanceID, ttl)
	if err != nil {
		return nil, fmt.Errorf("create lease: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO instance_leases (instance_id, token, pid, hostname, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ls.InstanceID().String(),
		ls.Token(),
		ls.PID(),
		ls.Hostname(),
		formatTime(ls.AcquiredAt()),
		formatTime(ls.ExpiresAt()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Another worker won the race.
			return nil, nil
		}
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	return ls, nil
}

// Release clears the lease. A non-empty token must match the held lease;
// an empty token releases unconditionally (operator override).
func (r *LeaseRepositoryImpl) Release(ctx context.Context, instanceID model.InstanceID, token string) error {
	db := executorFrom(ctx, r.db)

	if token == "" {
		if _, err := db.ExecContext(ctx,
			`DELETE FROM instance_leases WHERE instance_id = ?`, instanceID.String(),
		); err != nil {
			return fmt.Errorf("delete lease: %w", err)
		}
		return nil
	}

	result, err := db.ExecContext(ctx,
		`DELETE FROM instance_leases WHERE instance_id = ? AND token = ?`,
		instanceID.String(), token,
	)
	if err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domerr.ErrLockNotHeld.WithDetails(map[string]interface{}{
			"instance_id": instanceID.String(),
		})
	}
	return nil
}

// Find retrieves the current lease for an instance; (nil, nil) if none
func (r *LeaseRepositoryImpl) Find(ctx context.Context, instanceID model.InstanceID) (*lease.Lease, error) {
	db := executorFrom(ctx, r.db)
	row := db.QueryRowContext(ctx, `
		SELECT instance_id, token, pid, hostname, acquired_at, expires_at
		FROM instance_leases WHERE instance_id = ?
	`, instanceID.String())

	ls, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ls, err
}

// Extend pushes the expiry of a held lease further out
func (r *LeaseRepositoryImpl) Extend(ctx context.Context, instanceID model.InstanceID, token string, duration time.Duration) error {
	ls, err := r.Find(ctx, instanceID)
	if err != nil {
		return err
	}
	if ls == nil || ls.IsExpired() || !ls.Matches(token) {
		return domerr.ErrLockNotHeld.WithDetails(map[string]interface{}{
			"instance_id": instanceID.String(),
		})
	}

	ls.Extend(duration)
	db := executorFrom(ctx, r.db)
	result, err := db.ExecContext(ctx,
		`UPDATE instance_leases SET expires_at = ? WHERE instance_id = ? AND token = ?`,
		formatTime(ls.ExpiresAt()), instanceID.String(), token,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domerr.ErrLockNotHeld.WithDetails(map[string]interface{}{
			"instance_id": instanceID.String(),
		})
	}
	return nil
}

// CleanupExpired removes expired leases, returning how many were removed
func (r *LeaseRepositoryImpl) CleanupExpired(ctx context.Context) (int, error) {
	db := executorFrom(ctx, r.db)
	result, err := db.ExecContext(ctx,
		`DELETE FROM instance_leases WHERE expires_at < ?`,
		formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired leases: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// List lists all active leases
func (r *LeaseRepositoryImpl) List(ctx context.Context) ([]*lease.Lease, error) {
	db := executorFrom(ctx, r.db)
	rows, err := db.QueryContext(ctx, `
		SELECT instance_id, token, pid, hostname, acquired_at, expires_at
		FROM instance_leases ORDER BY acquired_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query leases: %w", err)
	}
	defer rows.Close()

	var out []*lease.Lease
	for rows.Next() {
		ls, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

func scanLease(row rowScanner) (*lease.Lease, error) {
	var (
		instanceIDStr, token, hostname      string
		pid                                 int
		acquiredAtStr, expiresAtStr         string
	)
	if err := row.Scan(&instanceIDStr, &token, &pid, &hostname, &acquiredAtStr, &expiresAtStr); err != nil {
		return nil, err
	}

	instanceID, err := model.NewInstanceIDFromString(instanceIDStr)
	if err != nil {
		return nil, err
	}
	acquiredAt, err := parseTime(acquiredAtStr)
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseTime(expiresAtStr)
	if err != nil {
		return nil, err
	}

	return lease.Reconstruct(instanceID, token, pid, hostname, acquiredAt, expiresAt), nil
}
