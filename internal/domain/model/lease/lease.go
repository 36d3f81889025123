// Package lease implements the per-instance lease token used for
// lightweight mutual exclusion. A lease self-expires: if a holder crashes
// without releasing, another worker may reclaim it after expiry.
package lease

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/compasshq/journeyd/internal/domain/model"
)

// Lease is a time-bounded ownership token for one journey instance
type Lease struct {
	instanceID model.InstanceID
	token      string
	pid        int
	hostname   string
	acquiredAt time.Time
	expiresAt  time.Time
}

// New creates a fresh lease with a random token
func New(instanceID model.InstanceID, ttl time.Duration) (*Lease, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}

	now := time.Now().UTC()
	return &Lease{
		instanceID: instanceID,
		token:      uuid.New().String(),
		pid:        os.Getpid(),
		hostname:   hostname,
		acquiredAt: now,
		expiresAt:  now.Add(ttl),
	}, nil
}

// Reconstruct rebuilds a lease from persisted data
func Reconstruct(
	instanceID model.InstanceID,
	token string,
	pid int,
	hostname string,
	acquiredAt, expiresAt time.Time,
) *Lease {
	return &Lease{
		instanceID: instanceID,
		token:      token,
		pid:        pid,
		hostname:   hostname,
		acquiredAt: acquiredAt,
		expiresAt:  expiresAt,
	}
}

// IsExpired checks if the lease has expired
func (l *Lease) IsExpired() bool {
	return time.Now().UTC().After(l.expiresAt)
}

// Matches verifies a caller's token against this lease
func (l *Lease) Matches(token string) bool {
	return token != "" && l.token == token
}

// Extend pushes the expiry further out
func (l *Lease) Extend(duration time.Duration) {
	l.expiresAt = l.expiresAt.Add(duration)
}

// Getters
func (l *Lease) InstanceID() model.InstanceID { return l.instanceID }
func (l *Lease) Token() string                { return l.token }
func (l *Lease) PID() int                     { return l.pid }
func (l *Lease) Hostname() string             { return l.hostname }
func (l *Lease) AcquiredAt() time.Time        { return l.acquiredAt }
func (l *Lease) ExpiresAt() time.Time         { return l.expiresAt }
func (l *Lease) RemainingTime() time.Duration { return time.Until(l.expiresAt) }
