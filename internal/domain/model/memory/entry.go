// Package memory holds the decaying key-value store of cross-instance
// learnings. Entries are reinforced on rewrite and pruned after expiry;
// an external decay process lowers relevance for entries left alone.
package memory

import (
	"errors"
	"time"
)

// reinforcementNudge is how far one reinforcement moves relevance toward 1.0
const reinforcementNudge = 0.1

// Entry is one remembered value, keyed by (memoryType, scopeType, scopeID, key)
type Entry struct {
	memoryType     string
	scopeType      string
	scopeID        string
	key            string
	value          map[string]interface{}
	relevanceScore float64
	accessCount    int
	expiresAt      *time.Time
	createdAt      time.Time
	updatedAt      time.Time
}

// New creates an entry with full relevance. A nil ttl means the entry never
// expires; a zero ttl produces an entry that is already expired.
func New(memoryType, scopeType, scopeID, key string, value map[string]interface{}, ttl *time.Duration) (*Entry, error) {
	if memoryType == "" || scopeType == "" || scopeID == "" || key == "" {
		return nil, errors.New("memory entry key components cannot be empty")
	}
	if value == nil {
		value = make(map[string]interface{})
	}

	now := time.Now().UTC()
	e := &Entry{
		memoryType:     memoryType,
		scopeType:      scopeType,
		scopeID:        scopeID,
		key:            key,
		value:          value,
		relevanceScore: 1.0,
		accessCount:    1,
		createdAt:      now,
		updatedAt:      now,
	}
	if ttl != nil {
		expires := now.Add(*ttl)
		e.expiresAt = &expires
	}
	return e, nil
}

// Reconstruct rebuilds an entry from persisted data
func Reconstruct(
	memoryType, scopeType, scopeID, key string,
	value map[string]interface{},
	relevanceScore float64,
	accessCount int,
	expiresAt *time.Time,
	createdAt, updatedAt time.Time,
) *Entry {
	return &Entry{
		memoryType:     memoryType,
		scopeType:      scopeType,
		scopeID:        scopeID,
		key:            key,
		value:          value,
		relevanceScore: relevanceScore,
		accessCount:    accessCount,
		expiresAt:      expiresAt,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
	}
}

// Reinforce replaces the value, bumps the access counter, and nudges
// relevance toward 1.0. A non-nil ttl refreshes the expiry; nil keeps the
// prior one.
func (e *Entry) Reinforce(value map[string]interface{}, ttl *time.Duration) {
	if value == nil {
		value = make(map[string]interface{})
	}
	e.value = value
	e.accessCount++
	e.relevanceScore = min(1.0, e.relevanceScore+reinforcementNudge)
	now := time.Now().UTC()
	if ttl != nil {
		expires := now.Add(*ttl)
		e.expiresAt = &expires
	}
	e.updatedAt = now
}

// Decay lowers relevance by the given amount, flooring at zero.
// Called by the external decay process for entries not reinforced.
func (e *Entry) Decay(amount float64) {
	e.relevanceScore = max(0, e.relevanceScore-amount)
	e.updatedAt = time.Now().UTC()
}

// IsExpired reports whether the entry has passed its expiry
func (e *Entry) IsExpired(now time.Time) bool {
	return e.expiresAt != nil && !now.Before(*e.expiresAt)
}

// Getters
func (e *Entry) MemoryType() string            { return e.memoryType }
func (e *Entry) ScopeType() string             { return e.scopeType }
func (e *Entry) ScopeID() string               { return e.scopeID }
func (e *Entry) Key() string                   { return e.key }
func (e *Entry) Value() map[string]interface{} { return e.value }
func (e *Entry) RelevanceScore() float64       { return e.relevanceScore }
func (e *Entry) AccessCount() int              { return e.accessCount }
func (e *Entry) ExpiresAt() *time.Time         { return e.expiresAt }
func (e *Entry) CreatedAt() time.Time          { return e.createdAt }
func (e *Entry) UpdatedAt() time.Time          { return e.updatedAt }
