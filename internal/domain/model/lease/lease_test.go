package lease

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/journeyd/internal/domain/model"
)

func TestNewLease(t *testing.T) {
	id := model.NewInstanceID()
	ls, err := New(id, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, id, ls.InstanceID())
	assert.NotEmpty(t, ls.Token())
	assert.NotEmpty(t, ls.Hostname())
	assert.NotZero(t, ls.PID())
	assert.False(t, ls.IsExpired())
	assert.Greater(t, ls.RemainingTime(), time.Duration(0))
}

func TestLeaseTokensAreUnique(t *testing.T) {
	id := model.NewInstanceID()
	a, err := New(id, time.Minute)
	require.NoError(t, err)
	b, err := New(id, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, a.Token(), b.Token())
}

func TestLeaseMatches(t *testing.T) {
	ls, err := New(model.NewInstanceID(), time.Minute)
	require.NoError(t, err)

	assert.True(t, ls.Matches(ls.Token()))
	assert.False(t, ls.Matches("other"))
	assert.False(t, ls.Matches(""), "empty token never matches")
}

func TestLeaseExpiry(t *testing.T) {
	ls, err := New(model.NewInstanceID(), -time.Second)
	require.NoError(t, err)
	assert.True(t, ls.IsExpired())

	ls.Extend(time.Hour)
	assert.False(t, ls.IsExpired())
}
