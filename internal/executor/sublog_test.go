package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmissionLogReplay(t *testing.T) {
	l := NewSubmissionLog(90 * time.Second)

	cached, err := l.Begin("k1")
	require.NoError(t, err)
	assert.Nil(t, cached)

	l.Complete("k1", Result{Accepted: true, OrderID: "o-1"})

	cached, err = l.Begin("k1")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "o-1", cached.OrderID)
}

func TestSubmissionLogInFlight(t *testing.T) {
	l := NewSubmissionLog(90 * time.Second)

	_, err := l.Begin("k1")
	require.NoError(t, err)

	_, err = l.Begin("k1")
	assert.ErrorIs(t, err, ErrInFlight)
}

func TestSubmissionLogAbandonReleases(t *testing.T) {
	l := NewSubmissionLog(90 * time.Second)

	_, err := l.Begin("k1")
	require.NoError(t, err)
	l.Abandon("k1")

	cached, err := l.Begin("k1")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestSubmissionLogTTLExpiry(t *testing.T) {
	l := NewSubmissionLog(90 * time.Second)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, err := l.Begin("k1")
	require.NoError(t, err)
	l.Complete("k1", Result{Accepted: true, OrderID: "o-1"})

	// Within the TTL the result replays.
	now = now.Add(89 * time.Second)
	cached, err := l.Begin("k1")
	require.NoError(t, err)
	require.NotNil(t, cached)

	// Past the TTL the key is fresh again.
	now = now.Add(2 * time.Minute)
	cached, err = l.Begin("k1")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestSubmissionLogInFlightNeverExpires(t *testing.T) {
	l := NewSubmissionLog(time.Second)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, err := l.Begin("k1")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = l.Begin("k1")
	assert.ErrorIs(t, err, ErrInFlight)
}
