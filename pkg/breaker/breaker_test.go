package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verisimdb/verisimdb/pkg/log"
)

func init() {
	log.Init(log.Config{Verbosity: log.Silent})
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("store:test", 3, time.Minute)

	require.Equal(t, StateClosed, b.State())
	b.Failure()
	b.Failure()
	require.Equal(t, StateClosed, b.State())
	b.Failure()
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("store:test", 3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbeAfterCoolDown(t *testing.T) {
	now := time.Now()
	b := New("store:test", 1, time.Minute)
	b.now = func() time.Time { return now }

	b.Failure()
	require.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// Cool-down elapses; exactly one probe is admitted.
	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow())

	b.Success()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := New("store:test", 1, time.Minute)
	b.now = func() time.Time { return now }

	b.Failure()
	now = now.Add(2 * time.Minute)
	require.True(t, b.Allow())

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
}

func TestDoFailsFastWhenOpen(t *testing.T) {
	b := New("store:test", 1, time.Minute)
	b.Failure()

	called := false
	err := b.Do(func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
}

func TestStats(t *testing.T) {
	b := New("store:test", 5, time.Minute)
	b.Success()
	b.Failure()
	b.Failure()

	s := b.Stats()
	assert.Equal(t, "store:test", s.Name)
	assert.Equal(t, uint64(3), s.TotalCalls)
	assert.Equal(t, uint64(2), s.TotalFails)
	assert.Equal(t, 2, s.Failures)
	assert.InDelta(t, 2.0/3.0, s.FailureRate, 1e-9)
}
