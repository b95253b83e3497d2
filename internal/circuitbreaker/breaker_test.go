package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTripsOpenAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("worker-1")
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 2 }
	cb := New(cfg)

	failing := func() (interface{}, error) { return nil, errors.New("boom") }

	_, err := cb.Execute(failing)
	require.Error(t, err)
	assert.Equal(t, StateClosed, cb.State())

	_, err = cb.Execute(failing)
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())

	_, err = cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestHalfOpenRecoversOnSuccess(t *testing.T) {
	cfg := DefaultConfig("worker-2")
	cfg.Timeout = 10 * time.Millisecond
	cfg.MaxRequests = 1
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 1 }
	cb := New(cfg)

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestManagerGetOrCreateReusesBreaker(t *testing.T) {
	m := NewManager(DefaultConfig("default"))
	a := m.GetOrCreate("worker-a", DefaultConfig("worker-a"))
	b := m.GetOrCreate("worker-a", DefaultConfig("worker-a"))
	assert.Same(t, a, b)
}

func TestManagerHealthStatusReflectsOpenBreaker(t *testing.T) {
	m := NewManager(DefaultConfig("default"))
	cfg := DefaultConfig("worker-b")
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 1 }
	cb := m.GetOrCreate("worker-b", cfg)

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })

	summary, statuses := m.HealthStatus()
	assert.Equal(t, "DEGRADED", summary)
	assert.Equal(t, "OPEN", statuses["worker-b"])
}
