package keypool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerTripsOnThreshold(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 50*time.Millisecond, 20*time.Millisecond, 3)

	require.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CLOSED, cb.State())
	cb.RecordFailure()
	assert.Equal(t, OPEN, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 10*time.Millisecond, 20*time.Millisecond, 1)
	cb.RecordFailure()
	require.Equal(t, OPEN, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.True(t, cb.Allow())
	assert.Equal(t, HALF_OPEN, cb.State())

	cb.BeginProbe()
	assert.False(t, cb.Allow(), "only one probe admitted at a time")
}

func TestCircuitBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 5*time.Millisecond, 20*time.Millisecond, 1)
	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.BeginProbe()

	cb.RecordSuccess()
	assert.Equal(t, CLOSED, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 5*time.Millisecond, 20*time.Millisecond, 1)
	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.BeginProbe()

	cb.RecordFailure()
	assert.Equal(t, OPEN, cb.State())
}

func TestCircuitBreakerProbeTimeoutReopens(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 5*time.Millisecond, 10*time.Millisecond, 1)
	cb.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.BeginProbe()

	// Probe never resolves; before the timeout the breaker stays wedged
	// shut, after it the sweep reopens so a later probe can run.
	cb.CheckProbeTimeout()
	assert.Equal(t, HALF_OPEN, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(15 * time.Millisecond)
	cb.CheckProbeTimeout()
	require.Equal(t, OPEN, cb.State())

	time.Sleep(10 * time.Millisecond)
	assert.True(t, cb.Allow(), "a fresh probe is admitted after the timed-out one reopened")
}

func TestSchedulerSweepRecoversHungProbe(t *testing.T) {
	store := tempKeyStore(t, 1)
	schedCfg, cbCfg, cdCfg := testSchedulerConfig()
	cbCfg.FailureThreshold = 1
	cbCfg.CooldownPeriodMs = 5
	cbCfg.HalfOpenTimeoutMs = 10
	sched := NewKeyScheduler(store, schedCfg, cbCfg, cdCfg, nil)

	// Trip the breaker, wait into HALF_OPEN, and take the probe without
	// ever resolving it.
	_, st, _, err := sched.Next(nil, false)
	require.NoError(t, err)
	st.RecordFailure()
	time.Sleep(10 * time.Millisecond)
	_, _, _, err = sched.Next(nil, false)
	require.NoError(t, err)

	// The hung probe blocks scheduling until the sweep's timeout trips
	// it back to OPEN and the next cooldown admits a fresh probe.
	_, _, _, err = sched.Next(nil, false)
	assert.Error(t, err)

	// Past the probe timeout: this call's sweep reopens the breaker,
	// starting a fresh cooldown, so scheduling still fails here.
	time.Sleep(20 * time.Millisecond)
	_, _, _, _ = sched.Next(nil, false)

	time.Sleep(10 * time.Millisecond)
	_, _, _, err = sched.Next(nil, false)
	assert.NoError(t, err, "probe timeout sweep must recover the key")
}

func TestCircuitBreakerPurgesStaleFailures(t *testing.T) {
	cb := NewCircuitBreaker(20*time.Millisecond, time.Second, time.Second, 3)
	cb.RecordFailure()
	cb.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	cb.RecordFailure()
	assert.Equal(t, CLOSED, cb.State(), "stale failures must not count toward the threshold")
}
