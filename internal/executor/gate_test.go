package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/keypool"
)

func TestGateAdmitsUpToCapacity(t *testing.T) {
	g := newAdmissionGate(2, 10)

	assert.True(t, g.TryAcquire(time.Millisecond))
	assert.True(t, g.TryAcquire(time.Millisecond))
	assert.False(t, g.TryAcquire(10*time.Millisecond), "third acquire should time out")

	g.Release()
	assert.True(t, g.TryAcquire(time.Millisecond))
}

func TestGateWakesWaitersFIFO(t *testing.T) {
	g := newAdmissionGate(1, 10)
	assert.True(t, g.TryAcquire(time.Millisecond))

	order := make(chan int, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if g.TryAcquire(time.Second) {
			order <- 1
		}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		defer wg.Done()
		if g.TryAcquire(time.Second) {
			order <- 2
		}
	}()
	time.Sleep(20 * time.Millisecond)

	g.Release()
	time.Sleep(20 * time.Millisecond)
	g.Release()
	wg.Wait()

	assert.Equal(t, 1, <-order, "waiters wake in FIFO order")
	assert.Equal(t, 2, <-order)
}

func TestGateRejectsWhenQueueFull(t *testing.T) {
	g := newAdmissionGate(1, 0)
	assert.True(t, g.TryAcquire(time.Millisecond))
	assert.False(t, g.TryAcquire(time.Millisecond), "no queue capacity means immediate rejection")
}

func TestAttemptTimeout(t *testing.T) {
	cfg := &config.TimeoutConfig{
		LatencyMultiplier: 3,
		MinMs:             1000,
		MaxMs:             30_000,
		MinSamples:        5,
		InitialMs:         10_000,
		RetryMultiplier:   2,
		RequestTimeout:    60_000,
	}

	// Before minSamples: initial timeout.
	st := keypool.NewState(keypool.Key{ID: "k"}, time.Minute, time.Minute, time.Minute, 5)
	assert.Equal(t, 10*time.Second, attemptTimeout(cfg, st, 0))

	// With samples: p95 * multiplier, clamped.
	for i := 0; i < 10; i++ {
		st.RecordLatency(2000)
	}
	assert.Equal(t, 6*time.Second, attemptTimeout(cfg, st, 0))
	assert.Equal(t, 12*time.Second, attemptTimeout(cfg, st, 1), "retry multiplier applies per retry")

	// Clamp floor.
	st2 := keypool.NewState(keypool.Key{ID: "k2"}, time.Minute, time.Minute, time.Minute, 5)
	for i := 0; i < 10; i++ {
		st2.RecordLatency(10)
	}
	assert.Equal(t, time.Second, attemptTimeout(cfg, st2, 0))
}
