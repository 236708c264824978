package executor

import (
	"time"

	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/keypool"
)

// attemptTimeout computes the adaptive per-attempt timeout for one key:
// p95 latency scaled by the configured multiplier, clamped to
// [minMs, maxMs], grown per retry, and hard-capped by requestTimeout.
// Before enough samples exist the initial timeout applies.
func attemptTimeout(cfg *config.TimeoutConfig, st *keypool.State, retryIdx int) time.Duration {
	var base float64
	if st != nil && st.SampleCount() >= cfg.MinSamples {
		base = float64(st.P95()) * cfg.LatencyMultiplier
	} else {
		base = float64(cfg.InitialMs)
	}

	if base < float64(cfg.MinMs) {
		base = float64(cfg.MinMs)
	}
	if base > float64(cfg.MaxMs) {
		base = float64(cfg.MaxMs)
	}

	for i := 0; i < retryIdx; i++ {
		base *= cfg.RetryMultiplier
	}

	if cfg.RequestTimeout > 0 && base > float64(cfg.RequestTimeout) {
		base = float64(cfg.RequestTimeout)
	}
	return time.Duration(base) * time.Millisecond
}
