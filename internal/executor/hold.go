package executor

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/obslog"
)

// AdmissionHold sleeps a request locally when its whole tier is cooled
// down, substituting a short wait for a guaranteed-fail upstream send.
// Holds are capped globally; past the cap the caller rejects immediately.
type AdmissionHold struct {
	cfg   config.AdmissionHoldConfig
	holds int64 // atomic
}

// NewAdmissionHold builds the gate.
func NewAdmissionHold(cfg config.AdmissionHoldConfig) *AdmissionHold {
	return &AdmissionHold{cfg: cfg}
}

// ShouldHold reports whether a tier-wide cooldown of rem warrants holding
// rather than sending or failing.
func (h *AdmissionHold) ShouldHold(rem time.Duration) bool {
	return rem > time.Duration(h.cfg.MinCooldownToHoldMs)*time.Millisecond
}

// Active returns the number of requests currently held.
func (h *AdmissionHold) Active() int64 { return atomic.LoadInt64(&h.holds) }

// Hold sleeps for min(rem + jitter, maxHoldMs) and returns the time spent
// and true. It returns 0 and false when the concurrent-hold cap is reached,
// and the time spent so far and false when ctx ends first. Hold time is
// excluded from the caller's retry-window clock.
func (h *AdmissionHold) Hold(ctx context.Context, tier string, rem time.Duration) (time.Duration, bool) {
	if atomic.AddInt64(&h.holds, 1) > int64(h.cfg.MaxConcurrentHolds) {
		atomic.AddInt64(&h.holds, -1)
		return 0, false
	}
	defer atomic.AddInt64(&h.holds, -1)

	jitter := time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
	wait := rem + jitter
	if max := time.Duration(h.cfg.MaxHoldMs) * time.Millisecond; wait > max {
		wait = max
	}

	obslog.Debug("executor: holding request %s for tier %s cooldown", wait.Round(time.Millisecond), tier)
	start := time.Now()
	select {
	case <-time.After(wait):
		return time.Since(start), true
	case <-ctx.Done():
		return time.Since(start), false
	}
}
