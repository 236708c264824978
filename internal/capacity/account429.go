package capacity

import (
	"sync"
	"time"

	"github.com/riftrelay/capacity-proxy/internal/config"
)

// Account429Detector is a sliding-window detector: when N distinct keys
// 429 within W, it declares an account-wide cooldown during which every
// key is treated as temporarily unusable regardless of its own per-key
// state.
type Account429Detector struct {
	mu  sync.Mutex
	cfg config.Account429Config

	hits map[string]time.Time // keyID -> last 429 time

	cooldownUntil time.Time

	mirror func(until time.Time)
}

// SetMirror registers a hook invoked when the account-wide cooldown
// engages, used to share the state across proxy replicas.
func (d *Account429Detector) SetMirror(fn func(until time.Time)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mirror = fn
}

// ObserveRemote applies an account cooldown learned from a peer replica.
func (d *Account429Detector) ObserveRemote(until time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if until.After(d.cooldownUntil) {
		d.cooldownUntil = until
	}
}

// NewAccount429Detector constructs a detector.
func NewAccount429Detector(cfg config.Account429Config) *Account429Detector {
	return &Account429Detector{cfg: cfg, hits: map[string]time.Time{}}
}

// RecordRateLimit registers a 429 observed on keyID.
func (d *Account429Detector) RecordRateLimit(keyID string) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hits[keyID] = now

	cutoff := now.Add(-time.Duration(d.cfg.WindowMs) * time.Millisecond)
	distinct := 0
	for id, t := range d.hits {
		if t.Before(cutoff) {
			delete(d.hits, id)
			continue
		}
		distinct++
	}

	if distinct >= d.cfg.KeyThreshold {
		until := now.Add(time.Duration(d.cfg.CooldownMs) * time.Millisecond)
		if until.After(d.cooldownUntil) {
			d.cooldownUntil = until
			if d.mirror != nil {
				go d.mirror(until)
			}
		}
	}
}

// IsCooled reports whether the whole account/pool is presently in the
// account-wide cooldown window.
func (d *Account429Detector) IsCooled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Now().Before(d.cooldownUntil)
}

// Remaining returns the time left in the account-wide cooldown.
func (d *Account429Detector) Remaining() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	rem := time.Until(d.cooldownUntil)
	if rem < 0 {
		return 0
	}
	return rem
}
