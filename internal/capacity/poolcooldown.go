package capacity

import (
	"sync"
	"time"

	"github.com/riftrelay/capacity-proxy/internal/config"
)

// PoolCooldown is the global cooldown-escalation ladder triggered by
// clustered 429s across the whole key pool. Distinct from
// per-key and per-model cooldowns: this one gates the entire pool.
type PoolCooldown struct {
	mu sync.Mutex
	cfg config.PoolCooldownConfig

	hits  []time.Time
	level int

	cooldownUntil time.Time
	lastHitAt     time.Time

	mirror func(until time.Time)
}

// SetMirror registers a hook invoked whenever the cooldown deadline
// extends, used to share the ladder across proxy replicas.
func (p *PoolCooldown) SetMirror(fn func(until time.Time)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mirror = fn
}

// ObserveRemote applies a deadline learned from a peer replica, with the
// same max-semantics as local hits.
func (p *PoolCooldown) ObserveRemote(until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if until.After(p.cooldownUntil) {
		p.cooldownUntil = until
	}
}

// NewPoolCooldown constructs a pool cooldown ladder.
func NewPoolCooldown(cfg config.PoolCooldownConfig) *PoolCooldown {
	return &PoolCooldown{cfg: cfg}
}

// RecordRateLimit registers a 429 observed anywhere in the pool. Once
// TriggerCount hits land within TriggerWindowMs, the pool-wide cooldown
// escalates.
func (p *PoolCooldown) RecordRateLimit() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastHitAt.IsZero() && now.Sub(p.lastHitAt) >= time.Duration(p.cfg.DecayMs)*time.Millisecond {
		p.level = 0
	}
	p.lastHitAt = now

	cutoff := now.Add(-time.Duration(p.cfg.TriggerWindowMs) * time.Millisecond)
	kept := p.hits[:0]
	for _, h := range p.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	p.hits = append(kept, now)

	if len(p.hits) < p.cfg.TriggerCount {
		return
	}

	ms := float64(p.cfg.BaseMs)
	for i := 0; i < p.level; i++ {
		ms *= 2
	}
	if ms > float64(p.cfg.CapMs) {
		ms = float64(p.cfg.CapMs)
	}
	p.level++
	p.hits = p.hits[:0]

	until := now.Add(time.Duration(ms) * time.Millisecond)
	if until.After(p.cooldownUntil) {
		p.cooldownUntil = until
		if p.mirror != nil {
			go p.mirror(until)
		}
	}
}

// Remaining returns how much longer the pool is cooled down for.
func (p *PoolCooldown) Remaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := time.Until(p.cooldownUntil)
	if d < 0 {
		return 0
	}
	return d
}

// ShouldAbsorbLocally reports whether the remaining cooldown is short
// enough that the executor should sleep it out locally rather than
// surface a retry-after to the client.
func (p *PoolCooldown) ShouldAbsorbLocally() bool {
	return p.Remaining() <= time.Duration(p.cfg.SleepThresholdMs)*time.Millisecond
}

// IsCooled reports whether the pool is presently within its cooldown
// window at all.
func (p *PoolCooldown) IsCooled() bool {
	return p.Remaining() > 0
}
