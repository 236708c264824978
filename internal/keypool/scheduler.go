package keypool

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/obslog"
)

// ErrNoEligibleKey is returned by Next when every key is excluded,
// invalid, circuit-open, or account-cooled.
var ErrNoEligibleKey = errors.New("keypool: no eligible key")

// AccountCooldownCheck reports whether the whole pool is presently under
// an account-level cooldown (internal/capacity.AccountLevel429Detector),
// injected to avoid an import cycle between keypool and capacity.
type AccountCooldownCheck func() bool

// KeyScheduler picks the next eligible key per attempt using either
// round-robin or weighted health scoring, generalized from
// strategies.RoundRobinStrategy and strategies.HybridStrategy
// (internal/account/strategies/{round_robin,hybrid}.go) from per-account
// OAuth selection to per-key bearer-credential selection.
type KeyScheduler struct {
	mu sync.Mutex

	store  *KeyStore
	states map[string]*State
	order  []string // key IDs in stable list order, for round-robin

	schedCfg    config.SchedulerConfig
	cbCfg       config.CircuitBreakerConfig
	cooldownCfg config.CooldownConfig

	rrIndex int

	slowKeyUntil      map[string]time.Time
	lastSlowKeyCheck  time.Time

	accountCooled AccountCooldownCheck

	rng *rand.Rand
}

// NewKeyScheduler builds a scheduler over store's current key list.
func NewKeyScheduler(store *KeyStore, schedCfg config.SchedulerConfig, cbCfg config.CircuitBreakerConfig, cooldownCfg config.CooldownConfig, accountCooled AccountCooldownCheck) *KeyScheduler {
	s := &KeyScheduler{
		store:        store,
		states:       map[string]*State{},
		schedCfg:     schedCfg,
		cbCfg:        cbCfg,
		cooldownCfg:  cooldownCfg,
		slowKeyUntil: map[string]time.Time{},
		accountCooled: accountCooled,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.Sync()
	return s
}

// Sync reconciles per-key State with the KeyStore's current list —
// called after KeyStore.Reload so new keys get fresh state and removed
// keys stop being scheduled.
func (s *KeyScheduler) Sync() {
	keys := s.store.List()

	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[string]*State, len(keys))
	order := make([]string, len(keys))
	for i, k := range keys {
		if existing, ok := s.states[k.ID]; ok {
			existing.Key = k
			fresh[k.ID] = existing
		} else {
			fresh[k.ID] = NewState(k,
				time.Duration(s.cbCfg.FailureWindowMs)*time.Millisecond,
				time.Duration(s.cbCfg.CooldownPeriodMs)*time.Millisecond,
				time.Duration(s.cbCfg.HalfOpenTimeoutMs)*time.Millisecond,
				s.cbCfg.FailureThreshold)
		}
		order[i] = k.ID
	}
	s.states = fresh
	s.order = order
	if s.rrIndex >= len(order) {
		s.rrIndex = 0
	}
}

// State returns the per-key bookkeeping for id, if known.
func (s *KeyScheduler) State(id string) (*State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok
}

// AllStates returns every tracked per-key state, for stats/admin surfaces.
func (s *KeyScheduler) AllStates() []*State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*State, 0, len(s.states))
	for _, id := range s.order {
		out = append(out, s.states[id])
	}
	return out
}

type candidate struct {
	state *State
}

// Next picks the next eligible key, excluding ids in excluded. When
// allowCooledBestEffort is true and no key is otherwise eligible, an OPEN
// key may be returned as a last resort when the caller opts in. Returns
// the key, its proactive pacing delay, and ErrNoEligibleKey if nothing at
// all qualifies.
func (s *KeyScheduler) Next(excluded map[string]bool, allowCooledBestEffort bool) (*Key, *State, time.Duration, error) {
	s.sweepProbeTimeouts()
	s.maybeRunSlowKeyWatch()

	if s.accountCooled != nil && s.accountCooled() {
		return nil, nil, 0, ErrNoEligibleKey
	}

	s.mu.Lock()
	order := append([]string(nil), s.order...)
	startIdx := s.rrIndex
	mode := s.schedCfg.Mode
	s.mu.Unlock()

	eligible := s.collectEligible(order, excluded, false)
	usedFallback := false
	if len(eligible) == 0 && allowCooledBestEffort {
		eligible = s.collectEligible(order, excluded, true)
		usedFallback = true
	}
	if len(eligible) == 0 {
		return nil, nil, 0, ErrNoEligibleKey
	}

	var chosen *State
	if mode == "round-robin" {
		chosen = s.pickRoundRobin(order, startIdx, eligible)
	} else {
		chosen = s.pickWeighted(eligible)
	}

	if chosen.Circuit.State() == HALF_OPEN {
		chosen.Circuit.BeginProbe()
	}

	now := time.Now()
	chosen.MarkUsed(now)

	delay := time.Duration(0)
	if remaining := chosen.RateLimitRemaining(); remaining >= 0 && remaining <= s.schedCfg.RemainingThreshold {
		delay = time.Duration(s.schedCfg.PacingDelayMs) * time.Millisecond
	}

	if usedFallback {
		obslog.Warn("keypool: best-effort key selection (all keys cooled/open): %s", chosen.Key.ID)
	}

	return &chosen.Key, chosen, delay, nil
}

func (s *KeyScheduler) collectEligible(order []string, excluded map[string]bool, ignoreCircuit bool) []*State {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*State, 0, len(order))
	for _, id := range order {
		if excluded[id] {
			continue
		}
		if s.store.IsInvalid(id) {
			continue
		}
		st := s.states[id]
		if st == nil {
			continue
		}
		if st.IsCooled(now) {
			continue
		}
		if !ignoreCircuit && !st.Circuit.Allow() {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (s *KeyScheduler) pickRoundRobin(order []string, startIdx int, eligible []*State) *State {
	elig := make(map[string]*State, len(eligible))
	for _, st := range eligible {
		elig[st.Key.ID] = st
	}

	n := len(order)
	for i := 0; i < n; i++ {
		idx := (startIdx + i) % n
		id := order[idx]
		if st, ok := elig[id]; ok {
			s.mu.Lock()
			s.rrIndex = (idx + 1) % n
			s.mu.Unlock()
			return st
		}
	}
	return eligible[0]
}

// pickWeighted computes a health score per candidate and performs a
// weighted random selection, adapted from the HybridStrategy scoring
// formula (internal/account/strategies/hybrid.go calculateScore) to
// weigh latency, success rate, and error recency.
func (s *KeyScheduler) pickWeighted(eligible []*State) *State {
	scores := make([]float64, len(eligible))
	var total float64

	s.mu.Lock()
	slowUntil := make(map[string]time.Time, len(s.slowKeyUntil))
	for k, v := range s.slowKeyUntil {
		slowUntil[k] = v
	}
	s.mu.Unlock()

	now := time.Now()
	for i, st := range eligible {
		score := s.healthScore(st)
		if until, ok := slowUntil[st.Key.ID]; ok && now.Before(until) {
			score *= 0.25
		}
		if score <= 0 {
			score = 0.0001
		}
		scores[i] = score
		total += score
	}

	r := s.rng.Float64() * total
	acc := 0.0
	for i, sc := range scores {
		acc += sc
		if r <= acc {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

func (s *KeyScheduler) healthScore(st *State) float64 {
	w := s.schedCfg

	p50 := st.P50()
	latencyScore := 1.0
	if p50 > 0 {
		latencyScore = 1000.0 / float64(p50+1)
		if latencyScore > 1 {
			latencyScore = 1
		}
	}

	succ, errs := st.Counts()
	successRateScore := 1.0
	if total := succ + errs; total > 0 {
		successRateScore = float64(succ) / float64(total)
	}

	errorRecencyScore := 1.0
	if errs > 0 && !st.CooledUntil().IsZero() {
		sinceCooldown := time.Since(st.CooledUntil())
		if sinceCooldown < 0 {
			errorRecencyScore = 0.1
		} else if sinceCooldown < time.Minute {
			errorRecencyScore = 0.5
		}
	}

	return w.WeightLatency*latencyScore + w.WeightSuccessRate*successRateScore + w.WeightErrorRecency*errorRecencyScore
}

// sweepProbeTimeouts reopens any breaker whose HALF_OPEN probe has been
// in flight longer than halfOpenTimeout without a terminal outcome, so a
// probe that never returns cannot wedge its key out of scheduling.
func (s *KeyScheduler) sweepProbeTimeouts() {
	s.mu.Lock()
	states := make([]*State, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		st.Circuit.CheckProbeTimeout()
	}
}

// maybeRunSlowKeyWatch de-prioritizes keys whose p50 exceeds
// slowKeyThreshold × pool-average-p50,
func (s *KeyScheduler) maybeRunSlowKeyWatch() {
	s.mu.Lock()
	interval := time.Duration(s.schedCfg.SlowKeyCheckIntervalMs) * time.Millisecond
	due := time.Since(s.lastSlowKeyCheck) >= interval
	if due {
		s.lastSlowKeyCheck = time.Now()
	}
	states := make([]*State, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.Unlock()

	if !due || len(states) == 0 {
		return
	}

	var sum int64
	var n int
	for _, st := range states {
		if st.SampleCount() > 0 {
			sum += st.P50()
			n++
		}
	}
	if n == 0 {
		return
	}
	avg := float64(sum) / float64(n)

	until := time.Now().Add(time.Duration(s.schedCfg.SlowKeyCooldownMs) * time.Millisecond)
	s.mu.Lock()
	for _, st := range states {
		if st.SampleCount() == 0 {
			continue
		}
		if float64(st.P50()) > s.schedCfg.SlowKeyThreshold*avg {
			s.slowKeyUntil[st.Key.ID] = until
			obslog.Debug("keypool: key %s flagged slow (p50=%dms, pool avg=%.0fms)", st.Key.ID, st.P50(), avg)
		}
	}
	s.mu.Unlock()
}
