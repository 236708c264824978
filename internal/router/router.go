package router

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/internal/models"
	"github.com/riftrelay/capacity-proxy/internal/obslog"
	"github.com/riftrelay/capacity-proxy/pkg/messageapi"
)

// EffectiveLimiter supplies the per-model effective concurrency window.
// The adaptive-concurrency controller implements it; a nil limiter means
// the static catalog ceiling applies.
type EffectiveLimiter interface {
	EffectiveWindow(model string, staticMax int) int
}

// Request carries everything SelectModel needs for one routing decision.
type Request struct {
	Features       *messageapi.Features
	HeaderOverride string
	Attempted      map[string]bool
	IncludeTrace   bool
	BypassSampling bool
	BypassShadow   bool
}

// Router owns per-model routing state: in-flight counters, cooldowns,
// and the 429 penalty rings. One mutex serializes selection and slot
// acquisition so "confirm availability and bump the counter" is a single
// critical section.
type Router struct {
	mu sync.Mutex

	runtime   *config.RuntimeConfig
	catalog   *models.Discovery
	limiter   EffectiveLimiter
	overrides *OverrideStore

	models    map[string]*modelState
	cooldowns *cooldownMap

	counters   *counterSet
	lastShadow *Decision

	rng *rand.Rand
}

// New builds a Router over the runtime config and model catalog.
func New(runtime *config.RuntimeConfig, catalog *models.Discovery, limiter EffectiveLimiter, overrides *OverrideStore) *Router {
	cfg := runtime.Get()
	return &Router{
		runtime:   runtime,
		catalog:   catalog,
		limiter:   limiter,
		overrides: overrides,
		models:    map[string]*modelState{},
		cooldowns: newCooldownMap(cfg.Router.Cooldown.MaxCooldownEntries),
		counters:  newCounterSet(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Overrides exposes the saved-override store for the admin surface.
func (r *Router) Overrides() *OverrideStore { return r.overrides }

// Counters exposes the counter registry snapshot.
func (r *Router) Counters() map[string]CounterInfo { return r.counters.Snapshot() }

func (r *Router) state(model string) *modelState {
	st, ok := r.models[model]
	if !ok {
		st = &modelState{}
		r.models[model] = st
	}
	return st
}

// effectiveMax returns the concurrency ceiling currently in force for
// model: the AIMD window when a limiter is attached, the static catalog
// ceiling otherwise.
func (r *Router) effectiveMax(model string) int {
	staticMax := r.catalog.MaxConcurrency(model)
	if r.limiter == nil {
		return staticMax
	}
	return r.limiter.EffectiveWindow(model, staticMax)
}

// candidate is one model's evaluated standing during selection.
type candidate struct {
	model       string
	effMax      int
	available   int
	cooldownRem time.Duration
	penaltyHits int
	penalty     float64
	cost        float64
	listIdx     int
	ctxOK       bool
	attempted   bool
	score       float64
}

// evaluate builds the candidate list for a tier under r.mu.
func (r *Router) evaluate(cfg *config.RouterConfig, tierModels []string, estimate int, attempted map[string]bool, now time.Time) []candidate {
	out := make([]candidate, 0, len(tierModels))
	for i, id := range tierModels {
		if _, ok := r.catalog.Get(id); !ok {
			continue
		}
		st := r.state(id)
		effMax := r.effectiveMax(id)
		avail := effMax - st.inFlight
		if avail < 0 {
			avail = 0
		}

		ctxOK := true
		if ctxLen, known := r.catalog.ContextLength(id); known && ctxLen < estimate {
			ctxOK = false
		}

		hits := st.penaltyHits(now, time.Duration(cfg.Pool429Penalty.WindowMs)*time.Millisecond, cfg.Pool429Penalty.MaxPenaltyHits)
		out = append(out, candidate{
			model:       id,
			effMax:      effMax,
			available:   avail,
			cooldownRem: r.cooldowns.remaining(id, now, cfg.Cooldown.CooldownDecayMs),
			penaltyHits: hits,
			penalty:     1.0 / (1.0 + float64(hits)*cfg.Pool429Penalty.Weight),
			cost:        r.catalog.Cost(id),
			listIdx:     i,
			ctxOK:       ctxOK,
			attempted:   attempted[id],
		})
	}
	return out
}

// SelectModel resolves one routing decision and, unless the decision
// reports a context overflow or shadow mode is on, atomically acquires
// the chosen model's in-flight slot. Returns nil when no route exists or
// when shadow mode withheld the decision.
func (r *Router) SelectModel(req *Request) *Decision {
	cfg := &r.runtime.Get().Router
	f := req.Features

	if !cfg.Enabled {
		return r.selectDefault(cfg, "router disabled")
	}

	shadow := cfg.Executor.ShadowMode && !req.BypassShadow

	d := r.route(cfg, req, !shadow)
	if d == nil {
		return nil
	}

	if cfg.Executor.LogDecisions {
		obslog.Debug("router: %s -> %s (tier=%s source=%s strategy=%s committed=%v)",
			f.Model, d.Model, d.Tier, d.Source, d.Strategy, d.Committed)
	}

	if shadow {
		r.mu.Lock()
		r.lastShadow = d
		r.mu.Unlock()
		r.counters.inc("router_shadow_decisions_total")
		return nil
	}

	r.counters.inc("router_selections_total")
	return d
}

// route performs classification and selection. When acquire is false the
// decision is computed dry (shadow): no slot is taken and Committed stays
// false.
func (r *Router) route(cfg *config.RouterConfig, req *Request, acquire bool) *Decision {
	f := req.Features
	attempted := req.Attempted
	if attempted == nil {
		attempted = map[string]bool{}
	}
	estimate := f.EstimateTokens()
	now := time.Now()

	// Per-request header override wins over everything.
	if req.HeaderOverride != "" {
		if d := r.selectDirect(cfg, req.HeaderOverride, SourceOverride, "header override", acquire); d != nil {
			r.counters.inc("router_override_total")
			return d
		}
		obslog.Warn("router: header override %q unavailable, falling through", req.HeaderOverride)
	}

	// Saved per-key override, exact entry before the "*" wildcard.
	if r.overrides != nil {
		if m, ok := r.overrides.Resolve(f.Model); ok {
			if d := r.selectDirect(cfg, m, SourceSavedOverride, "saved override for "+f.Model, acquire); d != nil {
				r.counters.inc("router_override_total")
				return d
			}
			obslog.Warn("router: saved override %q unavailable, falling through", m)
		}
	}

	tier, src := classify(cfg, f)
	if src == SourceRule {
		r.counters.inc("router_rule_matches_total")
	} else if src == SourceClassifier {
		r.counters.inc("router_classifier_total")
	}

	reason := ""
	if tier == "medium" && complexityUpgraded(&cfg.ComplexityUpgrade, f) {
		if _, ok := cfg.Tiers["heavy"]; ok {
			tier = "heavy"
			reason = "complexity upgrade to heavy"
		}
	}

	if tier == "" {
		if cfg.DefaultModel == "" {
			r.counters.inc("router_unroutable_total")
			return nil
		}
		if d := r.selectDirect(cfg, cfg.DefaultModel, SourceDefault, "no tier matched", acquire); d != nil {
			r.counters.inc("router_default_total")
			return d
		}
		r.counters.inc("router_unroutable_total")
		return nil
	}

	d := r.selectFromTier(cfg, tier, src, f, estimate, attempted, acquire, now)
	if d == nil {
		return nil
	}
	if reason != "" && d.Reason == "" {
		d.Reason = reason
	}

	r.attachTrace(cfg, d, f, estimate, attempted, req, now)
	return d
}

// selectDirect acquires a slot on one named model, bypassing tier
// selection. Used by overrides and the default-model fallback. Returns
// nil when the model is unknown, cooled, or has no free slot.
func (r *Router) selectDirect(cfg *config.RouterConfig, model string, src Source, reason string, acquire bool) *Decision {
	if _, ok := r.catalog.Get(model); !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()

	if r.cooldowns.remaining(model, now, cfg.Cooldown.CooldownDecayMs) > 0 {
		return nil
	}
	st := r.state(model)
	if st.inFlight >= r.effectiveMax(model) {
		return nil
	}
	if acquire {
		st.inFlight++
	}

	return &Decision{
		Model:     model,
		Tier:      tierOf(cfg, model),
		Source:    src,
		Reason:    reason,
		Committed: acquire,
	}
}

// tierOf returns the first tier listing model, for decision labeling.
func tierOf(cfg *config.RouterConfig, model string) string {
	for _, name := range cfg.TierOrder {
		t, ok := cfg.Tiers[name]
		if !ok {
			continue
		}
		for _, m := range t.Models {
			if m == model {
				return name
			}
		}
	}
	return ""
}

// tryTier attempts a strategy selection over one tier. The returned
// decision is non-nil only when a fully eligible candidate existed (and,
// when acquire is set, its slot has been taken). ctxOK and bestEffort
// report the tier's standing so the caller can discriminate overflow
// from exhaustion.
func (r *Router) tryTier(cfg *config.RouterConfig, tier string, src Source, estimate int, attempted map[string]bool, acquire bool, now time.Time) (d *Decision, ctxOK int, bestEffort []candidate) {
	tc, ok := cfg.Tiers[tier]
	if !ok {
		return nil, 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cands := r.evaluate(cfg, r.orderedTierModels(cfg, tc, tier), estimate, attempted, now)

	eligible := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if c.ctxOK {
			ctxOK++
		}
		if c.ctxOK && !c.attempted && c.available > 0 && c.cooldownRem == 0 {
			eligible = append(eligible, c)
		}
		if c.ctxOK && !c.attempted && c.available > 0 {
			bestEffort = append(bestEffort, c)
		}
	}

	if len(eligible) == 0 {
		return nil, ctxOK, bestEffort
	}

	chosen := pickByStrategy(tc.Strategy, eligible)
	if acquire {
		r.state(chosen.model).inFlight++
	}
	return &Decision{
		Model:     chosen.model,
		Tier:      tier,
		Source:    src,
		Strategy:  tc.Strategy,
		Committed: acquire,
	}, ctxOK, bestEffort
}

// selectFromTier runs selection over the classified tier, walking the
// downgrade ladder when the tier is exhausted and falling back to a
// best-effort pick on the least-cooled candidate.
func (r *Router) selectFromTier(cfg *config.RouterConfig, tier string, src Source, f *messageapi.Features, estimate int, attempted map[string]bool, acquire bool, now time.Time) *Decision {
	tc, ok := cfg.Tiers[tier]
	if !ok {
		return nil
	}

	d, ctxOK, bestEffort := r.tryTier(cfg, tier, src, estimate, attempted, acquire, now)
	if d != nil {
		return d
	}

	if ctxOK == 0 {
		r.counters.inc("router_context_overflow_genuine_total")
		return &Decision{
			Tier:            tier,
			Source:          src,
			Strategy:        tc.Strategy,
			Reason:          "request exceeds every candidate's context window",
			ContextOverflow: &ContextOverflow{Cause: OverflowGenuine, EstimatedTokens: estimate},
			Committed:       false,
		}
	}

	if len(bestEffort) == 0 {
		r.counters.inc("router_context_overflow_transient_total")
		return &Decision{
			Tier:            tier,
			Source:          src,
			Strategy:        tc.Strategy,
			Reason:          "candidates with sufficient context are at capacity",
			ContextOverflow: &ContextOverflow{Cause: OverflowTransient, EstimatedTokens: estimate},
			Committed:       false,
		}
	}

	// Downgrade ladder: only a fully eligible selection in a lower tier
	// counts; a cooled lower tier keeps the walk going. The would-be
	// downgrade is computed even when the feature is off so the shadow
	// counter reflects what enabling it would change.
	next := tier
	for i := 0; i < cfg.Failover.MaxTierDowngradesPerRequest; i++ {
		next = r.nextDowngradeTier(cfg, next)
		if next == "" {
			break
		}
		if cfg.Failover.AllowTierDowngrade {
			if dd, _, _ := r.tryTier(cfg, next, src, estimate, attempted, acquire, now); dd != nil {
				dd.Source = SourceTierDowngrade
				dd.DegradedFromTier = tier
				r.counters.inc("router_tier_downgrades_total")
				return dd
			}
		} else {
			if dd, _, _ := r.tryTier(cfg, next, src, estimate, attempted, false, now); dd != nil {
				r.counters.inc("router_tier_downgrade_shadow_total")
				break
			}
		}
	}

	// Best effort: least-cooled candidate that still has a free slot by
	// the time we re-check under the lock.
	sort.Slice(bestEffort, func(i, j int) bool { return bestEffort[i].cooldownRem < bestEffort[j].cooldownRem })
	r.mu.Lock()
	var chosen *candidate
	for i := range bestEffort {
		st := r.state(bestEffort[i].model)
		if st.inFlight < r.effectiveMax(bestEffort[i].model) {
			chosen = &bestEffort[i]
			if acquire {
				st.inFlight++
			}
			break
		}
	}
	r.mu.Unlock()

	if chosen == nil {
		r.counters.inc("router_context_overflow_transient_total")
		return &Decision{
			Tier:            tier,
			Source:          src,
			Strategy:        tc.Strategy,
			Reason:          "candidates with sufficient context are at capacity",
			ContextOverflow: &ContextOverflow{Cause: OverflowTransient, EstimatedTokens: estimate},
			Committed:       false,
		}
	}
	r.counters.inc("router_best_effort_total")

	return &Decision{
		Model:     chosen.model,
		Tier:      tier,
		Source:    src,
		Strategy:  tc.Strategy,
		Reason:    fmt.Sprintf("warning: all candidates cooled, best-effort on least-cooled model (%s remaining)", chosen.cooldownRem.Round(time.Millisecond)),
		Committed: acquire,
	}
}

// orderedTierModels returns the tier's model list, with the preference
// experiment's model moved to the front for the sampled share of heavy
// selections. At preferencePercent 0 the reorder is recorded, not
// applied.
func (r *Router) orderedTierModels(cfg *config.RouterConfig, tc *config.TierConfig, tier string) []string {
	g := cfg.Glm5
	if tier != "heavy" || g.Model == "" {
		return tc.Models
	}
	idx := -1
	for i, m := range tc.Models {
		if m == g.Model {
			idx = i
		}
	}
	if idx <= 0 {
		return tc.Models
	}

	prefer := g.PreferencePercent > 0 && r.rng.Float64()*100 < g.PreferencePercent
	if !prefer {
		if g.PreferencePercent == 0 {
			r.counters.inc("router_glm5_preference_shadow_total")
		}
		return tc.Models
	}

	reordered := make([]string, 0, len(tc.Models))
	reordered = append(reordered, g.Model)
	for _, m := range tc.Models {
		if m != g.Model {
			reordered = append(reordered, m)
		}
	}
	return reordered
}

// nextDowngradeTier returns the tier after current in the downgrade
// order, or "".
func (r *Router) nextDowngradeTier(cfg *config.RouterConfig, current string) string {
	for i, t := range cfg.Failover.DowngradeOrder {
		if t == current && i+1 < len(cfg.Failover.DowngradeOrder) {
			return cfg.Failover.DowngradeOrder[i+1]
		}
	}
	return ""
}

// SelectDefault routes straight to the configured default model,
// bypassing classification. The executor falls back to it when routing is
// withheld (shadow mode) or disabled mid-request.
func (r *Router) SelectDefault(reason string) *Decision {
	cfg := &r.runtime.Get().Router
	return r.selectDefault(cfg, reason)
}

// selectDefault routes straight to the default model, used when the
// router is disabled.
func (r *Router) selectDefault(cfg *config.RouterConfig, reason string) *Decision {
	if cfg.DefaultModel == "" {
		return nil
	}
	d := r.selectDirect(cfg, cfg.DefaultModel, SourceDefault, reason, true)
	if d != nil {
		r.counters.inc("router_default_total")
		r.counters.inc("router_selections_total")
	}
	return d
}

// attachTrace samples and attaches a decision trace. includeTrace without
// the bypass flag still goes through sampling; the bypass flag (tests and
// the explain endpoint) always records.
func (r *Router) attachTrace(cfg *config.RouterConfig, d *Decision, f *messageapi.Features, estimate int, attempted map[string]bool, req *Request, now time.Time) {
	if !cfg.Trace.Enabled && !req.BypassSampling {
		return
	}

	rate := cfg.Trace.SamplingRate
	if rate < 0 {
		rate = 0
	}
	if rate > 100 {
		rate = 100
	}
	if !req.BypassSampling {
		r.mu.Lock()
		sampled := r.rng.Float64()*100 < rate
		r.mu.Unlock()
		if !sampled {
			return
		}
	}

	tc, ok := cfg.Tiers[d.Tier]
	strategy := d.Strategy
	var tierModels []string
	if ok {
		tierModels = tc.Models
	} else if d.Model != "" {
		tierModels = []string{d.Model}
	}

	r.mu.Lock()
	cands := r.evaluate(cfg, tierModels, estimate, attempted, now)
	r.mu.Unlock()

	tcands := make([]TraceCandidate, 0, len(cands))
	for _, c := range cands {
		tcands = append(tcands, TraceCandidate{
			Model:          c.model,
			AvailableSlots: c.available,
			EffectiveMax:   c.effMax,
			CooldownMs:     c.cooldownRem.Milliseconds(),
			PenaltyHits:    c.penaltyHits,
			Score:          strategyScore(strategy, c),
			DroppedContext: !c.ctxOK,
			Attempted:      c.attempted,
		})
	}

	t := &Trace{
		Input:           newTraceInput(f),
		ModelSelection:  TraceSelection{Tier: d.Tier, Strategy: strategy, Candidates: tcands},
		EstimatedTokens: estimate,
	}
	t.capPayload(cfg.Trace.MaxPayloadSize)
	d.Trace = t
	r.counters.inc("router_traces_recorded_total")
}

// AcquireModel bumps model's in-flight counter if a slot is free,
// reporting success. Exposed for callers that re-commit a decision after
// an admission hold.
func (r *Router) AcquireModel(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(model)
	if st.inFlight >= r.effectiveMax(model) {
		return false
	}
	st.inFlight++
	return true
}

// ReleaseModel decrements model's in-flight counter. A release with no
// matching acquire is a no-op; the counter never goes negative.
func (r *Router) ReleaseModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.models[model]
	if !ok || st.inFlight == 0 {
		return
	}
	st.inFlight--
}

// InFlight returns model's current in-flight count.
func (r *Router) InFlight(model string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.models[model]
	if !ok {
		return 0
	}
	return st.inFlight
}

// Record429 appends a 429 to model's sliding penalty window.
func (r *Router) Record429(model string) {
	cfg := &r.runtime.Get().Router
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(model).record429(time.Now(), time.Duration(cfg.Pool429Penalty.WindowMs)*time.Millisecond)
}

// RecordModelCooldown registers a cooldown hit against model. A
// burst-dampened hit extends the deadline without advancing the
// escalation count, so clustered 429s from one burst escalate once.
func (r *Router) RecordModelCooldown(model string, d time.Duration, burstDampened bool) {
	cfg := &r.runtime.Get().Router
	if max := time.Duration(cfg.Cooldown.MaxCooldownMs) * time.Millisecond; d > max {
		d = max
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns.record(model, time.Now(), d, burstDampened)
	r.counters.inc("router_cooldowns_recorded_total")
}

// CooldownRemaining returns how much cooldown is left on model.
func (r *Router) CooldownRemaining(model string) time.Duration {
	cfg := &r.runtime.Get().Router
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cooldowns.remaining(model, time.Now(), cfg.Cooldown.CooldownDecayMs)
}

// TierCooldownRemaining returns the shortest cooldown across a tier's
// models, and whether every model in the tier is presently cooled. The
// admission hold only engages when the whole tier is cooled.
func (r *Router) TierCooldownRemaining(tier string) (time.Duration, bool) {
	cfg := &r.runtime.Get().Router
	tc, ok := cfg.Tiers[tier]
	if !ok || len(tc.Models) == 0 {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()

	shortest := time.Duration(0)
	allCooled := true
	for _, m := range tc.Models {
		rem := r.cooldowns.remaining(m, now, cfg.Cooldown.CooldownDecayMs)
		if rem == 0 {
			allCooled = false
			break
		}
		if shortest == 0 || rem < shortest {
			shortest = rem
		}
	}
	if !allCooled {
		return 0, false
	}
	return shortest, true
}

// GetLastShadowDecision returns the most recent decision withheld by
// shadow mode.
func (r *Router) GetLastShadowDecision() *Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastShadow
}

// ModelStatus is one model's live standing in the pool-status payload.
type ModelStatus struct {
	Model          string `json:"model"`
	InFlight       int    `json:"inFlight"`
	MaxConcurrency int    `json:"maxConcurrency"`
	Available      int    `json:"available"`
}

// PoolStatus returns per-tier model standing for the SSE pool-status
// event and the stats surface.
func (r *Router) PoolStatus() map[string][]ModelStatus {
	cfg := &r.runtime.Get().Router

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]ModelStatus, len(cfg.Tiers))
	for name, tc := range cfg.Tiers {
		list := make([]ModelStatus, 0, len(tc.Models))
		for _, m := range tc.Models {
			st := r.state(m)
			effMax := r.effectiveMax(m)
			avail := effMax - st.inFlight
			if avail < 0 {
				avail = 0
			}
			list = append(list, ModelStatus{Model: m, InFlight: st.inFlight, MaxConcurrency: effMax, Available: avail})
		}
		out[name] = list
	}
	return out
}

// Stats returns the router's observable state for GET /model-routing.
func (r *Router) Stats() map[string]interface{} {
	cfg := &r.runtime.Get().Router

	r.mu.Lock()
	cooldowns := make(map[string]interface{}, r.cooldowns.size())
	now := time.Now()
	for model, e := range r.cooldowns.entries {
		cooldowns[model] = map[string]interface{}{
			"count":         e.Count,
			"lastHitAt":     e.LastHitAt,
			"cooldownUntil": e.CooldownUntil,
			"remainingMs":   maxInt64(0, e.CooldownUntil.Sub(now).Milliseconds()),
		}
	}
	inFlight := make(map[string]int, len(r.models))
	for model, st := range r.models {
		if st.inFlight > 0 {
			inFlight[model] = st.inFlight
		}
	}
	r.mu.Unlock()

	return map[string]interface{}{
		"inFlight":       inFlight,
		"cooldowns":      cooldowns,
		"overrides":      r.overrides.All(),
		"counters":       r.counters.Snapshot(),
		"defaultModel":   cfg.DefaultModel,
		"shadowMode":     cfg.Executor.ShadowMode,
		"tierOrder":      cfg.TierOrder,
	}
}

// Reset clears all in-flight counts, cooldowns, penalty rings, counters,
// and overrides, returning the router to its initial state.
func (r *Router) Reset() {
	r.mu.Lock()
	r.models = map[string]*modelState{}
	r.cooldowns.reset()
	r.lastShadow = nil
	r.mu.Unlock()

	r.counters.resetAll()
	if r.overrides != nil {
		if err := r.overrides.Reset(); err != nil {
			obslog.Warn("router: reset overrides: %v", err)
		}
	}
}

// ResolveTestParams answers the classification-preview endpoint without
// touching any state.
func (r *Router) ResolveTestParams(model string, maxTokens, messageCount int) map[string]interface{} {
	cfg := &r.runtime.Get().Router
	f := &messageapi.Features{Model: model, MaxTokens: maxTokens, MessageCount: messageCount}
	tier, src := classify(cfg, f)

	out := map[string]interface{}{
		"model":  model,
		"tier":   tier,
		"source": string(src),
	}
	if tier == "" {
		out["tier"] = nil
		out["defaultModel"] = cfg.DefaultModel
	} else if tc, ok := cfg.Tiers[tier]; ok {
		out["strategy"] = tc.Strategy
		out["candidates"] = tc.Models
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// lowerStrategy normalizes a configured strategy name.
func lowerStrategy(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
