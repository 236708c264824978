package router

import (
	"sync"
	"sync/atomic"
)

// CounterInfo is the metadata served by the counters endpoint.
type CounterInfo struct {
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	Reset       string   `json:"reset"` // process|never|config
	Value       int64    `json:"value"`
}

// counterDef declares one named counter.
type counterDef struct {
	name        string
	description string
	labels      []string
	reset       string
}

var counterDefs = []counterDef{
	{"router_selections_total", "Routing decisions returned, committed or not", []string{"source"}, "process"},
	{"router_rule_matches_total", "Decisions resolved by an explicit classification rule", nil, "process"},
	{"router_classifier_total", "Decisions resolved by the threshold heuristic", nil, "process"},
	{"router_override_total", "Decisions forced by a header or saved override", nil, "process"},
	{"router_default_total", "Decisions that fell through to the default model", nil, "process"},
	{"router_unroutable_total", "Requests no tier or default model could serve", nil, "process"},
	{"router_cooldowns_recorded_total", "Model cooldown hits recorded", []string{"model"}, "process"},
	{"router_tier_downgrades_total", "Applied tier downgrades", nil, "process"},
	{"router_tier_downgrade_shadow_total", "Downgrades that would have happened were the feature enabled", nil, "process"},
	{"router_shadow_decisions_total", "Decisions computed but withheld by shadow mode", nil, "process"},
	{"router_context_overflow_genuine_total", "Requests exceeding every candidate's context window", nil, "process"},
	{"router_context_overflow_transient_total", "Requests whose context-fitting candidates were all busy", nil, "process"},
	{"router_best_effort_total", "Best-effort selections onto a cooled model", nil, "process"},
	{"router_traces_recorded_total", "Decision traces recorded after sampling", nil, "config"},
	{"router_glm5_preference_shadow_total", "Heavy selections where the preference experiment would have diverged", nil, "process"},
}

// counterSet is the router's counter registry. Increments are atomic;
// reads may race with writers and be momentarily stale.
type counterSet struct {
	mu     sync.RWMutex
	values map[string]*int64
}

func newCounterSet() *counterSet {
	c := &counterSet{values: make(map[string]*int64, len(counterDefs))}
	for _, d := range counterDefs {
		var v int64
		c.values[d.name] = &v
	}
	return c
}

func (c *counterSet) inc(name string) {
	c.mu.RLock()
	v, ok := c.values[name]
	c.mu.RUnlock()
	if ok {
		atomic.AddInt64(v, 1)
	}
}

func (c *counterSet) get(name string) int64 {
	c.mu.RLock()
	v, ok := c.values[name]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

func (c *counterSet) resetAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.values {
		atomic.StoreInt64(v, 0)
	}
}

// Snapshot returns every counter with its metadata and current value.
func (c *counterSet) Snapshot() map[string]CounterInfo {
	out := make(map[string]CounterInfo, len(counterDefs))
	for _, d := range counterDefs {
		out[d.name] = CounterInfo{
			Description: d.description,
			Labels:      d.labels,
			Reset:       d.reset,
			Value:       c.get(d.name),
		}
	}
	return out
}
