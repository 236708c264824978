// Package models provides the static catalog of provider models
// (concurrency ceiling, context length, pricing) that the router and
// capacity fabric consult.
package models

import (
	"fmt"
	"sort"

	"github.com/riftrelay/capacity-proxy/internal/config"
)

// Descriptor is one immutable catalog entry.
type Descriptor struct {
	ID             string
	MaxConcurrency int
	ContextLength  int // 0 means unknown
	PriceIn        float64
	PriceOut       float64
}

// Discovery is the static catalog of provider models, built once from
// config at startup. It never mutates after construction — dynamic state
// (inFlight, cooldowns) lives in internal/router and internal/capacity,
// keyed by model id.
type Discovery struct {
	byID map[string]Descriptor
}

// NewDiscovery builds a Discovery from the configured model catalog.
func NewDiscovery(cfg map[string]config.ModelConfig) *Discovery {
	byID := make(map[string]Descriptor, len(cfg))
	for id, m := range cfg {
		byID[id] = Descriptor{
			ID:             id,
			MaxConcurrency: m.MaxConcurrency,
			ContextLength:  m.ContextLength,
			PriceIn:        m.PriceIn,
			PriceOut:       m.PriceOut,
		}
	}
	return &Discovery{byID: byID}
}

// Get returns the descriptor for id, if known.
func (d *Discovery) Get(id string) (Descriptor, bool) {
	m, ok := d.byID[id]
	return m, ok
}

// MaxConcurrency returns the model's configured concurrency ceiling, or 0
// if the model is unknown (callers should treat 0 as "no capacity").
func (d *Discovery) MaxConcurrency(id string) int {
	if m, ok := d.byID[id]; ok {
		return m.MaxConcurrency
	}
	return 0
}

// ContextLength returns the model's context window, and whether it is
// known at all.
func (d *Discovery) ContextLength(id string) (int, bool) {
	m, ok := d.byID[id]
	if !ok || m.ContextLength == 0 {
		return 0, false
	}
	return m.ContextLength, true
}

// Cost returns a representative per-token cost used to break ties between
// equally-available candidates.
func (d *Discovery) Cost(id string) float64 {
	m, ok := d.byID[id]
	if !ok {
		return 0
	}
	return m.PriceIn + m.PriceOut
}

// All returns every known model id, sorted for deterministic iteration.
func (d *Discovery) All() []string {
	ids := make([]string, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate reports an error if any tier references an unknown model.
func (d *Discovery) Validate(tierModels map[string][]string) error {
	for tier, models := range tierModels {
		for _, m := range models {
			if _, ok := d.byID[m]; !ok {
				return fmt.Errorf("models: tier %q references unknown model %q", tier, m)
			}
		}
	}
	return nil
}
