package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/riftrelay/capacity-proxy/internal/config"
)

func catalog() map[string]config.ModelConfig {
	return map[string]config.ModelConfig{
		"a": {ID: "a", MaxConcurrency: 10, ContextLength: 100000, PriceIn: 1, PriceOut: 2},
		"b": {ID: "b", MaxConcurrency: 5, PriceIn: 3, PriceOut: 4},
	}
}

func TestDiscoveryGet(t *testing.T) {
	d := NewDiscovery(catalog())

	desc, ok := d.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 10, desc.MaxConcurrency)

	_, ok = d.Get("missing")
	assert.False(t, ok)
}

func TestContextLengthUnknownWhenZero(t *testing.T) {
	d := NewDiscovery(catalog())

	_, known := d.ContextLength("b")
	assert.False(t, known)

	length, known := d.ContextLength("a")
	assert.True(t, known)
	assert.Equal(t, 100000, length)
}

func TestValidateCatchesUnknownModel(t *testing.T) {
	d := NewDiscovery(catalog())
	err := d.Validate(map[string][]string{"heavy": {"a", "ghost"}})
	assert.Error(t, err)
}

func TestCostSumsInputAndOutput(t *testing.T) {
	d := NewDiscovery(catalog())
	assert.Equal(t, float64(3), d.Cost("a"))
	assert.Equal(t, float64(0), d.Cost("missing"))
}
