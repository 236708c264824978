package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// RuntimeConfig is the mutex-guarded, live-editable wrapper around Config
// used by the HTTP surface's GET/PUT /model-routing endpoints.
type RuntimeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewRuntime wraps cfg for concurrent access.
func NewRuntime(cfg *Config) *RuntimeConfig {
	return &RuntimeConfig{cfg: cfg}
}

// Get returns the live Config pointer. Callers must not mutate it directly;
// use Apply instead.
func (r *RuntimeConfig) Get() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// nonEditable is the set of keys PUT /model-routing must reject.
var nonEditable = map[string]bool{
	"persistConfigEdits": true,
	"configFile":         true,
	"overridesFile":      true,
	"maxOverrides":       true,
}

// Apply merges a partial update (as decoded from a PUT /model-routing JSON
// body) into the live router config. Keys in nonEditable are rejected with
// an error; unrecognized keys are ignored, mirroring the switch-based
// Update() pattern this config layer follows.
func (r *RuntimeConfig) Apply(updates map[string]interface{}) error {
	for key := range updates {
		if nonEditable[key] {
			return fmt.Errorf("config: %q is not editable at runtime", key)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := updates["defaultModel"]; ok {
		if s, ok := v.(string); ok {
			r.cfg.Router.DefaultModel = s
		}
	}
	if v, ok := updates["logDecisions"]; ok {
		if b, ok := v.(bool); ok {
			r.cfg.Router.Executor.LogDecisions = b
		}
	}
	if v, ok := updates["shadowMode"]; ok {
		if b, ok := v.(bool); ok {
			r.cfg.Router.Executor.ShadowMode = b
		}
	}
	if v, ok := updates["tiers"]; ok {
		if err := reencode(v, &r.cfg.Router.Tiers); err != nil {
			return fmt.Errorf("config: invalid tiers: %w", err)
		}
	}
	if v, ok := updates["rules"]; ok {
		if err := reencode(v, &r.cfg.Router.Rules); err != nil {
			return fmt.Errorf("config: invalid rules: %w", err)
		}
	}
	if v, ok := updates["classifier"]; ok {
		var c struct {
			Heavy HeuristicThresholds `json:"heavyThresholds"`
			Light HeuristicCeilings   `json:"lightCeilings"`
		}
		if err := reencode(v, &c); err != nil {
			return fmt.Errorf("config: invalid classifier: %w", err)
		}
		r.cfg.Router.HeavyThresholds = c.Heavy
		r.cfg.Router.LightCeilings = c.Light
	}
	if v, ok := updates["cooldown"]; ok {
		if err := reencode(v, &r.cfg.Router.Cooldown); err != nil {
			return fmt.Errorf("config: invalid cooldown: %w", err)
		}
	}
	if v, ok := updates["failover"]; ok {
		if err := reencode(v, &r.cfg.Router.Failover); err != nil {
			return fmt.Errorf("config: invalid failover: %w", err)
		}
	}
	if v, ok := updates["trace"]; ok {
		if err := reencode(v, &r.cfg.Router.Trace); err != nil {
			return fmt.Errorf("config: invalid trace: %w", err)
		}
	}
	if v, ok := updates["glm5"]; ok {
		if err := reencode(v, &r.cfg.Router.Glm5); err != nil {
			return fmt.Errorf("config: invalid glm5: %w", err)
		}
	}
	if v, ok := updates["complexityUpgrade"]; ok {
		if err := reencode(v, &r.cfg.Router.ComplexityUpgrade); err != nil {
			return fmt.Errorf("config: invalid complexityUpgrade: %w", err)
		}
	}

	return nil
}

// reencode round-trips v (already-decoded JSON, e.g. map[string]interface{})
// through JSON into dst, avoiding a manual field-by-field type switch for
// the nested config shapes.
func reencode(v interface{}, dst interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// GetPublic returns a redacted snapshot suitable for GET /model-routing and
// for any external-facing status payload.
func (r *RuntimeConfig) GetPublic() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.cfg

	return map[string]interface{}{
		"host":           c.Host,
		"port":           c.Port,
		"debug":          c.Debug,
		"defaultModel":   c.Router.DefaultModel,
		"tiers":          c.Router.Tiers,
		"tierOrder":      c.Router.TierOrder,
		"rules":          c.Router.Rules,
		"failover":       c.Router.Failover,
		"classifier": map[string]interface{}{
			"heavyThresholds": c.Router.HeavyThresholds,
			"lightCeilings":   c.Router.LightCeilings,
		},
		"cooldown":      c.Router.Cooldown,
		"trace":         c.Router.Trace,
		"shadowMode":    c.Router.Executor.ShadowMode,
		"logDecisions":  c.Router.Executor.LogDecisions,
		"scheduler":     c.Scheduler,
		"redisAddr":     c.RedisAddr,
		"redisPassword": redact(c.RedisPassword),
		"keyStoreDriver": c.KeyStoreDriver,
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
