package router

import (
	"path"

	"github.com/riftrelay/capacity-proxy/internal/config"
	"github.com/riftrelay/capacity-proxy/pkg/messageapi"
)

// matchRule reports whether every constraint set on the rule holds for
// the request. Unset constraints are ignored; constraints AND together.
func matchRule(r *config.RuleConfig, f *messageapi.Features) bool {
	if r.ModelGlob != "" {
		ok, err := path.Match(r.ModelGlob, f.Model)
		if err != nil || !ok {
			return false
		}
	}
	if r.MaxTokensGte > 0 && f.MaxTokens < r.MaxTokensGte {
		return false
	}
	if r.HasTools != nil && f.HasTools != *r.HasTools {
		return false
	}
	if r.HasVision != nil && f.HasVision != *r.HasVision {
		return false
	}
	if r.MessageCountGte > 0 && f.MessageCount < r.MessageCountGte {
		return false
	}
	if r.SystemLengthGte > 0 && f.SystemLength < r.SystemLengthGte {
		return false
	}
	return true
}

// classify resolves the request to a tier name and the source of that
// resolution. Rules are evaluated in order and win over the heuristic.
// The heuristic only reaches tiers whose policy is always-route; a
// rule-match-only tier is reachable solely via an explicit rule. Returns
// "" when nothing matches.
func classify(cfg *config.RouterConfig, f *messageapi.Features) (tier string, src Source) {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if _, ok := cfg.Tiers[r.Tier]; !ok {
			continue
		}
		if matchRule(r, f) {
			return r.Tier, SourceRule
		}
	}

	tier = heuristicTier(cfg, f)
	if tier == "" {
		return "", SourceNone
	}
	if t, ok := cfg.Tiers[tier]; !ok || t.ClientModelPolicy != "always-route" {
		return "", SourceNone
	}
	return tier, SourceClassifier
}

// heuristicTier applies the threshold heuristic: heavy if any heavy
// signal fires, light if the request stays under every light ceiling,
// medium otherwise.
func heuristicTier(cfg *config.RouterConfig, f *messageapi.Features) string {
	h := cfg.HeavyThresholds
	if f.HasTools || f.HasVision ||
		(h.MaxTokensGte > 0 && f.MaxTokens >= h.MaxTokensGte) ||
		(h.MessageCountGte > 0 && f.MessageCount >= h.MessageCountGte) ||
		(h.SystemLengthGte > 0 && f.SystemLength >= h.SystemLengthGte) {
		return "heavy"
	}

	l := cfg.LightCeilings
	if f.MaxTokens <= l.MaxTokensLte &&
		f.MessageCount <= l.MessageCountLte &&
		f.SystemLength <= l.SystemLengthLte {
		return "light"
	}

	return "medium"
}

// complexityUpgraded reports whether the complexity-upgrade rule promotes
// a medium classification to heavy.
func complexityUpgraded(cfg *config.ComplexityUpgradeConfig, f *messageapi.Features) bool {
	if !cfg.Enabled {
		return false
	}
	if cfg.MaxTokensGte > 0 && f.MaxTokens >= cfg.MaxTokensGte {
		return true
	}
	if cfg.MessageCountGte > 0 && f.MessageCount >= cfg.MessageCountGte {
		return true
	}
	return false
}
