package router

// pickByStrategy selects one candidate from a non-empty eligible list.
// Eligibility (context fit, free slot, no cooldown, not yet attempted)
// has already been enforced; strategies only rank.
func pickByStrategy(strategy string, eligible []candidate) candidate {
	switch lowerStrategy(strategy) {
	case "pool":
		return pickBest(eligible, func(c candidate) float64 { return poolScore(c) })
	case "throughput":
		return pickBest(eligible, func(c candidate) float64 { return throughputScore(c) })
	case "balanced":
		return pickBest(eligible, func(c candidate) float64 { return balancedScore(c) })
	case "failover", "quality":
		// Strict list order; eligibility already excluded attempted and
		// cooled candidates.
		best := eligible[0]
		for _, c := range eligible[1:] {
			if c.listIdx < best.listIdx {
				best = c
			}
		}
		return best
	default:
		return eligible[0]
	}
}

// pickBest returns the highest-scoring candidate, breaking ties by lower
// price and then list order.
func pickBest(eligible []candidate, score func(candidate) float64) candidate {
	best := eligible[0]
	bestScore := score(best)
	for _, c := range eligible[1:] {
		s := score(c)
		switch {
		case s > bestScore:
			best, bestScore = c, s
		case s == bestScore && c.cost < best.cost:
			best = c
		case s == bestScore && c.cost == best.cost && c.listIdx < best.listIdx:
			best = c
		}
	}
	return best
}

// poolScore weighs free capacity against the sliding 429 penalty and
// effective cost. c.penalty was computed in evaluate() from the capped
// hit count and the configured weight.
func poolScore(c candidate) float64 {
	cost := c.cost
	if cost <= 0 {
		cost = 1
	}
	return float64(c.available) * c.penalty / cost
}

// throughputScore is raw free capacity.
func throughputScore(c candidate) float64 {
	return float64(c.available)
}

// balancedScore weighs list preference by the candidate's availability
// ratio: an early-listed model that is nearly saturated defers to a
// later one with headroom.
func balancedScore(c candidate) float64 {
	ratio := 0.0
	if c.effMax > 0 {
		ratio = float64(c.available) / float64(c.effMax)
	}
	preference := 1.0 / float64(c.listIdx+1)
	return preference * ratio
}

// strategyScore reports the score a strategy assigns a candidate, for
// decision traces.
func strategyScore(strategy string, c candidate) float64 {
	switch lowerStrategy(strategy) {
	case "pool":
		return poolScore(c)
	case "throughput":
		return throughputScore(c)
	case "balanced":
		return balancedScore(c)
	default:
		return 0
	}
}
