package capacity

import (
	"sync"
	"time"

	"github.com/riftrelay/capacity-proxy/internal/config"
)

// aimdModelState is the per-model AIMD bookkeeping.
type aimdModelState struct {
	window          int
	staticMax       int
	lastCongestionAt time.Time
	lastAdjustAt    time.Time
	cleanTicks      int
	lastTrafficAt   time.Time
	congestedThisTick bool
}

// AdaptiveConcurrency is the AIMD controller that tunes each model's
// effective concurrency window from upstream 429 feedback.
// Grounded on the CalculateSmartBackoff staged-tier idea
// (go-backend/internal/cloudcode/rate_limit_state.go), generalized from a
// one-shot backoff calculation into a continuously ticking window
// controller driven by periodic AIMD ticks rather than per-request
// backoff math.
type AdaptiveConcurrency struct {
	mu     sync.Mutex
	cfg    config.AIMDConfig
	models map[string]*aimdModelState

	stopCh chan struct{}
	once   sync.Once
}

// NewAdaptiveConcurrency constructs a controller. Call Start to begin the
// tick loop; call Stop to end it.
func NewAdaptiveConcurrency(cfg config.AIMDConfig) *AdaptiveConcurrency {
	return &AdaptiveConcurrency{
		cfg:    cfg,
		models: map[string]*aimdModelState{},
		stopCh: make(chan struct{}),
	}
}

// ensure returns (creating if absent) the state for model, seeded at
// staticMax.
func (a *AdaptiveConcurrency) ensure(model string, staticMax int) *aimdModelState {
	st, ok := a.models[model]
	if !ok {
		st = &aimdModelState{window: staticMax, staticMax: staticMax}
		a.models[model] = st
	}
	return st
}

// EffectiveWindow returns the concurrency window the router should
// enforce for model. In observe_only mode this is always staticMax.
func (a *AdaptiveConcurrency) EffectiveWindow(model string, staticMax int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.ensure(model, staticMax)
	if a.cfg.Mode != "enforce" {
		return staticMax
	}
	if st.window <= 0 {
		return staticMax
	}
	return st.window
}

// ObserveCongestion records a 429/congestion signal for model on this
// tick. isQuota distinguishes a quota 429, which does not trigger AIMD
// decrease, from true congestion.
func (a *AdaptiveConcurrency) ObserveCongestion(model string, staticMax int, isQuota bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.ensure(model, staticMax)
	st.lastTrafficAt = time.Now()
	if isQuota {
		return
	}
	st.congestedThisTick = true
}

// ObserveTraffic marks that a request completed against model, resetting
// the idle timer used by the idle-decay rule.
func (a *AdaptiveConcurrency) ObserveTraffic(model string, staticMax int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensure(model, staticMax).lastTrafficAt = time.Now()
}

// Tick runs one AIMD step across every tracked model. Intended to be
// called every tickIntervalMs by a background goroutine (Start), but
// exposed standalone so tests can drive it deterministically.
func (a *AdaptiveConcurrency) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()

	for _, st := range a.models {
		if !st.lastAdjustAt.IsZero() && now.Sub(st.lastAdjustAt) < time.Duration(a.cfg.MinHoldMs)*time.Millisecond {
			st.congestedThisTick = false
			continue
		}

		switch {
		case st.congestedThisTick:
			newWindow := st.window
			if a.cfg.DecreaseFactor > 0 && a.cfg.DecreaseFactor < 1 {
				newWindow = int(float64(st.window) * a.cfg.DecreaseFactor)
			}
			if newWindow < a.cfg.MinWindow {
				newWindow = a.cfg.MinWindow
			}
			if newWindow < st.window {
				st.window = newWindow
				st.lastAdjustAt = now
			}
			st.lastCongestionAt = now
			st.cleanTicks = 0

		case !st.lastTrafficAt.IsZero() && now.Sub(st.lastTrafficAt) >= time.Duration(a.cfg.IdleTimeoutMs)*time.Millisecond:
			if st.window < st.staticMax {
				st.window += a.cfg.IdleDecayStep
				if st.window > st.staticMax {
					st.window = st.staticMax
				}
				st.lastAdjustAt = now
			}

		default:
			st.cleanTicks++
			recovered := st.lastCongestionAt.IsZero() || now.Sub(st.lastCongestionAt) >= time.Duration(a.cfg.RecoveryDelayMs)*time.Millisecond
			if recovered && st.cleanTicks >= a.cfg.GrowthCleanTicks && st.window < st.staticMax {
				switch a.cfg.GrowthMode {
				case "proportional":
					grown := st.window + st.window/10 + 1
					if grown > st.staticMax {
						grown = st.staticMax
					}
					st.window = grown
				default: // additive
					st.window++
					if st.window > st.staticMax {
						st.window = st.staticMax
					}
				}
				st.lastAdjustAt = now
				st.cleanTicks = 0
			}
		}

		st.congestedThisTick = false
	}
}

// Start begins the background tick loop. Safe to call once.
func (a *AdaptiveConcurrency) Start() {
	a.once.Do(func() {
		go func() {
			interval := time.Duration(a.cfg.TickIntervalMs) * time.Millisecond
			if interval <= 0 {
				interval = 5 * time.Second
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.Tick()
				case <-a.stopCh:
					return
				}
			}
		}()
	})
}

// Stop ends the background tick loop.
func (a *AdaptiveConcurrency) Stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
}

// Window returns the current raw window value for model, for status/test
// inspection.
func (a *AdaptiveConcurrency) Window(model string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.models[model]
	if !ok {
		return 0, false
	}
	return st.window, true
}
