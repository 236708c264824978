package executor

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/riftrelay/capacity-proxy/internal/capacity"
	"github.com/riftrelay/capacity-proxy/internal/config"
)

// outcomeKind classifies one attempt's terminal result.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeClientFault
	outcomeRateLimit
	outcomeCapacity
	outcomeQuota
	outcomeAuthPermanent
	outcomeAuthFatal
	outcomeServerError
	outcomeTimeout
	outcomeHangup
)

// maxCapacityRetries bounds the short same-model retries on a
// capacity-exhausted upstream before treating it like a generic 429.
const maxCapacityRetries = 3

// outcome is the digested result of one upstream attempt.
type outcome struct {
	kind       outcomeKind
	status     int
	retryAfter time.Duration
	body       string
	err        error
}

// classifyOutcome digests an upstream response or transport error into an
// outcome. For non-2xx responses the caller has already read and closed
// the body.
func classifyOutcome(cfg *config.RetryConfig, resp *http.Response, body string, err error) outcome {
	if err != nil {
		if isTimeoutError(err) {
			return outcome{kind: outcomeTimeout, err: err}
		}
		if isHangupError(err) {
			return outcome{kind: outcomeHangup, err: err}
		}
		// Unclassified transport errors retry like server faults.
		return outcome{kind: outcomeServerError, err: err}
	}

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return outcome{kind: outcomeSuccess, status: status}

	case status == http.StatusTooManyRequests:
		ra := parseRetryAfter(resp.Header)
		if capacity.IsModelCapacityExhausted(body) {
			return outcome{kind: outcomeCapacity, status: status, retryAfter: ra, body: body}
		}
		if capacity.IsQuotaExceeded(body) ||
			(ra > 0 && ra >= time.Duration(cfg.QuotaRetryAfterThresholdMs)*time.Millisecond) {
			return outcome{kind: outcomeQuota, status: status, retryAfter: ra, body: body}
		}
		return outcome{kind: outcomeRateLimit, status: status, retryAfter: ra, body: body}

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if capacity.IsPermanentAuthFailure(body) {
			return outcome{kind: outcomeAuthPermanent, status: status, body: body}
		}
		return outcome{kind: outcomeAuthFatal, status: status, body: body}

	case status == http.StatusRequestTimeout:
		return outcome{kind: outcomeTimeout, status: status, body: body}

	case status >= 400 && status < 500:
		return outcome{kind: outcomeClientFault, status: status, body: body}

	default:
		if (status == http.StatusServiceUnavailable || status == 529) && capacity.IsModelCapacityExhausted(body) {
			return outcome{kind: outcomeCapacity, status: status, body: body}
		}
		return outcome{kind: outcomeServerError, status: status, body: body}
	}
}

// action is what the orchestrator tells the attempt loop to do next.
type action int

const (
	actSucceed action = iota
	actRetrySameModel
	actRetrySwitchModel
	actRetrySwitchKey
	actGiveUp
)

// retryState is the per-request retry bookkeeping the orchestrator
// consults for its exit conditions.
type retryState struct {
	attempts         int
	modelSwitches    int
	rateLimitRetries int
	capacityRetries  int
	loopStart        time.Time
	heldTime         time.Duration
}

// retryWindowExceeded applies the wall-clock bound, with admission-hold
// time excluded from the clock.
func (s *retryState) retryWindowExceeded(cfg *config.RetryConfig) bool {
	elapsed := time.Since(s.loopStart) - s.heldTime
	return elapsed >= time.Duration(cfg.Max429RetryWindowMs)*time.Millisecond
}

// decide maps an attempt outcome to the next action per the retry policy.
// State mutation (cooldowns, exclusions, penalty counters) is the
// caller's job; decide is pure so the policy stays testable.
func decide(cfg *config.RetryConfig, o outcome, s *retryState) action {
	switch o.kind {
	case outcomeSuccess:
		return actSucceed

	case outcomeClientFault, outcomeAuthFatal, outcomeQuota:
		return actGiveUp

	case outcomeAuthPermanent:
		// The key is dead, not the request; the next key may succeed.
		return s.exitOr(cfg, actRetrySwitchKey)

	case outcomeCapacity:
		// Transient model-capacity exhaustion: a short staged retry on
		// the same model usually clears before a model switch would.
		if s.capacityRetries < maxCapacityRetries {
			return s.exitOr(cfg, actRetrySameModel)
		}
		if s.retryWindowExceeded(cfg) {
			return actGiveUp
		}
		if s.modelSwitches < cfg.MaxModelSwitchesPerRequest {
			return s.exitOr(cfg, actRetrySwitchModel)
		}
		return s.exitOr(cfg, actRetrySwitchKey)

	case outcomeRateLimit:
		if s.rateLimitRetries >= cfg.Max429AttemptsPerRequest {
			return actGiveUp
		}
		if s.retryWindowExceeded(cfg) {
			return actGiveUp
		}
		if s.modelSwitches < cfg.MaxModelSwitchesPerRequest {
			return s.exitOr(cfg, actRetrySwitchModel)
		}
		return s.exitOr(cfg, actRetrySwitchKey)

	case outcomeServerError, outcomeTimeout, outcomeHangup:
		return s.exitOr(cfg, actRetrySwitchKey)

	default:
		return actGiveUp
	}
}

// exitOr applies the attempt-count bound before allowing a retry action.
func (s *retryState) exitOr(cfg *config.RetryConfig, a action) action {
	if s.attempts >= cfg.MaxRetries {
		return actGiveUp
	}
	return a
}

// backoffDelay computes the exponential retry delay with jitter, honoring
// an upstream retry-after capped by maxCooldownMs.
func backoffDelay(cfg *config.RetryConfig, retryIdx int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if limit := time.Duration(cfg.MaxCooldownMs) * time.Millisecond; retryAfter > limit {
			retryAfter = limit
		}
		return retryAfter
	}

	delay := float64(cfg.BaseDelayMs)
	for i := 0; i < retryIdx; i++ {
		delay *= cfg.BackoffMultiplier
	}
	if delay > float64(cfg.MaxDelayMs) {
		delay = float64(cfg.MaxDelayMs)
	}

	jitter := (rand.Float64()*2 - 1) * cfg.JitterPercent / 100
	delay *= 1 + jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}
