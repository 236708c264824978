// Package capacity implements the pool-wide regulation fabric: AIMD
// adaptive concurrency, pool-wide cooldown escalation, the account-level
// 429 detector, and the substring-based classification of upstream 429s
// into capacity-vs-quota buckets.
package capacity

import "strings"

func containsAny(lower string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// IsPermanentAuthFailure reports whether body text indicates a credential
// that will never recover from retrying, grounded on
// go-backend/internal/cloudcode/rate_limit_state.go's IsPermanentAuthFailure.
func IsPermanentAuthFailure(body string) bool {
	lower := strings.ToLower(body)
	return containsAny(lower,
		"invalid_grant",
		"token revoked",
		"token has been expired or revoked",
		"token_revoked",
		"invalid_client",
		"credentials are invalid")
}

// IsModelCapacityExhausted reports whether a 429 body indicates transient
// upstream overload (retry the same model shortly) rather than an
// account quota limit, grounded on go-backend's IsModelCapacityExhausted.
func IsModelCapacityExhausted(body string) bool {
	lower := strings.ToLower(body)
	return containsAny(lower,
		"model_capacity_exhausted",
		"capacity_exhausted",
		"model is currently overloaded",
		"service temporarily unavailable")
}

// IsQuotaExceeded reports whether a 429 body indicates the account-level
// quota has been exhausted (give up / switch model, long backoff),
// distinguished from IsModelCapacityExhausted.
func IsQuotaExceeded(body string) bool {
	lower := strings.ToLower(body)
	return containsAny(lower,
		"quota_exceeded",
		"quota exhausted",
		"insufficient_quota",
		"billing")
}

// CapacityBackoffTiersMs is the staged backoff ladder applied to direct
// capacity-exhaustion 429s, grounded on the
// CapacityBackoffTiersMs constant (go-backend/internal/config/constants.go).
// The executor waits out these tiers between same-model capacity retries;
// AdaptiveConcurrency does not use them (it decreases by DecreaseFactor).
var CapacityBackoffTiersMs = []int64{1000, 2000, 5000, 15000, 30000}

// QuotaBackoffTiersMs is the long-horizon ladder for account-quota 429s:
// [60s, 5m, 30m, 2h].
var QuotaBackoffTiersMs = []int64{60_000, 300_000, 1_800_000, 7_200_000}

// BackoffTier returns tiers[min(idx, len(tiers)-1)].
func BackoffTier(tiers []int64, idx int) int64 {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(tiers) {
		idx = len(tiers) - 1
	}
	return tiers[idx]
}
