package config

import (
	"os"
	"strconv"
)

// loadFromEnv applies GLM_* environment variable overrides on top of
// whatever was loaded from file/defaults: a variable that fails to parse
// is silently skipped rather than aborting startup.
func (c *Config) loadFromEnv() {
	strVar(&c.Host, "GLM_HOST")
	intVar(&c.Port, "GLM_PORT")
	boolVar(&c.Debug, "GLM_DEBUG")

	strVar(&c.KeyStoreDriver, "GLM_KEYSTORE_DRIVER")
	strVar(&c.KeysFile, "GLM_KEYS_FILE")
	strVar(&c.SqliteDSN, "GLM_SQLITE_DSN")
	strVar(&c.OverridesFile, "GLM_OVERRIDES_FILE")

	strVar(&c.RedisAddr, "GLM_REDIS_ADDR")
	strVar(&c.RedisPassword, "GLM_REDIS_PASSWORD")
	intVar(&c.RedisDB, "GLM_REDIS_DB")

	strVar(&c.Router.DefaultModel, "GLM_DEFAULT_MODEL")
	boolVar(&c.Router.Executor.ShadowMode, "GLM_SHADOW_MODE")
	boolVar(&c.Router.Failover.AllowTierDowngrade, "GLM_ALLOW_TIER_DOWNGRADE")
	intVar(&c.Router.Executor.MaxTotalConcurrency, "GLM_MAX_CONCURRENCY")
	int64Var(&c.Router.Executor.QueueTimeoutMs, "GLM_QUEUE_TIMEOUT_MS")
	float64Var(&c.Router.Trace.SamplingRate, "GLM_TRACE_SAMPLING_RATE")

	strVar(&c.Scheduler.Mode, "GLM_SCHEDULER_MODE")
	float64Var(&c.Scheduler.WeightLatency, "GLM_WEIGHT_LATENCY")
	float64Var(&c.Scheduler.WeightSuccessRate, "GLM_WEIGHT_SUCCESS_RATE")
	float64Var(&c.Scheduler.WeightErrorRecency, "GLM_WEIGHT_ERROR_RECENCY")

	int64Var(&c.CircuitBreaker.FailureWindowMs, "GLM_CB_FAILURE_WINDOW_MS")
	intVar(&c.CircuitBreaker.FailureThreshold, "GLM_CB_FAILURE_THRESHOLD")
	int64Var(&c.CircuitBreaker.CooldownPeriodMs, "GLM_CB_COOLDOWN_MS")

	strVar(&c.AIMD.Mode, "GLM_AIMD_MODE")
	float64Var(&c.AIMD.DecreaseFactor, "GLM_AIMD_DECREASE_FACTOR")
	int64Var(&c.AIMD.RecoveryDelayMs, "GLM_AIMD_RECOVERY_DELAY_MS")

	strVar(&c.Upstream.BaseURL, "GLM_UPSTREAM_URL")
	strVar(&c.Upstream.MessagesPath, "GLM_UPSTREAM_MESSAGES_PATH")

	intVar(&c.Retry.MaxRetries, "GLM_MAX_RETRIES")
	int64Var(&c.Retry.BaseDelayMs, "GLM_RETRY_BASE_MS")
	int64Var(&c.Retry.MaxDelayMs, "GLM_RETRY_MAX_MS")
}

func strVar(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func boolVar(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func intVar(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int64Var(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func float64Var(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
