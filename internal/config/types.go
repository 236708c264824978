// Package config defines the typed configuration surface for every component
// of the proxy core.
package config

// ModelConfig is the static catalog entry for one upstream model.
// Immutable once loaded.
type ModelConfig struct {
	ID             string  `json:"id"`
	MaxConcurrency int     `json:"maxConcurrency"`
	ContextLength  int     `json:"contextLength,omitempty"` // 0 = unknown
	PriceIn        float64 `json:"priceIn"`
	PriceOut       float64 `json:"priceOut"`
}

// RuleConfig is one entry of ModelRouter's classification rule list.
type RuleConfig struct {
	Tier            string   `json:"tier"`
	ModelGlob       string   `json:"modelGlob,omitempty"`
	MaxTokensGte    int      `json:"maxTokensGte,omitempty"`
	HasTools        *bool    `json:"hasTools,omitempty"`
	HasVision       *bool    `json:"hasVision,omitempty"`
	MessageCountGte int      `json:"messageCountGte,omitempty"`
	SystemLengthGte int      `json:"systemLengthGte,omitempty"`
}

// HeuristicThresholds is the always-route heuristic used when no rule
// matches: the heavy tier fires when any value meets its threshold.
type HeuristicThresholds struct {
	MaxTokensGte    int `json:"maxTokensGte"`
	MessageCountGte int `json:"messageCountGte"`
	SystemLengthGte int `json:"systemLengthGte"`
}

// HeuristicCeilings bounds the light tier from above: a request
// classifies light only when every value stays at or under its ceiling.
type HeuristicCeilings struct {
	MaxTokensLte    int `json:"maxTokensLte"`
	MessageCountLte int `json:"messageCountLte"`
	SystemLengthLte int `json:"systemLengthLte"`
}

// TierConfig is one entry of RouterTier.
type TierConfig struct {
	Name              string   `json:"name"`
	Models            []string `json:"models"`
	Strategy          string   `json:"strategy"` // throughput|balanced|quality|pool|failover
	ClientModelPolicy string   `json:"clientModelPolicy"` // always-route|rule-match-only
}

// CooldownConfig governs the per-key and per-model exponential cooldown
// escalation ladder.
type CooldownConfig struct {
	BaseCooldownMs   int64 `json:"baseCooldownMs"`
	MaxCooldownMs    int64 `json:"maxCooldownMs"`
	CooldownDecayMs  int64 `json:"cooldownDecayMs"`
	MaxCooldownEntries int `json:"maxCooldownEntries"`
}

// SchedulerConfig tunes KeyScheduler's weighted health scoring and pacing.
type SchedulerConfig struct {
	Mode                  string  `json:"mode"` // round-robin|weighted
	WeightLatency         float64 `json:"weightLatency"`
	WeightSuccessRate     float64 `json:"weightSuccessRate"`
	WeightErrorRecency    float64 `json:"weightErrorRecency"`
	SlowKeyCheckIntervalMs int64  `json:"slowKeyCheckIntervalMs"`
	SlowKeyThreshold      float64 `json:"slowKeyThreshold"`
	SlowKeyCooldownMs     int64   `json:"slowKeyCooldownMs"`
	RemainingThreshold    int     `json:"remainingThreshold"`
	PacingDelayMs         int64   `json:"pacingDelayMs"`
	AllowCooledBestEffort bool    `json:"allowCooledBestEffort"`
}

// CircuitBreakerConfig tunes the per-key circuit breaker.
type CircuitBreakerConfig struct {
	FailureWindowMs   int64 `json:"failureWindowMs"`
	FailureThreshold  int   `json:"failureThreshold"`
	CooldownPeriodMs  int64 `json:"cooldownPeriodMs"`
	HalfOpenTimeoutMs int64 `json:"halfOpenTimeoutMs"`
}

// AIMDConfig tunes AdaptiveConcurrency.
type AIMDConfig struct {
	Mode             string  `json:"mode"` // observe_only|enforce
	TickIntervalMs   int64   `json:"tickIntervalMs"`
	DecreaseFactor   float64 `json:"decreaseFactor"`
	MinWindow        int     `json:"minWindow"`
	RecoveryDelayMs  int64   `json:"recoveryDelayMs"`
	GrowthCleanTicks int     `json:"growthCleanTicks"`
	GrowthMode       string  `json:"growthMode"` // additive|proportional
	IdleTimeoutMs    int64   `json:"idleTimeoutMs"`
	IdleDecayStep    int     `json:"idleDecayStep"`
	MinHoldMs        int64   `json:"minHoldMs"`
	QuotaRetryAfterMs int64  `json:"quotaRetryAfterMs"`
}

// PoolCooldownConfig tunes the global cooldown escalation ladder.
type PoolCooldownConfig struct {
	TriggerCount    int   `json:"triggerCount"`
	TriggerWindowMs int64 `json:"triggerWindowMs"`
	BaseMs          int64 `json:"baseMs"`
	CapMs           int64 `json:"capMs"`
	DecayMs         int64 `json:"decayMs"`
	SleepThresholdMs int64 `json:"sleepThresholdMs"`
}

// Account429Config tunes the sliding-window account-wide 429 detector.
type Account429Config struct {
	KeyThreshold int   `json:"keyThreshold"`
	WindowMs     int64 `json:"windowMs"`
	CooldownMs   int64 `json:"cooldownMs"`
}

// Pool429PenaltyConfig tunes the per-model sliding 429 score penalty used
// by the "pool" strategy.
type Pool429PenaltyConfig struct {
	WindowMs      int64   `json:"windowMs"`
	Weight        float64 `json:"weight"`
	MaxPenaltyHits int    `json:"maxPenaltyHits"`
}

// RetryConfig tunes RetryOrchestrator.
type RetryConfig struct {
	MaxRetries                int     `json:"maxRetries"`
	Max429AttemptsPerRequest  int     `json:"max429AttemptsPerRequest"`
	Max429RetryWindowMs       int64   `json:"max429RetryWindowMs"`
	MaxModelSwitchesPerRequest int    `json:"maxModelSwitchesPerRequest"`
	BaseDelayMs               int64   `json:"baseDelayMs"`
	MaxDelayMs                int64   `json:"maxDelayMs"`
	BackoffMultiplier         float64 `json:"backoffMultiplier"`
	JitterPercent             float64 `json:"jitterPercent"`
	MaxCooldownMs             int64   `json:"maxCooldownMs"`
	QuotaRetryAfterThresholdMs int64  `json:"quotaRetryAfterThresholdMs"`
}

// AdmissionHoldConfig tunes AdmissionHold.
type AdmissionHoldConfig struct {
	MinCooldownToHoldMs int64 `json:"minCooldownToHoldMs"`
	MaxHoldMs           int64 `json:"maxHoldMs"`
	MaxConcurrentHolds  int   `json:"maxConcurrentHolds"`
}

// TimeoutConfig tunes the adaptive per-attempt timeout.
type TimeoutConfig struct {
	LatencyMultiplier float64 `json:"latencyMultiplier"`
	MinMs             int64   `json:"minMs"`
	MaxMs             int64   `json:"maxMs"`
	MinSamples        int     `json:"minSamples"`
	InitialMs         int64   `json:"initialMs"`
	RetryMultiplier   float64 `json:"retryMultiplier"`
	RequestTimeout    int64   `json:"requestTimeout"` // hard cap
}

// UpstreamConfig describes the provider endpoint and the connection-pool
// hygiene rules around it.
type UpstreamConfig struct {
	BaseURL                   string `json:"baseURL"`
	MessagesPath              string `json:"messagesPath"`
	SendAPIKeyHeader          bool   `json:"sendAPIKeyHeader"`
	MaxConsecutiveHangups     int    `json:"maxConsecutiveHangups"`
	AgentRecreationCooldownMs int64  `json:"agentRecreationCooldownMs"`
	FreeSocketTimeoutMs       int64  `json:"freeSocketTimeoutMs"`
	MaxIdleConns              int    `json:"maxIdleConns"`
}

// TraceConfig tunes routing decision tracing.
type TraceConfig struct {
	Enabled        bool    `json:"enabled"`
	SamplingRate   float64 `json:"samplingRate"` // percent, 0-100
	MaxPayloadSize int     `json:"maxPayloadSize"`
}

const (
	TraceMaxCandidates = 5
	TraceMaxMessages   = 3
)

// ExecutorConfig tunes RequestExecutor's admission/backpressure gate.
type ExecutorConfig struct {
	MaxBodySize           int64 `json:"maxBodySize"`
	MaxTotalConcurrency   int   `json:"maxTotalConcurrency"`
	QueueCapacity         int   `json:"queueCapacity"`
	QueueTimeoutMs        int64 `json:"queueTimeoutMs"`
	TransientOverflowRetry bool `json:"transientOverflowRetry"`
	MaxOverrides          int   `json:"maxOverrides"`
	LogDecisions          bool  `json:"logDecisions"`
	ShadowMode            bool  `json:"shadowMode"`
}

// FailoverConfig governs tier downgrade when a whole tier is unavailable.
type FailoverConfig struct {
	AllowTierDowngrade          bool     `json:"allowTierDowngrade"`
	DowngradeOrder              []string `json:"downgradeOrder"`
	MaxTierDowngradesPerRequest int      `json:"maxTierDowngradesPerRequest"`
}

// Glm5Config steers the preference experiment for the newest heavy model:
// preferencePercent of heavy-tier selections prefer Model ahead of list
// order. At 0 the preference is computed and recorded but never applied.
type Glm5Config struct {
	Model             string  `json:"model"`
	PreferencePercent float64 `json:"preferencePercent"`
}

// ComplexityUpgradeConfig promotes a medium-classified request to heavy
// when it crosses the complexity thresholds. Disabled by default.
type ComplexityUpgradeConfig struct {
	Enabled         bool `json:"enabled"`
	MaxTokensGte    int  `json:"maxTokensGte"`
	MessageCountGte int  `json:"messageCountGte"`
}

// RouterConfig aggregates everything ModelRouter needs: tiers, rules,
// classifier heuristics, and per-component sub-configs. Saved per-key
// overrides are not part of it; they live in the router's override store.
type RouterConfig struct {
	Enabled             bool                   `json:"enabled"`
	Tiers               map[string]*TierConfig `json:"tiers"`
	TierOrder           []string               `json:"tierOrder"`
	Rules               []RuleConfig           `json:"rules"`
	HeavyThresholds     HeuristicThresholds    `json:"heavyThresholds"`
	LightCeilings       HeuristicCeilings      `json:"lightCeilings"`
	DefaultModel        string                 `json:"defaultModel"`
	Failover            FailoverConfig         `json:"failover"`
	Cooldown            CooldownConfig         `json:"cooldown"`
	Pool429Penalty      Pool429PenaltyConfig   `json:"pool429Penalty"`
	Trace               TraceConfig            `json:"trace"`
	Glm5                Glm5Config             `json:"glm5"`
	ComplexityUpgrade   ComplexityUpgradeConfig `json:"complexityUpgrade"`
	Executor            ExecutorConfig         `json:"executor"`
}

// Config is the full, top-level runtime configuration.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	Models map[string]ModelConfig `json:"models"`
	Router RouterConfig           `json:"router"`

	Scheduler      SchedulerConfig      `json:"scheduler"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker"`
	AIMD           AIMDConfig           `json:"aimd"`
	PoolCooldown   PoolCooldownConfig   `json:"poolCooldown"`
	Account429     Account429Config     `json:"account429"`
	Retry          RetryConfig          `json:"retry"`
	Admission      AdmissionHoldConfig  `json:"admission"`
	Timeout        TimeoutConfig        `json:"timeout"`
	Upstream       UpstreamConfig       `json:"upstream"`

	KeyStoreDriver string `json:"keyStoreDriver"` // file|sqlite
	KeysFile       string `json:"keysFile"`
	SqliteDSN      string `json:"sqliteDSN"`
	OverridesFile  string `json:"overridesFile"`
	ConfigFile     string `json:"-"` // not itself serialized into the file

	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	Debug bool `json:"debug"`
}
