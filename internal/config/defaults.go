package config

func boolPtr(b bool) *bool { return &b }

// Default returns the built-in configuration used when no config file is
// supplied, adapted from the hardcoded defaults in
// internal/config/config.go.
func Default() *Config {
	return &Config{
		Host: "0.0.0.0",
		Port: 8080,

		Models: map[string]ModelConfig{
			"claude-3-5-haiku":    {ID: "claude-3-5-haiku", MaxConcurrency: 40, ContextLength: 200000, PriceIn: 0.8, PriceOut: 4},
			"claude-3-5-sonnet":   {ID: "claude-3-5-sonnet", MaxConcurrency: 20, ContextLength: 200000, PriceIn: 3, PriceOut: 15},
			"claude-3-opus":       {ID: "claude-3-opus", MaxConcurrency: 8, ContextLength: 200000, PriceIn: 15, PriceOut: 75},
		},

		Router: RouterConfig{
			Enabled: true,
			Tiers: map[string]*TierConfig{
				"light":  {Name: "light", Models: []string{"claude-3-5-haiku"}, Strategy: "throughput", ClientModelPolicy: "rule-match-only"},
				"medium": {Name: "medium", Models: []string{"claude-3-5-sonnet"}, Strategy: "balanced", ClientModelPolicy: "always-route"},
				"heavy":  {Name: "heavy", Models: []string{"claude-3-opus"}, Strategy: "quality", ClientModelPolicy: "rule-match-only"},
			},
			TierOrder: []string{"light", "medium", "heavy"},
			Rules: []RuleConfig{
				{Tier: "heavy", ModelGlob: "*opus*"},
				{Tier: "heavy", HasVision: boolPtr(true)},
				{Tier: "light", ModelGlob: "*haiku*"},
			},
			HeavyThresholds: HeuristicThresholds{MaxTokensGte: 4096, MessageCountGte: 40, SystemLengthGte: 6000},
			LightCeilings:   HeuristicCeilings{MaxTokensLte: 256, MessageCountLte: 2, SystemLengthLte: 200},
			DefaultModel:    "claude-3-5-sonnet",
			Failover: FailoverConfig{
				AllowTierDowngrade:          true,
				DowngradeOrder:              []string{"heavy", "medium", "light"},
				MaxTierDowngradesPerRequest: 1,
			},
			Cooldown: CooldownConfig{
				BaseCooldownMs:      1000,
				MaxCooldownMs:       5 * 60 * 1000,
				CooldownDecayMs:     10 * 60 * 1000,
				MaxCooldownEntries:  500,
			},
			Pool429Penalty: Pool429PenaltyConfig{
				WindowMs:       60_000,
				Weight:         0.15,
				MaxPenaltyHits: 10,
			},
			Trace: TraceConfig{
				Enabled:        true,
				SamplingRate:   5,
				MaxPayloadSize: 2048,
			},
			Glm5: Glm5Config{
				Model:             "",
				PreferencePercent: 0,
			},
			ComplexityUpgrade: ComplexityUpgradeConfig{
				Enabled:         false,
				MaxTokensGte:    16384,
				MessageCountGte: 80,
			},
			Executor: ExecutorConfig{
				MaxBodySize:            10 << 20,
				MaxTotalConcurrency:    200,
				QueueCapacity:          500,
				QueueTimeoutMs:         2000,
				TransientOverflowRetry: true,
				MaxOverrides:           200,
				LogDecisions:           true,
				ShadowMode:             false,
			},
		},

		Scheduler: SchedulerConfig{
			Mode:                   "weighted",
			WeightLatency:          0.4,
			WeightSuccessRate:      0.4,
			WeightErrorRecency:     0.2,
			SlowKeyCheckIntervalMs: 30_000,
			SlowKeyThreshold:       2.5,
			SlowKeyCooldownMs:      60_000,
			RemainingThreshold:     5,
			PacingDelayMs:          250,
			AllowCooledBestEffort:  true,
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureWindowMs:   60_000,
			FailureThreshold:  5,
			CooldownPeriodMs:  30_000,
			HalfOpenTimeoutMs: 10_000,
		},

		AIMD: AIMDConfig{
			Mode:              "enforce",
			TickIntervalMs:     5_000,
			DecreaseFactor:     0.5,
			MinWindow:          1,
			RecoveryDelayMs:    15_000,
			GrowthCleanTicks:   3,
			GrowthMode:         "additive",
			IdleTimeoutMs:      120_000,
			IdleDecayStep:      1,
			MinHoldMs:          2_000,
			QuotaRetryAfterMs:  60_000,
		},

		PoolCooldown: PoolCooldownConfig{
			TriggerCount:     3,
			TriggerWindowMs:  30_000,
			BaseMs:           2_000,
			CapMs:            60_000,
			DecayMs:          5 * 60_000,
			SleepThresholdMs: 120_000,
		},

		Account429: Account429Config{
			KeyThreshold: 3,
			WindowMs:     30_000,
			CooldownMs:   120_000,
		},

		Retry: RetryConfig{
			MaxRetries:                  5,
			Max429AttemptsPerRequest:    3,
			Max429RetryWindowMs:         60_000,
			MaxModelSwitchesPerRequest:  2,
			BaseDelayMs:                 250,
			MaxDelayMs:                  10_000,
			BackoffMultiplier:           2,
			JitterPercent:               20,
			MaxCooldownMs:               5 * 60_000,
			QuotaRetryAfterThresholdMs:  30_000,
		},

		Admission: AdmissionHoldConfig{
			MinCooldownToHoldMs: 500,
			MaxHoldMs:           3_000,
			MaxConcurrentHolds:  50,
		},

		Upstream: UpstreamConfig{
			BaseURL:                   "https://api.z.ai",
			MessagesPath:              "/api/anthropic/v1/messages",
			SendAPIKeyHeader:          true,
			MaxConsecutiveHangups:     3,
			AgentRecreationCooldownMs: 30_000,
			FreeSocketTimeoutMs:       15_000,
			MaxIdleConns:              100,
		},

		Timeout: TimeoutConfig{
			LatencyMultiplier: 3,
			MinMs:             5_000,
			MaxMs:             120_000,
			MinSamples:        5,
			InitialMs:         30_000,
			RetryMultiplier:   1.5,
			RequestTimeout:    300_000,
		},

		KeyStoreDriver: "file",
		KeysFile:       "keys.json",
		SqliteDSN:      "",
		OverridesFile:  "overrides.json",

		RedisAddr:     "",
		RedisPassword: "",
		RedisDB:       0,

		Debug: false,
	}
}
