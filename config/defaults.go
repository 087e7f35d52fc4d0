package config

import "time"

// DefaultConfig returns sensible defaults for every section.
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Allocation:  DefaultAllocationConfig(),
		Messaging:   DefaultMessagingConfig(),
		Broadcast:   DefaultBroadcastConfig(),
		Negotiation: DefaultNegotiationConfig(),
		Consensus:   DefaultConsensusConfig(),
		Voting:      DefaultVotingConfig(),
		Judgment:    DefaultJudgmentConfig(),
		Store:       DefaultStoreConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns default endpoint settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultAllocationConfig returns default allocator tuning.
func DefaultAllocationConfig() AllocationConfig {
	return AllocationConfig{
		SkillWeight:         0.40,
		ResourceWeight:      0.25,
		DeadlineWeight:      0.20,
		CollaborationWeight: 0.15,
		CapacityWindow:      8 * time.Hour,
		BalanceThreshold:    0.85,
		RebalanceInterval:   time.Minute,
		MaxTimeoutRetries:   2,
		RetryBackoff:        30 * time.Second,
	}
}

// DefaultMessagingConfig returns default router settings.
func DefaultMessagingConfig() MessagingConfig {
	return MessagingConfig{
		MaxPayloadBytes: 64 * 1024,
		AttemptTimeout:  5 * time.Second,
		RatePerSecond:   100,
		Burst:           20,
	}
}

// DefaultBroadcastConfig returns default fan-out settings.
func DefaultBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{
		PerMemberTimeout: 10 * time.Second,
		Workers:          8,
		QueueSize:        256,
	}
}

// DefaultNegotiationConfig returns default bargaining bounds.
func DefaultNegotiationConfig() NegotiationConfig {
	return NegotiationConfig{
		MaxRounds:    5,
		RoundTimeout: 30 * time.Second,
		Deadline:     5 * time.Minute,
		StallRounds:  2,
	}
}

// DefaultConsensusConfig returns default deliberation bounds.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		DiscussionDuration: 30 * time.Second,
		VotingDuration:     30 * time.Second,
		MinParticipation:   0.5,
		ConsensusThreshold: 2.0 / 3.0,
		Deadline:           5 * time.Minute,
	}
}

// DefaultVotingConfig returns default ballot bounds.
func DefaultVotingConfig() VotingConfig {
	return VotingConfig{
		ApprovalThreshold: 0.5,
		MinParticipation:  0.5,
		Deadline:          5 * time.Minute,
	}
}

// DefaultJudgmentConfig returns default judgment client settings.
func DefaultJudgmentConfig() JudgmentConfig {
	return JudgmentConfig{
		Timeout:            10 * time.Second,
		FallbackConfidence: 0.1,
	}
}

// DefaultStoreConfig returns the in-memory store default.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: "memory",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "agentcoord:",
		},
		SQLite: SQLiteConfig{
			Path: "agentcoord.db",
		},
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig returns default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentcoord",
		SampleRate:   1.0,
	}
}
