package config

import "time"

// Default returns the built-in configuration. Values mirror production tuning:
// priority dominates the composite score, age and deadline pull queued work
// forward, and the starvation floor guarantees eventual dispatch.
func Default() *Config {
	return &Config{
		Scoring: ScoringConfig{
			PriorityWeight:   0.45,
			AgeWeight:        0.20,
			DeadlineWeight:   0.15,
			BlockerWeight:    0.15,
			RetryWeight:      0.05,
			AgeCeiling:       time.Hour,
			BlockerCeiling:   10,
			SLAUrgencyWindow: 15 * time.Minute,
			SLABoost:         1.25,
			StarvationLimit:  2 * time.Hour,
			StarvationFloor:  0.6,
		},
		Capacity: CapacityConfig{
			MaxConcurrent:   4,
			OvercapLimit:    2,
			RecheckInterval: 5 * time.Second,
			RescoreInterval: 30 * time.Second,
		},
		FairShare: FairShareConfig{
			MaxPerTicket: 3,
		},
		Validation: ValidationConfig{
			SignatureLimit:    2,
			DefaultMaxRetries: 3,
		},
		Discovery: DiscoveryConfig{
			BoostSeverity: "high",
			Routes: map[string]DiscoveryRoute{
				"defect-found":             {Phase: "implementation", Priority: "HIGH"},
				"blocking-dependency":      {Phase: "planning", Priority: "CRITICAL", Boost: true},
				"missing-prerequisite":     {Phase: "planning", Priority: "HIGH"},
				"optimization-opportunity": {Phase: "implementation", Priority: "LOW"},
			},
		},
		Convergence: ConvergenceConfig{
			RetryBudget:        2,
			MaxResolutionCalls: 20,
			ResolutionTimeout:  5 * time.Minute,
			ScanInterval:       10 * time.Second,
			ClaimLease:         30 * time.Minute,
		},
		Watchdog: WatchdogConfig{
			TaskTimeout:  2 * time.Hour,
			ScanInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Workspace: WorkspaceConfig{
			BaseBranch:  "main",
			WorktreeDir: ".worktrees",
		},
		StorePath: "tributary.db",
	}
}
