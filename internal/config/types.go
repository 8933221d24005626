package config

import "time"

// ScoringConfig holds the weights and thresholds for the dispatch score.
// All values are tunable without touching scheduling logic.
type ScoringConfig struct {
	PriorityWeight float64 `yaml:"priority_weight"` // w_p
	AgeWeight      float64 `yaml:"age_weight"`      // w_a
	DeadlineWeight float64 `yaml:"deadline_weight"` // w_d
	BlockerWeight  float64 `yaml:"blocker_weight"`  // w_b
	RetryWeight    float64 `yaml:"retry_weight"`    // w_r

	AgeCeiling       time.Duration `yaml:"age_ceiling"`        // Age normalization cap
	BlockerCeiling   int           `yaml:"blocker_ceiling"`    // Blocker count normalization cap
	SLAUrgencyWindow time.Duration `yaml:"sla_urgency_window"` // Deadline window for the SLA boost
	SLABoost         float64       `yaml:"sla_boost"`          // Multiplier inside the urgency window
	StarvationLimit  time.Duration `yaml:"starvation_limit"`   // Wait after which the floor applies
	StarvationFloor  float64       `yaml:"starvation_floor"`   // Minimum score once starved
}

// CapacityConfig bounds concurrent workers.
type CapacityConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	OvercapLimit    int           `yaml:"overcap_limit"` // Extra slots the audited bump path may use
	RecheckInterval time.Duration `yaml:"recheck_interval"`
	RescoreInterval time.Duration `yaml:"rescore_interval"` // Stuck-queue rescore scan
}

// FairShareConfig prevents one ticket from monopolizing capacity.
type FairShareConfig struct {
	MaxPerTicket int `yaml:"max_per_ticket"` // Max concurrent tasks per owning ticket
}

// ValidationConfig bounds the fix/re-check feedback loop.
type ValidationConfig struct {
	SignatureLimit    int `yaml:"signature_limit"`     // Repeats of one failure signature before escalation
	DefaultMaxRetries int `yaml:"default_max_retries"` // Retry ceiling applied when a task declares none
}

// DiscoveryRoute maps a discovery category to the work it spawns.
type DiscoveryRoute struct {
	Phase    string `yaml:"phase"`
	Priority string `yaml:"priority"`
	Boost    bool   `yaml:"boost"` // Apply priority boost regardless of severity
}

// DiscoveryConfig routes discovery categories to phases and priorities.
// Routing is configuration, not code: operators tune it per deployment.
type DiscoveryConfig struct {
	Routes        map[string]DiscoveryRoute `yaml:"routes"`
	BoostSeverity string                    `yaml:"boost_severity"` // Severity at/above which to boost
}

// ConvergenceConfig bounds merge coordination at join points.
type ConvergenceConfig struct {
	RetryBudget        int           `yaml:"retry_budget"`         // Merge attempts per convergence point
	MaxResolutionCalls int           `yaml:"max_resolution_calls"` // Delegated resolutions per attempt
	ResolutionTimeout  time.Duration `yaml:"resolution_timeout"`   // Per-call timeout; timeout == failure
	ScanInterval       time.Duration `yaml:"scan_interval"`
	ClaimLease         time.Duration `yaml:"claim_lease"` // Max age of a scoring/merging claim before it is re-armed
}

// WatchdogConfig bounds how long a dispatched task may sit without progress
// before it is timed out and its slot reclaimed.
type WatchdogConfig struct {
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// ResolverConfig points at the external command delegated conflict
// resolutions are sent to. An empty command disables delegation: merges with
// conflicts fail instead of stalling.
type ResolverConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// LoggingConfig configures the zap logger and file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // Empty means stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// WorkspaceConfig locates the git repository branches live in.
type WorkspaceConfig struct {
	RepoPath    string `yaml:"repo_path"`
	BaseBranch  string `yaml:"base_branch"`
	WorktreeDir string `yaml:"worktree_dir"`
}

// Config is the top-level configuration.
type Config struct {
	Scoring     ScoringConfig     `yaml:"scoring"`
	Capacity    CapacityConfig    `yaml:"capacity"`
	FairShare   FairShareConfig   `yaml:"fair_share"`
	Validation  ValidationConfig  `yaml:"validation"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Convergence ConvergenceConfig `yaml:"convergence"`
	Watchdog    WatchdogConfig    `yaml:"watchdog"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Logging     LoggingConfig     `yaml:"logging"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	StorePath   string            `yaml:"store_path"`
}
