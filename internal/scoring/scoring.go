// Package scoring computes the dynamic dispatch score for queued tasks.
//
// The score is a weighted sum of five normalized signals (priority tier, age,
// deadline urgency, downstream blocker count, retry penalty) with two
// post-hoc overrides: an SLA multiplier near the deadline and a starvation
// floor for tasks that have waited past the configured limit. All weights and
// thresholds live in config so operators can tune dispatch behavior without
// touching this package.
package scoring

import (
	"time"

	"github.com/tributarylabs/tributary/internal/config"
	"github.com/tributarylabs/tributary/internal/task"
)

// priorityMap maps static priority tiers onto [0,1].
var priorityMap = map[task.Priority]float64{
	task.PriorityCritical: 1.0,
	task.PriorityHigh:     0.75,
	task.PriorityMedium:   0.5,
	task.PriorityLow:      0.25,
}

// Score computes the dispatch score for a task at the given instant.
//
// blockerCount is the number of other tasks whose sole remaining unmet
// dependency is this task; the caller resolves it from the store so Score
// stays a pure function.
func Score(t *task.Task, blockerCount int, now time.Time, cfg config.ScoringConfig) float64 {
	// P: discrete priority tier. Unknown tiers score as LOW.
	priorityScore, ok := priorityMap[t.Priority]
	if !ok {
		priorityScore = 0.25
	}

	// A: age since creation, capped at the ceiling.
	age := now.Sub(t.CreatedAt)
	ageNorm := clamp01(float64(age) / float64(cfg.AgeCeiling))

	// D: deadline urgency. Zero without a deadline, 1.0 at or past the
	// deadline, linear ramp inside the urgency window.
	deadlineNorm := 0.0
	var slack time.Duration
	if t.HasDeadline() {
		slack = t.Deadline.Sub(now)
		if slack <= 0 {
			deadlineNorm = 1.0
		} else {
			deadlineNorm = clamp01(1.0 - float64(slack)/float64(cfg.SLAUrgencyWindow))
		}
	}

	// B: downstream tasks this one unblocks, capped at the ceiling.
	blockerNorm := clamp01(float64(blockerCount) / float64(cfg.BlockerCeiling))

	// R: retry penalty, decreasing as retries accumulate.
	maxRetries := t.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	retryPenalty := clamp01(1.0 - float64(t.RetryCount)/float64(maxRetries))

	score := cfg.PriorityWeight*priorityScore +
		cfg.AgeWeight*ageNorm +
		cfg.DeadlineWeight*deadlineNorm +
		cfg.BlockerWeight*blockerNorm +
		cfg.RetryWeight*retryPenalty

	// SLA boost: multiply when the deadline falls inside the urgency window.
	if t.HasDeadline() && slack >= 0 && slack <= cfg.SLAUrgencyWindow {
		score *= cfg.SLABoost
	}

	// Starvation floor: once a task has waited past the limit its score is
	// clamped upward, guaranteeing eventual dispatch regardless of tier.
	if now.Sub(t.CreatedAt) >= cfg.StarvationLimit {
		score = max(score, cfg.StarvationFloor)
	}

	return score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
