// Package validation implements the feedback controller for failed
// validations: it spawns a fix task and a dependent re-check task, and trips
// a loop-breaker when the same failure keeps recurring so fix/re-check cycles
// can never spin forever.
package validation

import (
	"context"
	"fmt"
	"sort"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/zap"

	"github.com/tributarylabs/tributary/internal/config"
	"github.com/tributarylabs/tributary/internal/resolve"
	"github.com/tributarylabs/tributary/internal/store"
	"github.com/tributarylabs/tributary/internal/task"
)

// Controller reacts to results carrying validation_failed.
type Controller struct {
	store     store.Store
	cfg       config.ValidationConfig
	escalator resolve.Escalator
	log       *zap.Logger
}

// NewController creates a validation feedback controller.
func NewController(st store.Store, cfg config.ValidationConfig, esc resolve.Escalator, log *zap.Logger) *Controller {
	return &Controller{store: st, cfg: cfg, escalator: esc, log: log}
}

// Outcome reports what a failure handling pass did.
type Outcome struct {
	Signature   string
	Escalated   bool
	FixTask     *task.Task
	RecheckTask *task.Task
}

// signatureInput is the stable shape hashed into a failure signature: the
// error classes (order-independent) plus the affected area.
type signatureInput struct {
	ErrorClasses []string
	TicketID     string
	Phase        string
}

// Signature computes a stable hash identifying a failure mode. Identical
// error classes in the same ticket and phase hash identically regardless of
// error order or message details outside the class list.
func Signature(t *task.Task, r *task.Result) (string, error) {
	classes := append([]string(nil), r.Errors...)
	sort.Strings(classes)

	h, err := hashstructure.Hash(signatureInput{
		ErrorClasses: classes,
		TicketID:     t.TicketID,
		Phase:        t.Phase,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing failure signature: %w", err)
	}
	return fmt.Sprintf("%016x", h), nil
}

// HandleFailure processes a validation failure. It increments the signature
// counter and either trips the loop-breaker (escalation, no new tasks) or
// spawns a fix task plus a dependent re-check task.
func (c *Controller) HandleFailure(ctx context.Context, failed *task.Task, res *task.Result) (*Outcome, error) {
	sig, err := Signature(failed, res)
	if err != nil {
		return nil, err
	}

	count, err := c.store.IncrementSignature(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("incrementing signature counter: %w", err)
	}

	maxRetries := failed.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.cfg.DefaultMaxRetries
	}

	out := &Outcome{Signature: sig}

	if count > c.cfg.SignatureLimit || failed.RetryCount >= maxRetries {
		// Loop-breaker: escalate exactly once per signature, on the first
		// crossing. Retry exhaustion always escalates since the task spawns
		// no further work afterwards.
		if count == c.cfg.SignatureLimit+1 || failed.RetryCount >= maxRetries {
			c.escalator.Escalate(ctx, resolve.Escalation{
				EntityID: failed.ID,
				Reason:   "validation loop-breaker tripped",
				Evidence: fmt.Sprintf("signature %s seen %d times (limit %d), retry %d/%d", sig, count, c.cfg.SignatureLimit, failed.RetryCount, maxRetries),
			})
			if err := c.store.AppendAudit(ctx, "validation-controller", "escalate", failed.ID, "repeated failure signature "+sig); err != nil {
				return nil, fmt.Errorf("recording escalation audit: %w", err)
			}
		}
		out.Escalated = true
		c.log.Warn("validation failure escalated, no fix task spawned",
			zap.String("task_id", failed.ID),
			zap.String("signature", sig),
			zap.Int("count", count),
			zap.Int("retry_count", failed.RetryCount))
		return out, nil
	}

	fix := task.New(failed.TicketID, failed.Phase, "fix: "+failed.Description, task.PriorityHigh)
	fix.ParentID = failed.ID
	fix.RetryCount = failed.RetryCount + 1
	fix.MaxRetries = maxRetries
	fix.Capabilities = append([]string(nil), failed.Capabilities...)
	fix.Metadata["failure_signature"] = sig
	if err := c.store.SaveTask(ctx, fix); err != nil {
		return nil, fmt.Errorf("saving fix task: %w", err)
	}

	recheck := task.New(failed.TicketID, failed.Phase, "re-check: "+failed.Description, task.PriorityHigh)
	recheck.ParentID = fix.ID
	recheck.DependsOn = []string{fix.ID}
	recheck.MaxRetries = maxRetries
	recheck.Metadata["failure_signature"] = sig
	if err := c.store.SaveTask(ctx, recheck); err != nil {
		return nil, fmt.Errorf("saving re-check task: %w", err)
	}

	out.FixTask = fix
	out.RecheckTask = recheck
	c.log.Info("validation failure spawned fix cycle",
		zap.String("failed_task", failed.ID),
		zap.String("fix_task", fix.ID),
		zap.String("recheck_task", recheck.ID),
		zap.String("signature", sig),
		zap.Int("count", count))
	return out, nil
}

// HandlePass clears the signature counter after a previously-failing
// signature validates clean, re-arming the loop-breaker for future work.
func (c *Controller) HandlePass(ctx context.Context, passed *task.Task) error {
	sig, ok := passed.Metadata["failure_signature"]
	if !ok || sig == "" {
		return nil
	}
	if err := c.store.ClearSignature(ctx, sig); err != nil {
		return fmt.Errorf("clearing signature %s: %w", sig, err)
	}
	c.log.Info("failure signature cleared after passing validation",
		zap.String("task_id", passed.ID),
		zap.String("signature", sig))
	return nil
}
