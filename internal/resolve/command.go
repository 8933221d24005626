package resolve

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// CommandResolver shells out to an external program for each conflicted file.
// The conflicted content is written to stdin; the resolved content is read
// from stdout. Branch and file are appended as the final two arguments. A
// non-zero exit means the resolver declined.
type CommandResolver struct {
	command string
	args    []string
	log     *zap.Logger
}

// NewCommandResolver creates a resolver backed by the given command line.
func NewCommandResolver(command string, args []string, log *zap.Logger) *CommandResolver {
	return &CommandResolver{command: command, args: args, log: log}
}

func (r *CommandResolver) Resolve(ctx context.Context, req ConflictRequest) (Resolution, error) {
	args := append(append([]string(nil), r.args...), req.Branch, req.File)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Stdin = bytes.NewBufferString(req.Content)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debug("invoking conflict resolver",
		zap.String("branch", req.Branch),
		zap.String("file", req.File))

	if err := cmd.Run(); err != nil {
		return Resolution{}, fmt.Errorf("resolver command failed for %s: %w (stderr: %s)", req.File, err, stderr.String())
	}
	if stdout.Len() == 0 {
		return Resolution{}, fmt.Errorf("resolver returned empty content for %s", req.File)
	}
	return Resolution{Content: stdout.String()}, nil
}

// LogEscalator records escalations in the log. Deployments that integrate a
// real guardian replace it; the scheduler only requires fire-and-forget.
type LogEscalator struct {
	log *zap.Logger
}

// NewLogEscalator creates an Escalator that writes to the given logger.
func NewLogEscalator(log *zap.Logger) *LogEscalator {
	return &LogEscalator{log: log}
}

func (e *LogEscalator) Escalate(_ context.Context, esc Escalation) {
	e.log.Error("escalation raised",
		zap.String("entity_id", esc.EntityID),
		zap.String("reason", esc.Reason),
		zap.String("evidence", esc.Evidence))
}
