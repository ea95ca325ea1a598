package policy

import (
	"context"
	"fmt"
	"log/slog"
)

// Action defines the outcome of a write guard evaluation.
type Action string

const (
	// ActionAllow lets the write reach the backend.
	ActionAllow Action = "allow"
	// ActionDeny keeps the write in the local overlay.
	ActionDeny Action = "deny"
)

// Decision captures the result of a policy evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Metadata map[string]string
}

// Allowed reports whether the decision permits the write.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// WriteInput describes one attempted live write.
type WriteInput struct {
	Operation         string
	Entity            string
	OrgURL            string
	Mode              string
	WriteMode         string
	LiveWritesEnabled bool
	Entrypoint        string
	DisableCache      bool
}

// Evaluator evaluates a write decision.
type Evaluator interface {
	Evaluate(ctx context.Context, input WriteInput) (Decision, error)
}

// WriteGuard gates live writes. Evaluation errors fail closed: the write is
// denied and the reason names the error.
type WriteGuard struct {
	evaluator Evaluator
	logger    *slog.Logger
}

// NewWriteGuard wraps an evaluator.
func NewWriteGuard(evaluator Evaluator, logger *slog.Logger) *WriteGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &WriteGuard{evaluator: evaluator, logger: logger}
}

// AllowWrite evaluates the guard for one write.
func (g *WriteGuard) AllowWrite(ctx context.Context, input WriteInput) (Decision, error) {
	if g == nil || g.evaluator == nil {
		if input.LiveWritesEnabled {
			return Decision{Action: ActionAllow}, nil
		}
		return Decision{Action: ActionDeny, Reason: "live writes are disabled for this runner"}, nil
	}

	decision, err := g.evaluator.Evaluate(ctx, input)
	if err != nil {
		g.logger.Error("Write guard evaluation failed", "operation", input.Operation, "entity", input.Entity, "error", err)
		return Decision{Action: ActionDeny, Reason: fmt.Sprintf("write guard evaluation failed: %v", err)}, err
	}

	level := slog.LevelDebug
	if !decision.Allowed() {
		level = slog.LevelInfo
	}
	g.logger.Log(ctx, level, "Write guard decision",
		"operation", input.Operation,
		"entity", input.Entity,
		"action", decision.Action,
		"reason", decision.Reason,
	)
	return decision, nil
}
