// Package saga runs ordered steps and undoes the completed ones in reverse
// when a later step fails.
package saga

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultCompensationTimeout bounds each compensating action.
const DefaultCompensationTimeout = 30 * time.Second

type Step struct {
	Name    string
	Execute func(ctx context.Context) error
	// Compensate undoes Execute. Nil when there is nothing to undo.
	Compensate func(ctx context.Context) error
}

type Saga struct {
	Name                string
	Logger              *slog.Logger
	CompensationTimeout time.Duration
}

type CompensationError struct {
	Step string
	Err  error
}

// Error reports the failed step. It unwraps to the step's error so callers
// can still match the original cause.
type Error struct {
	Saga               string
	Step               string
	Cause              error
	Compensated        []string
	CompensationErrors []CompensationError
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", e.Saga, e.Step, e.Cause)
	if len(e.CompensationErrors) > 0 {
		var parts []string
		for _, ce := range e.CompensationErrors {
			parts = append(parts, fmt.Sprintf("%s: %v", ce.Step, ce.Err))
		}
		msg += " (compensation failed: " + strings.Join(parts, "; ") + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Run executes steps in order. On the first failure the compensations of
// the completed steps run newest first on a context detached from ctx's
// cancellation, and an *Error is returned.
func (s Saga) Run(ctx context.Context, steps ...Step) error {
	var done []Step
	for _, step := range steps {
		if err := step.Execute(ctx); err != nil {
			serr := &Error{Saga: s.Name, Step: step.Name, Cause: err}
			s.compensate(ctx, done, serr)
			return serr
		}
		done = append(done, step)
	}
	return nil
}

func (s Saga) compensate(ctx context.Context, done []Step, serr *Error) {
	timeout := s.CompensationTimeout
	if timeout <= 0 {
		timeout = DefaultCompensationTimeout
	}
	base := context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		step := done[i]
		if step.Compensate == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(base, timeout)
		err := step.Compensate(cctx)
		cancel()
		if err != nil {
			s.logger().ErrorContext(ctx, "compensation failed", "saga", s.Name, "step", step.Name, "error", err)
			serr.CompensationErrors = append(serr.CompensationErrors, CompensationError{Step: step.Name, Err: err})
			continue
		}
		s.logger().WarnContext(ctx, "compensated step", "saga", s.Name, "step", step.Name)
		serr.Compensated = append(serr.Compensated, step.Name)
	}
}

func (s Saga) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
