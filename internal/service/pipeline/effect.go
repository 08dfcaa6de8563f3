package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
)

var (
	// ErrStageTimeout indicates a stage effect exceeded its deadline.
	ErrStageTimeout = errors.New("pipeline: stage timed out")
	// ErrNotActive indicates the build already reached a terminal status.
	ErrNotActive = errors.New("pipeline: build is not active")
)

// StageContext is handed to an effect for one stage of one build.
type StageContext struct {
	Build domain.Build
	Stage domain.StageDefinition
	Index int
	// Log appends a line to the build log tagged with the stage key.
	Log func(level, message string)
}

// Logf formats and appends an info line.
func (sc StageContext) Logf(format string, args ...any) {
	if sc.Log != nil {
		sc.Log("info", fmt.Sprintf(format, args...))
	}
}

// Effect performs the unit of work behind a stage. Returning an error fails the stage.
type Effect interface {
	RunStage(ctx context.Context, sc StageContext) error
}

// EffectFunc adapts a function to Effect.
type EffectFunc func(ctx context.Context, sc StageContext) error

// RunStage implements Effect.
func (f EffectFunc) RunStage(ctx context.Context, sc StageContext) error {
	return f(ctx, sc)
}

// Finalizer observes builds once they reach a terminal status.
type Finalizer interface {
	FinalizeBuild(ctx context.Context, build domain.Build)
}

// Chain runs effects in order, stopping at the first error.
func Chain(effects ...Effect) Effect {
	return EffectFunc(func(ctx context.Context, sc StageContext) error {
		for _, effect := range effects {
			if err := effect.RunStage(ctx, sc); err != nil {
				return err
			}
		}
		return nil
	})
}

// PanicError wraps a value recovered from a panicking effect.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("stage panicked: %v", p.Value)
}

func errorCode(err error) string {
	var panicErr *PanicError
	switch {
	case errors.As(err, &panicErr):
		return domain.ErrorCodeStagePanic
	case errors.Is(err, ErrStageTimeout):
		return domain.ErrorCodeStageTimeout
	default:
		return domain.ErrorCodeStageFailed
	}
}
