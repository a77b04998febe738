package saga

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// StepContext is passed to step implementations.
type StepContext struct {
	SagaID   uuid.UUID
	SagaType string
	Index    int
	Name     string
	// Attempt is the 1-based try of the current execution or compensation.
	Attempt int
	Data    Data
}

// IdempotencyKey returns a key stable across retries of this step, for steps that call
// idempotent external APIs. Execution and compensation share it; append a suffix to
// tell them apart.
func (c StepContext) IdempotencyKey() string {
	return fmt.Sprintf("%s/%d", c.SagaID, c.Index)
}

// Step is one unit of a saga.
type Step interface {
	// Name identifies the step within its saga and keys its output in Data.
	Name() string
	// Execute performs the step and returns its result.
	Execute(ctx context.Context, sc StepContext) ([]byte, error)
	// Compensate undoes a successful Execute given its result.
	Compensate(ctx context.Context, sc StepContext, prior []byte) ([]byte, error)
}

// StepFuncs adapts functions to Step. A nil CompensateFn makes compensation a no-op.
type StepFuncs struct {
	StepName     string
	ExecuteFn    func(ctx context.Context, sc StepContext) ([]byte, error)
	CompensateFn func(ctx context.Context, sc StepContext, prior []byte) ([]byte, error)
}

// Name implements Step.
func (s StepFuncs) Name() string { return s.StepName }

// Execute implements Step.
func (s StepFuncs) Execute(ctx context.Context, sc StepContext) ([]byte, error) {
	if s.ExecuteFn == nil {
		return nil, nil
	}

	return s.ExecuteFn(ctx, sc)
}

// Compensate implements Step.
func (s StepFuncs) Compensate(ctx context.Context, sc StepContext, prior []byte) ([]byte, error) {
	if s.CompensateFn == nil {
		return nil, nil
	}

	return s.CompensateFn(ctx, sc, prior)
}
