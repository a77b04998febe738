package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/courier"
	"github.com/velmie/courier/deadletter"
)

// Orchestrator starts and advances saga instances.
type Orchestrator struct {
	store    Store
	registry *Registry
	cfg      Config
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(store Store, registry *Registry, opts ...Option) *Orchestrator {
	if store == nil {
		panic("saga: nil Store")
	}
	if registry == nil {
		panic("saga: nil Registry")
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Orchestrator{
		store:    store,
		registry: registry,
		cfg:      cfg.withDefaults(),
	}
}

// Start persists a new Running instance of sagaType and returns its id.
// The instance is due immediately; call Advance or Drive, or let a Runner pick it up.
// Step results are stored in Data under the step name, so initial must not use those keys.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, initial Data) (uuid.UUID, error) {
	defs, ok := o.registry.Steps(sagaType)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrUnknownType, sagaType)
	}

	for _, def := range defs {
		if _, ok := initial[def.Name()]; ok {
			return uuid.Nil, fmt.Errorf("%w: %q", ErrDataKeyConflict, def.Name())
		}
	}

	id, err := o.cfg.IDs.New()
	if err != nil {
		return uuid.Nil, fmt.Errorf("saga: generate id failed: %w", err)
	}

	now := o.cfg.Clock.Now()
	data := initial.Clone()
	inst := Instance{
		ID:            id,
		Type:          sagaType,
		State:         StateRunning,
		Data:          data,
		CreatedAt:     now,
		UpdatedAt:     now,
		NextAttemptAt: now,
	}
	steps := make([]StepRecord, len(defs))
	for i, def := range defs {
		steps[i] = StepRecord{SagaID: id, Index: i, Name: def.Name(), Status: StepPending}
	}

	if err := o.store.Create(ctx, inst, steps); err != nil {
		return uuid.Nil, fmt.Errorf("saga: create %s: %w", sagaType, err)
	}

	o.cfg.Metrics.AddStarted(sagaType)
	o.cfg.Logger.Info("saga started", "saga_id", id.String(), "type", sagaType, "steps", len(defs))

	return id, nil
}

// Status returns an instance and its steps.
func (o *Orchestrator) Status(ctx context.Context, id uuid.UUID) (Instance, []StepRecord, error) {
	return o.store.Get(ctx, id)
}

// Advance executes at most one step or compensation of instance id.
// Terminal and not-yet-due instances are returned unchanged. ErrLocked means another
// driver is advancing the instance.
func (o *Orchestrator) Advance(ctx context.Context, id uuid.UUID) (Instance, error) {
	inst, _, err := o.store.Get(ctx, id)
	if err != nil {
		return Instance{}, err
	}
	now := o.cfg.Clock.Now()
	if !o.actionable(inst, now) {
		return inst, nil
	}

	token := o.lockToken()
	inst, steps, err := o.store.Lock(ctx, LockRequest{ID: id, Owner: token, Now: now, Until: now.Add(o.cfg.Lease)})
	if err != nil {
		return Instance{}, err
	}
	if !o.actionable(inst, now) {
		return o.release(ctx, token, inst)
	}

	defs, ok := o.registry.Steps(inst.Type)
	if !ok {
		_, relErr := o.release(ctx, token, inst)

		return inst, errors.Join(fmt.Errorf("%w: %s", ErrUnknownType, inst.Type), relErr)
	}
	if len(defs) != len(steps) {
		_, relErr := o.release(ctx, token, inst)

		return inst, errors.Join(fmt.Errorf("%w: %s has %d steps, stored %d", ErrStepMismatch, inst.Type, len(defs), len(steps)), relErr)
	}

	var unitErr error
	switch inst.State {
	case StateRunning:
		unitErr = o.execute(ctx, &inst, steps, defs, now)
	case StateCompensating:
		unitErr = o.compensate(ctx, &inst, steps, defs, now)
	}
	if unitErr != nil {
		_, relErr := o.release(context.WithoutCancel(ctx), token, inst)

		return inst, errors.Join(unitErr, relErr)
	}

	inst.UpdatedAt = o.cfg.Clock.Now()
	if err := o.save(context.WithoutCancel(ctx), token, inst, steps); err != nil {
		return inst, err
	}
	inst.Version++
	inst.LockedBy, inst.LockedUntil = "", time.Time{}

	if inst.State.Terminal() {
		o.cfg.Metrics.AddFinished(inst.Type, inst.State)
		o.cfg.Logger.Info("saga finished", "saga_id", id.String(), "type", inst.Type, "state", inst.State.String())
	}

	return inst, nil
}

// Drive advances id until it is terminal or waiting for a retry.
func (o *Orchestrator) Drive(ctx context.Context, id uuid.UUID) (Instance, error) {
	return o.drive(ctx, ctx, id)
}

// drive stops advancing once stop is done and runs each unit under exec.
func (o *Orchestrator) drive(stop, exec context.Context, id uuid.UUID) (Instance, error) {
	for {
		if err := stop.Err(); err != nil {
			return Instance{}, err
		}

		inst, err := o.Advance(exec, id)
		if err != nil {
			return inst, err
		}
		if !o.actionable(inst, o.cfg.Clock.Now()) {
			return inst, nil
		}
	}
}

// Reopen moves a Failed instance back to Compensating at the step that failed.
// It is the operator path behind dead letter replay; index must match that step.
func (o *Orchestrator) Reopen(ctx context.Context, id uuid.UUID, index int, resetAttempts bool) error {
	now := o.cfg.Clock.Now()
	token := o.lockToken()
	inst, steps, err := o.store.Lock(ctx, LockRequest{ID: id, Owner: token, Now: now, Until: now.Add(o.cfg.Lease)})
	if err != nil {
		return err
	}
	if inst.State != StateFailed || inst.CurrentStep != index ||
		index < 0 || index >= len(steps) || steps[index].Status != StepCompensationPending {
		_, relErr := o.release(ctx, token, inst)

		return errors.Join(ErrNotFailed, relErr)
	}

	inst.State = StateCompensating
	inst.NextAttemptAt = now
	if resetAttempts {
		inst.Attempt = 0
	}
	inst.UpdatedAt = now
	if err := o.save(ctx, token, inst, steps); err != nil {
		return err
	}

	o.cfg.Logger.Info("saga reopened for compensation",
		"saga_id", id.String(), "step", index, "reset_attempts", resetAttempts)

	return nil
}

func (o *Orchestrator) actionable(inst Instance, now time.Time) bool {
	return !inst.State.Terminal() && !inst.NextAttemptAt.After(now)
}

// lockToken names one lease acquisition. Two calls in the same process never share a
// lease, so only one of them runs a step.
func (o *Orchestrator) lockToken() string {
	return o.cfg.Owner + "/" + courier.NewID().String()
}

func (o *Orchestrator) release(ctx context.Context, token string, inst Instance) (Instance, error) {
	if err := o.save(ctx, token, inst, nil); err != nil {
		return inst, err
	}
	inst.Version++
	inst.LockedBy, inst.LockedUntil = "", time.Time{}

	return inst, nil
}

func (o *Orchestrator) save(ctx context.Context, token string, inst Instance, steps []StepRecord) error {
	inst.LockedBy, inst.LockedUntil = "", time.Time{}
	if err := o.store.Save(ctx, token, inst, steps); err != nil {
		return fmt.Errorf("saga: save %s: %w", inst.ID, err)
	}

	return nil
}

func (o *Orchestrator) stepContext(inst *Instance, index int, name string) StepContext {
	return StepContext{
		SagaID:   inst.ID,
		SagaType: inst.Type,
		Index:    index,
		Name:     name,
		Attempt:  inst.Attempt + 1,
		Data:     inst.Data.Clone(),
	}
}

func (o *Orchestrator) run(ctx context.Context, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	return fn(ctx)
}

func (o *Orchestrator) execute(ctx context.Context, inst *Instance, steps []StepRecord, defs []Step, now time.Time) error {
	idx := inst.CurrentStep
	step := defs[idx]
	sc := o.stepContext(inst, idx, step.Name())

	start := time.Now()
	result, err := o.run(ctx, func(ctx context.Context) ([]byte, error) {
		return step.Execute(ctx, sc)
	})
	o.cfg.Metrics.ObserveStep(inst.Type, step.Name(), false, time.Since(start), err)

	if err == nil {
		steps[idx].Status = StepExecuted
		steps[idx].ExecuteResult = result
		steps[idx].Attempts++
		steps[idx].LastError = ""
		if inst.Data == nil {
			inst.Data = make(Data)
		}
		inst.Data[step.Name()] = result
		inst.CurrentStep++
		inst.Attempt = 0
		inst.LastError = ""
		inst.NextAttemptAt = now
		if inst.CurrentStep >= len(defs) {
			inst.State = StateCompleted
		}

		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	msg := courier.TruncateError(err)
	steps[idx].Attempts++
	steps[idx].LastError = msg
	inst.LastError = msg

	if !courier.IsPermanent(err) {
		attempt := inst.Attempt + 1
		decision := o.cfg.Scheduler.NextAttempt(attempt, o.cfg.Policies.For(step.Name()))
		if !decision.Exhausted {
			inst.Attempt = attempt
			inst.NextAttemptAt = now.Add(decision.Delay)
			o.cfg.Metrics.AddRetries(inst.Type)
			o.cfg.Logger.Debug("saga step failed, retrying",
				"saga_id", inst.ID.String(), "step", step.Name(), "attempt", attempt, "err", err)

			return nil
		}
	}

	o.cfg.Logger.Warn("saga step failed, compensating",
		"saga_id", inst.ID.String(), "step", step.Name(), "err", err)
	beginCompensation(inst, steps, idx, now)

	return nil
}

// beginCompensation skips the failed step and everything after it and queues executed
// steps for compensation from the highest index down. With nothing to undo the cursor
// stays on the failed step and the next pass settles the instance as Compensated.
func beginCompensation(inst *Instance, steps []StepRecord, failed int, now time.Time) {
	for j := failed; j < len(steps); j++ {
		steps[j].Status = StepSkipped
	}

	cursor := -1
	for j := failed - 1; j >= 0; j-- {
		if steps[j].Status != StepExecuted {
			continue
		}
		steps[j].Status = StepCompensationPending
		if cursor < 0 {
			cursor = j
		}
	}

	if cursor < 0 {
		cursor = failed
	}
	inst.Attempt = 0
	inst.NextAttemptAt = now
	inst.State = StateCompensating
	inst.CurrentStep = cursor
}

func (o *Orchestrator) compensate(ctx context.Context, inst *Instance, steps []StepRecord, defs []Step, now time.Time) error {
	idx := inst.CurrentStep
	if steps[idx].Status != StepCompensationPending {
		moveCursor(inst, steps, now)

		return nil
	}

	step := defs[idx]
	sc := o.stepContext(inst, idx, step.Name())
	prior := steps[idx].ExecuteResult

	start := time.Now()
	result, err := o.run(ctx, func(ctx context.Context) ([]byte, error) {
		return step.Compensate(ctx, sc, prior)
	})
	o.cfg.Metrics.ObserveStep(inst.Type, step.Name(), true, time.Since(start), err)

	if err == nil {
		steps[idx].Status = StepCompensated
		steps[idx].CompensateResult = result
		steps[idx].Attempts++
		steps[idx].LastError = ""
		inst.LastError = ""
		moveCursor(inst, steps, now)

		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	msg := courier.TruncateError(err)
	steps[idx].Attempts++
	steps[idx].LastError = msg
	inst.LastError = msg

	attempt := inst.Attempt + 1
	policy := o.cfg.Policies.For(step.Name())
	if !courier.IsPermanent(err) {
		decision := o.cfg.Scheduler.NextAttempt(attempt, policy)
		if !decision.Exhausted {
			inst.Attempt = attempt
			inst.NextAttemptAt = now.Add(decision.Delay)
			o.cfg.Metrics.AddRetries(inst.Type)
			o.cfg.Logger.Debug("saga compensation failed, retrying",
				"saga_id", inst.ID.String(), "step", step.Name(), "attempt", attempt, "err", err)

			return nil
		}
	}
	inst.Attempt = attempt

	return o.fail(ctx, inst, steps, err, now, policy.WithDefaults().MaxDelay)
}

func moveCursor(inst *Instance, steps []StepRecord, now time.Time) {
	inst.Attempt = 0
	inst.NextAttemptAt = now
	for j := inst.CurrentStep - 1; j >= 0; j-- {
		if steps[j].Status == StepCompensationPending {
			inst.CurrentStep = j

			return
		}
	}
	inst.State = StateCompensated
	inst.CurrentStep = 0
}

func (o *Orchestrator) fail(ctx context.Context, inst *Instance, steps []StepRecord, cause error, now time.Time, backoff time.Duration) error {
	inst.State = StateFailed
	idx := inst.CurrentStep

	if o.cfg.DeadLetters != nil {
		payload, err := json.Marshal(newSnapshot(*inst, steps))
		if err != nil {
			return fmt.Errorf("saga: encode snapshot: %w", err)
		}
		sourceID := SourceID(inst.ID, idx)
		if _, err := o.cfg.DeadLetters.Capture(ctx, deadletter.SourceSaga, sourceID, payload, cause, inst.Attempt); err != nil {
			// Stay compensating so the failure is captured on a later pass.
			inst.State = StateCompensating
			inst.NextAttemptAt = now.Add(backoff)
			o.cfg.Logger.Error("saga dead-letter capture failed", "saga_id", inst.ID.String(), "err", err)

			return nil
		}
	}

	o.cfg.Logger.Error("saga compensation exhausted",
		"saga_id", inst.ID.String(), "type", inst.Type, "step", steps[idx].Name, "err", cause)

	return nil
}
