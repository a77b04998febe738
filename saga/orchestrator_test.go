package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/courier"
	"github.com/velmie/courier/deadletter"
	"github.com/velmie/courier/internal/clocktest"
	"github.com/velmie/courier/memory"
	"github.com/velmie/courier/retry"
	"github.com/velmie/courier/saga"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]string(nil), j.entries...)
}

// recordingStep logs every call and fails Execute or Compensate while the matching
// counter is positive.
type recordingStep struct {
	name        string
	log         *journal
	mu          *sync.Mutex
	execFails   *int
	compFails   *int
	permanently bool
}

func newStep(name string, log *journal) *recordingStep {
	return &recordingStep{name: name, log: log, mu: &sync.Mutex{}, execFails: new(int), compFails: new(int)}
}

func (s *recordingStep) failExecute(n int) *recordingStep {
	*s.execFails = n
	return s
}

func (s *recordingStep) failCompensate(n int) *recordingStep {
	*s.compFails = n
	return s
}

func (s *recordingStep) Name() string { return s.name }

func (s *recordingStep) Execute(_ context.Context, sc saga.StepContext) ([]byte, error) {
	s.log.add("execute:" + s.name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if *s.execFails > 0 {
		*s.execFails--
		err := fmt.Errorf("%s failed", s.name)
		if s.permanently {
			return nil, courier.Permanent(err)
		}
		return nil, err
	}

	return []byte(s.name + "-result@" + sc.IdempotencyKey()), nil
}

func (s *recordingStep) Compensate(_ context.Context, _ saga.StepContext, prior []byte) ([]byte, error) {
	s.log.add("compensate:" + s.name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if *s.compFails > 0 {
		*s.compFails--
		return nil, fmt.Errorf("undo %s failed", s.name)
	}

	return append([]byte("undone:"), prior...), nil
}

type fixture struct {
	clock     *clocktest.Clock
	store     *memory.SagaStore
	registry  *saga.Registry
	dead      *deadletter.Handler
	deadStore *memory.DeadLetterStore
	orch      *saga.Orchestrator
}

func newFixture(t *testing.T, steps ...saga.Step) fixture {
	t.Helper()

	f := fixture{
		clock:     clocktest.New(epoch),
		store:     memory.NewSagaStore(),
		registry:  saga.NewRegistry(),
		deadStore: memory.NewDeadLetterStore(),
	}
	f.dead = deadletter.NewHandler(f.deadStore, deadletter.WithClock(f.clock))
	require.NoError(t, f.registry.Register("checkout", steps...))
	f.orch = saga.NewOrchestrator(f.store, f.registry,
		saga.WithClock(f.clock),
		saga.WithOwner("test"),
		saga.WithScheduler(retry.NewScheduler(retry.WithJitterSource(func() float64 { return 0 }))),
		saga.WithPolicies(retry.Policies{Default: retry.Policy{Base: time.Second, MaxAttempts: 2}}),
		saga.WithDeadLetters(f.dead),
	)
	f.dead.Register(deadletter.SourceSaga, saga.NewReplayer(f.orch))

	return f
}

// driveToEnd advances through retry delays until the instance is terminal.
func (f fixture) driveToEnd(t *testing.T, id uuid.UUID) saga.Instance {
	t.Helper()

	for i := 0; i < 50; i++ {
		inst, err := f.orch.Drive(context.Background(), id)
		require.NoError(t, err)
		if inst.State.Terminal() {
			return inst
		}
		f.clock.Advance(time.Minute)
	}
	t.Fatal("saga did not terminate")

	return saga.Instance{}
}

func stepStatuses(steps []saga.StepRecord) []saga.StepStatus {
	out := make([]saga.StepStatus, len(steps))
	for i, s := range steps {
		out[i] = s.Status
	}

	return out
}

func TestSagaCompletes(t *testing.T) {
	log := &journal{}
	f := newFixture(t, newStep("reserve", log), newStep("charge", log), newStep("ship", log))

	id, err := f.orch.Start(context.Background(), "checkout", saga.Data{"order": []byte("42")})
	require.NoError(t, err)

	inst := f.driveToEnd(t, id)
	assert.Equal(t, saga.StateCompleted, inst.State)
	assert.Equal(t, []string{"execute:reserve", "execute:charge", "execute:ship"}, log.list())

	inst, steps, err := f.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), inst.Data["order"])
	assert.Equal(t, []byte("charge-result@"+id.String()+"/1"), inst.Data["charge"])
	assert.Equal(t, []saga.StepStatus{saga.StepExecuted, saga.StepExecuted, saga.StepExecuted}, stepStatuses(steps))

	again, err := f.orch.Advance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, inst.Version, again.Version, "advancing a terminal saga is a no-op")
}

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	log := &journal{}
	f := newFixture(t,
		newStep("s1", log),
		newStep("s2", log),
		newStep("s3", log).failExecute(100),
		newStep("s4", log),
	)

	id, err := f.orch.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)

	inst := f.driveToEnd(t, id)
	assert.Equal(t, saga.StateCompensated, inst.State)
	assert.Equal(t, []string{
		"execute:s1", "execute:s2",
		"execute:s3", "execute:s3",
		"compensate:s2", "compensate:s1",
	}, log.list())

	_, steps, err := f.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []saga.StepStatus{
		saga.StepCompensated, saga.StepCompensated, saga.StepSkipped, saga.StepSkipped,
	}, stepStatuses(steps))
	assert.Equal(t, []byte("undone:s1-result@"+id.String()+"/0"), steps[0].CompensateResult)
	assert.Equal(t, 2, steps[2].Attempts)
}

func TestSagaRetriesStepBeforeCompensating(t *testing.T) {
	log := &journal{}
	f := newFixture(t, newStep("s1", log).failExecute(1), newStep("s2", log))

	id, err := f.orch.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)

	inst, err := f.orch.Drive(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateRunning, inst.State)
	assert.Equal(t, 1, inst.Attempt)
	assert.Equal(t, epoch.Add(2*time.Second), inst.NextAttemptAt)

	inst, err = f.orch.Advance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Attempt, "not due yet")

	inst = f.driveToEnd(t, id)
	assert.Equal(t, saga.StateCompleted, inst.State)
}

func TestSagaPermanentStepErrorCompensatesImmediately(t *testing.T) {
	log := &journal{}
	failing := newStep("s2", log).failExecute(1)
	failing.permanently = true
	f := newFixture(t, newStep("s1", log), failing)

	id, err := f.orch.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)

	inst := f.driveToEnd(t, id)
	assert.Equal(t, saga.StateCompensated, inst.State)
	assert.Equal(t, []string{"execute:s1", "execute:s2", "compensate:s1"}, log.list())
}

func TestSagaFailsWhenCompensationExhausted(t *testing.T) {
	log := &journal{}
	s1 := newStep("s1", log)
	s2 := newStep("s2", log).failCompensate(2)
	f := newFixture(t, s1, s2, newStep("s3", log).failExecute(2))

	id, err := f.orch.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)

	inst := f.driveToEnd(t, id)
	assert.Equal(t, saga.StateFailed, inst.State)
	assert.Equal(t, 1, inst.CurrentStep)

	_, steps, err := f.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []saga.StepStatus{
		saga.StepCompensationPending, saga.StepCompensationPending, saga.StepSkipped,
	}, stepStatuses(steps))

	pending, err := f.dead.ListPending(context.Background(), deadletter.Filter{Source: deadletter.SourceSaga})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, saga.SourceID(id, 1), pending[0].SourceID)
	assert.Equal(t, "undo s2 failed", pending[0].LastError)

	var snap saga.Snapshot
	require.NoError(t, json.Unmarshal(pending[0].Payload, &snap))
	assert.Equal(t, "failed", snap.State)
	assert.Equal(t, "compensation_pending", snap.Steps[1].Status)

	// Failed is terminal: further driving changes nothing.
	before := log.list()
	_, err = f.orch.Advance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before, log.list())

	require.NoError(t, f.dead.Replay(context.Background(), pending[0].ID, deadletter.ReplayOptions{ResetAttempts: true}))

	inst = f.driveToEnd(t, id)
	assert.Equal(t, saga.StateCompensated, inst.State)
	assert.Equal(t, []string{"compensate:s2", "compensate:s1"}, log.list()[len(before):])

	err = f.dead.Replay(context.Background(), pending[0].ID, deadletter.ReplayOptions{})
	require.ErrorIs(t, err, deadletter.ErrAlreadyReplayed)
}

func TestSagaReopenRequiresFailedState(t *testing.T) {
	log := &journal{}
	f := newFixture(t, newStep("s1", log))

	id, err := f.orch.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)

	err = saga.NewReplayer(f.orch).Replay(context.Background(), saga.SourceID(id, 0), deadletter.ReplayOptions{})
	require.ErrorIs(t, err, deadletter.ErrSourceNotFailed)

	err = saga.NewReplayer(f.orch).Replay(context.Background(), "garbage", deadletter.ReplayOptions{})
	require.ErrorIs(t, err, saga.ErrInvalidSourceID)
}

func TestSagaLeaseBlocksSecondDriver(t *testing.T) {
	log := &journal{}
	f := newFixture(t, newStep("s1", log))

	id, err := f.orch.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)

	_, _, err = f.store.Lock(context.Background(), saga.LockRequest{
		ID: id, Owner: "other", Now: epoch, Until: epoch.Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = f.orch.Advance(context.Background(), id)
	require.ErrorIs(t, err, saga.ErrLocked)
	assert.Empty(t, log.list())

	f.clock.Advance(2 * time.Minute)
	inst, err := f.orch.Advance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, inst.State)
}

// holdingStep blocks Execute until released.
type holdingStep struct {
	entered chan struct{}
	release chan struct{}
	runs    atomic.Int32
}

func (s *holdingStep) Name() string { return "hold" }

func (s *holdingStep) Execute(context.Context, saga.StepContext) ([]byte, error) {
	s.runs.Add(1)
	s.entered <- struct{}{}
	<-s.release

	return []byte("held"), nil
}

func (s *holdingStep) Compensate(context.Context, saga.StepContext, []byte) ([]byte, error) {
	return nil, nil
}

func TestSagaConcurrentAdvanceRunsStepOnce(t *testing.T) {
	step := &holdingStep{entered: make(chan struct{}, 2), release: make(chan struct{})}
	f := newFixture(t, step)

	id, err := f.orch.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := f.orch.Advance(context.Background(), id)
		first <- err
	}()
	<-step.entered

	// Same orchestrator, same owner name: the live lease still keeps it out.
	_, err = f.orch.Advance(context.Background(), id)
	require.ErrorIs(t, err, saga.ErrLocked)

	close(step.release)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), step.runs.Load())

	inst, _, err := f.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, inst.State)
	assert.Empty(t, inst.LockedBy)
}

func TestSagaStepBoundedByLease(t *testing.T) {
	stalled := saga.StepFuncs{
		StepName: "stall",
		ExecuteFn: func(ctx context.Context, _ saga.StepContext) ([]byte, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return []byte("late"), nil
			}
		},
	}
	registry := saga.NewRegistry()
	require.NoError(t, registry.Register("checkout", stalled))
	store := memory.NewSagaStore()
	orch := saga.NewOrchestrator(store, registry,
		saga.WithClock(clocktest.New(epoch)),
		saga.WithLease(90*time.Millisecond),
		saga.WithStepTimeout(time.Hour),
		saga.WithPolicies(retry.Policies{Default: retry.Policy{Base: time.Second, MaxAttempts: 3}}),
	)

	id, err := orch.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)

	start := time.Now()
	inst, err := orch.Advance(context.Background(), id)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, saga.StateRunning, inst.State)
	assert.Equal(t, 1, inst.Attempt)
	assert.Contains(t, inst.LastError, context.DeadlineExceeded.Error())
}

func TestSagaFirstStepFailurePassesThroughCompensating(t *testing.T) {
	log := &journal{}
	first := newStep("s1", log).failExecute(1)
	first.permanently = true
	f := newFixture(t, first, newStep("s2", log))

	id, err := f.orch.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)

	inst, err := f.orch.Advance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompensating, inst.State)

	inst, err = f.orch.Advance(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompensated, inst.State)
	assert.Equal(t, []string{"execute:s1"}, log.list())

	_, steps, err := f.orch.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []saga.StepStatus{saga.StepSkipped, saga.StepSkipped}, stepStatuses(steps))
}

func TestStartRejectsDataKeyNamedAfterStep(t *testing.T) {
	f := newFixture(t, newStep("reserve", &journal{}), newStep("charge", &journal{}))

	_, err := f.orch.Start(context.Background(), "checkout", saga.Data{"charge": []byte("preset")})
	require.ErrorIs(t, err, saga.ErrDataKeyConflict)

	_, err = f.orch.Start(context.Background(), "checkout", saga.Data{"order": []byte("42")})
	require.NoError(t, err)
}

func TestStartUnknownType(t *testing.T) {
	f := newFixture(t, newStep("s1", &journal{}))

	_, err := f.orch.Start(context.Background(), "refund", nil)
	require.ErrorIs(t, err, saga.ErrUnknownType)
}

func TestRegistryValidation(t *testing.T) {
	r := saga.NewRegistry()
	require.ErrorIs(t, r.Register("empty"), saga.ErrNoSteps)

	step := saga.StepFuncs{StepName: "a"}
	require.NoError(t, r.Register("t", step))
	require.ErrorIs(t, r.Register("t", step), saga.ErrTypeRegistered)
	require.Error(t, r.Register("dup", step, step))

	got, ok := r.Step("t", 0)
	require.True(t, ok)
	assert.Equal(t, "a", got.Name())
	_, ok = r.Step("t", 1)
	assert.False(t, ok)
}

func TestParseSourceID(t *testing.T) {
	f := newFixture(t, newStep("s1", &journal{}))
	id, err := f.orch.Start(context.Background(), "checkout", nil)
	require.NoError(t, err)

	gotID, index, err := saga.ParseSourceID(saga.SourceID(id, 3))
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, 3, index)

	_, _, err = saga.ParseSourceID(id.String() + "/-1")
	assert.True(t, errors.Is(err, saga.ErrInvalidSourceID))
}

func TestRunnerDrivesDueInstances(t *testing.T) {
	log := &journal{}
	f := newFixture(t, newStep("s1", log), newStep("s2", log))

	const count = 5
	for i := 0; i < count; i++ {
		_, err := f.orch.Start(context.Background(), "checkout", nil)
		require.NoError(t, err)
	}

	runner := saga.NewRunner(f.orch, saga.WithConcurrency(2))
	n, err := runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, count, n)
	assert.Len(t, log.list(), 2*count)

	n, err = runner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
