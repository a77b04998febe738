package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/courier/saga"
)

type sagaEntry struct {
	inst  saga.Instance
	steps []saga.StepRecord
}

// SagaStore is an in-memory saga store.
type SagaStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*sagaEntry
}

var _ saga.Store = (*SagaStore)(nil)

// NewSagaStore returns an empty store.
func NewSagaStore() *SagaStore {
	return &SagaStore{instances: make(map[uuid.UUID]*sagaEntry)}
}

// Create implements saga.Store.
func (s *SagaStore) Create(_ context.Context, inst saga.Instance, steps []saga.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("memory: saga %s already exists", inst.ID)
	}
	s.instances[inst.ID] = &sagaEntry{inst: cloneInstance(inst), steps: cloneSteps(steps)}

	return nil
}

// Get implements saga.Store.
func (s *SagaStore) Get(_ context.Context, id uuid.UUID) (saga.Instance, []saga.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.instances[id]
	if !ok {
		return saga.Instance{}, nil, saga.ErrNotFound
	}

	return cloneInstance(entry.inst), cloneSteps(entry.steps), nil
}

// Lock implements saga.Store.
func (s *SagaStore) Lock(_ context.Context, req saga.LockRequest) (saga.Instance, []saga.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.instances[req.ID]
	if !ok {
		return saga.Instance{}, nil, saga.ErrNotFound
	}
	inst := &entry.inst
	if inst.LockedBy != "" && inst.LockedUntil.After(req.Now) {
		return saga.Instance{}, nil, saga.ErrLocked
	}
	inst.LockedBy = req.Owner
	inst.LockedUntil = req.Until

	return cloneInstance(entry.inst), cloneSteps(entry.steps), nil
}

// Save implements saga.Store.
func (s *SagaStore) Save(_ context.Context, owner string, inst saga.Instance, steps []saga.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.instances[inst.ID]
	if !ok {
		return saga.ErrNotFound
	}
	if entry.inst.LockedBy != owner || entry.inst.Version != inst.Version {
		return saga.ErrLeaseLost
	}

	next := cloneInstance(inst)
	next.Version = inst.Version + 1
	entry.inst = next
	for _, step := range steps {
		if step.Index < 0 || step.Index >= len(entry.steps) {
			return fmt.Errorf("memory: saga %s has no step %d", inst.ID, step.Index)
		}
		entry.steps[step.Index] = cloneStep(step)
	}

	return nil
}

// ListDue implements saga.Store.
func (s *SagaStore) ListDue(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]saga.Instance, 0)
	for _, entry := range s.instances {
		inst := entry.inst
		if inst.State.Terminal() || inst.NextAttemptAt.After(now) {
			continue
		}
		if inst.LockedBy != "" && inst.LockedUntil.After(now) {
			continue
		}
		due = append(due, inst)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	ids := make([]uuid.UUID, len(due))
	for i, inst := range due {
		ids[i] = inst.ID
	}

	return ids, nil
}

func cloneInstance(inst saga.Instance) saga.Instance {
	inst.Data = inst.Data.Clone()

	return inst
}

func cloneSteps(steps []saga.StepRecord) []saga.StepRecord {
	out := make([]saga.StepRecord, len(steps))
	for i, step := range steps {
		out[i] = cloneStep(step)
	}

	return out
}

func cloneStep(step saga.StepRecord) saga.StepRecord {
	step.ExecuteResult = append([]byte(nil), step.ExecuteResult...)
	step.CompensateResult = append([]byte(nil), step.CompensateResult...)

	return step
}
