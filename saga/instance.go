package saga

import (
	"time"

	"github.com/google/uuid"
)

// Data is the accumulated context of an instance: initial values and step outputs keyed
// by step name.
type Data map[string][]byte

// Clone returns a shallow copy of d.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}

	return out
}

// Instance is a persisted saga.
type Instance struct {
	ID          uuid.UUID
	Type        string
	State       State
	CurrentStep int
	Data        Data
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// Attempt counts failed tries of the unit at CurrentStep.
	Attempt       int
	NextAttemptAt time.Time
	LastError     string
	LockedBy      string
	LockedUntil   time.Time
	// Version increases on every save.
	Version int64
}

// StepRecord is the persisted state of one step.
type StepRecord struct {
	SagaID           uuid.UUID
	Index            int
	Name             string
	Status           StepStatus
	ExecuteResult    []byte
	CompensateResult []byte
	Attempts         int
	LastError        string
}
