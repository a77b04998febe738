package saga

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Snapshot is the dead letter payload of a failed instance.
type Snapshot struct {
	ID          uuid.UUID      `json:"id"`
	Type        string         `json:"type"`
	State       string         `json:"state"`
	CurrentStep int            `json:"currentStep"`
	Data        Data           `json:"data,omitempty"`
	Attempt     int            `json:"attempt"`
	LastError   string         `json:"lastError,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	Steps       []StepSnapshot `json:"steps"`
}

// StepSnapshot is one step inside a Snapshot.
type StepSnapshot struct {
	Index            int    `json:"index"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	ExecuteResult    []byte `json:"executeResult,omitempty"`
	CompensateResult []byte `json:"compensateResult,omitempty"`
	Attempts         int    `json:"attempts"`
	LastError        string `json:"lastError,omitempty"`
}

func newSnapshot(inst Instance, steps []StepRecord) Snapshot {
	snap := Snapshot{
		ID:          inst.ID,
		Type:        inst.Type,
		State:       inst.State.String(),
		CurrentStep: inst.CurrentStep,
		Data:        inst.Data,
		Attempt:     inst.Attempt,
		LastError:   inst.LastError,
		CreatedAt:   inst.CreatedAt,
		Steps:       make([]StepSnapshot, len(steps)),
	}
	for i, s := range steps {
		snap.Steps[i] = StepSnapshot{
			Index:            s.Index,
			Name:             s.Name,
			Status:           s.Status.String(),
			ExecuteResult:    s.ExecuteResult,
			CompensateResult: s.CompensateResult,
			Attempts:         s.Attempts,
			LastError:        s.LastError,
		}
	}

	return snap
}

// SourceID formats the dead letter source id of step index of saga id.
func SourceID(id uuid.UUID, index int) string {
	return id.String() + "/" + strconv.Itoa(index)
}

// ParseSourceID is the inverse of SourceID.
func ParseSourceID(sourceID string) (uuid.UUID, int, error) {
	rawID, rawIndex, ok := strings.Cut(sourceID, "/")
	if !ok {
		return uuid.Nil, 0, fmt.Errorf("%w: %q", ErrInvalidSourceID, sourceID)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: %q: %w", ErrInvalidSourceID, sourceID, err)
	}
	index, err := strconv.Atoi(rawIndex)
	if err != nil || index < 0 {
		return uuid.Nil, 0, fmt.Errorf("%w: %q", ErrInvalidSourceID, sourceID)
	}

	return id, index, nil
}
