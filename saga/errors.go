package saga

import (
	"errors"
	"fmt"

	"github.com/velmie/courier"
	"github.com/velmie/courier/deadletter"
)

var (
	// ErrUnknownType is returned for saga types without registered steps.
	ErrUnknownType = errors.New("saga: unknown saga type")
	// ErrTypeRegistered is returned when registering a saga type twice.
	ErrTypeRegistered = errors.New("saga: saga type already registered")
	// ErrNoSteps is returned when registering a saga type without steps.
	ErrNoSteps = errors.New("saga: at least one step is required")
	// ErrNotFound is returned when an instance does not exist.
	ErrNotFound = fmt.Errorf("saga: instance %w", courier.ErrNotFound)
	// ErrLocked is returned when another driver holds the instance lease.
	ErrLocked = errors.New("saga: instance is locked by another driver")
	// ErrLeaseLost is returned when saving an instance whose lease or version moved on.
	ErrLeaseLost = errors.New("saga: instance lease lost")
	// ErrNotFailed is returned when reopening an instance that is not failed.
	ErrNotFailed = fmt.Errorf("saga: instance is not failed: %w", deadletter.ErrSourceNotFailed)
	// ErrInvalidSourceID is returned for malformed dead letter source ids.
	ErrInvalidSourceID = errors.New("saga: invalid dead letter source id")
	// ErrDataKeyConflict is returned when initial data uses a step name as a key.
	ErrDataKeyConflict = errors.New("saga: initial data key is reserved for a step result")
	// ErrStepMismatch is returned when stored steps disagree with the registry.
	ErrStepMismatch = errors.New("saga: stored steps do not match registered definition")
)
