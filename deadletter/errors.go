package deadletter

import (
	"errors"
	"fmt"

	"github.com/velmie/courier"
)

var (
	// ErrNotFound is returned when a dead letter does not exist.
	ErrNotFound = fmt.Errorf("deadletter: record %w", courier.ErrNotFound)
	// ErrAlreadyReplayed is returned when replaying a dead letter twice.
	ErrAlreadyReplayed = fmt.Errorf("deadletter: record already replayed: %w", courier.ErrConflict)
	// ErrSourceNotFailed is returned by a Replayer when the source is no longer in a failed state.
	ErrSourceNotFailed = errors.New("deadletter: source is not in a failed state")
	// ErrNoReplayer is returned when no Replayer is registered for a source type.
	ErrNoReplayer = errors.New("deadletter: no replayer registered for source")
	// ErrInvalidSource is returned for unknown source types.
	ErrInvalidSource = errors.New("deadletter: invalid source type")
	// ErrSourceIDRequired is returned when capturing without a source id.
	ErrSourceIDRequired = errors.New("deadletter: source id is required")
)
