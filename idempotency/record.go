package idempotency

import "time"

// Status is the lifecycle state of an idempotency record.
type Status int16

const (
	// StatusInProgress means a request holding the key is executing.
	StatusInProgress Status = 0
	// StatusCompleted means the response snapshot is stored and immutable.
	StatusCompleted Status = 1
	// StatusFailed means the last attempt failed and the key may be retried.
	StatusFailed Status = 2
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is a stored idempotency key.
type Record struct {
	Key                string
	RequestFingerprint string
	Status             Status
	Response           []byte
	LastError          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ExpiresAt          time.Time
}

// Outcome is what Begin tells the caller to do.
type Outcome int

const (
	// Proceed means the caller holds the key and must run the handler.
	Proceed Outcome = iota + 1
	// Replay means the request already completed; return Decision.Response verbatim.
	Replay
	// InProgress means the same request is running elsewhere; do not run the handler.
	InProgress
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case Replay:
		return "replay"
	case InProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// Decision is the result of Begin.
type Decision struct {
	Outcome  Outcome
	Response []byte
}
