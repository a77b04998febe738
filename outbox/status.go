package outbox

// Status represents the lifecycle state of an outbox record.
type Status int16

const (
	// StatusPending indicates the record is waiting to be claimed.
	StatusPending Status = 0
	// StatusClaimed indicates a worker holds a lease on the record.
	StatusClaimed Status = 1
	// StatusSent indicates the transport acknowledged the record.
	StatusSent Status = 2
	// StatusFailed indicates the record exhausted its retries and was dead-lettered.
	StatusFailed Status = -1
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusClaimed:
		return "claimed"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}
