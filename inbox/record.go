package inbox

import "time"

// Outcome is the result of TryBeginProcessing.
type Outcome int

const (
	// OutcomeNew permits the handler to run.
	OutcomeNew Outcome = iota + 1
	// OutcomeDuplicate means the message was already processed; acknowledge and skip it.
	OutcomeDuplicate
	// OutcomeInFlight means another consumer instance holds an unexpired claim.
	// The caller should Nack so the message is redelivered later.
	OutcomeInFlight
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Record is a claimed or processed message.
type Record struct {
	MessageID         string
	ConsumerName      string
	ProcessedAt       time.Time
	ResultFingerprint []byte
	ClaimedBy         string
	ClaimedUntil      time.Time
}

// Processed reports whether the message was marked processed.
func (r Record) Processed() bool {
	return !r.ProcessedAt.IsZero()
}
