package outbox

import (
	"context"

	"github.com/velmie/courier"
)

// FailureAction defines how a failed record should be handled.
type FailureAction int

const (
	// FailureRetry lets the retry policy decide.
	FailureRetry FailureAction = iota
	// FailureDead dead-letters the record immediately.
	FailureDead
)

// FailureClassifier decides whether a failure is retryable.
type FailureClassifier func(ctx context.Context, record Record, err error) FailureAction

func defaultFailureClassifier(context.Context, Record, error) FailureAction {
	return FailureRetry
}

// ClassifyPermanent dead-letters errors marked with courier.Permanent and retries the rest.
func ClassifyPermanent(_ context.Context, _ Record, err error) FailureAction {
	if courier.IsPermanent(err) {
		return FailureDead
	}

	return FailureRetry
}
