package reward

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyRecorded is returned by a ResultSink when the participant already has a stored
// result for the period. The stored result stands and the new one was discarded.
var ErrAlreadyRecorded = errors.New("result already recorded for period")

// SubmissionSource returns the submissions of one participant for the period ending at periodEnd.
// Failures are reported as ErrorTypeFetch service errors.
type SubmissionSource interface {
	FetchSubmissions(ctx context.Context, participantID string, periodEnd time.Time) ([]Submission, error)
}

// BalanceSource returns a participant's accumulated reward balance.
// A participant that was never rewarded has a balance of zero; an unreachable store is an error.
type BalanceSource interface {
	FetchPriorBalance(ctx context.Context, participantID string) (float64, error)
}

// ResultSink stores computed results. Storing a second result for the same participant and
// period returns ErrAlreadyRecorded.
type ResultSink interface {
	Persist(ctx context.Context, result *RewardResult) error
}

// ParticipantDirectory lists the participants a batch should cover
type ParticipantDirectory interface {
	ListParticipants(ctx context.Context) ([]string, error)
}
