package messaging

import (
	"time"

	"github.com/bardlex/powreward/internal/batch"
	"github.com/bardlex/powreward/internal/reward"
)

// RewardResultMessage is published once per persisted participant result
type RewardResultMessage struct {
	RunID         string    `json:"run_id,omitempty"`
	ParticipantID string    `json:"participant_id"`
	PeriodEnd     time.Time `json:"period_end"`
	RewardAmount  float64   `json:"reward_amount"`
	Slashed       bool      `json:"slashed"`
	Phase         int64     `json:"phase"`
	WindowCount   int       `json:"window_count"`
	TotalHashRate float64   `json:"total_hash_rate"`
	PriorBalance  float64   `json:"prior_balance,omitempty"`
	PublishedAt   time.Time `json:"published_at"`
}

func newRewardResultMessage(runID string, r *reward.RewardResult, now time.Time) *RewardResultMessage {
	return &RewardResultMessage{
		RunID:         runID,
		ParticipantID: r.ParticipantID,
		PeriodEnd:     r.PeriodEnd,
		RewardAmount:  r.RewardAmount,
		Slashed:       r.Slashed,
		Phase:         r.Phase,
		WindowCount:   r.WindowCount,
		TotalHashRate: r.TotalHashRate,
		PriorBalance:  r.PriorBalance,
		PublishedAt:   now,
	}
}

// BatchSummaryMessage summarises one batch run
type BatchSummaryMessage struct {
	RunID              string    `json:"run_id"`
	PeriodEnd          time.Time `json:"period_end"`
	Rewarded           int       `json:"rewarded"`
	Slashed            int       `json:"slashed"`
	Skipped            int       `json:"skipped"`
	FetchFailures      int       `json:"fetch_failures"`
	IntegrityFailures  int       `json:"integrity_failures"`
	PersistFailures    int       `json:"persist_failures"`
	FailedParticipants []string  `json:"failed_participants,omitempty"`
	Canceled           bool      `json:"canceled"`
	DurationMs         int64     `json:"duration_ms"`
	CompletedAt        time.Time `json:"completed_at"`
}

func newBatchSummaryMessage(r *batch.Report, now time.Time) *BatchSummaryMessage {
	msg := &BatchSummaryMessage{
		RunID:             r.RunID,
		PeriodEnd:         r.PeriodEnd,
		Rewarded:          r.Rewarded,
		Slashed:           r.Slashed,
		Skipped:           r.Skipped,
		FetchFailures:     r.FailureCount(batch.FailureFetch),
		IntegrityFailures: r.FailureCount(batch.FailureDataIntegrity),
		PersistFailures:   r.FailureCount(batch.FailurePersist),
		Canceled:          r.Canceled,
		DurationMs:        r.Duration.Milliseconds(),
		CompletedAt:       now,
	}
	for _, f := range r.Failures {
		msg.FailedParticipants = append(msg.FailedParticipants, f.ParticipantID)
	}
	return msg
}
