// Package reward computes daily proof-of-work rewards for network participants.
//
// A participant's submissions are grouped into contiguous runs and counted into
// windows. Participants with at least one window earn a decayed, compounding reward;
// participants without one have their accumulated balance slashed.
package reward

import (
	"math/big"
	"time"
)

// Submission is one proof-of-work record reported for a participant.
// Nonce is summed as the participant's hash-rate contribution.
type Submission struct {
	ParticipantID string
	NodeID        string
	Nonce         *big.Int
	StartTime     int64 // unix seconds
	CompleteTime  int64 // unix seconds
	Challenge     [32]byte
	Difficulty    *big.Int
}

// RewardResult is the outcome of one participant's computation.
// On the slash path RewardAmount holds the slashed balance and PriorBalance the balance it was derived from.
type RewardResult struct {
	ParticipantID string    `json:"participant_id"`
	PeriodEnd     time.Time `json:"period_end"`
	RewardAmount  float64   `json:"reward_amount"`
	Slashed       bool      `json:"slashed"`
	Phase         int64     `json:"phase"`
	WindowCount   int       `json:"window_count"`
	TotalHashRate float64   `json:"total_hash_rate"`
	PriorBalance  float64   `json:"prior_balance"`
}

// WindowSummary is what the window selector reports for one submission list
type WindowSummary struct {
	TotalHashRate  float64
	WindowCount    int
	Runs           int
	QualifyingRuns int
}
