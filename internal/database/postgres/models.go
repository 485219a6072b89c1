package postgres

import (
	"time"
)

// RewardRecord is one row of reward_results
type RewardRecord struct {
	ID            int64     `db:"id"`
	ParticipantID string    `db:"participant_id"`
	PeriodEnd     time.Time `db:"period_end"`
	RewardAmount  float64   `db:"reward_amount"`
	Slashed       bool      `db:"slashed"`
	Phase         int64     `db:"phase"`
	WindowCount   int       `db:"window_count"`
	TotalHashRate float64   `db:"total_hash_rate"`
	PriorBalance  float64   `db:"prior_balance"`
	CreatedAt     time.Time `db:"created_at"`
}
