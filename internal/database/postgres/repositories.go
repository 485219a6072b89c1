package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

const (
	// a reward adds to the running balance
	creditBalanceQuery = `
		INSERT INTO reward_balances (participant_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_id)
		DO UPDATE SET balance = reward_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`

	// a slash replaces the running balance with the slashed amount
	replaceBalanceQuery = `
		INSERT INTO reward_balances (participant_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_id)
		DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`
)

func balanceQuery(slashed bool) string {
	if slashed {
		return replaceBalanceQuery
	}
	return creditBalanceQuery
}

// RewardRepository handles reward_results and the balance updates they imply
type RewardRepository struct {
	db *sql.DB
}

// NewRewardRepository creates a new reward repository
func NewRewardRepository(db *sql.DB) *RewardRepository {
	return &RewardRepository{db: db}
}

// Record inserts rec and applies it to the participant's balance in one transaction.
// It returns false without touching the balance when the participant already has a result for rec.PeriodEnd.
func (r *RewardRepository) Record(ctx context.Context, rec *RewardRecord) (applied bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insert := `
		INSERT INTO reward_results (participant_id, period_end, reward_amount, slashed, phase,
		                            window_count, total_hash_rate, prior_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (participant_id, period_end) DO NOTHING
		RETURNING id`

	now := time.Now().UTC()
	err = tx.QueryRowContext(ctx, insert,
		rec.ParticipantID, rec.PeriodEnd, rec.RewardAmount, rec.Slashed, rec.Phase,
		rec.WindowCount, rec.TotalHashRate, rec.PriorBalance, now,
	).Scan(&rec.ID)
	if errors.Is(err, sql.ErrNoRows) {
		// already recorded for this period
		err = tx.Rollback()
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert reward result: %w", err)
	}
	rec.CreatedAt = now

	if _, err = tx.ExecContext(ctx, balanceQuery(rec.Slashed), rec.ParticipantID, rec.RewardAmount, now); err != nil {
		return false, fmt.Errorf("failed to update balance: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit reward result: %w", err)
	}
	return true, nil
}

// GetByPeriod returns the participant's result for periodEnd
func (r *RewardRepository) GetByPeriod(ctx context.Context, participantID string, periodEnd time.Time) (*RewardRecord, error) {
	query := `
		SELECT id, participant_id, period_end, reward_amount, slashed, phase,
		       window_count, total_hash_rate, prior_balance, created_at
		FROM reward_results
		WHERE participant_id = $1 AND period_end = $2`

	rec := &RewardRecord{}
	err := r.db.QueryRowContext(ctx, query, participantID, periodEnd).Scan(
		&rec.ID, &rec.ParticipantID, &rec.PeriodEnd, &rec.RewardAmount, &rec.Slashed, &rec.Phase,
		&rec.WindowCount, &rec.TotalHashRate, &rec.PriorBalance, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get reward result: %w", err)
	}

	return rec, nil
}

// ListByParticipant returns the participant's most recent results, newest first
func (r *RewardRepository) ListByParticipant(ctx context.Context, participantID string, limit int) ([]*RewardRecord, error) {
	query := `
		SELECT id, participant_id, period_end, reward_amount, slashed, phase,
		       window_count, total_hash_rate, prior_balance, created_at
		FROM reward_results
		WHERE participant_id = $1
		ORDER BY period_end DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reward results: %w", err)
	}
	defer rows.Close()

	var records []*RewardRecord
	for rows.Next() {
		rec := &RewardRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.ParticipantID, &rec.PeriodEnd, &rec.RewardAmount, &rec.Slashed, &rec.Phase,
			&rec.WindowCount, &rec.TotalHashRate, &rec.PriorBalance, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reward result: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// BalanceRepository reads reward_balances
type BalanceRepository struct {
	db *sql.DB
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *sql.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// GetBalance returns the participant's running balance.
// A participant without a row has never been rewarded and has a balance of zero.
func (r *BalanceRepository) GetBalance(ctx context.Context, participantID string) (float64, error) {
	query := `SELECT balance FROM reward_balances WHERE participant_id = $1`

	var balance float64
	err := r.db.QueryRowContext(ctx, query, participantID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}

	return balance, nil
}
