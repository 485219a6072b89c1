package reward

import (
	"context"
	"math"
	"time"

	"github.com/bardlex/powreward/pkg/errors"
	"github.com/bardlex/powreward/pkg/log"
)

// Engine turns one participant's submissions into a RewardResult.
// It holds no per-participant state and is safe for concurrent use.
type Engine struct {
	schedule Schedule
	slashing SlashingPolicy
	balances BalanceSource
	logger   *log.Logger
}

// NewEngine creates an engine for schedule. balances is consulted only on the slash path.
func NewEngine(schedule Schedule, balances BalanceSource, logger *log.Logger) (*Engine, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if balances == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "new_engine", "balance source is required")
	}
	if logger == nil {
		logger = log.Nop()
	}

	return &Engine{
		schedule: schedule,
		slashing: SlashingPolicy{PercentPerDay: schedule.SlashPercentPerDay},
		balances: balances,
		logger:   logger.WithComponent("reward_engine"),
	}, nil
}

// Schedule returns the schedule the engine was built with
func (e *Engine) Schedule() Schedule {
	return e.schedule
}

// Phase returns the emission phase at now
func (e *Engine) Phase(now time.Time) int64 {
	return CurrentPhase(now, e.schedule.Epoch, e.schedule.PhaseLength)
}

// Compute fetches the participant's submissions from source and computes the result.
// A fetch failure is returned as an ErrorTypeFetch error and never becomes a slash.
func (e *Engine) Compute(ctx context.Context, source SubmissionSource, participantID string, periodEnd time.Time) (*RewardResult, error) {
	submissions, err := source.FetchSubmissions(ctx, participantID, periodEnd)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeFetch) || errors.IsType(err, errors.ErrorTypeDataIntegrity) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "fetch_submissions",
			"could not fetch submissions").
			WithContext("participant_id", participantID)
	}

	return e.ComputeReward(ctx, participantID, submissions, periodEnd)
}

// ComputeReward computes the reward for submissions at now.
// Without a single window the prior balance is fetched and slashed instead.
func (e *Engine) ComputeReward(ctx context.Context, participantID string, submissions []Submission, now time.Time) (*RewardResult, error) {
	logger := e.logger.WithParticipant(participantID)

	phase := e.Phase(now)
	if phase < 0 {
		logger.Warn("computing before schedule epoch, decay will inflate rewards",
			"phase", phase,
			"epoch", e.schedule.Epoch)
	}

	summary, err := SelectWindows(submissions, e.schedule.GapTolerance, e.schedule.WindowSize)
	if err != nil {
		return nil, err
	}

	if limit := e.schedule.MaxWindowCount; limit > 0 && summary.WindowCount > limit {
		return nil, errors.New(errors.ErrorTypeDataIntegrity, "compute_reward",
			"window count exceeds schedule limit").
			WithContext("participant_id", participantID).
			WithContext("window_count", summary.WindowCount).
			WithContext("max_window_count", limit)
	}

	result := &RewardResult{
		ParticipantID: participantID,
		PeriodEnd:     now.UTC(),
		Phase:         phase,
		WindowCount:   summary.WindowCount,
		TotalHashRate: summary.TotalHashRate,
	}

	if summary.WindowCount < 1 {
		prior, err := e.balances.FetchPriorBalance(ctx, participantID)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeFetch) {
				return nil, err
			}
			return nil, errors.Wrap(err, errors.ErrorTypeFetch, "fetch_prior_balance",
				"could not fetch prior balance").
				WithContext("participant_id", participantID)
		}
		if math.IsNaN(prior) || math.IsInf(prior, 0) {
			return nil, errors.New(errors.ErrorTypeDataIntegrity, "fetch_prior_balance",
				"prior balance is not a finite number").
				WithContext("participant_id", participantID)
		}

		result.Slashed = true
		result.PriorBalance = prior
		result.RewardAmount = e.slashing.ComputeSlash(prior)

		logger.Debug("no qualifying window, slashing balance",
			"submissions", len(submissions),
			"prior_balance", prior,
			"slashed_balance", result.RewardAmount)
		return result, nil
	}

	decay := math.Pow(e.schedule.PhaseMultiplier, float64(phase))
	basePoints := e.schedule.PointsPerMegaHashPerSecond * decay
	bonus := math.Pow(e.schedule.ClintsConstant, float64(summary.WindowCount-1))
	result.RewardAmount = basePoints * summary.TotalHashRate * bonus

	logger.Debug("reward computed",
		"phase", phase,
		"decay", decay,
		"runs", summary.Runs,
		"qualifying_runs", summary.QualifyingRuns,
		"window_count", summary.WindowCount,
		"bonus", bonus,
		"reward_amount", result.RewardAmount)

	return result, nil
}
