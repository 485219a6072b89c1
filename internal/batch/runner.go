// Package batch runs the daily reward computation over every participant.
// Participants are independent: one participant's failure never stops the others.
package batch

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/powreward/internal/reward"
	"github.com/bardlex/powreward/pkg/errors"
	"github.com/bardlex/powreward/pkg/log"
)

// Marker records which participants were already processed for a period
type Marker interface {
	IsProcessed(ctx context.Context, periodEnd time.Time, participantID string) (bool, error)
	MarkProcessed(ctx context.Context, periodEnd time.Time, participantID string) error
}

// Notifier publishes persisted results and batch summaries
type Notifier interface {
	NotifyResult(ctx context.Context, result *reward.RewardResult) error
	NotifyBatch(ctx context.Context, report *Report) error
}

// Recorder observes batch outcomes for process metrics
type Recorder interface {
	ObserveResult(slashed bool, amount float64)
	ObserveFailure(kind string)
	ObserveBatch(participants int, duration time.Duration)
}

// Options wires a Runner. Marker, Notifier and Metrics are optional.
type Options struct {
	Engine    *reward.Engine
	Source    reward.SubmissionSource
	Directory reward.ParticipantDirectory
	Sink      reward.ResultSink
	Marker    Marker
	Notifier  Notifier
	Metrics   Recorder
	Workers   int
	Logger    *log.Logger
}

// Runner computes and persists one period's results for all participants
type Runner struct {
	engine    *reward.Engine
	source    reward.SubmissionSource
	directory reward.ParticipantDirectory
	sink      reward.ResultSink
	marker    Marker
	notifier  Notifier
	metrics   Recorder
	workers   int
	logger    *log.Logger
	now       func() time.Time
}

// NewRunner validates opts and creates a Runner
func NewRunner(opts Options) (*Runner, error) {
	switch {
	case opts.Engine == nil:
		return nil, errors.New(errors.ErrorTypeValidation, "new_runner", "engine is required")
	case opts.Source == nil:
		return nil, errors.New(errors.ErrorTypeValidation, "new_runner", "submission source is required")
	case opts.Directory == nil:
		return nil, errors.New(errors.ErrorTypeValidation, "new_runner", "participant directory is required")
	case opts.Sink == nil:
		return nil, errors.New(errors.ErrorTypeValidation, "new_runner", "result sink is required")
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	return &Runner{
		engine:    opts.Engine,
		source:    opts.Source,
		directory: opts.Directory,
		sink:      opts.Sink,
		marker:    opts.Marker,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		workers:   workers,
		logger:    logger.WithComponent("batch"),
		now:       time.Now,
	}, nil
}

// Run processes every listed participant for the period ending at periodEnd.
// A directory failure aborts the batch. Cancelling ctx stops new participants from starting;
// those already in flight finish so no result is left half persisted. The partial report is
// returned together with the context error.
func (r *Runner) Run(ctx context.Context, periodEnd time.Time) (*Report, error) {
	start := r.now()
	runID := uuid.NewString()
	ctx = log.ContextWithRunID(ctx, runID)
	logger := r.logger.WithContext(ctx)

	ids, err := r.directory.ListParticipants(ctx)
	if err != nil {
		if !errors.IsType(err, errors.ErrorTypeFetch) {
			err = errors.Wrap(err, errors.ErrorTypeFetch, "list_participants", "could not list participants")
		}
		logger.WithError(err).Error("batch aborted, participant listing failed")
		return nil, err
	}
	ids = normalizeIDs(ids)

	report := &Report{RunID: runID, PeriodEnd: periodEnd.UTC()}
	logger.Info("batch started", "period_end", report.PeriodEnd, "participants", len(ids), "workers", r.workers)

	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(r.workers)

	for _, id := range ids {
		id := id
		if ctx.Err() != nil {
			report.Canceled = true
			break
		}
		g.Go(func() error {
			r.process(work, report, id, periodEnd)
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = r.now().Sub(start)
	r.finish(work, logger, report, len(ids))

	if report.Canceled {
		return report, ctx.Err()
	}
	return report, nil
}

func (r *Runner) process(ctx context.Context, report *Report, participantID string, periodEnd time.Time) {
	logger := r.logger.WithContext(ctx).WithParticipant(participantID)

	if r.marker != nil {
		done, err := r.marker.IsProcessed(ctx, periodEnd, participantID)
		if err != nil {
			// the result store rejects a second result for the period anyway
			logger.WithError(err).Warn("could not read processed marker, computing")
		} else if done {
			logger.Debug("already processed for period, skipping")
			report.addSkipped()
			return
		}
	}

	result, err := r.engine.Compute(ctx, r.source, participantID, periodEnd)
	if err != nil {
		kind := classify(err)
		logger.WithError(err).Error("reward computation failed", "failure", kind)
		r.observeFailure(kind)
		report.addFailure(Failure{ParticipantID: participantID, Kind: kind, Err: err})
		return
	}

	r.deliver(ctx, logger, report, result)
}

// deliver persists result and runs the post-persist bookkeeping. A result the sink already
// holds for the period counts as skipped and is neither logged as an outcome nor published.
func (r *Runner) deliver(ctx context.Context, logger *log.Logger, report *Report, result *reward.RewardResult) {
	if err := r.sink.Persist(ctx, result); err != nil {
		if stderrors.Is(err, reward.ErrAlreadyRecorded) {
			logger.Info("result already recorded for period, skipping", "period_end", result.PeriodEnd)
			report.addSkipped()
			return
		}
		logger.WithError(err).Error("failed to persist result, keeping it for retry")
		r.observeFailure(FailurePersist)
		report.addFailure(Failure{ParticipantID: result.ParticipantID, Kind: FailurePersist, Err: err, Result: result})
		return
	}

	if r.marker != nil {
		if err := r.marker.MarkProcessed(ctx, result.PeriodEnd, result.ParticipantID); err != nil {
			logger.WithError(err).Warn("could not write processed marker")
		}
	}

	if result.Slashed {
		logger.LogSlash(result.ParticipantID, result.PriorBalance, result.RewardAmount, result.WindowCount)
	} else {
		logger.LogReward(result.ParticipantID, result.RewardAmount, result.Phase, result.WindowCount, result.TotalHashRate)
	}

	if r.metrics != nil {
		r.metrics.ObserveResult(result.Slashed, result.RewardAmount)
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyResult(ctx, result); err != nil {
			logger.WithError(err).Warn("failed to publish result")
		}
	}

	report.addResult(result)
}

func (r *Runner) finish(ctx context.Context, logger *log.Logger, report *Report, participants int) {
	logger.LogBatch(report.PeriodEnd, report.Rewarded, report.Slashed, len(report.Failures), report.Duration)

	if r.metrics != nil {
		r.metrics.ObserveBatch(participants, report.Duration)
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyBatch(ctx, report); err != nil {
			logger.WithError(err).Warn("failed to publish batch summary")
		}
	}
}

func (r *Runner) observeFailure(kind string) {
	if r.metrics != nil {
		r.metrics.ObserveFailure(kind)
	}
}

// Repersist retries persistence of results whose earlier Persist failed, without recomputing them
func (r *Runner) Repersist(ctx context.Context, results []*reward.RewardResult) *Report {
	start := r.now()
	report := &Report{RunID: uuid.NewString()}
	if len(results) > 0 {
		report.PeriodEnd = results[0].PeriodEnd
	}
	ctx = log.ContextWithRunID(ctx, report.RunID)

	for _, result := range results {
		logger := r.logger.WithContext(ctx).WithParticipant(result.ParticipantID)
		r.deliver(ctx, logger, report, result)
	}

	report.Duration = r.now().Sub(start)
	r.logger.WithContext(ctx).LogBatch(report.PeriodEnd, report.Rewarded, report.Slashed, len(report.Failures), report.Duration)
	return report
}

// ComputeOne computes one participant's result without persisting it
func (r *Runner) ComputeOne(ctx context.Context, participantID string, periodEnd time.Time) (*reward.RewardResult, error) {
	return r.engine.Compute(ctx, r.source, strings.TrimSpace(participantID), periodEnd)
}

// normalizeIDs trims ids and drops empty and repeated entries, keeping first-seen order
func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id := id
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Report collects the outcome of one batch. It is safe for concurrent updates while the batch runs.
type Report struct {
	RunID     string
	PeriodEnd time.Time
	Results   []*reward.RewardResult
	Rewarded  int
	Slashed   int
	Skipped   int
	Failures  []Failure
	Canceled  bool
	Duration  time.Duration

	mu sync.Mutex
}

func (r *Report) addResult(result *reward.RewardResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, result)
	if result.Slashed {
		r.Slashed++
	} else {
		r.Rewarded++
	}
}

func (r *Report) addSkipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skipped++
}

func (r *Report) addFailure(f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failures = append(r.Failures, f)
}

// FailureCount returns the number of failures of kind
func (r *Report) FailureCount(kind string) int {
	n := 0
	for _, f := range r.Failures {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// PendingResults returns the computed results that still need to be persisted
func (r *Report) PendingResults() []*reward.RewardResult {
	var pending []*reward.RewardResult
	for _, f := range r.Failures {
		if f.Kind == FailurePersist && f.Result != nil {
			pending = append(pending, f.Result)
		}
	}
	return pending
}

// Failure kinds
const (
	FailureFetch         = "fetch"
	FailureDataIntegrity = "data_integrity"
	FailurePersist       = "persist"
	FailureInternal      = "internal"
)

// Failure is one participant that produced no persisted result
type Failure struct {
	ParticipantID string
	Kind          string
	Err           error
	Result        *reward.RewardResult // set for persist failures
}

func classify(err error) string {
	switch {
	case errors.IsType(err, errors.ErrorTypeDataIntegrity):
		return FailureDataIntegrity
	case errors.IsType(err, errors.ErrorTypeFetch):
		return FailureFetch
	case errors.IsType(err, errors.ErrorTypePersist):
		return FailurePersist
	default:
		return FailureInternal
	}
}
