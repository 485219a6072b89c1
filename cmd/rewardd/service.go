package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bardlex/powreward/internal/batch"
	"github.com/bardlex/powreward/internal/database/influx"
	"github.com/bardlex/powreward/pkg/log"
)

type runLocker interface {
	AcquireRunLock(ctx context.Context, periodEnd time.Time, owner string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, periodEnd time.Time, owner string) error
}

type batchRecorder interface {
	RecordBatch(sample influx.BatchSample)
}

// periodCounter reports outcome totals for a period across every run that touched it
type periodCounter interface {
	PeriodCounts(ctx context.Context, periodEnd time.Time) (rewarded, slashed int64, err error)
}

// Service runs one batch per period on a fixed interval
type Service struct {
	runner   *batch.Runner
	locker   runLocker
	batches  batchRecorder
	interval time.Duration
	lockTTL  time.Duration
	owner    string
	logger   *log.Logger
	now      func() time.Time
}

// NewService creates a Service. batches may be nil.
func NewService(runner *batch.Runner, locker runLocker, batches batchRecorder, interval, lockTTL time.Duration, logger *log.Logger) *Service {
	host, _ := os.Hostname()
	return &Service{
		runner:   runner,
		locker:   locker,
		batches:  batches,
		interval: interval,
		lockTTL:  lockTTL,
		owner:    fmt.Sprintf("%s-%d", host, os.Getpid()),
		logger:   logger.WithComponent("rewardd"),
		now:      time.Now,
	}
}

// periodEnd is the UTC midnight at or before now
func periodEnd(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

// Start runs a batch immediately and then on every interval until ctx ends
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("reward service starting", "interval", s.interval, "owner", s.owner)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx, periodEnd(s.now())); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("batch run failed")
		}

		select {
		case <-ctx.Done():
			s.logger.Info("reward service stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce runs the batch for end under the run lock. It returns a nil report when another
// instance holds the lock. Results whose persistence failed are retried once before returning.
func (s *Service) RunOnce(ctx context.Context, end time.Time) (*batch.Report, error) {
	logger := s.logger.WithFields("period_end", end.Format(time.RFC3339))

	acquired, err := s.locker.AcquireRunLock(ctx, end, s.owner, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		logger.Info("batch already running elsewhere, skipping")
		return nil, nil
	}
	defer func() {
		if err := s.locker.ReleaseRunLock(context.WithoutCancel(ctx), end, s.owner); err != nil {
			logger.WithError(err).Warn("failed to release run lock")
		}
	}()

	report, err := s.runner.Run(ctx, end)
	if report == nil {
		return nil, err
	}

	if pending := report.PendingResults(); len(pending) > 0 && ctx.Err() == nil {
		logger.Info("retrying unpersisted results", "count", len(pending))
		retry := s.runner.Repersist(ctx, pending)
		report = mergeRetry(report, retry)
	}

	if s.batches != nil {
		s.batches.RecordBatch(influx.BatchSample{
			PeriodEnd: report.PeriodEnd,
			Rewarded:  report.Rewarded,
			Slashed:   report.Slashed,
			Skipped:   report.Skipped,
			Failed:    len(report.Failures),
			Duration:  report.Duration,
		})
	}
	logger.LogDuration("batch_run", report.Duration)

	if counter, ok := s.batches.(periodCounter); ok {
		if rewarded, slashed, cerr := counter.PeriodCounts(context.WithoutCancel(ctx), end); cerr != nil {
			logger.WithError(cerr).Warn("failed to read period totals")
		} else {
			logger.Info("period totals", "rewarded", rewarded, "slashed", slashed)
		}
	}

	return report, err
}

// mergeRetry folds the outcome of a Repersist into the original report
func mergeRetry(report, retry *batch.Report) *batch.Report {
	merged := &batch.Report{
		RunID:     report.RunID,
		PeriodEnd: report.PeriodEnd,
		Results:   append(report.Results, retry.Results...),
		Rewarded:  report.Rewarded + retry.Rewarded,
		Slashed:   report.Slashed + retry.Slashed,
		Skipped:   report.Skipped,
		Canceled:  report.Canceled,
		Duration:  report.Duration + retry.Duration,
	}
	for _, f := range report.Failures {
		if f.Kind != batch.FailurePersist {
			merged.Failures = append(merged.Failures, f)
		}
	}
	merged.Failures = append(merged.Failures, retry.Failures...)
	return merged
}
