package reward

import (
	"math/big"
	"slices"

	"github.com/bardlex/powreward/pkg/errors"
)

// SelectWindows groups submissions into contiguous runs and counts windows.
//
// Submissions are ordered by StartTime, ties keeping input order. A submission joins
// the current run when its StartTime is at most gapTolerance seconds after the
// previous submission's CompleteTime. Only runs of at least windowSize submissions
// add their nonces to TotalHashRate.
//
// WindowCount is len(submissions) / windowSize and does not depend on the runs.
// The input slice is not modified.
func SelectWindows(submissions []Submission, gapTolerance int64, windowSize int) (WindowSummary, error) {
	if windowSize < 1 {
		return WindowSummary{}, errors.New(errors.ErrorTypeValidation, "select_windows",
			"window size must be at least 1")
	}

	for i := range submissions {
		if err := checkSubmission(&submissions[i], i); err != nil {
			return WindowSummary{}, err
		}
	}

	summary := WindowSummary{WindowCount: len(submissions) / windowSize}
	if len(submissions) == 0 {
		return summary, nil
	}

	sorted := slices.Clone(submissions)
	slices.SortStableFunc(sorted, func(a, b Submission) int {
		switch {
		case a.StartTime < b.StartTime:
			return -1
		case a.StartTime > b.StartTime:
			return 1
		default:
			return 0
		}
	})

	total := new(big.Int)
	runSum := new(big.Int)
	runLen := 0

	closeRun := func() {
		summary.Runs++
		if runLen >= windowSize {
			summary.QualifyingRuns++
			total.Add(total, runSum)
		}
		runSum.SetInt64(0)
		runLen = 0
	}

	for i := range sorted {
		if runLen > 0 && sorted[i].StartTime-sorted[i-1].CompleteTime > gapTolerance {
			closeRun()
		}
		runSum.Add(runSum, sorted[i].Nonce)
		runLen++
	}
	closeRun()

	summary.TotalHashRate, _ = new(big.Float).SetInt(total).Float64()
	return summary, nil
}

func checkSubmission(s *Submission, index int) error {
	integrity := func(message string) error {
		return errors.New(errors.ErrorTypeDataIntegrity, "select_windows", message).
			WithContext("participant_id", s.ParticipantID).
			WithContext("index", index).
			WithContext("start_time", s.StartTime).
			WithContext("complete_time", s.CompleteTime)
	}

	if s.CompleteTime < s.StartTime {
		return integrity("complete time before start time")
	}
	if s.Nonce == nil {
		return integrity("missing nonce")
	}
	if s.Nonce.Sign() < 0 {
		return integrity("negative nonce")
	}
	return nil
}
