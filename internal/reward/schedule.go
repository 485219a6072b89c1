package reward

import (
	"math"
	"time"

	"github.com/bardlex/powreward/pkg/errors"
)

// Schedule holds the emission constants of one network.
// It is passed by value and never mutated after the engine is built.
type Schedule struct {
	Epoch                      time.Time
	PhaseLength                time.Duration
	PhaseMultiplier            float64
	PointsPerMegaHashPerSecond float64
	ClintsConstant             float64
	SlashPercentPerDay         float64

	// GapTolerance is the largest allowed gap in seconds between a submission's
	// start and the previous submission's completion inside one run.
	GapTolerance int64
	// WindowSize is both the number of submissions per window and the minimum qualifying run length.
	WindowSize int
	// MaxWindowCount rejects computations whose window count exceeds it. Zero disables the check.
	MaxWindowCount int
}

// DefaultSchedule returns the schedule of the production network
func DefaultSchedule() Schedule {
	return Schedule{
		Epoch:                      time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
		PhaseLength:                14 * 24 * time.Hour,
		PhaseMultiplier:            0.9,
		PointsPerMegaHashPerSecond: 10,
		ClintsConstant:             1.3195,
		SlashPercentPerDay:         0.10,
		GapTolerance:               14400,
		WindowSize:                 4,
		MaxWindowCount:             0,
	}
}

// Validate checks that the schedule can produce finite rewards
func (s Schedule) Validate() error {
	invalid := func(field, message string) error {
		return errors.New(errors.ErrorTypeValidation, "validate_schedule", message).
			WithContext("field", field)
	}

	switch {
	case s.Epoch.IsZero():
		return invalid("epoch", "epoch is required")
	case s.PhaseLength < time.Second:
		return invalid("phase_length", "phase length must be at least one second")
	case !finitePositive(s.PhaseMultiplier):
		return invalid("phase_multiplier", "phase multiplier must be positive")
	case math.IsNaN(s.PointsPerMegaHashPerSecond) || math.IsInf(s.PointsPerMegaHashPerSecond, 0) || s.PointsPerMegaHashPerSecond < 0:
		return invalid("points_per_megahash_per_second", "points per MH/s must be non-negative")
	case !finitePositive(s.ClintsConstant):
		return invalid("clints_constant", "clints constant must be positive")
	case math.IsNaN(s.SlashPercentPerDay) || s.SlashPercentPerDay < 0 || s.SlashPercentPerDay > 1:
		return invalid("slash_percent_per_day", "slash percent must be within [0, 1]")
	case s.GapTolerance < 0:
		return invalid("gap_tolerance", "gap tolerance must not be negative")
	case s.WindowSize < 1:
		return invalid("window_size", "window size must be at least 1")
	case s.MaxWindowCount < 0:
		return invalid("max_window_count", "max window count must not be negative")
	}

	return nil
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
