package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bardlex/powreward/internal/reward"
	"github.com/bardlex/powreward/pkg/errors"
)

// scheduleFile is the TOML layout of a reward schedule. Keys left out keep their default.
//
//	epoch                 = 2024-01-01T00:00:00Z
//	phase_length_days     = 14.0
//	phase_multiplier      = 0.9
//	points_per_mhs        = 10.0
//	clints_constant       = 1.3195
//	slash_percent_per_day = 0.10
//	gap_tolerance_seconds = 14400
//	window_size           = 4
//	max_window_count      = 0
type scheduleFile struct {
	Epoch               time.Time `toml:"epoch"`
	PhaseLengthDays     float64   `toml:"phase_length_days"`
	PhaseMultiplier     float64   `toml:"phase_multiplier"`
	PointsPerMHS        float64   `toml:"points_per_mhs"`
	ClintsConstant      float64   `toml:"clints_constant"`
	SlashPercentPerDay  float64   `toml:"slash_percent_per_day"`
	GapToleranceSeconds int64     `toml:"gap_tolerance_seconds"`
	WindowSize          int       `toml:"window_size"`
	MaxWindowCount      int       `toml:"max_window_count"`
}

// LoadSchedule returns the default schedule overridden by the TOML file at path.
// An empty path returns the default schedule.
func LoadSchedule(path string) (reward.Schedule, error) {
	schedule := reward.DefaultSchedule()
	if path == "" {
		return schedule, nil
	}

	var f scheduleFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return reward.Schedule{}, errors.Wrap(err, errors.ErrorTypeValidation, "load_schedule",
			"failed to read schedule file").
			WithContext("path", path)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return reward.Schedule{}, errors.New(errors.ErrorTypeValidation, "load_schedule",
			fmt.Sprintf("unknown schedule keys: %s", strings.Join(keys, ", "))).
			WithContext("path", path)
	}

	if md.IsDefined("epoch") {
		// local dates and datetimes carry a zero offset and are read as UTC
		schedule.Epoch = f.Epoch.UTC()
	}
	if md.IsDefined("phase_length_days") {
		schedule.PhaseLength = time.Duration(f.PhaseLengthDays * float64(24*time.Hour))
	}
	if md.IsDefined("phase_multiplier") {
		schedule.PhaseMultiplier = f.PhaseMultiplier
	}
	if md.IsDefined("points_per_mhs") {
		schedule.PointsPerMegaHashPerSecond = f.PointsPerMHS
	}
	if md.IsDefined("clints_constant") {
		schedule.ClintsConstant = f.ClintsConstant
	}
	if md.IsDefined("slash_percent_per_day") {
		schedule.SlashPercentPerDay = f.SlashPercentPerDay
	}
	if md.IsDefined("gap_tolerance_seconds") {
		schedule.GapTolerance = f.GapToleranceSeconds
	}
	if md.IsDefined("window_size") {
		schedule.WindowSize = f.WindowSize
	}
	if md.IsDefined("max_window_count") {
		schedule.MaxWindowCount = f.MaxWindowCount
	}

	if err := schedule.Validate(); err != nil {
		return reward.Schedule{}, errors.Wrap(err, errors.ErrorTypeValidation, "load_schedule",
			"schedule file is invalid").
			WithContext("path", path)
	}

	return schedule, nil
}
