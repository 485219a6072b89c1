package reward

import "time"

// CurrentPhase returns floor((now - epoch) / phaseLength), measured in whole seconds.
// The result is negative before the epoch. A phase length under one second yields phase 0.
func CurrentPhase(now, epoch time.Time, phaseLength time.Duration) int64 {
	length := int64(phaseLength / time.Second)
	if length <= 0 {
		return 0
	}

	elapsed := now.Unix() - epoch.Unix()
	phase := elapsed / length
	if elapsed%length != 0 && elapsed < 0 {
		phase--
	}
	return phase
}

// PhaseStart returns the instant the given phase begins
func PhaseStart(phase int64, epoch time.Time, phaseLength time.Duration) time.Time {
	length := int64(phaseLength / time.Second)
	return epoch.Add(time.Duration(phase*length) * time.Second)
}
