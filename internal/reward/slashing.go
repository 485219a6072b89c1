package reward

// SlashingPolicy penalises participants with no qualifying activity
type SlashingPolicy struct {
	PercentPerDay float64
}

// ComputeSlash returns the balance left after one day's penalty
func (p SlashingPolicy) ComputeSlash(priorBalance float64) float64 {
	return (1 - p.PercentPerDay) * priorBalance
}
