package utils

// PercentChange reports the relative change from old to new as a percentage.
// A zero baseline yields zero rather than a division artifact.
func PercentChange(old, new float64) float64 {
	if old == 0 {
		return 0
	}
	return (new - old) / old * 100
}
