package consensus

import "sort"

// TrimmedMean averages the values after discarding the trim fraction from
// each tail. With fewer than three values nothing is trimmed.
func TrimmedMean(values []float64, trim float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	cut := 0
	if len(sorted) >= 3 {
		cut = int(float64(len(sorted)) * trim)
	}
	kept := sorted[cut : len(sorted)-cut]
	var sum float64
	for _, v := range kept {
		sum += v
	}
	return sum / float64(len(kept))
}

// Median returns the middle value, averaging the central pair for even
// counts.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
