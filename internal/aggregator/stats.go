package aggregator

import (
	"math"
	"sort"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
)

// computeStats derives the descriptive statistics §4.8 requires over
// one numeric column. Grounded on the mean/stddev arithmetic
// `internal/job-budgeting/aggregator.go`'s `calculateDailyAggregate`
// performs over a batch of costs, generalized to a reusable helper
// rather than copied inline per caller.
func computeStats(values []float64) model.Stats {
	if len(values) == 0 {
		return model.Stats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	variance := 0.0
	for _, v := range sorted {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(sorted))

	return model.Stats{
		Min:    sorted[0],
		Mean:   mean,
		Median: median(sorted),
		Max:    sorted[len(sorted)-1],
		StdDev: math.Sqrt(variance),
	}
}

// median assumes values is already sorted ascending.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
