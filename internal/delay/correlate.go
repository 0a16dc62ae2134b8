package delay

import "math"

// CrossCorrelate returns the lag in [-maxLag, maxLag] that best aligns target
// with ref, and the normalized correlation at that lag clipped to [0, 1].
// Samples shifted outside the window do not contribute.
func CrossCorrelate(ref, target []int16, maxLag int) (int, float64) {
	n := min(len(ref), len(target))
	if n == 0 {
		return 0, 0
	}
	maxLag = min(maxLag, n-1)

	var refEnergy, targetEnergy float64
	for i := 0; i < n; i++ {
		r, t := float64(ref[i]), float64(target[i])
		refEnergy += r * r
		targetEnergy += t * t
	}
	norm := math.Sqrt(refEnergy * targetEnergy)
	if norm == 0 {
		return 0, 0
	}

	bestLag := 0
	bestCorr := math.Inf(-1)
	for lag := -maxLag; lag <= maxLag; lag++ {
		lo := max(0, -lag)
		hi := min(n, n-lag)

		var sum float64
		for i := lo; i < hi; i++ {
			sum += float64(ref[i]) * float64(target[i+lag])
		}

		// Ties go to the smaller absolute lag
		if sum > bestCorr || (sum == bestCorr && abs(lag) < abs(bestLag)) {
			bestCorr = sum
			bestLag = lag
		}
	}

	confidence := bestCorr / norm
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return bestLag, confidence
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
