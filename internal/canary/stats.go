package canary

import "math"

// welchTTest computes Welch's t-test
// between control and candidate samples, returning the mean delta
// (candidate - control) and a two-sided significance p-value approximated
// via the normal distribution when the combined sample is large (the
// standard approximation used once degrees of freedom exceed ~30; gate
// KPIs in this system are always sampled in the thousands).
func welchTTest(control, candidate []float64) (delta float64, p float64) {
	if len(control) < 2 || len(candidate) < 2 {
		return 0, 1.0
	}

	cMean, cVar := meanVar(control)
	dMean, dVar := meanVar(candidate)
	delta = dMean - cMean

	se := math.Sqrt(cVar/float64(len(control)) + dVar/float64(len(candidate)))
	if se == 0 {
		if delta == 0 {
			return 0, 1.0
		}
		return delta, 0.0
	}

	t := delta / se
	p = twoSidedNormalP(t)
	return delta, p
}

func meanVar(xs []float64) (mean, variance float64) {
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / n

	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	variance = ss / (n - 1)
	return mean, variance
}

// twoSidedNormalP approximates the two-sided p-value for a standard normal
// statistic using the complementary error function.
func twoSidedNormalP(z float64) float64 {
	if z < 0 {
		z = -z
	}
	return math.Erfc(z / math.Sqrt2)
}

// bonferroniAdjustedConfidence derives an aggregate confidence level from
// the minimum per-KPI p-value, Bonferroni-adjusted by the gate-set size.
func bonferroniAdjustedConfidence(minP float64, gateSetSize int) float64 {
	if gateSetSize <= 0 {
		gateSetSize = 1
	}
	adjustedP := minP * float64(gateSetSize)
	if adjustedP > 1 {
		adjustedP = 1
	}
	return 1 - adjustedP
}
